package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/homelab-tools/dockmaster/pkg/logging"
)

// CheckFunc probes one target and returns nil when it is healthy.
type CheckFunc func(ctx context.Context, target string) error

// TargetsFunc returns the set of targets to probe this sweep.
type TargetsFunc func() []string

// ObserverFunc is invoked after every check with the target's current
// consecutive-failure count. Used to keep per-target observed status
// current without the monitor knowing what a target is.
type ObserverFunc func(target string, consecutiveFailures int, err error)

// Event signals that a target crossed the failure threshold and needs
// reconciliation. Emitted exactly once per crossing; detection and
// remediation are deliberately separated so remediation policy can
// change without touching this loop.
type Event struct {
	Target              string
	ConsecutiveFailures int
	LastError           string
	Timestamp           time.Time
}

// Options tune the monitor loop.
type Options struct {
	Interval         time.Duration
	CheckTimeout     time.Duration
	FailureThreshold int
	MaxConcurrent    int
	EventBuffer      int
}

// DefaultOptions returns the monitor settings used when the config file
// leaves them unset.
func DefaultOptions() Options {
	return Options{
		Interval:         30 * time.Second,
		CheckTimeout:     5 * time.Second,
		FailureThreshold: 3,
		MaxConcurrent:    4,
		EventBuffer:      16,
	}
}

// Monitor is a generic heartbeat-based liveness detector: it sweeps a
// set of targets on a fixed interval, tracks consecutive failures per
// target, and emits one Event when a target crosses the threshold.
// It never mutates the targets it watches.
type Monitor struct {
	options  Options
	targets  TargetsFunc
	check    CheckFunc
	observer ObserverFunc
	events   chan Event
	failures map[string]int
	stopChan chan struct{}
	wg       sync.WaitGroup
	mutex    sync.Mutex
	logger   logging.Logger
}

// NewMonitor wires a monitor; observer may be nil.
func NewMonitor(options Options, targets TargetsFunc, check CheckFunc, observer ObserverFunc, logger logging.Logger) *Monitor {
	if options.MaxConcurrent < 1 {
		options.MaxConcurrent = 1
	}
	if options.FailureThreshold < 1 {
		options.FailureThreshold = 1
	}
	if options.EventBuffer < 1 {
		options.EventBuffer = 1
	}
	return &Monitor{
		options:  options,
		targets:  targets,
		check:    check,
		observer: observer,
		events:   make(chan Event, options.EventBuffer),
		failures: make(map[string]int),
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Events is the reconciliation feed. Consumed by the orchestrator.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

func (m *Monitor) Start() {
	m.logger.Infof("Starting health monitor, interval: %v, threshold: %d", m.options.Interval, m.options.FailureThreshold)
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) Stop() {
	m.logger.Infof("Stopping health monitor")
	close(m.stopChan)
	m.wg.Wait()
	// No sender remains; closing lets consumers drain and return.
	close(m.events)
	m.logger.Infof("Health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopChan:
			return
		}
	}
}

// Sweep probes every current target once, with bounded concurrency.
// Exported so callers can force an immediate pass (startup, tests).
func (m *Monitor) Sweep() {
	targets := m.targets()
	m.pruneStale(targets)

	if len(targets) == 0 {
		return
	}
	m.logger.Debugf("Health sweep starting, targets: %d", len(targets))

	semaphore := make(chan struct{}, m.options.MaxConcurrent)
	var sweepWG sync.WaitGroup
	for _, target := range targets {
		sweepWG.Add(1)
		semaphore <- struct{}{}
		go func(target string) {
			defer sweepWG.Done()
			defer func() { <-semaphore }()
			m.checkOne(target)
		}(target)
	}
	sweepWG.Wait()
}

func (m *Monitor) checkOne(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.options.CheckTimeout)
	defer cancel()

	err := m.check(ctx, target)

	m.mutex.Lock()
	if err == nil {
		m.failures[target] = 0
	} else {
		m.failures[target]++
	}
	failures := m.failures[target]
	m.mutex.Unlock()

	if m.observer != nil {
		m.observer(target, failures, err)
	}

	if err == nil {
		return
	}

	m.logger.Warnf("Health check failed, target: %s, consecutive_failures: %d, error: %v", target, failures, err)

	// Emit only on the exact crossing so one divergence produces one
	// reconciliation event.
	if failures != m.options.FailureThreshold {
		return
	}

	event := Event{
		Target:              target,
		ConsecutiveFailures: failures,
		LastError:           err.Error(),
		Timestamp:           time.Now(),
	}
	select {
	case m.events <- event:
		m.logger.Infof("Reconciliation event emitted, target: %s", target)
	default:
		m.logger.Errorf("Reconciliation event dropped, channel full, target: %s", target)
	}
}

// pruneStale drops failure counters for targets no longer monitored so
// a name reused later starts clean.
func (m *Monitor) pruneStale(targets []string) {
	current := make(map[string]bool, len(targets))
	for _, target := range targets {
		current[target] = true
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for target := range m.failures {
		if !current[target] {
			delete(m.failures, target)
		}
	}
}
