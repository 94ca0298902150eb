package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/logging"
)

func testLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func testOptions() Options {
	options := DefaultOptions()
	options.Interval = time.Hour // sweeps driven manually
	options.FailureThreshold = 3
	return options
}

// scriptedCheck fails the listed targets and passes everything else.
type scriptedCheck struct {
	mutex   sync.Mutex
	failing map[string]bool
}

func (s *scriptedCheck) setFailing(target string, failing bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing == nil {
		s.failing = make(map[string]bool)
	}
	s.failing[target] = failing
}

func (s *scriptedCheck) check(_ context.Context, target string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing[target] {
		return errors.NewRuntimeError("container is not running", nil)
	}
	return nil
}

func drainEvents(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case event := <-events:
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestMonitorEmitsOnceAtThreshold(t *testing.T) {
	check := &scriptedCheck{}
	check.setFailing("web", true)

	monitor := NewMonitor(testOptions(), func() []string { return []string{"web"} }, check.check, nil, testLogger())

	// Two failures: below threshold, nothing emitted.
	monitor.Sweep()
	monitor.Sweep()
	assert.Empty(t, drainEvents(monitor.Events()))

	// Third failure crosses the threshold.
	monitor.Sweep()
	events := drainEvents(monitor.Events())
	require.Len(t, events, 1)
	assert.Equal(t, "web", events[0].Target)
	assert.Equal(t, 3, events[0].ConsecutiveFailures)
	assert.NotEmpty(t, events[0].LastError)

	// Staying broken past the threshold does not re-emit.
	monitor.Sweep()
	monitor.Sweep()
	assert.Empty(t, drainEvents(monitor.Events()))
}

func TestMonitorSuccessResetsCounter(t *testing.T) {
	check := &scriptedCheck{}
	check.setFailing("web", true)

	var observed []int
	observer := func(target string, consecutiveFailures int, err error) {
		observed = append(observed, consecutiveFailures)
	}

	monitor := NewMonitor(testOptions(), func() []string { return []string{"web"} }, check.check, observer, testLogger())

	monitor.Sweep()
	monitor.Sweep()
	check.setFailing("web", false)
	monitor.Sweep()
	check.setFailing("web", true)
	monitor.Sweep()

	// 1, 2 failures, reset to 0, then the streak restarts at 1.
	assert.Equal(t, []int{1, 2, 0, 1}, observed)
	assert.Empty(t, drainEvents(monitor.Events()))
}

func TestMonitorIndependentCountersPerTarget(t *testing.T) {
	check := &scriptedCheck{}
	check.setFailing("broken", true)

	monitor := NewMonitor(testOptions(), func() []string { return []string{"broken", "healthy"} }, check.check, nil, testLogger())

	monitor.Sweep()
	monitor.Sweep()
	monitor.Sweep()

	events := drainEvents(monitor.Events())
	require.Len(t, events, 1)
	assert.Equal(t, "broken", events[0].Target)
}

func TestMonitorPrunesRemovedTargets(t *testing.T) {
	check := &scriptedCheck{}
	check.setFailing("web", true)

	targets := []string{"web"}
	var targetsMutex sync.Mutex
	targetsFunc := func() []string {
		targetsMutex.Lock()
		defer targetsMutex.Unlock()
		return append([]string(nil), targets...)
	}

	monitor := NewMonitor(testOptions(), targetsFunc, check.check, nil, testLogger())

	monitor.Sweep()
	monitor.Sweep()

	// Target disappears, then a container with the same name comes back.
	// Its streak must start from zero.
	targetsMutex.Lock()
	targets = nil
	targetsMutex.Unlock()
	monitor.Sweep()

	targetsMutex.Lock()
	targets = []string{"web"}
	targetsMutex.Unlock()
	monitor.Sweep()

	assert.Empty(t, drainEvents(monitor.Events()))

	monitor.Sweep()
	monitor.Sweep()
	events := drainEvents(monitor.Events())
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].ConsecutiveFailures)
}

func TestMonitorStartStop(t *testing.T) {
	check := &scriptedCheck{}
	options := testOptions()
	options.Interval = 5 * time.Millisecond

	monitor := NewMonitor(options, func() []string { return nil }, check.check, nil, testLogger())
	monitor.Start()
	time.Sleep(20 * time.Millisecond)
	monitor.Stop()
}

func TestMonitorStopClosesEvents(t *testing.T) {
	check := &scriptedCheck{}
	check.setFailing("web", true)

	monitor := NewMonitor(testOptions(), func() []string { return []string{"web"} }, check.check, nil, testLogger())

	monitor.Sweep()
	monitor.Sweep()
	monitor.Sweep()

	monitor.Start()
	monitor.Stop()

	// Buffered events stay readable, then the channel reports closed so
	// a range-based consumer terminates.
	event, open := <-monitor.Events()
	require.True(t, open)
	assert.Equal(t, "web", event.Target)

	_, open = <-monitor.Events()
	assert.False(t, open)
}
