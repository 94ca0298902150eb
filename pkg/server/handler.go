package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/homelab-tools/dockmaster/pkg/admission"
	"github.com/homelab-tools/dockmaster/pkg/container"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
	"github.com/homelab-tools/dockmaster/pkg/logging"
	"github.com/homelab-tools/dockmaster/pkg/orchestrator"
)

// Handler exposes the engine's contract over HTTP. It only translates:
// all decisions live in the orchestrator and below.
type Handler struct {
	orch   *orchestrator.Orchestrator
	detect func() (hardware.Profile, error)
	logger logging.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, detect func() (hardware.Profile, error), logger logging.Logger) *Handler {
	return &Handler{orch: orch, detect: detect, logger: logger}
}

// Register mounts the API routes.
func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	containers := v1.Group("/containers")
	containers.Get("/", h.ListContainers)
	containers.Post("/", h.CreateContainer)
	containers.Get("/:name", h.GetContainer)
	containers.Post("/:name/stop", h.StopContainer)
	containers.Post("/:name/restart", h.RestartContainer)
	containers.Delete("/:name", h.RemoveContainer)
	containers.Get("/:name/logs", h.ContainerLogs)
	containers.Get("/:name/history", h.GetTransitionHistory)

	v1.Get("/hardware", h.GetHardwareProfile)
	v1.Post("/hardware/refresh", h.RefreshHardwareProfile)
	v1.Get("/health", h.GetHealth)
}

type portMappingRequest struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol"`
}

type createContainerRequest struct {
	Name          string               `json:"name"`
	Image         string               `json:"image"`
	Environment   string               `json:"environment"`
	Ports         []portMappingRequest `json:"ports"`
	AutoStart     *bool                `json:"auto_start"`
	PullIfMissing bool                 `json:"pull_if_missing"`
}

func (h *Handler) CreateContainer(c *fiber.Ctx) error {
	var req createContainerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	spec := container.Spec{
		Name:          req.Name,
		Image:         req.Image,
		Environment:   req.Environment,
		AutoStart:     true,
		PullIfMissing: req.PullIfMissing,
	}
	if req.AutoStart != nil {
		spec.AutoStart = *req.AutoStart
	}
	for _, port := range req.Ports {
		protocol := container.Protocol(port.Protocol)
		if protocol == "" {
			protocol = container.ProtocolTCP
		}
		spec.Ports = append(spec.Ports, container.PortMapping{
			HostPort:      port.HostPort,
			ContainerPort: port.ContainerPort,
			Protocol:      protocol,
		})
	}

	managed, err := h.orch.CreateContainer(c.Context(), spec)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(managed)
}

func (h *Handler) ListContainers(c *fiber.Ctx) error {
	return c.JSON(h.orch.ListManaged())
}

func (h *Handler) GetContainer(c *fiber.Ctx) error {
	managed, err := h.orch.GetContainer(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(managed)
}

func (h *Handler) StopContainer(c *fiber.Ctx) error {
	if err := h.orch.StopContainer(c.Context(), c.Params("name")); err != nil {
		return h.renderError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *Handler) RestartContainer(c *fiber.Ctx) error {
	managed, err := h.orch.RestartContainer(c.Context(), c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(managed)
}

func (h *Handler) RemoveContainer(c *fiber.Ctx) error {
	if err := h.orch.RemoveContainer(c.Context(), c.Params("name")); err != nil {
		return h.renderError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *Handler) ContainerLogs(c *fiber.Ctx) error {
	logs, err := h.orch.ContainerLogs(c.Context(), c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}
	c.Set("Content-Type", "text/plain")
	return c.SendStream(logs)
}

type transitionResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (h *Handler) GetTransitionHistory(c *fiber.Ctx) error {
	history, err := h.orch.TransitionHistory(c.Params("name"))
	if err != nil {
		return h.renderError(c, err)
	}

	out := make([]transitionResponse, 0, len(history))
	for _, transition := range history {
		row := transitionResponse{
			From:      string(transition.From),
			To:        string(transition.To),
			Operation: transition.Operation,
			Timestamp: transition.Timestamp,
		}
		if transition.Error != nil {
			row.Error = transition.Error.Error()
		}
		out = append(out, row)
	}
	return c.JSON(out)
}

func (h *Handler) GetHardwareProfile(c *fiber.Ctx) error {
	return c.JSON(h.orch.Profile())
}

func (h *Handler) RefreshHardwareProfile(c *fiber.Ctx) error {
	profile, err := h.detect()
	if err != nil {
		return h.renderError(c, err)
	}
	h.orch.SetProfile(profile)
	return c.JSON(profile)
}

func (h *Handler) GetHealth(c *fiber.Ctx) error {
	report := h.orch.Health(c.Context())
	status := fiber.StatusOK
	if report.Overall != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

// renderError is the single place engine errors become HTTP responses.
func (h *Handler) renderError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	body := fiber.Map{"error": err.Error()}

	switch {
	case errors.IsAdmissionError(err):
		status = fiber.StatusConflict
		if reason, ok := admission.ReasonOf(err); ok {
			body["reason"] = reason
			if reason == admission.ReasonInvalidSpec {
				status = fiber.StatusBadRequest
			}
		}
	case errors.IsValidationError(err):
		status = fiber.StatusBadRequest
	case errors.IsNotFoundError(err):
		status = fiber.StatusNotFound
	case errors.IsConflictError(err):
		status = fiber.StatusConflict
	case errors.IsUnreachableError(err):
		status = fiber.StatusServiceUnavailable
	case errors.IsTimeoutError(err):
		status = fiber.StatusGatewayTimeout
	}

	return c.Status(status).JSON(body)
}
