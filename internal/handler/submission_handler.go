package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// TimeoutHeader carries the client's poll budget in seconds.
const TimeoutHeader = "X-API-TIMEOUT"

// ResultPoller waits a bounded time for a submission's result.
type ResultPoller interface {
	Poll(ctx context.Context, id uuid.UUID, timeout int, deleteOnSuccess bool) (service.PollOutcome, error)
}

// SubmissionHandler exposes the submission endpoints.
type SubmissionHandler struct {
	service        service.EvaluationService
	poller         ResultPoller
	defaultTimeout int
	logger         zerolog.Logger
}

// NewSubmissionHandler constructs the handler. defaultTimeout applies when a result
// request carries no timeout header.
func NewSubmissionHandler(service service.EvaluationService, poller ResultPoller, defaultTimeout int, logger zerolog.Logger) *SubmissionHandler {
	if defaultTimeout < 0 {
		defaultTimeout = 0
	}
	return &SubmissionHandler{
		service:        service,
		poller:         poller,
		defaultTimeout: defaultTimeout,
		logger:         logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register wires the handler endpoints into the router group. Extra handlers run in
// front of the submit endpoint only.
func (h *SubmissionHandler) Register(router fiber.Router, submitMiddleware ...fiber.Handler) {
	router.Post("", append(submitMiddleware, h.submit)...)
	router.Get("", h.list)
	router.Get("/:id/result", h.result)
	router.Delete("/:id", h.delete)
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	var payload dto.SubmitSubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	background := c.QueryBool("runInBackground", false)
	persist := c.QueryBool("persist", true)
	ctx := c.UserContext()

	if background {
		id, err := h.service.Enqueue(ctx, payload)
		if err != nil {
			return h.handleError(c, err)
		}
		c.Location(resultLocation(c, id))
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "submission queued", dto.EnqueueResponse{ID: id})
	}

	response, err := h.service.Execute(ctx, payload, persist)
	if err != nil {
		return h.handleError(c, err)
	}
	if response.ID != nil {
		c.Location(resultLocation(c, *response.ID))
	}
	return utils.SendSuccess(c, "submission graded", response)
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "page must be a number")
	}
	size, err := parseQueryInt(c, "size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "size must be a number")
	}

	query := dto.SubmissionQuery{
		Page:             page,
		Size:             size,
		Sort:             queryValues(c, "sort"),
		UserFilter:       optionalQuery(c, "userFilter"),
		AssignmentFilter: optionalQuery(c, "assignmentFilter"),
		ModeFilter:       optionalQuery(c, "modeFilter"),
	}
	if raw := optionalQuery(c, "taskFilter"); raw != nil {
		taskID, err := strconv.ParseInt(*raw, 10, 64)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "taskFilter must be a number")
		}
		query.TaskFilter = &taskID
	}

	response, err := h.service.GetSubmissions(c.UserContext(), query)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submissions retrieved", response)
}

func (h *SubmissionHandler) result(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission id")
	}

	timeout := h.defaultTimeout
	if raw := strings.TrimSpace(c.Get(TimeoutHeader)); raw != "" {
		timeout, err = strconv.Atoi(raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, TimeoutHeader+" must be a whole number of seconds")
		}
	}

	outcome, err := h.poller.Poll(c.UserContext(), id, timeout, c.QueryBool("delete", false))
	if err != nil {
		return h.handleError(c, err)
	}
	if outcome.State == service.PollStateTimeout {
		return utils.SendError(c, fiber.StatusRequestTimeout, "result not available yet, retry later")
	}
	return utils.SendSuccess(c, "result retrieved", outcome.Result)
}

func (h *SubmissionHandler) delete(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission id")
	}
	if err := h.service.Delete(c.UserContext(), id); err != nil {
		return h.handleError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	if details, ok := validationDetails(err); ok {
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", details)
	}

	switch {
	case errors.Is(err, service.ErrInvalidPayload),
		errors.Is(err, service.ErrInvalidSort),
		errors.Is(err, service.ErrInvalidFilter):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSubmissionNotFound), errors.Is(err, service.ErrTaskNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrGradingFailed), errors.Is(err, service.ErrInvalidGradingResult):
		requestLogger(h.logger, c).Warn().Err(err).Msg("inline grading failed")
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("submission operation failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func resultLocation(c *fiber.Ctx, id uuid.UUID) string {
	return c.BaseURL() + "/api/submission/" + id.String() + "/result"
}
