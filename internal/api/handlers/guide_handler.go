package handlers

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/guide"
	"github.com/ballot-guide/backend/internal/middleware/validation"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/internal/stream"
	"github.com/ballot-guide/backend/pkg/logger"
)

type GuideHandlerConfig struct {
	GenerationTimeout   time.Duration
	PersistOnDisconnect bool
}

type GuideHandler struct {
	orch  *guide.Orchestrator
	store *ballotstore.Store
	cfg   GuideHandlerConfig
}

func NewGuideHandler(orch *guide.Orchestrator, store *ballotstore.Store, cfg GuideHandlerConfig) *GuideHandler {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 5 * time.Minute
	}
	return &GuideHandler{orch: orch, store: store, cfg: cfg}
}

// request returns the body parsed by the validation middleware, or parses it
// when the middleware is not mounted.
func (h *GuideHandler) request(c *fiber.Ctx) (guide.Request, error) {
	if req, ok := c.Locals(validation.GuideRequestKey).(guide.Request); ok {
		return req, nil
	}
	var req guide.Request
	if err := c.BodyParser(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	return req, req.Validate()
}

func generationStatus(err error) int {
	switch {
	case errors.Is(err, guide.ErrGenerationInFlight):
		return fiber.StatusConflict
	case errors.Is(err, guide.ErrNoBallotData):
		return fiber.StatusNotFound
	case errors.Is(err, recommend.ErrUnavailable):
		return fiber.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

// Generate runs the whole pipeline and answers once with the final ballot.
func (h *GuideHandler) Generate(c *fiber.Ctx) error {
	req, err := h.request(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.cfg.GenerationTimeout)
	defer cancel()

	res, err := h.orch.Run(ctx, req, nil)
	if err != nil {
		status := generationStatus(err)
		if status >= fiber.StatusInternalServerError {
			logger.Error("Guide generation failed",
				zap.String("party", string(req.Party)),
				zap.Error(err),
			)
		}
		return c.Status(status).JSON(fiber.Map{
			"error": errorMessage(err),
		})
	}

	c.Set(fiber.HeaderETag, res.Fingerprint)
	return c.JSON(fiber.Map{
		"ballot":                res.Ballot,
		"sessionId":             res.SessionID,
		"balanceScore":          res.BalanceScore,
		"countyBallotAvailable": res.CountyBallotAvailable,
		"profileSummary":        res.Profile,
	})
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, guide.ErrGenerationInFlight):
		return guide.ErrGenerationInFlight.Error()
	case errors.Is(err, guide.ErrNoBallotData):
		return guide.ErrNoBallotData.Error()
	case errors.Is(err, recommend.ErrUnavailable):
		return "Recommendation service unavailable, please retry"
	case errors.Is(err, context.DeadlineExceeded):
		return "Guide generation timed out, please retry"
	}
	return "Failed to generate guide"
}

// Stream runs the pipeline and writes each event as an SSE frame. A client
// that goes away stops receiving frames; the run itself continues and
// persists unless PersistOnDisconnect is off.
func (h *GuideHandler) Stream(c *fiber.Ctx) error {
	req, err := h.request(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if h.orch.InFlight(req.SessionID, req.Party) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": guide.ErrGenerationInFlight.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GenerationTimeout)
		defer cancel()

		gone := false
		emit := func(ev stream.Event) {
			if gone {
				return
			}
			err := stream.WriteFrame(w, ev)
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				gone = true
				logger.Info("Guide stream client disconnected",
					zap.String("session_id", req.SessionID),
					zap.String("party", string(req.Party)),
				)
				if !h.cfg.PersistOnDisconnect {
					cancel()
				}
			}
		}

		_, err := h.orch.Run(ctx, req, emit)
		if errors.Is(err, guide.ErrGenerationInFlight) {
			if ev, encErr := stream.NewEvent(stream.EventError, stream.ErrorPayload{Error: err.Error()}); encErr == nil {
				emit(ev)
			}
		}
	})
	return nil
}

// Get returns a persisted personalized ballot.
func (h *GuideHandler) Get(c *fiber.Ctx) error {
	party, err := ballot.ParseParty(c.Query("party"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "party must be republican or democrat",
		})
	}
	sessionID := c.Params("session")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session is required",
		})
	}

	l, err := h.store.Get(c.UserContext(), party, ballotstore.GuideScope(sessionID), c.Get(fiber.HeaderIfNoneMatch))
	if err != nil {
		logger.Error("Failed to load guide", zap.String("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load guide",
		})
	}
	return writeLookup(c, "guide", l.Found, l.NotModified, l.Fingerprint, l.Ballot)
}
