package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/analytics"
	"github.com/ballot-guide/backend/internal/feedback"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/pkg/logger"
)

type FeedbackHandler struct {
	feedback *feedback.Service
	intake   *analytics.Intake
}

func NewFeedbackHandler(fb *feedback.Service, intake *analytics.Intake) *FeedbackHandler {
	return &FeedbackHandler{feedback: fb, intake: intake}
}

// SubmitOverride accepts anonymous override feedback. Storage is best-effort,
// so anything that validates gets 202.
func (h *FeedbackHandler) SubmitOverride(c *fiber.Ctx) error {
	var f override.Feedback
	if err := c.BodyParser(&f); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.feedback.Submit(f); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
	})
}

// Track accepts one analytics event: 204 when stored, 202 when dropped for
// an unknown name, 429 when the source is over its limit.
func (h *FeedbackHandler) Track(c *fiber.Ctx) error {
	var ev analytics.Event
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	outcome, err := h.intake.Accept(c.UserContext(), c.IP(), ev)
	if errors.Is(err, analytics.ErrRateLimited) {
		c.Set(fiber.HeaderRetryAfter, "60")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Rate limit exceeded",
		})
	}
	if err != nil {
		logger.Warn("Analytics intake failed", zap.Error(err))
		return c.SendStatus(fiber.StatusNoContent)
	}

	if outcome == analytics.Dropped {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"dropped": true,
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
