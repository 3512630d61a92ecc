package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Set groups the handlers mounted under /api/v1 and /ws.
type Set struct {
	Guide     *GuideHandler
	Ballot    *BallotHandler
	Feedback  *FeedbackHandler
	WebSocket *WebSocketHandler
}

// Register mounts the routes. generation wraps the expensive guide routes
// (rate limiting, request validation) and may be empty.
func (s Set) Register(app *fiber.App, generation ...fiber.Handler) {
	api := app.Group("/api/v1")

	guideChain := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, generation...), h)
	}
	api.Post("/guide", guideChain(s.Guide.Generate)...)
	api.Post("/guide/stream", guideChain(s.Guide.Stream)...)
	api.Get("/guide/:session", s.Guide.Get)

	api.Get("/ballot", s.Ballot.GetBallot)
	api.Put("/ballot", s.Ballot.PutBallot)

	api.Post("/feedback/override", s.Feedback.SubmitOverride)
	api.Post("/analytics", s.Feedback.Track)

	if s.WebSocket != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/guide", websocket.New(s.WebSocket.HandleConnection))
	}
}
