package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/guide"
)

// GuideRequestKey is the fiber.Ctx local holding the parsed guide.Request.
const GuideRequestKey = "guide_request"

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxFreeFormLength   int
	MaxListItems        int
	MaxItemLength       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxFreeFormLength == 0 {
		cfg.MaxFreeFormLength = 2000
	}
	if cfg.MaxListItems == 0 {
		cfg.MaxListItems = 20
	}
	if cfg.MaxItemLength == 0 {
		cfg.MaxItemLength = 200
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		if c.Method() != fiber.MethodPost || !strings.HasPrefix(c.Path(), "/api/v1/guide") {
			return c.Next()
		}

		var req guide.Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if msg := checkRequest(cfg, &req); msg != "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": msg,
			})
		}

		if containsXSS(req.Profile.FreeForm) || anyXSS(req.Profile.TopIssues) || anyXSS(req.Profile.PolicyViews) || anyXSS(req.Profile.CandidateQualities) {
			cfg.Logger.Warn("Potential XSS attempt", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid profile content",
			})
		}

		req.Profile.FreeForm = sanitizeString(req.Profile.FreeForm)
		req.Profile.PoliticalSpectrum = sanitizeString(req.Profile.PoliticalSpectrum)
		req.Profile.TopIssues = sanitizeList(req.Profile.TopIssues)
		req.Profile.CandidateQualities = sanitizeList(req.Profile.CandidateQualities)
		req.Profile.PolicyViews = sanitizeList(req.Profile.PolicyViews)

		if err := req.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		c.Locals(GuideRequestKey, req)
		return c.Next()
	}
}

// checkRequest enforces size limits and returns a client-facing message.
func checkRequest(cfg Config, req *guide.Request) string {
	p := req.Profile
	if len(p.FreeForm) > cfg.MaxFreeFormLength {
		return "Free-form context exceeds maximum length"
	}
	for _, list := range [][]string{p.TopIssues, p.CandidateQualities, p.PolicyViews} {
		if len(list) > cfg.MaxListItems {
			return "Too many profile entries"
		}
		for _, item := range list {
			if len(item) > cfg.MaxItemLength {
				return "Profile entry exceeds maximum length"
			}
		}
	}
	if len(req.ModelOverride) > 100 || len(req.SessionID) > 100 {
		return "Identifier exceeds maximum length"
	}
	return ""
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func anyXSS(items []string) bool {
	for _, s := range items {
		if containsXSS(s) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}

func sanitizeList(items []string) []string {
	if items == nil {
		return nil
	}
	out := items[:0]
	for _, s := range items {
		if s = sanitizeString(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
