package handlers

import (
	"bytes"
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/ingestion"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/pkg/logger"
)

// CountyAvailableHeader tells the client whether local races were merged in.
const CountyAvailableHeader = "X-County-Ballot-Available"

type BallotHandler struct {
	store      *ballotstore.Store
	importer   *ingestion.Importer
	adminToken string
}

// NewBallotHandler serves ballot documents. Imports require adminToken as a
// bearer token; an empty token disables the import route.
func NewBallotHandler(store *ballotstore.Store, adminToken string) *BallotHandler {
	return &BallotHandler{store: store, importer: ingestion.NewImporter(store), adminToken: adminToken}
}

// GetBallot returns the merged statewide and county ballot for a party.
func (h *BallotHandler) GetBallot(c *fiber.Ctx) error {
	party, err := ballot.ParseParty(c.Query("party"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "party must be republican or democrat",
		})
	}
	county := strings.TrimSpace(c.Query("county"))

	r, err := h.store.Resolve(c.UserContext(), party, county, c.Get(fiber.HeaderIfNoneMatch))
	if err != nil {
		logger.Error("Failed to resolve ballot",
			zap.String("party", string(party)),
			zap.String("county", county),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load ballot",
		})
	}

	if r.Found {
		c.Set(CountyAvailableHeader, strconv.FormatBool(r.CountyAvailable))
	}
	return writeLookup(c, "ballot", r.Found, r.NotModified, r.Fingerprint, r.Ballot)
}

// writeLookup answers 404 for a missing document, 304 for a matching
// fingerprint and 200 with an ETag otherwise.
func writeLookup(c *fiber.Ctx, kind string, found, notModified bool, fp string, b ballot.Ballot) error {
	c.Set(fiber.HeaderCacheControl, "no-cache")
	switch {
	case !found:
		metrics.BallotFetches.WithLabelValues("missing").Inc()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No " + kind + " generated yet",
		})
	case notModified:
		metrics.BallotFetches.WithLabelValues("not_modified").Inc()
		c.Set(fiber.HeaderETag, fp)
		return c.SendStatus(fiber.StatusNotModified)
	}
	metrics.BallotFetches.WithLabelValues("ok").Inc()
	c.Set(fiber.HeaderETag, fp)
	return c.JSON(b)
}

// PutBallot replaces the statewide or county document for a party.
func (h *BallotHandler) PutBallot(c *fiber.Ctx) error {
	if !h.authorized(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	party, err := ballot.ParseParty(c.Query("party"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "party must be republican or democrat",
		})
	}
	scope := strings.TrimSpace(c.Query("scope", ballotstore.ScopeStatewide))
	if err := ingestion.ValidScope(scope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	res, err := h.importer.Import(c.UserContext(), party, scope, bytes.NewReader(c.Body()))
	if err != nil {
		logger.Warn("Ballot import rejected",
			zap.String("party", string(party)),
			zap.String("scope", scope),
			zap.Error(err),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Set(fiber.HeaderETag, res.Fingerprint)
	return c.JSON(res)
}

func (h *BallotHandler) authorized(c *fiber.Ctx) bool {
	if h.adminToken == "" {
		return false
	}
	got := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}
