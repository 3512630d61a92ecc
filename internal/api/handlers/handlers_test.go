package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/analytics"
	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/feedback"
	"github.com/ballot-guide/backend/internal/guide"
	"github.com/ballot-guide/backend/internal/middleware/ratelimit"
	"github.com/ballot-guide/backend/internal/middleware/validation"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/internal/recommend/recommendtest"
	"github.com/ballot-guide/backend/internal/storage/sqlite"
	"github.com/ballot-guide/backend/internal/stream"
)

const adminToken = "test-admin"

type testServer struct {
	app   *fiber.App
	db    *sqlite.Client
	store *ballotstore.Store
	gen   *recommendtest.Stub
	queue *dispatch.Queue
}

func newTestServer(t *testing.T, maxEvents int) *testServer {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	store := ballotstore.New(db, nil)
	gen := &recommendtest.Stub{}
	orch := guide.NewOrchestrator(store, gen, nil, db, guide.Config{RaceConcurrency: 2})
	queue := dispatch.NewQueue("test", 64, 1, time.Second)
	t.Cleanup(func() { queue.Close(context.Background()) })

	cfg := GuideHandlerConfig{GenerationTimeout: 10 * time.Second, PersistOnDisconnect: true}
	set := Set{
		Guide:    NewGuideHandler(orch, store, cfg),
		Ballot:   NewBallotHandler(store, adminToken),
		Feedback: NewFeedbackHandler(feedback.NewService(db, queue), analytics.NewIntake(ratelimit.NewFixedWindow(), db, queue, maxEvents, time.Minute)),
	}

	app := fiber.New()
	set.Register(app, validation.Middleware(validation.Config{}))
	return &testServer{app: app, db: db, store: store, gen: gen, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (s *testServer) importBallot(t *testing.T, party ballot.Party, scope string, b ballot.Ballot) string {
	t.Helper()
	resp := s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/ballot?party=%s&scope=%s", party, scope), b,
		map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get("ETag")
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func statewideBallot() ballot.Ballot {
	return ballot.Ballot{
		Races: []ballot.Race{
			{Office: "Governor", Candidates: []ballot.Candidate{{Name: "Solo"}}},
			{Office: "U.S. Senator", Candidates: []ballot.Candidate{{Name: "A"}, {Name: "B"}}},
		},
		Propositions: []ballot.Proposition{{Number: 3, Title: "Bonds"}},
	}
}

func guideBody(party ballot.Party) map[string]any {
	return map[string]any{
		"party":   party,
		"profile": map[string]any{"topIssues": []string{"schools"}, "politicalSpectrum": "moderate"},
	}
}

func TestBallot_MissingIs404(t *testing.T) {
	s := newTestServer(t, 100)
	resp := s.do(t, http.MethodGet, "/api/v1/ballot?party=democrat", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/ballot?party=green", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBallot_ImportRequiresToken(t *testing.T) {
	s := newTestServer(t, 100)
	resp := s.do(t, http.MethodPut, "/api/v1/ballot?party=democrat", statewideBallot(), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/api/v1/ballot?party=democrat&scope=guide:x", statewideBallot(),
		map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBallot_ConditionalFetch(t *testing.T) {
	s := newTestServer(t, 100)
	etag := s.importBallot(t, ballot.PartyDemocrat, "statewide", statewideBallot())

	resp := s.do(t, http.MethodGet, "/api/v1/ballot?party=democrat", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))
	assert.Equal(t, "false", resp.Header.Get(CountyAvailableHeader))
	var b ballot.Ballot
	decodeBody(t, resp, &b)
	assert.Len(t, b.Races, 2)

	resp = s.do(t, http.MethodGet, "/api/v1/ballot?party=democrat", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	changed := statewideBallot()
	changed.Races[0].Candidates[0].Summary = "Correction"
	newTag := s.importBallot(t, ballot.PartyDemocrat, "statewide", changed)
	require.NotEqual(t, etag, newTag)

	resp = s.do(t, http.MethodGet, "/api/v1/ballot?party=democrat", nil, map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusOK, resp.StatusCode, "stale fingerprint gets the full ballot")
	assert.Equal(t, newTag, resp.Header.Get("ETag"))
	decodeBody(t, resp, &b)
	assert.Equal(t, "Correction", b.Races[0].Candidates[0].Summary)
}

func TestBallot_CountyMerge(t *testing.T) {
	s := newTestServer(t, 100)
	s.importBallot(t, ballot.PartyRepublican, "statewide", statewideBallot())
	s.importBallot(t, ballot.PartyRepublican, "48453", ballot.Ballot{
		Races: []ballot.Race{{Office: "County Judge", Candidates: []ballot.Candidate{{Name: "X"}, {Name: "Y"}}}},
	})

	resp := s.do(t, http.MethodGet, "/api/v1/ballot?party=republican&county=48453", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(CountyAvailableHeader))
	var b ballot.Ballot
	decodeBody(t, resp, &b)
	assert.Len(t, b.Races, 3)

	resp = s.do(t, http.MethodGet, "/api/v1/ballot?party=republican&county=99999", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "false", resp.Header.Get(CountyAvailableHeader))
}

func TestGuide_Blocking(t *testing.T) {
	s := newTestServer(t, 100)
	s.importBallot(t, ballot.PartyDemocrat, "statewide", statewideBallot())

	resp := s.do(t, http.MethodPost, "/api/v1/guide", guideBody(ballot.PartyDemocrat), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Ballot       ballot.Ballot `json:"ballot"`
		SessionID    string        `json:"sessionId"`
		BalanceScore int           `json:"balanceScore"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.SessionID)
	require.Len(t, out.Ballot.Races, 2)
	assert.Nil(t, out.Ballot.Races[0].Recommendation, "uncontested Governor")
	require.NotNil(t, out.Ballot.Races[1].Recommendation)
	assert.Equal(t, "A", out.Ballot.Races[1].Recommendation.CandidateName)

	resp = s.do(t, http.MethodGet, "/api/v1/guide/"+out.SessionID+"?party=democrat", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	resp = s.do(t, http.MethodGet, "/api/v1/guide/"+out.SessionID+"?party=democrat", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/guide/"+out.SessionID+"?party=republican", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGuide_BlockingErrors(t *testing.T) {
	s := newTestServer(t, 100)

	resp := s.do(t, http.MethodPost, "/api/v1/guide", map[string]any{"party": "democrat"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty profile")

	resp = s.do(t, http.MethodPost, "/api/v1/guide", guideBody(ballot.PartyDemocrat), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no ballot imported yet")

	s.importBallot(t, ballot.PartyDemocrat, "statewide", statewideBallot())
	down := fmt.Errorf("%w: dial tcp", recommend.ErrUnavailable)
	s.gen.ProfileErr = down
	s.gen.RaceFn = func(context.Context, ballot.Race) (*ballot.RaceRecommendation, error) { return nil, down }
	s.gen.PropFn = func(context.Context, ballot.Proposition) (*ballot.PropositionRecommendation, error) { return nil, down }

	resp = s.do(t, http.MethodPost, "/api/v1/guide", guideBody(ballot.PartyDemocrat), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGuide_RejectsScriptInProfile(t *testing.T) {
	s := newTestServer(t, 100)
	body := guideBody(ballot.PartyDemocrat)
	body["profile"] = map[string]any{"freeform": "<script>alert(1)</script>"}
	resp := s.do(t, http.MethodPost, "/api/v1/guide", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGuide_Stream(t *testing.T) {
	s := newTestServer(t, 100)
	s.importBallot(t, ballot.PartyDemocrat, "statewide", statewideBallot())

	resp := s.do(t, http.MethodPost, "/api/v1/guide/stream", guideBody(ballot.PartyDemocrat), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	defer resp.Body.Close()

	var types []stream.EventType
	require.NoError(t, stream.Decode(resp.Body, func(ev stream.Event) error {
		types = append(types, ev.Type)
		return nil
	}))

	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventMeta, types[0])
	assert.Equal(t, stream.EventComplete, types[len(types)-1])
	assert.Contains(t, types, stream.EventRace)
	assert.Contains(t, types, stream.EventProposition)
}

func TestFeedback_Override(t *testing.T) {
	s := newTestServer(t, 100)

	resp := s.do(t, http.MethodPost, "/api/v1/feedback/override", map[string]any{
		"party": "democrat", "race": "U.S. Senator", "from": "A", "to": "B", "reason": "met them", "lang": "en",
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/feedback/override", map[string]any{"party": "democrat"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.NoError(t, s.queue.Close(context.Background()))
	list, err := s.db.ListOverrideFeedback(context.Background(), "democrat", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAnalytics_Statuses(t *testing.T) {
	s := newTestServer(t, 3)

	resp := s.do(t, http.MethodPost, "/api/v1/analytics", map[string]any{"event": "guide_complete"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/analytics", map[string]any{"event": "made_up"}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var dropped map[string]bool
	decodeBody(t, resp, &dropped)
	assert.True(t, dropped["dropped"])

	resp = s.do(t, http.MethodPost, "/api/v1/analytics", map[string]any{"event": "guide_complete"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/analytics", map[string]any{"event": "guide_complete"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
