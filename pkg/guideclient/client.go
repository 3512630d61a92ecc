// Package guideclient talks to the ballot guide API on behalf of one voter
// session and keeps a session.Controller in step with the server.
package guideclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ballot-guide/backend/internal/analytics"
	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/guide"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/session"
	"github.com/ballot-guide/backend/internal/stream"
	"github.com/ballot-guide/backend/pkg/logger"
	"github.com/ballot-guide/backend/pkg/retry"
)

var ErrGenerationInFlight = errors.New("a guide is already being generated for this session and party")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("guide api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("guide api: status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrGenerationInFlight && e.StatusCode == http.StatusConflict
}

// GenerationError carries the message of a stream's error event.
type GenerationError struct {
	Party   ballot.Party
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s guide generation failed: %s", e.Party, e.Message)
}

type Client struct {
	baseURL   string
	http      *http.Client
	side      *dispatch.Queue
	ownsQueue bool
	retry     retry.Config
	log       *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Generation streams can run for
// minutes, so its Timeout should be zero or generous.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithQueue sends feedback and analytics through q instead of a private queue.
func WithQueue(q *dispatch.Queue) Option {
	return func(c *Client) { c.side = q }
}

func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		retry:   retry.DefaultConfig(),
		log:     logger.Named("guideclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.side == nil {
		c.side = dispatch.NewQueue("guideclient", 64, 1, 10*time.Second)
		c.ownsQueue = true
	}
	c.retry.Retryable = transient
	return c
}

// Close drains pending feedback and analytics when the client owns its queue.
func (c *Client) Close(ctx context.Context) error {
	if !c.ownsQueue {
		return nil
	}
	return c.side.Close(ctx)
}

// GenerateGuide runs one party's generation and folds the result into ctrl.
// It streams when it can and falls back to the blocking endpoint when the
// stream cannot be opened. Bad requests and in-flight conflicts are not
// retried on the fallback.
func (c *Client) GenerateGuide(ctx context.Context, req guide.Request, ctrl *session.Controller) error {
	if req.SessionID == "" {
		req.SessionID = ctrl.SessionID()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctrl.Begin(req.Party)

	resp, err := c.post(ctx, "/api/v1/guide/stream", body, "text/event-stream")
	if err == nil && resp.StatusCode == http.StatusOK && isEventStream(resp) {
		defer resp.Body.Close()
		return c.consume(ctx, req.Party, resp.Body, ctrl)
	}

	if err == nil {
		serr := statusError(resp)
		resp.Body.Close()
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict {
			ctrl.Fail(req.Party, serr.Message)
			return serr
		}
		err = serr
	}
	if ctx.Err() != nil {
		ctrl.Fail(req.Party, "cancelled")
		return ctx.Err()
	}

	c.log.Info("Guide stream unavailable, falling back to blocking request",
		zap.String("party", string(req.Party)),
		zap.Error(err),
	)
	return c.generateBlocking(ctx, req.Party, body, ctrl)
}

func (c *Client) consume(ctx context.Context, party ballot.Party, r io.Reader, ctrl *session.Controller) error {
	var genErr *GenerationError
	err := stream.Decode(r, func(ev stream.Event) error {
		if ev.Type == stream.EventError {
			var p stream.ErrorPayload
			if err := ev.Decode(&p); err == nil {
				genErr = &GenerationError{Party: party, Message: p.Error}
			}
		}
		if err := ctrl.Apply(party, ev); err != nil {
			c.log.Warn("Dropping malformed stream event",
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
		return nil
	})

	if err != nil && ctx.Err() != nil {
		ctrl.Fail(party, "cancelled")
		return ctx.Err()
	}
	if err != nil {
		// What arrived before the drop is kept.
		c.log.Warn("Guide stream ended early", zap.String("party", string(party)), zap.Error(err))
	}
	ctrl.Finish(party)
	if genErr != nil {
		return genErr
	}
	return nil
}

type blockingResponse struct {
	SessionID             string        `json:"sessionId"`
	Ballot                ballot.Ballot `json:"ballot"`
	BalanceScore          int           `json:"balanceScore"`
	CountyBallotAvailable bool          `json:"countyBallotAvailable"`
}

func (c *Client) generateBlocking(ctx context.Context, party ballot.Party, body []byte, ctrl *session.Controller) error {
	resp, err := c.post(ctx, "/api/v1/guide", body, "application/json")
	if err != nil {
		ctrl.Fail(party, "Guide service unreachable")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := statusError(resp)
		ctrl.Fail(party, serr.Message)
		return serr
	}

	var out blockingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		ctrl.Fail(party, "Malformed guide response")
		return fmt.Errorf("failed to decode guide response: %w", err)
	}
	if out.SessionID != "" {
		ctrl.SetSessionID(out.SessionID)
	}
	ctrl.SetBallot(party, out.Ballot, out.CountyBallotAvailable, out.BalanceScore)
	return nil
}

// GenerateBoth generates every party in parties concurrently. Each party
// runs to the end regardless of the others; the first error is returned.
func (c *Client) GenerateBoth(ctx context.Context, req guide.Request, ctrl *session.Controller, parties ...ballot.Party) error {
	if len(parties) == 0 {
		parties = []ballot.Party{ballot.PartyRepublican, ballot.PartyDemocrat}
	}
	if req.SessionID == "" {
		// Both parties must land in one server session or the second run
		// cannot see the first one's in-flight marker.
		if ctrl.SessionID() == "" {
			ctrl.SetSessionID(uuid.NewString())
		}
		req.SessionID = ctrl.SessionID()
	}
	var g errgroup.Group
	for _, p := range parties {
		r := req
		r.Party = p
		g.Go(func() error {
			return c.GenerateGuide(ctx, r, ctrl)
		})
	}
	return g.Wait()
}

// BallotResult is the answer to a conditional ballot fetch. Found is false
// when no ballot has been imported for the party yet.
type BallotResult struct {
	Ballot          ballot.Ballot
	Fingerprint     string
	CountyAvailable bool
	Found           bool
	NotModified     bool
}

// FetchBallot loads the merged ballot for party and county. A fingerprint
// that still matches yields NotModified with no body.
func (c *Client) FetchBallot(ctx context.Context, party ballot.Party, county, fingerprint string) (BallotResult, error) {
	q := url.Values{"party": {string(party)}}
	if county != "" {
		q.Set("county", county)
	}
	u := c.baseURL + "/api/v1/ballot?" + q.Encode()

	return retry.DoWithResult(ctx, c.retry, func() (BallotResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return BallotResult{}, retry.Permanent(err)
		}
		if fingerprint != "" {
			req.Header.Set("If-None-Match", fingerprint)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return BallotResult{}, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotModified:
			return BallotResult{Found: true, NotModified: true, Fingerprint: etagOr(resp, fingerprint)}, nil
		case http.StatusNotFound:
			return BallotResult{}, nil
		case http.StatusOK:
		default:
			return BallotResult{}, statusError(resp)
		}

		var b ballot.Ballot
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return BallotResult{}, retry.Permanent(fmt.Errorf("failed to decode ballot: %w", err))
		}
		return BallotResult{
			Ballot:          b,
			Fingerprint:     resp.Header.Get("ETag"),
			CountyAvailable: resp.Header.Get("X-County-Ballot-Available") == "true",
			Found:           true,
		}, nil
	})
}

// Refresh pulls factual corrections for every party ctrl holds a ballot for.
// Recommendations are kept unless the race they refer to no longer allows
// them. It returns the number of races whose candidate data changed.
func (c *Client) Refresh(ctx context.Context, ctrl *session.Controller) (int, error) {
	_, d, _, _ := ctrl.Profile()
	county := ""
	if d != nil {
		county = d.CountyFIPS
	}

	changed := 0
	for _, p := range []ballot.Party{ballot.PartyRepublican, ballot.PartyDemocrat} {
		if _, ok := ctrl.Ballot(p); !ok {
			continue
		}
		res, err := c.FetchBallot(ctx, p, county, ctrl.Fingerprint(p))
		if err != nil {
			return changed, fmt.Errorf("refresh %s ballot: %w", p, err)
		}
		if !res.Found || res.NotModified {
			continue
		}
		changed += ctrl.ApplyRefresh(p, res.Ballot, res.Fingerprint)
	}
	ctrl.MarkRefreshed()
	return changed, nil
}

// SendFeedback posts override feedback in the background. It satisfies
// override.FeedbackSink.
func (c *Client) SendFeedback(f override.Feedback) {
	body, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.fireAndForget("/api/v1/feedback/override", body)
}

// Track records an analytics event in the background.
func (c *Client) Track(name string, props map[string]any) {
	body, err := json.Marshal(analytics.Event{Name: name, Props: props})
	if err != nil {
		return
	}
	c.fireAndForget("/api/v1/analytics", body)
}

func (c *Client) fireAndForget(path string, body []byte) {
	ok := c.side.Submit(func(ctx context.Context) error {
		resp, err := c.post(ctx, path, body, "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= http.StatusBadRequest {
			return &StatusError{StatusCode: resp.StatusCode}
		}
		return nil
	})
	if !ok {
		c.log.Debug("Side queue full, dropping request", zap.String("path", path))
	}
}

func (c *Client) post(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	return c.http.Do(req)
}

func isEventStream(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

func statusError(resp *http.Response) *StatusError {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}

func etagOr(resp *http.Response, fallback string) string {
	if tag := resp.Header.Get("ETag"); tag != "" {
		return tag
	}
	return fallback
}

// transient retries network failures, 5xx and 429.
func transient(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode >= http.StatusInternalServerError || serr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
