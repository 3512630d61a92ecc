// Package analytics accepts client events from a fixed allow-list, rate
// limited per source address. Storage is best-effort.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/pkg/logger"
)

var ErrRateLimited = errors.New("analytics rate limit exceeded")

// AllowedEvents is the allow-list. Anything else is dropped so arbitrary
// client strings never reach storage.
var AllowedEvents = map[string]struct{}{
	"interview_start":    {},
	"interview_complete": {},
	"guide_start":        {},
	"guide_complete":     {},
	"guide_error":        {},
	"guide_fallback":     {},
	"override_set":       {},
	"override_undo":      {},
	"override_feedback":  {},
	"cheatsheet_print":   {},
	"ballot_refresh":     {},
	"language_toggle":    {},
	"share":              {},
}

const (
	maxProps        = 16
	maxPropValueLen = 200
)

type Event struct {
	Name  string         `json:"event"`
	Props map[string]any `json:"props,omitempty"`
}

type Outcome int

const (
	Accepted Outcome = iota
	Dropped
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Store interface {
	InsertAnalyticsEvent(ctx context.Context, ev *models.AnalyticsEvent) error
}

type Intake struct {
	limiter   Limiter
	store     Store
	queue     *dispatch.Queue
	maxEvents int
	window    time.Duration
	now       func() time.Time
}

func NewIntake(limiter Limiter, store Store, queue *dispatch.Queue, maxEvents int, window time.Duration) *Intake {
	return &Intake{
		limiter:   limiter,
		store:     store,
		queue:     queue,
		maxEvents: maxEvents,
		window:    window,
		now:       time.Now,
	}
}

// Accept applies the rate limit, then the allow-list. Every request counts
// toward the limit, including ones that end up dropped.
func (in *Intake) Accept(ctx context.Context, source string, ev Event) (Outcome, error) {
	ok, err := in.limiter.Allow(ctx, "analytics:"+source, in.maxEvents, in.window)
	if err != nil {
		// A broken counter must not turn into a client-visible failure.
		logger.Warn("Analytics rate limiter unavailable", zap.Error(err))
		ok = true
	}
	if !ok {
		metrics.AnalyticsEvents.WithLabelValues("rate_limited").Inc()
		return Dropped, ErrRateLimited
	}

	if _, allowed := AllowedEvents[ev.Name]; !allowed {
		metrics.AnalyticsEvents.WithLabelValues("dropped").Inc()
		return Dropped, nil
	}

	record := &models.AnalyticsEvent{
		ID:        uuid.NewString(),
		Name:      ev.Name,
		Props:     sanitizeProps(ev.Props),
		CreatedAt: in.now(),
	}
	in.queue.Submit(func(ctx context.Context) error {
		if err := in.store.InsertAnalyticsEvent(ctx, record); err != nil {
			return fmt.Errorf("store analytics event: %w", err)
		}
		return nil
	})

	metrics.AnalyticsEvents.WithLabelValues("accepted").Inc()
	return Accepted, nil
}

// sanitizeProps keeps scalar values only and truncates long strings.
func sanitizeProps(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, min(len(in), maxProps))
	for k, v := range in {
		if len(out) == maxProps {
			break
		}
		if len(k) > 64 {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > maxPropValueLen {
				val = val[:maxPropValueLen]
			}
			out[k] = val
		case bool, float64, int, int64:
			out[k] = val
		}
	}
	return out
}
