// Package feedback stores anonymous override feedback. Only the race, the two
// picks, the free-text reason and the language are kept.
package feedback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/pkg/logger"
)

type Store interface {
	InsertOverrideFeedback(ctx context.Context, fb *models.OverrideFeedback) error
}

type Service struct {
	store Store
	queue *dispatch.Queue
	now   func() time.Time
}

func NewService(store Store, queue *dispatch.Queue) *Service {
	return &Service{store: store, queue: queue, now: time.Now}
}

var _ override.FeedbackSink = (*Service)(nil)

// Submit validates f and queues it for storage. It returns an error only for
// invalid input; a full queue or a storage failure is logged and ignored.
func (s *Service) Submit(f override.Feedback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.SendFeedback(f)
	return nil
}

func (s *Service) SendFeedback(f override.Feedback) {
	record := &models.OverrideFeedback{
		Party:     string(f.Party),
		RaceKey:   f.Race,
		From:      f.From,
		To:        f.To,
		Reason:    f.Reason,
		Lang:      f.Lang,
		CreatedAt: s.now(),
	}

	accepted := s.queue.Submit(func(ctx context.Context) error {
		if err := s.store.InsertOverrideFeedback(ctx, record); err != nil {
			return fmt.Errorf("store override feedback: %w", err)
		}
		return nil
	})
	if !accepted {
		logger.Warn("Override feedback dropped", zap.String("party", record.Party))
		return
	}
	metrics.OverrideFeedback.WithLabelValues(record.Party).Inc()
}
