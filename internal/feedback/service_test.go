package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/internal/storage/sqlite"
)

type failingStore struct{}

func (failingStore) InsertOverrideFeedback(context.Context, *models.OverrideFeedback) error {
	return errors.New("disk full")
}

func TestService_PersistsThroughQueue(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "fb.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	defer db.Close()

	q := dispatch.NewQueue("feedback", 8, 1, time.Second)
	s := NewService(db, q)

	require.NoError(t, s.Submit(override.Feedback{
		Party: "democrat", Race: "U.S. Senator", From: "A", To: "B", Reason: "met her", Lang: "en",
	}))
	require.NoError(t, q.Close(context.Background()))

	list, err := db.ListOverrideFeedback(context.Background(), "democrat", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].From)
	assert.Equal(t, "met her", list[0].Reason)
}

func TestService_InvalidInputRejected(t *testing.T) {
	q := dispatch.NewQueue("feedback", 8, 1, time.Second)
	defer q.Close(context.Background())
	s := NewService(failingStore{}, q)

	assert.Error(t, s.Submit(override.Feedback{Party: "democrat"}))
}

func TestService_StorageFailureIsSwallowed(t *testing.T) {
	q := dispatch.NewQueue("feedback", 8, 1, time.Second)
	s := NewService(failingStore{}, q)

	assert.NoError(t, s.Submit(override.Feedback{Party: "republican", Race: "Governor", To: "X"}))
	assert.NoError(t, q.Close(context.Background()))
}
