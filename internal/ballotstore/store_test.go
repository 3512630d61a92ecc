package ballotstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/cache/redis"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/internal/storage/sqlite"
)

func newDocs(t *testing.T) *sqlite.Client {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "ballots.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	return db
}

func newCache(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := redis.NewClientWithOptions(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func candidates(names ...string) []ballot.Candidate {
	out := make([]ballot.Candidate, len(names))
	for i, n := range names {
		out[i] = ballot.Candidate{Name: n}
	}
	return out
}

func statewide() ballot.Ballot {
	return ballot.Ballot{
		Party: ballot.PartyDemocrat,
		Races: []ballot.Race{
			{Office: "Governor", Candidates: candidates("Solo")},
			{Office: "U.S. Senator", Candidates: candidates("A", "B")},
		},
	}
}

func TestGet_MissingIsEmptyNotError(t *testing.T) {
	s := New(newDocs(t), nil)

	l, err := s.Get(context.Background(), ballot.PartyDemocrat, ScopeStatewide, "")
	require.NoError(t, err)
	assert.False(t, l.Found)
	assert.False(t, l.NotModified)
}

func TestGet_ConditionalFetch(t *testing.T) {
	for name, cache := range map[string]func(t *testing.T) FingerprintCache{
		"sqlite only": func(*testing.T) FingerprintCache { return nil },
		"with redis":  func(t *testing.T) FingerprintCache { return newCache(t) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(newDocs(t), cache(t))

			fp1, err := s.Put(ctx, ballot.PartyDemocrat, ScopeStatewide, statewide())
			require.NoError(t, err)

			l, err := s.Get(ctx, ballot.PartyDemocrat, ScopeStatewide, fp1)
			require.NoError(t, err)
			assert.True(t, l.NotModified)
			assert.Empty(t, l.Ballot.Races, "no body on not modified")

			updated := statewide()
			updated.Races[1].Candidates = append(updated.Races[1].Candidates, ballot.Candidate{Name: "C"})
			fp2, err := s.Put(ctx, ballot.PartyDemocrat, ScopeStatewide, updated)
			require.NoError(t, err)
			assert.NotEqual(t, fp1, fp2)

			l, err = s.Get(ctx, ballot.PartyDemocrat, ScopeStatewide, fp1)
			require.NoError(t, err)
			assert.False(t, l.NotModified)
			assert.True(t, l.Found)
			assert.Equal(t, fp2, l.Fingerprint)
			assert.Len(t, l.Ballot.Races[1].Candidates, 3)
		})
	}
}

// failingWrites is a cache whose writes fail while fail is set.
type failingWrites struct {
	*redis.Client
	fail bool
}

func (f *failingWrites) SetFingerprint(ctx context.Context, party, scope, fp string) error {
	if f.fail {
		return errors.New("redis: connection reset")
	}
	return f.Client.SetFingerprint(ctx, party, scope, fp)
}

func TestPut_FailedCacheWriteDoesNotServeOldVersion(t *testing.T) {
	ctx := context.Background()
	cache := &failingWrites{Client: newCache(t)}
	s := New(newDocs(t), cache)

	fp1, err := s.Put(ctx, ballot.PartyDemocrat, ScopeStatewide, statewide())
	require.NoError(t, err)
	cached, ok, err := cache.GetFingerprint(ctx, string(ballot.PartyDemocrat), ScopeStatewide)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fp1, cached)

	cache.fail = true
	updated := statewide()
	updated.Races[1].Candidates = append(updated.Races[1].Candidates, ballot.Candidate{Name: "C"})
	fp2, err := s.Put(ctx, ballot.PartyDemocrat, ScopeStatewide, updated)
	require.NoError(t, err, "the document is stored even when the cache is down")
	cache.fail = false

	l, err := s.Get(ctx, ballot.PartyDemocrat, ScopeStatewide, fp1)
	require.NoError(t, err)
	assert.False(t, l.NotModified)
	assert.Equal(t, fp2, l.Fingerprint)
	assert.Len(t, l.Ballot.Races[1].Candidates, 3)

	l, err = s.Get(ctx, ballot.PartyDemocrat, ScopeStatewide, fp2)
	require.NoError(t, err)
	assert.True(t, l.NotModified)
}

func TestResolve_MergesCountyAndFlagsAvailability(t *testing.T) {
	ctx := context.Background()
	s := New(newDocs(t), nil)

	_, err := s.Put(ctx, ballot.PartyDemocrat, ScopeStatewide, statewide())
	require.NoError(t, err)

	r, err := s.Resolve(ctx, ballot.PartyDemocrat, "48453", "")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.False(t, r.CountyAvailable)
	assert.Len(t, r.Ballot.Races, 2)

	_, err = s.Put(ctx, ballot.PartyDemocrat, "48453", ballot.Ballot{Races: []ballot.Race{
		{Office: "County Judge", Candidates: candidates("E", "F")},
	}})
	require.NoError(t, err)

	r2, err := s.Resolve(ctx, ballot.PartyDemocrat, "48453", r.Fingerprint)
	require.NoError(t, err)
	assert.False(t, r2.NotModified, "county upload changes the combined fingerprint")
	assert.True(t, r2.CountyAvailable)
	assert.Len(t, r2.Ballot.Races, 3)

	r3, err := s.Resolve(ctx, ballot.PartyDemocrat, "48453", r2.Fingerprint)
	require.NoError(t, err)
	assert.True(t, r3.NotModified)
}

func TestResolve_MalformedCountyTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	docs := newDocs(t)
	s := New(docs, nil)

	_, err := s.Put(ctx, ballot.PartyRepublican, ScopeStatewide, statewide())
	require.NoError(t, err)
	require.NoError(t, docs.PutBallot(ctx, &models.BallotDocument{
		Party: "republican", Scope: "48201", Body: []byte(`{not json`), Fingerprint: `"bad"`, UpdatedAt: time.Now(),
	}))

	r, err := s.Resolve(ctx, ballot.PartyRepublican, "48201", "")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.False(t, r.CountyAvailable)
	assert.Len(t, r.Ballot.Races, 2)
}

func TestResolve_NothingStored(t *testing.T) {
	s := New(newDocs(t), nil)
	r, err := s.Resolve(context.Background(), ballot.PartyRepublican, "", "")
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Equal(t, ballot.PartyRepublican, r.Ballot.Party)
}
