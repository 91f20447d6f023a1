package sessions_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/y1jeong/perfdesign/database"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
	failOn   map[string]bool
}

func (r *recordingReleaser) Release(ctx context.Context, a models.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, a.ObjectName)
	if r.failOn[a.ObjectName] {
		return errors.New("bucket unavailable")
	}
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newStore(t *testing.T, repo sessions.Repository) (*sessions.Store, *fakeClock, *recordingReleaser) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	rel := &recordingReleaser{failOn: map[string]bool{}}
	store := sessions.NewStore(repo, rel, sessions.DefaultConfig(), quietLogger(), sessions.WithClock(clock.Now))
	return store, clock, rel
}

func TestCreateAppliesLifetimeByOwnership(t *testing.T) {
	store, clock, _ := newStore(t, database.NewMemorySessionRepository())
	ctx := context.Background()

	anon, err := store.Create(ctx, "10.0.0.1", "firefox", nil)
	require.NoError(t, err)
	assert.True(t, anon.IsAnonymous())
	assert.True(t, anon.ExpiresAt.Equal(clock.Now().Add(2*time.Hour)))
	assert.NotEmpty(t, anon.ID)

	owner := bson.NewObjectID()
	owned, err := store.Create(ctx, "10.0.0.1", "firefox", &owner)
	require.NoError(t, err)
	assert.False(t, owned.IsAnonymous())
	assert.True(t, owned.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))
	assert.NotEqual(t, anon.ID, owned.ID)
}

func TestExtendResetsExpirationRegardlessOfPriorValue(t *testing.T) {
	store, clock, _ := newStore(t, database.NewMemorySessionRepository())
	ctx := context.Background()

	owner := bson.NewObjectID()
	sess, err := store.Create(ctx, "", "", &owner)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	extended, err := store.Extend(ctx, sess.ID, 30)
	require.NoError(t, err)
	// shorter than the previous 24h expiry, still applied
	assert.True(t, extended.ExpiresAt.Equal(clock.Now().Add(30*time.Minute)))

	_, err = store.Extend(ctx, sess.ID, 0)
	assert.ErrorIs(t, err, sessions.ErrInvalidExtend)
	_, err = store.Extend(ctx, "missing", 30)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestTouchAndActivity(t *testing.T) {
	store, clock, _ := newStore(t, database.NewMemorySessionRepository())
	ctx := context.Background()

	_, err := store.Touch(ctx, "nope")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	sess, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	touched, err := store.RecordActivity(ctx, sess.ID, sessions.Activity{PageViews: 2, Actions: 1, TimeSpent: 90 * time.Second})
	require.NoError(t, err)
	assert.True(t, touched.LastActivity.Equal(clock.Now()))
	assert.Equal(t, int64(2), touched.Stats.PageViews)
	assert.Equal(t, int64(1), touched.Stats.Actions)
	assert.Equal(t, int64(90), touched.Stats.TimeSpentSeconds)
	// touch does not move the expiration
	assert.True(t, touched.ExpiresAt.Equal(sess.ExpiresAt))

	_, err = store.RecordActivity(ctx, sess.ID, sessions.Activity{PageViews: -1})
	assert.Error(t, err)
}

func TestIsExpired(t *testing.T) {
	store, clock, _ := newStore(t, database.NewMemorySessionRepository())
	sess, err := store.Create(context.Background(), "", "", nil)
	require.NoError(t, err)

	assert.False(t, store.IsExpired(sess))
	clock.Advance(2 * time.Hour)
	assert.False(t, store.IsExpired(sess), "expiry instant itself is not past")
	clock.Advance(time.Second)
	assert.True(t, store.IsExpired(sess))

	// the active flag plays no part
	sess.IsActive = true
	assert.True(t, store.IsExpired(sess))
}

func TestAttachOwnerLiftsExpiry(t *testing.T) {
	store, clock, _ := newStore(t, database.NewMemorySessionRepository())
	ctx := context.Background()

	sess, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	owner := bson.NewObjectID()
	claimed, err := store.AttachOwner(ctx, sess.ID, owner)
	require.NoError(t, err)
	require.NotNil(t, claimed.UserID)
	assert.Equal(t, owner, *claimed.UserID)
	assert.True(t, claimed.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))

	// a later expiry already granted is kept
	_, err = store.Extend(ctx, sess.ID, 48*60)
	require.NoError(t, err)
	again, err := store.AttachOwner(ctx, sess.ID, owner)
	require.NoError(t, err)
	assert.True(t, again.ExpiresAt.Equal(clock.Now().Add(48*time.Hour)))
}

func TestWorkStateAndArtifacts(t *testing.T) {
	store, _, _ := newStore(t, database.NewMemorySessionRepository())
	ctx := context.Background()

	sess, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)

	_, err = store.AddArtifact(ctx, sess.ID, models.Artifact{Storage: models.StorageLocal, ObjectName: "sessions/x/1.png"})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, sess.ID, models.Artifact{})
	assert.Error(t, err)

	updated, err := store.UpdateWorkState(ctx, sess.ID, bson.M{"holes": 120}, nil, "processing")
	require.NoError(t, err)
	assert.Equal(t, "processing", updated.WorkState.ProcessingStatus)
	assert.EqualValues(t, 120, updated.WorkState.Draft["holes"])
	assert.Len(t, updated.WorkState.Artifacts, 1)

	updated, err = store.UpdateWorkState(ctx, sess.ID, nil, bson.M{"zoom": 2}, "")
	require.NoError(t, err)
	assert.Equal(t, "processing", updated.WorkState.ProcessingStatus)
	assert.EqualValues(t, 120, updated.WorkState.Draft["holes"])
	assert.EqualValues(t, 2, updated.WorkState.UIState["zoom"])
}

func TestCleanupReleasesEveryArtifactDespiteFailures(t *testing.T) {
	repo := database.NewMemorySessionRepository()
	store, _, rel := newStore(t, repo)
	ctx := context.Background()

	sess, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		sess, err = store.AddArtifact(ctx, sess.ID, models.Artifact{Storage: models.StorageLocal, ObjectName: name})
		require.NoError(t, err)
	}
	rel.failOn["a"] = true

	require.NoError(t, store.Cleanup(ctx, sess))
	assert.Equal(t, []string{"a", "b", "c"}, rel.released)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.WorkState.Artifacts)
}

func TestCleanupReleasesArtifactAddedAfterRead(t *testing.T) {
	repo := database.NewMemorySessionRepository()
	store, _, rel := newStore(t, repo)
	ctx := context.Background()

	sess, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)
	sess, err = store.AddArtifact(ctx, sess.ID, models.Artifact{Storage: models.StorageLocal, ObjectName: "early"})
	require.NoError(t, err)

	// an upload lands after the caller's copy was taken
	_, err = store.AddArtifact(ctx, sess.ID, models.Artifact{Storage: models.StorageLocal, ObjectName: "late"})
	require.NoError(t, err)

	require.NoError(t, store.Cleanup(ctx, sess))
	assert.Equal(t, []string{"early", "late"}, rel.released)

	stored, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.WorkState.Artifacts)
}

func TestSweepRemovesOnceAndIsIdempotent(t *testing.T) {
	repo := database.NewMemorySessionRepository()
	store, clock, rel := newStore(t, repo)
	ctx := context.Background()

	anon, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, anon.ID, models.Artifact{Storage: models.StorageLocal, ObjectName: "draft.png"})
	require.NoError(t, err)

	owner := bson.NewObjectID()
	owned, err := store.Create(ctx, "", "", &owner)
	require.NoError(t, err)
	_, err = store.Extend(ctx, owned.ID, 30*24*60)
	require.NoError(t, err)

	// anonymous one expires, owned one stays valid and recently active
	clock.Advance(3 * time.Hour)
	_, err = store.Touch(ctx, owned.ID)
	require.NoError(t, err)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"draft.png"}, rel.released)
	assert.Equal(t, 1, repo.Len())

	removed, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Len(t, rel.released, 1)

	// a week of silence makes the owned one stale even though it has not expired
	clock.Advance(7 * 24 * time.Hour)
	removed, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, repo.Len())
}

// racingRepo revives every listed candidate before the sweep gets to
// delete it.
type racingRepo struct {
	*database.MemorySessionRepository
	revive func(ctx context.Context, s *models.Session)
}

func (r *racingRepo) FindSweepable(ctx context.Context, now, idleCutoff time.Time) ([]*models.Session, error) {
	found, err := r.MemorySessionRepository.FindSweepable(ctx, now, idleCutoff)
	for _, s := range found {
		r.revive(ctx, s)
	}
	return found, err
}

func TestSweepSparesSessionTouchedAfterSelection(t *testing.T) {
	repo := &racingRepo{MemorySessionRepository: database.NewMemorySessionRepository()}
	store, clock, rel := newStore(t, repo)
	ctx := context.Background()

	owner := bson.NewObjectID()
	idle, err := store.Create(ctx, "", "", &owner)
	require.NoError(t, err)
	_, err = store.Extend(ctx, idle.ID, 30*24*60)
	require.NoError(t, err)
	expired, err := store.Create(ctx, "", "", nil)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	repo.revive = func(ctx context.Context, s *models.Session) {
		clock.Advance(time.Second)
		_, err := store.Touch(ctx, s.ID)
		require.NoError(t, err)
		if s.ID == expired.ID {
			_, err = store.Extend(ctx, s.ID, 60)
			require.NoError(t, err)
		}
	}

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Empty(t, rel.released)

	_, err = store.Get(ctx, idle.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, expired.ID)
	assert.NoError(t, err)
}

func TestSweeperStopsWithContext(t *testing.T) {
	store, _, _ := newStore(t, database.NewMemorySessionRepository())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sessions.NewSweeper(store, time.Millisecond, quietLogger()).Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
