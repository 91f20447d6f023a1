// Package sessions manages time-bounded work sessions for anonymous and
// signed-in visitors, together with the temporary artifacts they own.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/models"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	DefaultAnonymousTTL = 2 * time.Hour
	DefaultOwnedTTL     = 24 * time.Hour
	DefaultIdleLimit    = 7 * 24 * time.Hour
	DefaultExtendBy     = 120

	cleanupRounds = 8
)

var (
	ErrSessionNotFound = apperror.NotFound("SESSION_NOT_FOUND", "session not found")
	ErrInvalidExtend   = apperror.Validation("INVALID_EXTENSION", "extension must be a positive number of minutes")
)

// Activity is an increment applied to a session's usage counters.
type Activity struct {
	PageViews int64
	Actions   int64
	TimeSpent time.Duration
}

// Repository persists sessions. Implementations must apply every method
// atomically per session id and return ErrSessionNotFound for unknown ids.
type Repository interface {
	Insert(ctx context.Context, s *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	// Touch sets lastActivity, marks the session active and adds delta to
	// the usage counters.
	Touch(ctx context.Context, id string, at time.Time, delta Activity) (*models.Session, error)
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) (*models.Session, error)
	SetOwner(ctx context.Context, id string, owner bson.ObjectID, expiresAt time.Time) (*models.Session, error)
	UpdateWorkState(ctx context.Context, id string, state models.WorkState) (*models.Session, error)
	AddArtifact(ctx context.Context, id string, artifact models.Artifact) (*models.Session, error)
	// Deactivate clears the active flag and removes the artifacts named in
	// released. Artifacts added since the caller read the session stay in
	// the returned record.
	Deactivate(ctx context.Context, id string, released []string) (*models.Session, error)
	// FindSweepable lists sessions expired at now or idle since before idleCutoff.
	FindSweepable(ctx context.Context, now, idleCutoff time.Time) ([]*models.Session, error)
	// DeleteIfSweepable removes the session only if it is still expired or
	// idle when the delete executes. It returns the removed record, or nil.
	DeleteIfSweepable(ctx context.Context, id string, now, idleCutoff time.Time) (*models.Session, error)
}

// ArtifactReleaser frees the storage behind an artifact.
type ArtifactReleaser interface {
	Release(ctx context.Context, artifact models.Artifact) error
}

type Config struct {
	AnonymousTTL time.Duration
	OwnedTTL     time.Duration
	IdleLimit    time.Duration
}

func DefaultConfig() Config {
	return Config{AnonymousTTL: DefaultAnonymousTTL, OwnedTTL: DefaultOwnedTTL, IdleLimit: DefaultIdleLimit}
}

type Store struct {
	repo     Repository
	releaser ArtifactReleaser
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repository, releaser ArtifactReleaser, cfg Config, log logrus.FieldLogger, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.AnonymousTTL <= 0 {
		cfg.AnonymousTTL = def.AnonymousTTL
	}
	if cfg.OwnedTTL <= 0 {
		cfg.OwnedTTL = def.OwnedTTL
	}
	if cfg.IdleLimit <= 0 {
		cfg.IdleLimit = def.IdleLimit
	}
	s := &Store{repo: repo, releaser: releaser, cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) ttlFor(owner *bson.ObjectID) time.Duration {
	if owner != nil {
		return s.cfg.OwnedTTL
	}
	return s.cfg.AnonymousTTL
}

// Create allocates a session for a visitor that has none. owner may be nil
// for anonymous visitors.
func (s *Store) Create(ctx context.Context, ip, userAgent string, owner *bson.ObjectID) (*models.Session, error) {
	now := s.now().UTC()
	sess := &models.Session{
		ID:           uuid.NewString(),
		UserID:       owner,
		IPAddress:    ip,
		UserAgent:    userAgent,
		WorkState:    models.WorkState{Artifacts: []models.Artifact{}},
		IsActive:     true,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttlFor(owner)),
		CreatedAt:    now,
	}
	if err := sess.Validate(); err != nil {
		return nil, apperror.Internal(err)
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	return s.repo.FindByID(ctx, id)
}

// Touch refreshes lastActivity and marks the session active.
func (s *Store) Touch(ctx context.Context, id string) (*models.Session, error) {
	return s.RecordActivity(ctx, id, Activity{})
}

// RecordActivity touches the session and adds to its usage counters.
func (s *Store) RecordActivity(ctx context.Context, id string, delta Activity) (*models.Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	if delta.PageViews < 0 || delta.Actions < 0 || delta.TimeSpent < 0 {
		return nil, apperror.Validation("INVALID_ACTIVITY", "activity counters must not be negative")
	}
	return s.repo.Touch(ctx, id, s.now().UTC(), delta)
}

// Extend sets the expiration to now + minutes, whatever it was before.
func (s *Store) Extend(ctx context.Context, id string, minutes int) (*models.Session, error) {
	if minutes <= 0 {
		return nil, ErrInvalidExtend.WithDetails(map[string]any{"minutes": minutes})
	}
	return s.repo.SetExpiry(ctx, id, s.now().UTC().Add(time.Duration(minutes)*time.Minute))
}

// AttachOwner binds a session to an identity and lifts its expiration to
// the owned lifetime when that is later than the current one.
func (s *Store) AttachOwner(ctx context.Context, id string, owner bson.ObjectID) (*models.Session, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().UTC().Add(s.cfg.OwnedTTL)
	if sess.ExpiresAt.After(expiresAt) {
		expiresAt = sess.ExpiresAt
	}
	return s.repo.SetOwner(ctx, id, owner, expiresAt)
}

func (s *Store) UpdateWorkState(ctx context.Context, id string, draft, uiState bson.M, status string) (*models.Session, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	state := sess.WorkState
	if draft != nil {
		state.Draft = draft
	}
	if uiState != nil {
		state.UIState = uiState
	}
	if status != "" {
		state.ProcessingStatus = status
	}
	return s.repo.UpdateWorkState(ctx, id, state)
}

func (s *Store) AddArtifact(ctx context.Context, id string, artifact models.Artifact) (*models.Session, error) {
	if artifact.ObjectName == "" {
		return nil, apperror.Validation("INVALID_ARTIFACT", "artifact object name is required")
	}
	return s.repo.AddArtifact(ctx, id, artifact)
}

// IsExpired reports whether the session's expiration has passed.
func (s *Store) IsExpired(sess *models.Session) bool {
	return sess.IsExpired(s.now())
}

// Cleanup releases every artifact the session owns and marks it inactive.
// A failed release is logged and does not stop the others. Artifacts added
// while the cleanup runs are picked up from the stored record in further
// rounds.
func (s *Store) Cleanup(ctx context.Context, sess *models.Session) error {
	pending := sess.WorkState.Artifacts
	for round := 0; ; round++ {
		s.releaseArtifacts(ctx, sess.ID, pending)
		current, err := s.repo.Deactivate(ctx, sess.ID, objectNames(pending))
		if errors.Is(err, ErrSessionNotFound) {
			break
		}
		if err != nil {
			return err
		}
		pending = current.WorkState.Artifacts
		if len(pending) == 0 {
			break
		}
		if round+1 >= cleanupRounds {
			// still referenced by the record, so the sweep frees them later
			s.log.WithFields(logrus.Fields{"session_id": sess.ID, "pending": len(pending)}).
				Warn("artifacts kept arriving during cleanup")
			break
		}
	}
	sess.IsActive = false
	sess.WorkState.Artifacts = []models.Artifact{}
	return nil
}

func objectNames(artifacts []models.Artifact) []string {
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.ObjectName)
	}
	return names
}

func (s *Store) releaseArtifacts(ctx context.Context, sessionID string, artifacts []models.Artifact) int {
	failed := 0
	for _, artifact := range artifacts {
		if s.releaser == nil {
			break
		}
		if err := s.releaser.Release(ctx, artifact); err != nil {
			failed++
			s.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"storage":    artifact.Storage,
				"object":     artifact.ObjectName,
				"error":      err,
			}).Warn("failed to release session artifact")
		}
	}
	return failed
}

// Sweep removes every session that is expired or has been idle for the
// configured limit and returns how many it removed. The condition is
// re-evaluated by the repository at delete time, so a session touched after
// it was listed survives. Artifacts are released once the record is gone.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.IdleLimit)

	candidates, err := s.repo.FindSweepable(ctx, now, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		gone, err := s.repo.DeleteIfSweepable(ctx, candidate.ID, now, cutoff)
		if err != nil {
			s.log.WithFields(logrus.Fields{"session_id": candidate.ID, "error": err}).Error("failed to delete stale session")
			continue
		}
		if gone == nil {
			continue
		}
		s.releaseArtifacts(ctx, gone.ID, gone.WorkState.Artifacts)
		removed++
	}

	if removed > 0 {
		s.log.WithField("removed", removed).Info("swept stale sessions")
	}
	return removed, nil
}
