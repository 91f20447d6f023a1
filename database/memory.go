package database

import (
	"context"
	"sync"
	"time"

	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/lockout"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/utils"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemoryUserRepository keeps identities in process memory. It backs
// STORE_DRIVER=memory and the tests.
type MemoryUserRepository struct {
	mu      sync.Mutex
	byID    map[bson.ObjectID]*models.User
	byEmail map[string]bson.ObjectID
	now     func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    map[bson.ObjectID]*models.User{},
		byEmail: map[string]bson.ObjectID{},
		now:     time.Now,
	}
}

func cloneUser(u *models.User) *models.User {
	cp := *u
	return &cp
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *models.User) error {
	user.Email = utils.NormalizeEmail(user.Email)
	if user.ID.IsZero() {
		user.ID = bson.NewObjectID()
	}
	now := r.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if err := user.Validate(); err != nil {
		return apperror.Validation("INVALID_USER", err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byEmail[user.Email]; taken {
		return ErrEmailTaken
	}
	r.byID[user.ID] = cloneUser(user)
	r.byEmail[user.Email] = user.ID
	return nil
}

func (r *MemoryUserRepository) get(id string) (*models.User, error) {
	oid, err := parseUserID(id)
	if err != nil {
		return nil, err
	}
	u, ok := r.byID[oid]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (r *MemoryUserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return cloneUser(u), nil
}

func (r *MemoryUserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oid, ok := r.byEmail[utils.NormalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(r.byID[oid]), nil
}

func (r *MemoryUserRepository) findBy(match func(*models.User) bool) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUserRepository) FindByVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	return r.findBy(func(u *models.User) bool {
		return tokenHash != "" && u.VerificationTokenHash == tokenHash &&
			u.VerificationTokenExpires != nil && u.VerificationTokenExpires.After(now)
	})
}

func (r *MemoryUserRepository) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	return r.findBy(func(u *models.User) bool {
		return tokenHash != "" && u.ResetTokenHash == tokenHash &&
			u.ResetTokenExpires != nil && u.ResetTokenExpires.After(now)
	})
}

func (r *MemoryUserRepository) LoginState(ctx context.Context, id string) (lockout.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return lockout.State{}, err
	}
	return lockout.State{FailedAttempts: u.LoginAttempts, LockUntil: u.LockUntil}, nil
}

func (r *MemoryUserRepository) SwapLoginState(ctx context.Context, id string, prev, next lockout.State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return false, err
	}
	current := lockout.State{FailedAttempts: u.LoginAttempts, LockUntil: u.LockUntil}
	if !current.Equal(prev) {
		return false, nil
	}
	candidate := cloneUser(u)
	candidate.LoginAttempts = next.FailedAttempts
	candidate.LockUntil = next.LockUntil
	if err := candidate.Validate(); err != nil {
		return false, apperror.Internal(err)
	}
	candidate.UpdatedAt = r.now().UTC()
	r.byID[u.ID] = candidate
	return true, nil
}

func (r *MemoryUserRepository) mutate(id string, fn func(u *models.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	candidate := cloneUser(u)
	fn(candidate)
	if err := candidate.Validate(); err != nil {
		return apperror.Internal(err)
	}
	candidate.UpdatedAt = r.now().UTC()
	r.byID[u.ID] = candidate
	return nil
}

func (r *MemoryUserRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.mutate(id, func(u *models.User) {
		at := at.UTC()
		u.LastLoginAt = &at
	})
}

func (r *MemoryUserRepository) SetVerificationToken(ctx context.Context, id, tokenHash string, expires time.Time) error {
	return r.mutate(id, func(u *models.User) {
		u.VerificationTokenHash = tokenHash
		u.VerificationTokenExpires = &expires
	})
}

func (r *MemoryUserRepository) MarkVerified(ctx context.Context, id string) error {
	return r.mutate(id, func(u *models.User) {
		u.IsVerified = true
		u.VerificationTokenHash = ""
		u.VerificationTokenExpires = nil
	})
}

func (r *MemoryUserRepository) SetResetToken(ctx context.Context, id, tokenHash string, expires time.Time) error {
	return r.mutate(id, func(u *models.User) {
		u.ResetTokenHash = tokenHash
		u.ResetTokenExpires = &expires
	})
}

func (r *MemoryUserRepository) ResetPassword(ctx context.Context, id, passwordHash string) error {
	return r.mutate(id, func(u *models.User) {
		u.PasswordHash = passwordHash
		u.ResetTokenHash = ""
		u.ResetTokenExpires = nil
		u.LoginAttempts = 0
		u.LockUntil = nil
	})
}

func (r *MemoryUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.mutate(id, func(u *models.User) { u.PasswordHash = passwordHash })
}

func (r *MemoryUserRepository) SeedAdmin(ctx context.Context, email, passwordHash string) (bool, error) {
	err := r.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: passwordHash,
		Role:         models.RoleAdmin,
		IsActive:     true,
		IsVerified:   true,
	})
	if err == ErrEmailTaken {
		return false, nil
	}
	return err == nil, err
}

// MemorySessionRepository keeps sessions in process memory.
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: map[string]*models.Session{}}
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	cp.WorkState.Artifacts = append([]models.Artifact{}, s.WorkState.Artifacts...)
	return &cp
}

func (r *MemorySessionRepository) Insert(ctx context.Context, s *models.Session) error {
	if err := s.Validate(); err != nil {
		return apperror.Internal(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return apperror.Conflict("SESSION_EXISTS", "session id already in use")
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemorySessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *MemorySessionRepository) mutate(id string, fn func(s *models.Session)) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	candidate := cloneSession(s)
	fn(candidate)
	if err := candidate.Validate(); err != nil {
		return nil, apperror.Internal(err)
	}
	r.sessions[id] = candidate
	return cloneSession(candidate), nil
}

func (r *MemorySessionRepository) Touch(ctx context.Context, id string, at time.Time, delta sessions.Activity) (*models.Session, error) {
	return r.mutate(id, func(s *models.Session) {
		s.LastActivity = at
		s.IsActive = true
		s.Stats.PageViews += delta.PageViews
		s.Stats.Actions += delta.Actions
		s.Stats.TimeSpentSeconds += int64(delta.TimeSpent / time.Second)
	})
}

func (r *MemorySessionRepository) SetExpiry(ctx context.Context, id string, expiresAt time.Time) (*models.Session, error) {
	return r.mutate(id, func(s *models.Session) { s.ExpiresAt = expiresAt })
}

func (r *MemorySessionRepository) SetOwner(ctx context.Context, id string, owner bson.ObjectID, expiresAt time.Time) (*models.Session, error) {
	return r.mutate(id, func(s *models.Session) {
		s.UserID = &owner
		s.ExpiresAt = expiresAt
	})
}

func (r *MemorySessionRepository) UpdateWorkState(ctx context.Context, id string, state models.WorkState) (*models.Session, error) {
	return r.mutate(id, func(s *models.Session) {
		s.WorkState.ProcessingStatus = state.ProcessingStatus
		if state.Draft != nil {
			s.WorkState.Draft = state.Draft
		}
		if state.UIState != nil {
			s.WorkState.UIState = state.UIState
		}
	})
}

func (r *MemorySessionRepository) AddArtifact(ctx context.Context, id string, artifact models.Artifact) (*models.Session, error) {
	return r.mutate(id, func(s *models.Session) {
		s.WorkState.Artifacts = append(s.WorkState.Artifacts, artifact)
	})
}

func (r *MemorySessionRepository) Deactivate(ctx context.Context, id string, released []string) (*models.Session, error) {
	drop := make(map[string]bool, len(released))
	for _, name := range released {
		drop[name] = true
	}
	return r.mutate(id, func(s *models.Session) {
		s.IsActive = false
		kept := []models.Artifact{}
		for _, a := range s.WorkState.Artifacts {
			if !drop[a.ObjectName] {
				kept = append(kept, a)
			}
		}
		s.WorkState.Artifacts = kept
	})
}

func sweepable(s *models.Session, now, idleCutoff time.Time) bool {
	return s.IsExpired(now) || s.IsStale(now, now.Sub(idleCutoff))
}

func (r *MemorySessionRepository) FindSweepable(ctx context.Context, now, idleCutoff time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, s := range r.sessions {
		if sweepable(s, now, idleCutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *MemorySessionRepository) DeleteIfSweepable(ctx context.Context, id string, now, idleCutoff time.Time) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !sweepable(s, now, idleCutoff) {
		return nil, nil
	}
	delete(r.sessions, id)
	return s, nil
}

// Len reports the number of stored sessions.
func (r *MemorySessionRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
