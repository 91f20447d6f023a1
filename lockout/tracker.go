// Package lockout tracks failed authentication attempts per identity and
// suspends authentication after too many consecutive failures.
//
// An identity is Open while no lock is in force and Locked while its
// lock-until timestamp lies in the future. Expired locks are cleared lazily
// by the next attempt; nothing unlocks identities in the background.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/y1jeong/perfdesign/apperror"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 2 * time.Hour

	// casRetries bounds the optimistic update loop under contention.
	casRetries = 32
)

var ErrAccountLocked = apperror.Authentication("ACCOUNT_LOCKED", "account is temporarily locked due to too many failed login attempts")

var errContention = errors.New("lockout: login state kept changing under contention")

// State is the part of an identity record the tracker owns.
type State struct {
	FailedAttempts int
	LockUntil      *time.Time
}

func (s State) Locked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

func (s State) Equal(o State) bool {
	if s.FailedAttempts != o.FailedAttempts {
		return false
	}
	if s.LockUntil == nil || o.LockUntil == nil {
		return s.LockUntil == nil && o.LockUntil == nil
	}
	return s.LockUntil.Equal(*o.LockUntil)
}

// Store reads and conditionally replaces login state. SwapLoginState must be
// atomic: it writes next only if the stored state still equals prev and
// reports whether it did.
type Store interface {
	LoginState(ctx context.Context, identityID string) (State, error)
	SwapLoginState(ctx context.Context, identityID string, prev, next State) (bool, error)
}

type Policy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, LockDuration: DefaultLockDuration}
}

// NextOnFailure is the Open/Locked transition for a failed attempt.
func (p Policy) NextOnFailure(s State, now time.Time) State {
	if s.LockUntil != nil && !s.LockUntil.After(now) {
		return State{FailedAttempts: 1}
	}
	next := State{FailedAttempts: s.FailedAttempts + 1, LockUntil: s.LockUntil}
	if next.FailedAttempts >= p.MaxAttempts && !s.Locked(now) {
		until := now.Add(p.LockDuration)
		next.LockUntil = &until
	}
	return next
}

type Tracker struct {
	store  Store
	policy Policy
	now    func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, policy Policy, opts ...Option) *Tracker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.LockDuration <= 0 {
		policy.LockDuration = DefaultLockDuration
	}
	t := &Tracker{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Policy() Policy { return t.policy }

// Attempt runs one authentication attempt for identityID. A locked identity
// is rejected with ErrAccountLocked before verify is called. When verify
// reports false the failure is recorded and Attempt returns (false, nil);
// the caller decides how to phrase the rejection.
func (t *Tracker) Attempt(ctx context.Context, identityID string, verify func() bool) (bool, error) {
	state, err := t.store.LoginState(ctx, identityID)
	if err != nil {
		return false, err
	}
	now := t.now()
	if state.Locked(now) {
		return false, ErrAccountLocked.WithDetails(map[string]any{"lockedUntil": state.LockUntil.UTC()})
	}

	if verify() {
		if err := t.RecordSuccess(ctx, identityID); err != nil {
			return false, err
		}
		return true, nil
	}

	if _, err := t.RecordFailure(ctx, identityID); err != nil {
		return false, err
	}
	return false, nil
}

// RecordFailure applies a failed attempt and returns the resulting state.
func (t *Tracker) RecordFailure(ctx context.Context, identityID string) (State, error) {
	for i := 0; i < casRetries; i++ {
		prev, err := t.store.LoginState(ctx, identityID)
		if err != nil {
			return State{}, err
		}
		next := t.policy.NextOnFailure(prev, t.now())
		ok, err := t.store.SwapLoginState(ctx, identityID, prev, next)
		if err != nil {
			return State{}, err
		}
		if ok {
			return next, nil
		}
	}
	return State{}, fmt.Errorf("%w (identity %s)", errContention, identityID)
}

// RecordSuccess clears counter and lock. A lock that came into force after
// the caller checked is kept and reported as ErrAccountLocked.
func (t *Tracker) RecordSuccess(ctx context.Context, identityID string) error {
	for i := 0; i < casRetries; i++ {
		prev, err := t.store.LoginState(ctx, identityID)
		if err != nil {
			return err
		}
		if prev.Locked(t.now()) {
			return ErrAccountLocked.WithDetails(map[string]any{"lockedUntil": prev.LockUntil.UTC()})
		}
		if prev.Equal(State{}) {
			return nil
		}
		ok, err := t.store.SwapLoginState(ctx, identityID, prev, State{})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w (identity %s)", errContention, identityID)
}
