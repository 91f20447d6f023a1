package models

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type User struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Email        string        `bson:"email" json:"email"`
	PasswordHash string        `bson:"passwordHash" json:"-"` // never expose
	FirstName    string        `bson:"firstName,omitempty" json:"firstName,omitempty"`
	LastName     string        `bson:"lastName,omitempty" json:"lastName,omitempty"`
	Role         Role          `bson:"role" json:"role"`
	IsActive     bool          `bson:"isActive" json:"isActive"`
	IsVerified   bool          `bson:"isVerified" json:"isVerified"`

	LoginAttempts int        `bson:"loginAttempts" json:"-"`
	LockUntil     *time.Time `bson:"lockUntil,omitempty" json:"-"`

	VerificationTokenHash    string     `bson:"verificationTokenHash,omitempty" json:"-"`
	VerificationTokenExpires *time.Time `bson:"verificationTokenExpires,omitempty" json:"-"`
	ResetTokenHash           string     `bson:"resetTokenHash,omitempty" json:"-"`
	ResetTokenExpires        *time.Time `bson:"resetTokenExpires,omitempty" json:"-"`

	LastLoginAt *time.Time `bson:"lastLoginAt,omitempty" json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// IsLocked reports whether a lock is in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

var (
	errUserEmail    = errors.New("user: email is required")
	errUserPassword = errors.New("user: password hash is required")
	errUserRole     = errors.New("user: unknown role")
	errUserAttempts = errors.New("user: login attempts must not be negative")
	errUserVerify   = errors.New("user: verification token hash and expiry must be set together")
	errUserReset    = errors.New("user: reset token hash and expiry must be set together")
)

// Validate checks the invariants every persisted identity must hold.
// Repositories call it before writing a full document.
func (u *User) Validate() error {
	switch {
	case u.Email == "":
		return errUserEmail
	case u.PasswordHash == "":
		return errUserPassword
	case !u.Role.Valid():
		return errUserRole
	case u.LoginAttempts < 0:
		return errUserAttempts
	case (u.VerificationTokenHash == "") != (u.VerificationTokenExpires == nil):
		return errUserVerify
	case (u.ResetTokenHash == "") != (u.ResetTokenExpires == nil):
		return errUserReset
	}
	return nil
}
