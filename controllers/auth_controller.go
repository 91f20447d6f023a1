package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/database"
	"github.com/y1jeong/perfdesign/dto"
	"github.com/y1jeong/perfdesign/lockout"
	"github.com/y1jeong/perfdesign/middleware"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/tokens"
	"github.com/y1jeong/perfdesign/utils"
)

const (
	VerificationTokenTTL = 24 * time.Hour
	ResetTokenTTL        = time.Hour
)

var (
	ErrInvalidCredentials = apperror.Authentication("INVALID_CREDENTIALS", "invalid email or password")
	ErrInvalidToken       = apperror.Validation("INVALID_TOKEN", "token is invalid or has expired")
)

type AuthController struct {
	users      database.UserRepository
	codec      *tokens.Codec
	tracker    *lockout.Tracker
	sessions   *sessions.Store
	cookies    middleware.Cookies
	bcryptCost int
	// devTokens returns verification and reset tokens in responses so
	// they can be exercised without a mailer.
	devTokens bool
	log       logrus.FieldLogger
	now       func() time.Time
	dummyHash string
}

type AuthConfig struct {
	BcryptCost      int
	ExposeDevTokens bool
}

func NewAuthController(
	users database.UserRepository,
	codec *tokens.Codec,
	tracker *lockout.Tracker,
	store *sessions.Store,
	cookies middleware.Cookies,
	cfg AuthConfig,
	log logrus.FieldLogger,
) *AuthController {
	dummy, _ := utils.HashPassword("not-a-real-password", cfg.BcryptCost)
	return &AuthController{
		users:      users,
		codec:      codec,
		tracker:    tracker,
		sessions:   store,
		cookies:    cookies,
		bcryptCost: cfg.BcryptCost,
		devTokens:  cfg.ExposeDevTokens,
		log:        log,
		now:        time.Now,
		dummyHash:  dummy,
	}
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (ac *AuthController) issue(c *gin.Context, user *models.User) (*tokenPair, error) {
	access, err := ac.codec.IssueAccess(user.ID.Hex(), user.Email)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	refresh, err := ac.codec.IssueRefresh(user.ID.Hex(), user.Email)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	ac.cookies.SetToken(c, access, ac.codec.AccessTTL())
	return &tokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(ac.codec.AccessTTL().Seconds()),
	}, nil
}

// claimSession binds the caller's anonymous session, if any, to user.
// Failures only cost the visitor their draft ownership, so they are logged.
func (ac *AuthController) claimSession(c *gin.Context, user *models.User) {
	if ac.sessions == nil {
		return
	}
	id := ac.cookies.SessionID(c)
	if id == "" {
		return
	}
	ctx := c.Request.Context()
	sess, err := ac.sessions.Get(ctx, id)
	if err != nil || ac.sessions.IsExpired(sess) || !sess.IsAnonymous() {
		return
	}
	if _, err := ac.sessions.AttachOwner(ctx, id, user.ID); err != nil {
		ac.log.WithFields(logrus.Fields{"session_id": id, "error": err}).Warn("failed to attach session owner")
	}
}

func (ac *AuthController) issueVerification(ctx context.Context, user *models.User) (string, error) {
	raw, hash, err := utils.NewOpaqueToken()
	if err != nil {
		return "", apperror.Internal(err)
	}
	if err := ac.users.SetVerificationToken(ctx, user.ID.Hex(), hash, ac.now().UTC().Add(VerificationTokenTTL)); err != nil {
		return "", err
	}
	return raw, nil
}

// POST /auth/register
func (ac *AuthController) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.RegisterDTO
		if !bindJSON(c, &body, false) {
			return
		}
		ctx := c.Request.Context()

		hash, err := utils.HashPassword(body.Password, ac.bcryptCost)
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}

		user := &models.User{
			Email:        body.Email,
			PasswordHash: hash,
			FirstName:    body.FirstName,
			LastName:     body.LastName,
			Role:         models.RoleUser,
			IsActive:     true,
		}
		if err := ac.users.Create(ctx, user); err != nil {
			abortWith(c, err)
			return
		}

		verification, err := ac.issueVerification(ctx, user)
		if err != nil {
			abortWith(c, err)
			return
		}

		pair, err := ac.issue(c, user)
		if err != nil {
			abortWith(c, err)
			return
		}
		ac.claimSession(c, user)

		ac.log.WithField("user_id", user.ID.Hex()).Info("user registered")
		data := gin.H{"user": user, "tokens": pair}
		if ac.devTokens {
			data["verificationToken"] = verification
		}
		respond(c, http.StatusCreated, data)
	}
}

// POST /auth/login
func (ac *AuthController) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.LoginDTO
		if !bindJSON(c, &body, false) {
			return
		}
		ctx := c.Request.Context()

		user, err := ac.users.FindByEmail(ctx, body.Email)
		if errors.Is(err, database.ErrUserNotFound) {
			// keep timing close to a real comparison
			utils.CheckPassword(ac.dummyHash, body.Password)
			abortWith(c, ErrInvalidCredentials)
			return
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		if !user.IsActive {
			abortWith(c, middleware.ErrAccountInactive)
			return
		}

		ok, err := ac.tracker.Attempt(ctx, user.ID.Hex(), func() bool {
			return utils.CheckPassword(user.PasswordHash, body.Password)
		})
		if err != nil {
			abortWith(c, err)
			return
		}
		if !ok {
			ac.log.WithField("user_id", user.ID.Hex()).Warn("failed login attempt")
			abortWith(c, ErrInvalidCredentials)
			return
		}

		if err := ac.users.RecordLogin(ctx, user.ID.Hex(), ac.now()); err != nil {
			ac.log.WithFields(logrus.Fields{"user_id": user.ID.Hex(), "error": err}).Warn("failed to record login")
		}

		pair, err := ac.issue(c, user)
		if err != nil {
			abortWith(c, err)
			return
		}
		ac.claimSession(c, user)

		respond(c, http.StatusOK, gin.H{"user": user, "tokens": pair})
	}
}

// POST /auth/refresh, behind ValidateRefreshToken.
func (ac *AuthController) Refresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.RefreshClaims(c)
		if !ok {
			abortWith(c, tokens.ErrTokenMissing)
			return
		}

		user, err := ac.users.FindByID(c.Request.Context(), claims.IdentityID())
		if errors.Is(err, database.ErrUserNotFound) {
			abortWith(c, middleware.ErrUserNotFound)
			return
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		if !user.IsActive {
			abortWith(c, middleware.ErrAccountInactive)
			return
		}
		if user.IsLocked(ac.now()) {
			abortWith(c, lockout.ErrAccountLocked)
			return
		}

		pair, err := ac.issue(c, user)
		if err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"tokens": pair})
	}
}

// POST /auth/logout clears the token cookie and always succeeds.
func (ac *AuthController) Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ac.cookies.ClearToken(c)
		respond(c, http.StatusOK, gin.H{"loggedOut": true})
	}
}

// GET /auth/me
func (ac *AuthController) Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			abortWith(c, tokens.ErrTokenMissing)
			return
		}
		respond(c, http.StatusOK, gin.H{"user": user})
	}
}

// POST /auth/verify-email
func (ac *AuthController) VerifyEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.VerifyEmailDTO
		if !bindJSON(c, &body, false) {
			return
		}
		ctx := c.Request.Context()

		user, err := ac.users.FindByVerificationToken(ctx, utils.HashToken(body.Token), ac.now().UTC())
		if errors.Is(err, database.ErrUserNotFound) {
			abortWith(c, ErrInvalidToken)
			return
		}
		if err != nil {
			abortWith(c, err)
			return
		}
		if err := ac.users.MarkVerified(ctx, user.ID.Hex()); err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"verified": true})
	}
}

// POST /auth/resend-verification
func (ac *AuthController) ResendVerification() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			abortWith(c, tokens.ErrTokenMissing)
			return
		}
		if user.IsVerified {
			abortWith(c, apperror.Conflict("ALREADY_VERIFIED", "email is already verified"))
			return
		}
		raw, err := ac.issueVerification(c.Request.Context(), user)
		if err != nil {
			abortWith(c, err)
			return
		}
		data := gin.H{"sent": true}
		if ac.devTokens {
			data["verificationToken"] = raw
		}
		respond(c, http.StatusOK, data)
	}
}

// POST /auth/forgot-password answers the same way whether or not the
// address is known.
func (ac *AuthController) ForgotPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.ForgotPasswordDTO
		if !bindJSON(c, &body, false) {
			return
		}
		ctx := c.Request.Context()
		data := gin.H{"sent": true}

		user, err := ac.users.FindByEmail(ctx, body.Email)
		switch {
		case errors.Is(err, database.ErrUserNotFound):
		case err != nil:
			abortWith(c, err)
			return
		case user.IsActive:
			raw, hash, err := utils.NewOpaqueToken()
			if err != nil {
				abortWith(c, apperror.Internal(err))
				return
			}
			if err := ac.users.SetResetToken(ctx, user.ID.Hex(), hash, ac.now().UTC().Add(ResetTokenTTL)); err != nil {
				abortWith(c, err)
				return
			}
			if ac.devTokens {
				data["resetToken"] = raw
			}
		}
		respond(c, http.StatusOK, data)
	}
}

// POST /auth/reset-password consumes a reset token. It also lifts any
// lockout on the account.
func (ac *AuthController) ResetPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.ResetPasswordDTO
		if !bindJSON(c, &body, false) {
			return
		}
		ctx := c.Request.Context()

		user, err := ac.users.FindByResetToken(ctx, utils.HashToken(body.Token), ac.now().UTC())
		if errors.Is(err, database.ErrUserNotFound) {
			abortWith(c, ErrInvalidToken)
			return
		}
		if err != nil {
			abortWith(c, err)
			return
		}

		hash, err := utils.HashPassword(body.Password, ac.bcryptCost)
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}
		if err := ac.users.ResetPassword(ctx, user.ID.Hex(), hash); err != nil {
			abortWith(c, err)
			return
		}
		ac.log.WithField("user_id", user.ID.Hex()).Info("password reset")
		respond(c, http.StatusOK, gin.H{"reset": true})
	}
}

// POST /auth/change-password
func (ac *AuthController) ChangePassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.ChangeMyPasswordDTO
		if !bindJSON(c, &body, false) {
			return
		}
		user, ok := middleware.CurrentUser(c)
		if !ok {
			abortWith(c, tokens.ErrTokenMissing)
			return
		}

		if !utils.CheckPassword(user.PasswordHash, body.CurrentPassword) {
			abortWith(c, apperror.Authentication("INVALID_CURRENT_PASSWORD", "current password is incorrect"))
			return
		}

		hash, err := utils.HashPassword(body.NewPassword, ac.bcryptCost)
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}
		if err := ac.users.UpdatePassword(c.Request.Context(), user.ID.Hex(), hash); err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"changed": true})
	}
}
