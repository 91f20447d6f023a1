package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/guard"
	"github.com/y1jeong/perfdesign/lockout"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/tokens"
)

const (
	userKey         = "user"
	claimsKey       = "claims"
	refreshClaimKey = "refreshClaims"
)

var (
	ErrUserNotFound    = apperror.Authentication("USER_NOT_FOUND", "user no longer exists")
	ErrAccountInactive = apperror.Authentication("ACCOUNT_INACTIVE", "account is deactivated")
)

// UserLoader resolves the identity named by a verified token.
type UserLoader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type Auth struct {
	codec *tokens.Codec
	users UserLoader
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewAuth(codec *tokens.Codec, users UserLoader, log logrus.FieldLogger) *Auth {
	return &Auth{codec: codec, users: users, log: log, now: time.Now}
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func PrincipalOf(u *models.User) *guard.Principal {
	return &guard.Principal{
		ID:       u.ID.Hex(),
		Email:    u.Email,
		Role:     string(u.Role),
		Verified: u.IsVerified,
	}
}

// resolve verifies the access token on the request and loads its identity.
func (a *Auth) resolve(c *gin.Context) (*models.User, *tokens.Claims, error) {
	raw := tokens.FromRequest(c.Request)
	if raw == "" {
		return nil, nil, tokens.ErrTokenMissing
	}
	claims, err := a.codec.Verify(raw, tokens.ClassAccess)
	if err != nil {
		return nil, nil, err
	}

	user, err := a.users.FindByID(c.Request.Context(), claims.IdentityID())
	if err != nil {
		if apperror.From(err).Kind == apperror.KindNotFound {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrAccountInactive
	}
	if user.IsLocked(a.now()) {
		return nil, nil, lockout.ErrAccountLocked
	}
	return user, claims, nil
}

func attach(c *gin.Context, user *models.User, claims *tokens.Claims) {
	c.Set(userKey, user)
	c.Set(claimsKey, claims)
	c.Request = c.Request.WithContext(guard.WithPrincipal(c.Request.Context(), PrincipalOf(user)))
}

// Authenticate requires a valid access token for an active identity.
func (a *Auth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, claims, err := a.resolve(c)
		if err != nil {
			fail(c, err)
			return
		}
		attach(c, user, claims)
		c.Next()
	}
}

// OptionalAuthenticate attaches the identity when the request carries a
// usable token and carries on anonymously otherwise.
func (a *Auth) OptionalAuthenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens.FromRequest(c.Request) == "" {
			c.Next()
			return
		}
		user, claims, err := a.resolve(c)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"path":  c.Request.URL.Path,
				"error": err,
			}).Debug("optional authentication failed")
			c.Next()
			return
		}
		attach(c, user, claims)
		c.Next()
	}
}

// ValidateRefreshToken checks the refreshToken body field and leaves its
// claims for the handler. The body stays readable.
func (a *Auth) ValidateRefreshToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := readJSONBody(c)
		raw, _ := body["refreshToken"].(string)
		if raw == "" {
			fail(c, apperror.Authentication("REFRESH_TOKEN_MISSING", "refresh token is required"))
			return
		}
		claims, err := a.codec.Verify(raw, tokens.ClassRefresh)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(refreshClaimKey, claims)
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok
}

func CurrentPrincipal(c *gin.Context) (*guard.Principal, bool) {
	return guard.PrincipalFrom(c.Request.Context())
}

func RefreshClaims(c *gin.Context) (*tokens.Claims, bool) {
	v, ok := c.Get(refreshClaimKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*tokens.Claims)
	return claims, ok
}

// readJSONBody decodes a JSON object body and puts the bytes back so the
// handler can bind it again. Anything else yields an empty map.
func readJSONBody(c *gin.Context) map[string]any {
	out := map[string]any{}
	if c.Request.Body == nil || !strings.HasPrefix(c.ContentType(), "application/json") {
		return out
	}
	raw, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func guardRequest(c *gin.Context, withBody bool) guard.Request {
	req := guard.Request{Params: map[string]string{}}
	if p, ok := CurrentPrincipal(c); ok {
		req.Principal = p
	}
	for _, p := range c.Params {
		req.Params[p.Key] = p.Value
	}
	if withBody {
		req.Body = readJSONBody(c)
	}
	return req
}

func gate(check func(guard.Request) error, withBody bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := check(guardRequest(c, withBody)); err != nil {
			fail(c, err)
			return
		}
		c.Next()
	}
}

func Authorize(roles ...string) gin.HandlerFunc {
	return gate(func(r guard.Request) error { return guard.RequireRole(r, roles...) }, false)
}

func RequireAdmin() gin.HandlerFunc {
	return Authorize(string(models.RoleAdmin))
}

func RequireVerified() gin.HandlerFunc {
	return gate(guard.RequireVerifiedEmail, false)
}

// CheckOwnership compares the caller with the identifier named field in
// the route params or the JSON body.
func CheckOwnership(field string) gin.HandlerFunc {
	return gate(func(r guard.Request) error { return guard.RequireOwnership(r, field) }, true)
}

// UserRateLimit allows max requests per identity per window. Anonymous
// requests pass through.
func UserRateLimit(store guard.CounterStore, max int, window time.Duration, opts ...guard.LimiterOption) gin.HandlerFunc {
	limiter := guard.NewRateLimiter(store, max, window, opts...)
	return func(c *gin.Context) {
		err := limiter.Allow(c.Request.Context(), guardRequest(c, false))
		if err != nil {
			var appErr *apperror.Error
			if errors.As(err, &appErr) && appErr.Kind == apperror.KindRateLimit {
				if retry, ok := appErr.Details["retryAfter"].(int64); ok {
					c.Header("Retry-After", strconv.FormatInt(retry, 10))
				}
			}
			fail(c, err)
			return
		}
		c.Next()
	}
}
