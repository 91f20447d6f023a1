// Package tokens issues and verifies the signed bearer credentials used by
// the API. Access and refresh tokens share a format and a signing secret and
// are told apart by the "typ" claim.
package tokens

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/y1jeong/perfdesign/apperror"
)

type Class string

const (
	ClassAccess  Class = "access"
	ClassRefresh Class = "refresh"
)

const (
	// CookieName is the cookie that carries the access token.
	CookieName = "token"

	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenMissing    = apperror.Authentication("TOKEN_MISSING", "authentication token is required")
	ErrTokenExpired    = apperror.Authentication("TOKEN_EXPIRED", "token has expired")
	ErrTokenMalformed  = apperror.Authentication("TOKEN_MALFORMED", "token is invalid")
	ErrTokenWrongClass = apperror.Authentication("TOKEN_WRONG_CLASS", "token type is not accepted here")
)

type Claims struct {
	Email string `json:"email"`
	Class Class  `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) IdentityID() string { return c.Subject }

func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type Option func(*Codec)

func WithTTL(access, refresh time.Duration) Option {
	return func(c *Codec) {
		if access > 0 {
			c.accessTTL = access
		}
		if refresh > 0 {
			c.refreshTTL = refresh
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("tokens: signing secret is required")
	}
	c := &Codec{
		secret:     []byte(secret),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *Codec) IssueAccess(identityID, email string) (string, error) {
	return c.issue(identityID, email, ClassAccess, c.accessTTL)
}

func (c *Codec) IssueRefresh(identityID, email string) (string, error) {
	return c.issue(identityID, email, ClassRefresh, c.refreshTTL)
}

func (c *Codec) issue(identityID, email string, class Class, ttl time.Duration) (string, error) {
	now := c.now()
	claims := Claims{
		Email: email,
		Class: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify checks signature, expiry and class. The returned error is always one
// of ErrTokenMissing, ErrTokenExpired, ErrTokenMalformed or ErrTokenWrongClass.
func (c *Codec) Verify(tokenStr string, expected Class) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenMalformed
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed.Wrap(err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}
	if claims.Class != expected {
		return nil, ErrTokenWrongClass.WithDetails(map[string]any{"expected": string(expected)})
	}
	return claims, nil
}

// FromRequest extracts the access token from the Authorization header or,
// failing that, the token cookie. The header wins when both are present.
func FromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			if tok := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); tok != "" {
				return tok
			}
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
