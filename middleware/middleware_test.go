package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/y1jeong/perfdesign/database"
	"github.com/y1jeong/perfdesign/guard"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/tokens"
)

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type fixture struct {
	codec *tokens.Codec
	users *database.MemoryUserRepository
	auth  *Auth
	log   *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	codec, err := tokens.NewCodec("middleware-test-secret")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	users := database.NewMemoryUserRepository()
	return &fixture{codec: codec, users: users, auth: NewAuth(codec, users, log), log: log}
}

func (f *fixture) user(t *testing.T, email string, role models.Role, active, verified bool) (*models.User, string) {
	t.Helper()
	u := &models.User{Email: email, PasswordHash: "x", Role: role, IsActive: active, IsVerified: verified}
	require.NoError(t, f.users.Create(context.Background(), u))
	tok, err := f.codec.IssueAccess(u.ID.Hex(), u.Email)
	require.NoError(t, err)
	return u, tok
}

func (f *fixture) router() *gin.Engine {
	r := gin.New()
	r.Use(ErrorHandler(f.log, true), Recovery())
	return r
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	active, activeTok := f.user(t, "active@example.com", models.RoleUser, true, true)
	_, inactiveTok := f.user(t, "gone@example.com", models.RoleUser, false, true)
	refresh, err := f.codec.IssueRefresh(active.ID.Hex(), active.Email)
	require.NoError(t, err)

	r := f.router()
	r.GET("/me", f.auth.Authenticate(), func(c *gin.Context) {
		p, ok := CurrentPrincipal(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": p.ID})
	})

	w := do(r, http.MethodGet, "/me", activeTok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), active.ID.Hex())

	cases := map[string]struct {
		token string
		code  string
	}{
		"missing":     {"", "TOKEN_MISSING"},
		"garbage":     {"not.a.jwt", "TOKEN_MALFORMED"},
		"wrong class": {refresh, "TOKEN_WRONG_CLASS"},
		"inactive":    {inactiveTok, "ACCOUNT_INACTIVE"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/me", tc.token, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tc.code, decodeError(t, w).Error.Code)
		})
	}
}

func TestAuthenticateRejectsDeletedIdentity(t *testing.T) {
	f := newFixture(t)
	tok, err := f.codec.IssueAccess("65f1c0ffee00000000000009", "ghost@example.com")
	require.NoError(t, err)

	r := f.router()
	r.GET("/me", f.auth.Authenticate(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/me", tok, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "USER_NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestOptionalAuthenticateNeverFails(t *testing.T) {
	f := newFixture(t)
	_, tok := f.user(t, "opt@example.com", models.RoleUser, true, false)

	r := f.router()
	r.GET("/", f.auth.OptionalAuthenticate(), func(c *gin.Context) {
		_, ok := CurrentPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": ok})
	})

	assert.JSONEq(t, `{"authenticated":true}`, do(r, http.MethodGet, "/", tok, "").Body.String())
	assert.JSONEq(t, `{"authenticated":false}`, do(r, http.MethodGet, "/", "", "").Body.String())

	w := do(r, http.MethodGet, "/", "broken", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false}`, w.Body.String())
}

func TestValidateRefreshToken(t *testing.T) {
	f := newFixture(t)
	u, access := f.user(t, "r@example.com", models.RoleUser, true, true)
	refresh, err := f.codec.IssueRefresh(u.ID.Hex(), u.Email)
	require.NoError(t, err)

	r := f.router()
	r.POST("/refresh", f.auth.ValidateRefreshToken(), func(c *gin.Context) {
		claims, ok := RefreshClaims(c)
		require.True(t, ok)
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, gin.H{"sub": claims.IdentityID(), "echo": body.RefreshToken == refresh})
	})

	w := do(r, http.MethodPost, "/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sub":"`+u.ID.Hex()+`","echo":true}`, w.Body.String())

	w = do(r, http.MethodPost, "/refresh", "", `{"refreshToken":"`+access+`"}`)
	assert.Equal(t, "TOKEN_WRONG_CLASS", decodeError(t, w).Error.Code)

	w = do(r, http.MethodPost, "/refresh", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleAndVerificationGates(t *testing.T) {
	f := newFixture(t)
	_, userTok := f.user(t, "u@example.com", models.RoleUser, true, false)
	_, adminTok := f.user(t, "admin@example.com", models.RoleAdmin, true, true)

	r := f.router()
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/admin", f.auth.Authenticate(), RequireAdmin(), ok)
	r.GET("/verified", f.auth.Authenticate(), RequireVerified(), ok)
	r.GET("/any", f.auth.Authenticate(), Authorize(), ok)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/admin", adminTok, "").Code)
	w := do(r, http.MethodGet, "/admin", userTok, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, w).Error.Code)

	w = do(r, http.MethodGet, "/verified", userTok, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", decodeError(t, w).Error.Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/verified", adminTok, "").Code)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/any", userTok, "").Code)
}

func TestCheckOwnership(t *testing.T) {
	f := newFixture(t)
	me, tok := f.user(t, "me@example.com", models.RoleUser, true, true)
	other, _ := f.user(t, "other@example.com", models.RoleUser, true, true)

	r := f.router()
	r.GET("/users/:userId", f.auth.Authenticate(), CheckOwnership("userId"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.POST("/drafts", f.auth.Authenticate(), CheckOwnership("userId"), func(c *gin.Context) {
		var body struct {
			UserID string `json:"userId"`
			Name   string `json:"name"`
		}
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, gin.H{"name": body.Name})
	})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/users/"+me.ID.Hex(), tok, "").Code)

	w := do(r, http.MethodGet, "/users/"+other.ID.Hex(), tok, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_RESOURCE_OWNER", decodeError(t, w).Error.Code)

	w = do(r, http.MethodPost, "/drafts", tok, `{"userId":"`+me.ID.Hex()+`","name":"grille"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"grille"}`, w.Body.String())

	w = do(r, http.MethodPost, "/drafts", tok, `{"userId":"`+other.ID.Hex()+`"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/users/"+me.ID.Hex(), "", "").Code)
}

func TestUserRateLimit(t *testing.T) {
	f := newFixture(t)
	_, tok := f.user(t, "busy@example.com", models.RoleUser, true, true)

	r := f.router()
	r.Use(f.auth.OptionalAuthenticate())
	r.GET("/limited", UserRateLimit(guard.NewMemoryCounterStore(), 3, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/limited", tok, "").Code)
	}
	w := do(r, http.MethodGet, "/limited", tok, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// anonymous callers are not counted
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/limited", "", "").Code)
	}
}

func TestErrorHandlerHidesInternalDetailInProduction(t *testing.T) {
	f := newFixture(t)

	prod := f.router()
	prod.GET("/boom", func(c *gin.Context) { panic("database exploded") })
	w := do(prod, http.MethodGet, "/boom", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "exploded")

	dev := gin.New()
	dev.Use(ErrorHandler(f.log, false), Recovery())
	dev.GET("/boom", func(c *gin.Context) { panic("database exploded") })
	w = do(dev, http.MethodGet, "/boom", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "exploded")
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t)
	r := f.router()
	r.NoRoute(NotFound())

	w := do(r, http.MethodGet, "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestSessionsMiddleware(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := sessions.NewStore(database.NewMemorySessionRepository(), nil, sessions.DefaultConfig(), f.log, sessions.WithClock(clock))
	cookies := Cookies{}

	r := f.router()
	r.Use(f.auth.OptionalAuthenticate(), Sessions(store, cookies))
	r.GET("/session", func(c *gin.Context) {
		sess, ok := CurrentSession(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, sess)
	})

	first := do(r, http.MethodGet, "/session", "", "")
	require.Equal(t, http.StatusOK, first.Code)
	id := first.Header().Get(SessionHeader)
	require.NotEmpty(t, id)
	cookie := first.Result().Cookies()
	require.Len(t, cookie, 1)
	assert.Equal(t, DefaultCookieName, cookie[0].Name)
	assert.True(t, cookie[0].HttpOnly)

	// resumed through the cookie
	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: id})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, id, w.Header().Get(SessionHeader))

	// and through the header
	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set(SessionHeader, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, id, w.Header().Get(SessionHeader))

	// unknown ids get a fresh session
	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set(SessionHeader, "does-not-exist")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "does-not-exist", w.Header().Get(SessionHeader))

	// an expired session is treated as absent
	now = now.Add(3 * time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set(SessionHeader, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, id, w.Header().Get(SessionHeader))
}

func TestSessionsMiddlewareOwnsSessionForSignedInCaller(t *testing.T) {
	f := newFixture(t)
	u, tok := f.user(t, "owner@example.com", models.RoleUser, true, true)
	store := sessions.NewStore(database.NewMemorySessionRepository(), nil, sessions.DefaultConfig(), f.log)

	r := f.router()
	r.Use(f.auth.OptionalAuthenticate(), Sessions(store, Cookies{}))
	r.GET("/session", func(c *gin.Context) {
		sess, _ := CurrentSession(c)
		c.JSON(http.StatusOK, sess)
	})

	w := do(r, http.MethodGet, "/session", tok, "")
	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.NotNil(t, sess.UserID)
	assert.Equal(t, u.ID, *sess.UserID)
}
