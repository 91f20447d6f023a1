package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/tokens"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	SessionHeader     = "X-Session-ID"
	DefaultCookieName = "sessionId"
	sessionKey        = "session"
)

// Cookies carries the attributes shared by every cookie the API sets.
type Cookies struct {
	SessionName string
	Domain      string
	Secure      bool
}

func (k Cookies) sessionName() string {
	if k.SessionName == "" {
		return DefaultCookieName
	}
	return k.SessionName
}

func (k Cookies) set(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", k.Domain, k.Secure, true)
}

func (k Cookies) SetToken(c *gin.Context, token string, ttl time.Duration) {
	k.set(c, tokens.CookieName, token, int(ttl.Seconds()))
}

// ClearToken expires the access token cookie. It never fails.
func (k Cookies) ClearToken(c *gin.Context) {
	k.set(c, tokens.CookieName, "", -1)
}

func (k Cookies) SetSession(c *gin.Context, sess *models.Session, now time.Time) {
	maxAge := int(sess.ExpiresAt.Sub(now).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	k.set(c, k.sessionName(), sess.ID, maxAge)
}

func (k Cookies) ClearSession(c *gin.Context) {
	k.set(c, k.sessionName(), "", -1)
}

// SessionID reads the session id from the cookie, falling back to the
// X-Session-ID header.
func (k Cookies) SessionID(c *gin.Context) string {
	if v, err := c.Cookie(k.sessionName()); err == nil && v != "" {
		return v
	}
	return c.GetHeader(SessionHeader)
}

// Sessions resumes the caller's session or starts a new one. An expired or
// ended session counts as absent and is left for the sweeper.
func Sessions(store *sessions.Store, cookies Cookies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var sess *models.Session
		if id := cookies.SessionID(c); id != "" {
			current, err := store.Get(ctx, id)
			switch {
			case errors.Is(err, sessions.ErrSessionNotFound):
			case err != nil:
				fail(c, err)
				return
			case current.IsActive && !store.IsExpired(current):
				sess, err = store.Touch(ctx, id)
				if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
					fail(c, err)
					return
				}
			}
		}

		if sess == nil {
			var owner *bson.ObjectID
			if p, ok := CurrentPrincipal(c); ok {
				if oid, err := bson.ObjectIDFromHex(p.ID); err == nil {
					owner = &oid
				}
			}
			created, err := store.Create(ctx, c.ClientIP(), c.Request.UserAgent(), owner)
			if err != nil {
				fail(c, err)
				return
			}
			sess = created
		}

		cookies.SetSession(c, sess, store.Now())
		c.Header(SessionHeader, sess.ID)
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func CurrentSession(c *gin.Context) (*models.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*models.Session)
	return s, ok
}
