package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/dto"
	"github.com/y1jeong/perfdesign/middleware"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"github.com/y1jeong/perfdesign/utils"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type SessionController struct {
	store     *sessions.Store
	storage   utils.ArtifactStorage
	validator *utils.FileValidator
	cookies   middleware.Cookies
	log       logrus.FieldLogger
}

func NewSessionController(
	store *sessions.Store,
	storage utils.ArtifactStorage,
	validator *utils.FileValidator,
	cookies middleware.Cookies,
	log logrus.FieldLogger,
) *SessionController {
	return &SessionController{store: store, storage: storage, validator: validator, cookies: cookies, log: log}
}

// current returns the session resolved by the Sessions middleware.
func (sc *SessionController) current(c *gin.Context) (*models.Session, bool) {
	sess, ok := middleware.CurrentSession(c)
	if !ok {
		abortWith(c, sessions.ErrSessionNotFound)
		return nil, false
	}
	return sess, true
}

// GET /session
func (sc *SessionController) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		respond(c, http.StatusOK, gin.H{"session": sess})
	}
}

// POST /session/touch records optional usage counters.
func (sc *SessionController) Touch() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		var body dto.SessionActivityDTO
		if !bindJSON(c, &body, true) {
			return
		}
		updated, err := sc.store.RecordActivity(c.Request.Context(), sess.ID, sessions.Activity{
			PageViews: body.PageViews,
			Actions:   body.Actions,
			TimeSpent: time.Duration(body.TimeSpentSeconds) * time.Second,
		})
		if err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"session": updated})
	}
}

// POST /session/extend
func (sc *SessionController) Extend() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		var body dto.ExtendSessionDTO
		if !bindJSON(c, &body, true) {
			return
		}
		minutes := sessions.DefaultExtendBy
		if body.Minutes != nil {
			minutes = *body.Minutes
		}

		updated, err := sc.store.Extend(c.Request.Context(), sess.ID, minutes)
		if err != nil {
			abortWith(c, err)
			return
		}
		sc.cookies.SetSession(c, updated, sc.store.Now())
		respond(c, http.StatusOK, gin.H{"session": updated})
	}
}

// PUT /session/work-state
func (sc *SessionController) UpdateWorkState() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		var body dto.WorkStateDTO
		if !bindJSON(c, &body, false) {
			return
		}

		var draft, ui bson.M
		if body.Draft != nil {
			draft = bson.M(body.Draft)
		}
		if body.UIState != nil {
			ui = bson.M(body.UIState)
		}
		updated, err := sc.store.UpdateWorkState(c.Request.Context(), sess.ID, draft, ui, body.ProcessingStatus)
		if err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"session": updated})
	}
}

// POST /session/artifacts takes a multipart "file" field.
func (sc *SessionController) UploadArtifact() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, sc.validator.MaxBytes()+1<<20)
		fh, err := c.FormFile("file")
		if err != nil {
			abortWith(c, apperror.Validation("FILE_REQUIRED", "a file is required in the \"file\" field"))
			return
		}
		contentType, err := sc.validator.ValidateFile(fh)
		if err != nil {
			abortWith(c, apperror.Validation("INVALID_FILE", err.Error()))
			return
		}

		f, err := fh.Open()
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}
		defer f.Close()

		ctx := c.Request.Context()
		artifact, err := sc.storage.Put(ctx, utils.Upload{
			SessionID:   sess.ID,
			FileName:    fh.Filename,
			ContentType: contentType,
			Size:        fh.Size,
			Body:        f,
		})
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}

		updated, err := sc.store.AddArtifact(ctx, sess.ID, artifact)
		if err != nil {
			if rerr := sc.storage.Release(ctx, artifact); rerr != nil {
				sc.log.WithFields(logrus.Fields{"object": artifact.ObjectName, "error": rerr}).Warn("failed to release orphaned artifact")
			}
			abortWith(c, err)
			return
		}
		respond(c, http.StatusCreated, gin.H{"artifact": artifact, "session": updated})
	}
}

// POST /session/claim binds the current session to the signed-in caller.
func (sc *SessionController) Claim() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		user, ok := middleware.CurrentUser(c)
		if !ok {
			abortWith(c, apperror.Authentication("UNAUTHENTICATED", "authentication required"))
			return
		}
		if sess.UserID != nil && *sess.UserID != user.ID {
			abortWith(c, apperror.Conflict("SESSION_OWNED", "session belongs to another account"))
			return
		}

		updated, err := sc.store.AttachOwner(c.Request.Context(), sess.ID, user.ID)
		if err != nil {
			abortWith(c, err)
			return
		}
		sc.cookies.SetSession(c, updated, sc.store.Now())
		respond(c, http.StatusOK, gin.H{"session": updated})
	}
}

// DELETE /session releases the session's artifacts and forgets it.
func (sc *SessionController) End() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sc.current(c)
		if !ok {
			return
		}
		if err := sc.store.Cleanup(c.Request.Context(), sess); err != nil {
			abortWith(c, err)
			return
		}
		sc.cookies.ClearSession(c)
		c.Header(middleware.SessionHeader, "")
		respond(c, http.StatusOK, gin.H{"ended": true})
	}
}

// POST /admin/sessions/sweep runs a sweep immediately.
func (sc *SessionController) Sweep() gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := sc.store.Sweep(c.Request.Context())
		if err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"removed": removed})
	}
}
