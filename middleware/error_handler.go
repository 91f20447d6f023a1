package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/utils"
)

// ErrorHandler renders the last error pushed with c.Error as
//
//	{"success": false, "error": {"code", "message", "details"}}
//
// Server errors are logged at error level, client errors at warn. In
// production the message of an unclassified error is never exposed.
func ErrorHandler(log logrus.FieldLogger, production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr := apperror.From(err)
		status := appErr.Status()

		entry := log.WithFields(logrus.Fields{
			"status":    status,
			"code":      appErr.Code,
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"client_ip": c.ClientIP(),
		})
		if status >= http.StatusInternalServerError {
			entry.WithError(err).Error(appErr.Message)
		} else {
			entry.Warn(appErr.Message)
		}

		if c.Writer.Written() {
			return
		}

		body := gin.H{"code": appErr.Code, "message": appErr.Message}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		if status >= http.StatusInternalServerError && !production && appErr.Err != nil {
			body["message"] = utils.RedactTokens(appErr.Err.Error())
		}
		c.JSON(status, gin.H{"success": false, "error": body})
	}
}

// Recovery turns a handler panic into an internal error for ErrorHandler.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		fail(c, apperror.Internal(fmt.Errorf("panic: %v", recovered)))
	})
}

// NotFound is the fallback for unknown routes.
func NotFound() gin.HandlerFunc {
	return func(c *gin.Context) {
		fail(c, apperror.NotFound("ROUTE_NOT_FOUND", "route not found"))
	}
}
