package controllers

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/y1jeong/perfdesign/apperror"
)

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func abortWith(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bindJSON binds the body into dst and reports a validation error when it
// does not fit. An empty body is accepted when optional is set.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	abortWith(c, apperror.Validation("INVALID_REQUEST", "request body is invalid").
		WithDetails(map[string]any{"reason": err.Error()}))
	return false
}
