package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/y1jeong/perfdesign/guard"
	"github.com/y1jeong/perfdesign/middleware"
	"github.com/y1jeong/perfdesign/sessions"
)

// Routes wires the controllers onto a gin engine.
type Routes struct {
	Auth         *middleware.Auth
	AuthHandlers *AuthController
	Users        *UsersController
	Sessions     *SessionController
	SessionStore *sessions.Store
	Cookies      middleware.Cookies
	Counters     guard.CounterStore
}

func (rt Routes) Register(r *gin.Engine) {
	authenticate := rt.Auth.Authenticate()

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	auth := r.Group("/auth")
	{
		auth.POST("/register", rt.AuthHandlers.Register())
		auth.POST("/login", rt.AuthHandlers.Login())
		auth.POST("/refresh", rt.Auth.ValidateRefreshToken(), rt.AuthHandlers.Refresh())
		auth.POST("/logout", rt.AuthHandlers.Logout())
		auth.POST("/verify-email", rt.AuthHandlers.VerifyEmail())
		auth.POST("/forgot-password", rt.AuthHandlers.ForgotPassword())
		auth.POST("/reset-password", rt.AuthHandlers.ResetPassword())

		auth.GET("/me", authenticate, rt.AuthHandlers.Me())
		auth.POST("/resend-verification", authenticate,
			middleware.UserRateLimit(rt.Counters, 3, time.Hour, guard.WithKeyPrefix("verify")),
			rt.AuthHandlers.ResendVerification())
		auth.POST("/change-password", authenticate,
			middleware.UserRateLimit(rt.Counters, 5, 15*time.Minute, guard.WithKeyPrefix("password")),
			rt.AuthHandlers.ChangePassword())
	}

	r.GET("/users/:userId", authenticate, middleware.CheckOwnership("userId"), rt.Users.GetUser())

	admin := r.Group("/admin", authenticate, middleware.RequireAdmin())
	{
		admin.POST("/users", rt.Users.CreateUser())
		admin.POST("/sessions/sweep", rt.Sessions.Sweep())
	}

	session := r.Group("/session", rt.Auth.OptionalAuthenticate(), middleware.Sessions(rt.SessionStore, rt.Cookies))
	{
		session.GET("", rt.Sessions.Get())
		session.POST("/touch", rt.Sessions.Touch())
		session.POST("/extend", rt.Sessions.Extend())
		session.PUT("/work-state", rt.Sessions.UpdateWorkState())
		session.POST("/artifacts",
			middleware.UserRateLimit(rt.Counters, 20, time.Minute, guard.WithKeyPrefix("upload")),
			rt.Sessions.UploadArtifact())
		session.POST("/claim", middleware.Authorize(), middleware.RequireVerified(), rt.Sessions.Claim())
		session.DELETE("", rt.Sessions.End())
	}

	r.NoRoute(middleware.NotFound())
}
