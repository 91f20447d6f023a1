package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/database"
	"github.com/y1jeong/perfdesign/dto"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/utils"
)

type UsersController struct {
	users      database.UserRepository
	bcryptCost int
	log        logrus.FieldLogger
}

func NewUsersController(users database.UserRepository, bcryptCost int, log logrus.FieldLogger) *UsersController {
	return &UsersController{users: users, bcryptCost: bcryptCost, log: log}
}

// POST /admin/users
func (uc *UsersController) CreateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body dto.CreateUserDTO
		if !bindJSON(c, &body, false) {
			return
		}

		hash, err := utils.HashPassword(body.Password, uc.bcryptCost)
		if err != nil {
			abortWith(c, apperror.Internal(err))
			return
		}

		role := models.RoleUser
		if body.Role != "" {
			role = models.Role(body.Role)
		}

		user := &models.User{
			Email:        body.Email,
			PasswordHash: hash,
			FirstName:    body.FirstName,
			LastName:     body.LastName,
			Role:         role,
			IsActive:     true,
			IsVerified:   body.Verified,
		}
		if err := uc.users.Create(c.Request.Context(), user); err != nil {
			abortWith(c, err)
			return
		}

		uc.log.WithFields(logrus.Fields{"user_id": user.ID.Hex(), "role": user.Role}).Info("account opened by admin")
		respond(c, http.StatusCreated, gin.H{"user": user})
	}
}

// GET /users/:userId, behind CheckOwnership("userId").
func (uc *UsersController) GetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := uc.users.FindByID(c.Request.Context(), c.Param("userId"))
		if err != nil {
			abortWith(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"user": user})
	}
}
