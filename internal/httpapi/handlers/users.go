package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/convsync/internal/auth"
	"github.com/suPer8Hu/convsync/internal/common"
	"gorm.io/gorm"
)

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.Accounts.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		case errors.Is(err, auth.ErrEmailTaken):
			common.FailWith(c, http.StatusConflict, 10003, "email already registered", gin.H{"is_new_account": false})
		default:
			h.Log.Error("register failed", "error", err)
			common.Fail(c, http.StatusInternalServerError, 20002, "failed to create user")
		}
		return
	}
	common.OK(c, sess)
}

func (h *Handler) Login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.Accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		case errors.Is(err, auth.ErrInvalidCredentials):
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		default:
			h.Log.Error("login failed", "error", err)
			common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		}
		return
	}
	common.OK(c, sess)
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	user, err := h.Accounts.Get(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}
