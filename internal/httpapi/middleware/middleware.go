package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/suPer8Hu/convsync/internal/auth"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/logger"
	"github.com/suPer8Hu/convsync/internal/session"
)

const (
	UserIDKey    = "user_id"
	RequestIDKey = "request_id"
	ClientIDKey  = "client_id"

	HeaderRequestID = "X-Request-ID"
	HeaderClientID  = "X-Client-ID"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(RequestIDKey),
					"stack", string(debug.Stack()),
				)
				c.Abort()
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", c.GetString(RequestIDKey),
		}
		if uid, ok := c.Get(UserIDKey); ok {
			kv = append(kv, "user_id", uid)
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("http request", kv...)
		case c.Writer.Status() >= 400:
			log.Warn("http request", kv...)
		default:
			log.Info("http request", kv...)
		}
	}
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(strings.TrimSpace(token), secret)
		if err != nil {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

type clientHeader struct {
	ClientID string `header:"X-Client-ID" binding:"required,clientid"`
}

var registerClientID sync.Once

// ClientID requires X-Client-ID, the anonymous id that keys held drafts.
func ClientID() gin.HandlerFunc {
	registerClientID.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("clientid", func(fl validator.FieldLevel) bool {
				return session.ValidClientID(fl.Field().String())
			})
		}
	})
	return func(c *gin.Context) {
		var h clientHeader
		if err := c.ShouldBindHeader(&h); err != nil {
			c.Abort()
			common.Fail(c, http.StatusBadRequest, 10030, "X-Client-ID header required")
			return
		}
		c.Set(ClientIDKey, h.ClientID)
		c.Next()
	}
}
