package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/httpapi/handlers"
	"github.com/suPer8Hu/convsync/internal/httpapi/middleware"
	"github.com/suPer8Hu/convsync/internal/logger"
)

func NewRouter(deps handlers.Deps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(deps)

	r.GET("/ping", h.Ping)

	// register / login
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// anonymous drafts, keyed by client id
	r.POST("/drafts", middleware.ClientID(), h.SubmitDraft)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(deps.JWTSecret))
	authGroup.GET("/me", h.Me)

	authGroup.POST("/session/promote", middleware.ClientID(), h.Promote)
	authGroup.GET("/session/active", middleware.ClientID(), h.Active)

	authGroup.POST("/conversations", h.ResolveConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:id/turns", h.GetTurns)
	authGroup.POST("/conversations/:id/turns", h.SendTurn)
	authGroup.POST("/conversations/:id/turns/async", h.SendTurnAsync)
	authGroup.GET("/jobs/:id", h.GetJob)
	return r
}
