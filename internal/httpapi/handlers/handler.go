package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/auth"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/httpapi/middleware"
	"github.com/suPer8Hu/convsync/internal/logger"
	"github.com/suPer8Hu/convsync/internal/session"
	"gorm.io/gorm"
)

// JobPublisher hands reply jobs to the worker queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// HoldingFunc returns the transient holding of one anonymous client id.
type HoldingFunc func(clientID string) session.Holding

type Deps struct {
	DB        *gorm.DB
	JWTSecret string
	ChatSvc   *chat.Service
	Holdings  HoldingFunc
	Publisher JobPublisher // nil disables async replies
	Log       *logger.Logger
}

type Handler struct {
	Accounts  *auth.Accounts
	ChatSvc   *chat.Service
	Holdings  HoldingFunc
	Publisher JobPublisher
	Log       *logger.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Accounts:  auth.NewAccounts(d.DB, d.JWTSecret),
		ChatSvc:   d.ChatSvc,
		Holdings:  d.Holdings,
		Publisher: d.Publisher,
		Log:       log.With("component", "http"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id != 0
}

func (h *Handler) bridge(c *gin.Context, opts ...session.Option) *session.Bridge {
	holding := h.Holdings(c.GetString(middleware.ClientIDKey))
	opts = append([]session.Option{session.WithLogger(h.Log)}, opts...)
	return session.NewBridge(h.ChatSvc, holding, opts...)
}

// failChat maps engine errors onto the response envelope.
func (h *Handler) failChat(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
	case errors.Is(err, chat.ErrInvalidTurn):
		common.Fail(c, http.StatusBadRequest, 10011, err.Error())
	case errors.Is(err, chat.ErrNoUser):
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	case errors.Is(err, chat.ErrStoreUnavailable):
		h.Log.Error(op+" failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "store unavailable")
	case errors.Is(err, chat.ErrConsistency):
		h.Log.Error(op+" consistency violation", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		common.Fail(c, http.StatusInternalServerError, 50003, "store consistency violation")
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	default:
		h.Log.Error(op+" failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// turnsView is what clients render: the converged turns plus, after a
// failed reply, the synthetic apology.
type turnsView struct {
	ConversationID string      `json:"conversation_id"`
	Version        int64       `json:"version"`
	Turns          []chat.Turn `json:"turns"`
	ReplyFailed    bool        `json:"reply_failed"`
}

func renderTurns(snap *chat.Snapshot, err error) *turnsView {
	if snap == nil {
		return nil
	}
	v := chat.NewView()
	v.Apply(snap)
	failed := false
	var se *chat.StageError
	if errors.As(err, &se) && se.Stage == chat.StageReply {
		v.ShowApology()
		failed = true
	}
	return &turnsView{
		ConversationID: snap.ConversationID,
		Version:        snap.Version,
		Turns:          v.Turns(),
		ReplyFailed:    failed,
	}
}

// replyOutcome writes the response for a pipeline that may have failed at
// the reply step. Transient reply failures are a normal 200 with the apology.
func (h *Handler) replyOutcome(c *gin.Context, op string, snap *chat.Snapshot, err error) {
	if err == nil {
		common.OK(c, renderTurns(snap, nil))
		return
	}
	var se *chat.StageError
	if errors.As(err, &se) && se.Stage == chat.StageReply && se.Snapshot != nil {
		view := renderTurns(se.Snapshot, err)
		if ai.IsTransient(err) {
			common.OK(c, view)
			return
		}
		h.Log.Warn(op+" reply failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		common.FailWith(c, http.StatusBadGateway, 50201, "reply provider failed", view)
		return
	}
	h.failChat(c, op, err)
}
