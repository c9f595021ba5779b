package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/httpapi/middleware"
	"github.com/suPer8Hu/convsync/internal/session"
)

const maxPromptIDLen = 26

type resolveReq struct {
	TopicKey  string `json:"topic_key"`
	TopicText string `json:"topic_text"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// ResolveConversation finds or creates the conversation for a topic.
func (h *Handler) ResolveConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req resolveReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ctx := c.Request.Context()
	key := strings.TrimSpace(req.TopicKey)
	text := strings.TrimSpace(req.TopicText)
	if len(key) > 64 {
		common.Fail(c, http.StatusBadRequest, 10012, "topic_key too long")
		return
	}

	var topicKey *string
	if text != "" {
		if len(key) > maxPromptIDLen {
			common.Fail(c, http.StatusBadRequest, 10012, "topic_key too long for a saved topic")
			return
		}
		p, err := h.ChatSvc.EnsurePrompt(ctx, uid, key, text)
		if err != nil {
			h.failChat(c, "save topic", err)
			return
		}
		topicKey = &p.ID
	} else if key != "" {
		topicKey = &key
	}

	conv, err := h.ChatSvc.Resolve(ctx, uid, topicKey, chat.WithProvider(req.Provider, req.Model))
	if err != nil {
		h.failChat(c, "resolve conversation", err)
		return
	}
	h.remember(c, conv.ID, text)
	common.OK(c, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.ChatSvc.ListConversations(c.Request.Context(), uid, limit)
	if err != nil {
		h.failChat(c, "list conversations", err)
		return
	}
	common.OK(c, gin.H{"conversations": list})
}

func (h *Handler) GetTurns(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	id := c.Param("id")

	snap, err := h.ChatSvc.Snapshot(c.Request.Context(), uid, id)
	if err != nil {
		h.failChat(c, "load turns", err)
		return
	}
	h.remember(c, id, "")
	common.OK(c, renderTurns(snap, nil))
}

type sendTurnReq struct {
	Content string `json:"content" binding:"required"`
}

func bindTurn(c *gin.Context) (string, []chat.AppendOption, bool) {
	var req sendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return "", nil, false
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		common.Fail(c, http.StatusBadRequest, 10011, "content required")
		return "", nil, false
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return "", nil, false
	}
	var opts []chat.AppendOption
	if idempoKey != "" {
		opts = append(opts, chat.WithIdempotencyKey(idempoKey))
	}
	return content, opts, true
}

// SendTurn appends a user turn and waits for the assistant's reply.
func (h *Handler) SendTurn(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	content, opts, ok := bindTurn(c)
	if !ok {
		return
	}
	id := c.Param("id")

	snap, err := h.ChatSvc.Send(c.Request.Context(), uid, id, content, opts...)
	h.replyOutcome(c, "send turn", snap, err)
}

// SendTurnAsync appends a user turn and leaves the reply to a worker.
func (h *Handler) SendTurnAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Publisher == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "async replies disabled")
		return
	}
	content, opts, ok := bindTurn(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	trigger, snap, err := h.ChatSvc.AppendTurn(ctx, uid, id, chat.RoleUser, content, opts...)
	if err != nil {
		h.failChat(c, "append turn", err)
		return
	}

	job, created, err := h.ChatSvc.EnqueueReply(ctx, uid, id, trigger.ID)
	if err != nil {
		h.failChat(c, "create job", err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Publisher.PublishJob(ctx, job.ID); err != nil {
			h.Log.Error("publish job failed", "job_id", job.ID, "conversation_id", id, "error", err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{
		"job_id":   job.ID,
		"created":  created,
		"snapshot": renderTurns(snap, nil),
	})
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("id")

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "job not found")
			return
		}
		h.failChat(c, "get job", err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":              j.ID,
			"conversation_id": j.ConversationID,
			"trigger_turn_id": j.TriggerTurnID,
			"status":          j.Status,
			"attempts":        j.Attempts,
			"result_turn_id":  j.ResultTurnID,
			"error":           j.Error,
			"created_at":      j.CreatedAt,
			"updated_at":      j.UpdatedAt,
		},
	})
}

// remember points the caller's restoration slot at conversationID when the
// request names a client id.
func (h *Handler) remember(c *gin.Context, conversationID, topicText string) {
	clientID := strings.TrimSpace(c.GetHeader(middleware.HeaderClientID))
	if h.Holdings == nil || !session.ValidClientID(clientID) {
		return
	}
	err := h.Holdings(clientID).SetActive(c.Request.Context(), session.ActiveConversation{
		ConversationID: conversationID,
		TopicText:      topicText,
	})
	if err != nil {
		h.Log.Warn("remember active conversation", "conversation_id", conversationID, "error", err)
	}
}
