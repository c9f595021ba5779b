package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/session"
)

type draftReq struct {
	Content string `json:"content"`
}

// SubmitDraft holds a turn for a client that has not signed in yet.
func (h *Handler) SubmitDraft(c *gin.Context) {
	var req draftReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	p, err := h.bridge(c).Submit(c.Request.Context(), req.Content)
	if err != nil {
		if errors.Is(err, session.ErrEmptyDraft) {
			common.Fail(c, http.StatusBadRequest, 10011, "content required")
			return
		}
		h.Log.Error("hold draft failed", "error", err)
		common.Fail(c, http.StatusServiceUnavailable, 50303, "holding unavailable")
		return
	}
	common.OK(c, gin.H{"draft": p.Draft})
}

type promotionView struct {
	Draft          session.Draft `json:"draft"`
	ConversationID string        `json:"conversation_id,omitempty"`
	View           *turnsView    `json:"view,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Promote runs the auth transition for the caller's client id: every held
// draft becomes a conversation of the signed-in user. Calling it twice is
// safe.
func (h *Handler) Promote(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	promos, err := h.bridge(c).OnAuthChange(c.Request.Context(), &uid)
	if err != nil {
		h.Log.Error("promote drafts failed", "user_id", uid, "error", err)
		common.Fail(c, http.StatusServiceUnavailable, 50303, "holding unavailable")
		return
	}

	out := make([]promotionView, 0, len(promos))
	for _, p := range promos {
		v := promotionView{Draft: p.Draft, View: renderTurns(p.Snapshot, p.Err)}
		if p.Conversation != nil {
			v.ConversationID = p.Conversation.ID
		}
		if p.Err != nil {
			v.Error = p.Err.Error()
		}
		out = append(out, v)
	}
	common.OK(c, gin.H{"promotions": out})
}

// Active restores the conversation the client showed last.
func (h *Handler) Active(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	active, snap, err := h.bridge(c, session.WithUser(uid)).Resume(c.Request.Context())
	if err != nil {
		h.failChat(c, "resume", err)
		return
	}
	if active == nil {
		common.OK(c, gin.H{"active": nil})
		return
	}
	common.OK(c, gin.H{
		"active": active,
		"view":   renderTurns(snap, nil),
	})
}
