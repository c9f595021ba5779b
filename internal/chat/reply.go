package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/convsync/internal/ai"
)

// Reply answers the newest user turn of a conversation and persists the
// answer. When there is nothing to answer, or another caller already
// answered, it returns the current snapshot without calling the provider.
//
// A provider failure returns the unchanged snapshot together with a
// *StageError for StageReply.
func (s *Service) Reply(ctx context.Context, userID uint64, conversationID string) (*Snapshot, error) {
	return s.reply(ctx, userID, conversationID, nil)
}

// reply answers triggerID, or the pending user turn when triggerID is nil.
// The provider sees the conversation up to and including that turn.
func (s *Service) reply(ctx context.Context, userID uint64, conversationID string, triggerID *uint64) (*Snapshot, error) {
	conv, err := s.conversationFor(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.LoadSnapshot(ctx, conversationID)
	if err != nil {
		return nil, stageErr(StageRefresh, false, nil, err)
	}

	var target *Turn
	if triggerID == nil {
		target = snap.PendingUserTurn()
	} else {
		u := snap.Turn(*triggerID)
		if u == nil || u.Role != RoleUser {
			return snap, fmt.Errorf("user turn %d in conversation %s: %w", *triggerID, conversationID, ErrNotFound)
		}
		if snap.ReplyTo(u.ID) == nil {
			target = u
		}
	}
	if target == nil {
		return snap, nil
	}

	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return snap, stageErr(StageReply, false, snap, err)
	}

	reply, err := provider.Chat(ctx, s.window(snap.Through(target.ID)))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ai.Transient(errors.New("empty reply"))
	}
	if err != nil {
		s.log.Warn("reply provider failed", "conversation_id", conversationID, "provider", conv.Provider, "transient", ai.IsTransient(err), "error", err)
		return snap, stageErr(StageReply, false, snap, err)
	}

	out, err := s.Append(ctx, userID, conversationID, RoleAssistant, reply, WithReplyTo(target.ID))
	if err != nil {
		return snap, stageErr(StagePersistReply, false, snap, err)
	}
	return out, nil
}

func (s *Service) providerFor(ctx context.Context, conv *Conversation) (ai.Provider, error) {
	p := conv.Provider
	m := conv.Model
	if p == "" {
		p = s.provider
	}
	if m == "" {
		m = s.model
	}
	return s.registry.Get(ctx, p, m)
}

// window converts the newest contextWindowSize turns to provider messages,
// oldest first.
func (s *Service) window(turns []Turn) []ai.Message {
	start := 0
	if len(turns) > s.contextWindowSize {
		start = len(turns) - s.contextWindowSize
	}
	out := make([]ai.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		out = append(out, ai.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}
