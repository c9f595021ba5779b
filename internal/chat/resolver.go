package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/convsync/internal/common"
)

type resolveOptions struct {
	provider string
	model    string
}

type ResolveOption func(*resolveOptions)

// WithProvider picks the reply provider/model for a conversation created
// by Resolve. An existing conversation keeps what it has.
func WithProvider(provider, model string) ResolveOption {
	return func(o *resolveOptions) {
		o.provider = strings.TrimSpace(provider)
		o.model = strings.TrimSpace(model)
	}
}

func normalizeTopic(topicKey *string) *string {
	if topicKey == nil {
		return nil
	}
	k := strings.TrimSpace(*topicKey)
	if k == "" {
		return nil
	}
	return &k
}

// Resolve returns the one conversation for (userID, topicKey), creating it
// if absent. Concurrent callers with the same pair all get the same row.
// A nil topicKey always creates a new conversation.
func (s *Service) Resolve(ctx context.Context, userID uint64, topicKey *string, opts ...ResolveOption) (*Conversation, error) {
	c, _, err := s.resolve(ctx, userID, topicKey, opts...)
	return c, err
}

func (s *Service) resolve(ctx context.Context, userID uint64, topicKey *string, opts ...ResolveOption) (*Conversation, bool, error) {
	if userID == 0 {
		return nil, false, ErrNoUser
	}
	key := normalizeTopic(topicKey)

	// 1) common path: it already exists
	if key != nil {
		existing, err := s.store.FindConversation(ctx, userID, *key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	o := resolveOptions{provider: s.provider, model: s.model}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == "" {
		o.provider = s.provider
	}
	if o.model == "" {
		o.model = s.model
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	conv := &Conversation{
		ID:       id,
		UserID:   userID,
		TopicKey: key,
		Provider: o.provider,
		Model:    o.model,
	}

	// 2) create
	err = s.store.CreateConversation(ctx, conv)
	if err == nil {
		s.log.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
		return conv, true, nil
	}
	if key == nil || !errors.Is(err, ErrDuplicateKey) {
		return nil, false, err
	}

	// 3) someone else created it first; the store's unique index says it is there
	s.log.Debug("conversation create lost race, rereading", "user_id", userID, "topic_key", *key)
	existing, ferr := s.store.FindConversation(ctx, userID, *key)
	if ferr != nil {
		return nil, false, ferr
	}
	if existing == nil {
		s.log.Error("conversation duplicate reported but not found", "user_id", userID, "topic_key", *key)
		return nil, false, fmt.Errorf("conversation (user %d, topic %s): %w", userID, *key, ErrConsistency)
	}
	return existing, false, nil
}
