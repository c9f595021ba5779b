package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxIdempotencyKeyLen = 128

type appendOptions struct {
	idempotencyKey string
	replyTo        *uint64
}

type AppendOption func(*appendOptions)

// WithIdempotencyKey scopes duplicate suppression to one client submission.
// Without a key, any literal (role, content) repeat in the conversation
// collapses into the first copy.
func WithIdempotencyKey(key string) AppendOption {
	return func(o *appendOptions) { o.idempotencyKey = strings.TrimSpace(key) }
}

// WithReplyTo marks an assistant turn as the answer to a user turn. Only
// one answer per user turn is ever stored.
func WithReplyTo(turnID uint64) AppendOption {
	return func(o *appendOptions) {
		id := turnID
		o.replyTo = &id
	}
}

func (o appendOptions) dedupeKey() string {
	if o.replyTo != nil {
		return fmt.Sprintf("reply:%d", *o.replyTo)
	}
	if o.idempotencyKey != "" {
		return "key:" + o.idempotencyKey
	}
	return ""
}

// Append makes sure exactly one durable copy of the turn exists and
// returns the converged, ordered turn list. N concurrent calls with the
// same arguments leave one stored turn and return lists holding it once.
func (s *Service) Append(ctx context.Context, userID uint64, conversationID string, role Role, content string, opts ...AppendOption) (*Snapshot, error) {
	_, snap, err := s.AppendTurn(ctx, userID, conversationID, role, content, opts...)
	return snap, err
}

// AppendTurn is Append that also returns the stored turn, whichever
// caller wrote it.
func (s *Service) AppendTurn(ctx context.Context, userID uint64, conversationID string, role Role, content string, opts ...AppendOption) (*Turn, *Snapshot, error) {
	if !role.Valid() {
		return nil, nil, fmt.Errorf("role %q: %w", role, ErrInvalidTurn)
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("empty content: %w", ErrInvalidTurn)
	}
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.idempotencyKey) > maxIdempotencyKeyLen {
		return nil, nil, fmt.Errorf("idempotency key too long: %w", ErrInvalidTurn)
	}
	if o.replyTo != nil && role != RoleAssistant {
		return nil, nil, fmt.Errorf("only assistant turns reply: %w", ErrInvalidTurn)
	}

	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, nil, err
	}

	turn := &Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ContentHash:    hashContent(content),
		DedupeKey:      o.dedupeKey(),
		ReplyToID:      o.replyTo,
	}
	q := queryFor(turn)

	// 1) fast path: already there
	existing, err := s.store.FindTurn(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	created := false
	if existing == nil {
		// 2) write; 3) a duplicate means another caller won
		err := s.store.CreateTurn(ctx, turn)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, ErrDuplicateKey):
			s.log.Debug("turn append lost race, converging", "conversation_id", conversationID, "role", role)
		default:
			return nil, nil, err
		}
	}

	// 4) converge
	snap, err := s.store.LoadSnapshot(ctx, conversationID)
	if err != nil {
		return nil, nil, stageErr(StageRefresh, created, nil, err)
	}
	stored := snap.find(q)
	if stored == nil {
		s.log.Error("appended turn missing from snapshot", "conversation_id", conversationID, "role", role)
		return nil, nil, &StageError{
			Stage:     StageRefresh,
			Committed: created,
			Err:       fmt.Errorf("turn in conversation %s: %w", conversationID, ErrConsistency),
		}
	}
	if created {
		s.notify(ctx, conversationID, snap.Version)
	}
	return stored, snap, nil
}
