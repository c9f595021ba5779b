package chat

import "context"

// Store is the durable record store the engine reconciles against.
// Create methods return an error wrapping ErrDuplicateKey when a declared
// uniqueness invariant would break. Find methods return (nil, nil) when
// nothing matches; Get methods return ErrNotFound.
type Store interface {
	EnsurePrompt(ctx context.Context, p *Prompt) (*Prompt, error)

	FindConversation(ctx context.Context, userID uint64, topicKey string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context, userID uint64, limit int) ([]ConversationSummary, error)

	FindTurn(ctx context.Context, q TurnQuery) (*Turn, error)
	// CreateTurn inserts t and bumps the conversation version in one transaction.
	CreateTurn(ctx context.Context, t *Turn) error
	LoadSnapshot(ctx context.Context, conversationID string) (*Snapshot, error)
}

// JobStore persists async reply jobs.
type JobStore interface {
	CreateJobOrGetExisting(ctx context.Context, job *ReplyJob) (*ReplyJob, bool, error)
	GetJobByID(ctx context.Context, id string) (*ReplyJob, error)
	UpdateJobStatusRunning(ctx context.Context, id string) error
	MarkJobSucceeded(ctx context.Context, id string, resultTurnID *uint64) error
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
}

// TurnQuery identifies "the same" turn. With ReplyToID set it matches the
// assistant turn answering that user turn; otherwise it matches the
// (role, content, dedupe key) triple.
type TurnQuery struct {
	ConversationID string
	Role           Role
	ContentHash    string
	DedupeKey      string
	ReplyToID      *uint64
}

func queryFor(t *Turn) TurnQuery {
	return TurnQuery{
		ConversationID: t.ConversationID,
		Role:           t.Role,
		ContentHash:    t.ContentHash,
		DedupeKey:      t.DedupeKey,
		ReplyToID:      t.ReplyToID,
	}
}

func (q TurnQuery) matches(t *Turn) bool {
	if t.ConversationID != q.ConversationID {
		return false
	}
	if q.ReplyToID != nil {
		return t.ReplyToID != nil && *t.ReplyToID == *q.ReplyToID
	}
	hash := t.ContentHash
	if hash == "" {
		hash = hashContent(t.Content)
	}
	return t.Role == q.Role && hash == q.ContentHash && t.DedupeKey == q.DedupeKey
}

// Notifier hears about every turn the engine writes. Other client
// instances use it as their external-change signal.
type Notifier interface {
	TurnsChanged(ctx context.Context, conversationID string, version int64) error
}
