package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/logger"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrEmptyDraft = errors.New("session: empty draft")

// Engine is the part of the chat engine promotion needs. *chat.Service
// implements it.
type Engine interface {
	EnsurePrompt(ctx context.Context, userID uint64, id, text string) (*chat.Prompt, error)
	Start(ctx context.Context, userID uint64, topicKey *string, seed string, opts ...chat.AppendOption) (*chat.Conversation, *chat.Snapshot, error)
	Snapshot(ctx context.Context, userID uint64, conversationID string) (*chat.Snapshot, error)
}

// Promotion is the outcome for one draft. Held is true while the draft
// waits for a user. Err may be set together with Conversation and
// Snapshot when the seed turn landed but the reply did not.
type Promotion struct {
	Draft        Draft              `json:"draft"`
	Held         bool               `json:"held"`
	Conversation *chat.Conversation `json:"conversation,omitempty"`
	Snapshot     *chat.Snapshot     `json:"snapshot,omitempty"`
	Err          error              `json:"-"`
}

// Bridge turns anonymous drafts into conversations once a user id is known.
// It never reads identity from anywhere but OnAuthChange.
type Bridge struct {
	engine  Engine
	holding Holding
	log     *logger.Logger
	now     func() time.Time

	mu     sync.Mutex
	state  State
	userID uint64
}

type Option func(*Bridge)

func WithLogger(l *logger.Logger) Option {
	return func(b *Bridge) { b.log = l.With("component", "session") }
}

// WithUser starts the bridge already authenticated, e.g. from a saved CLI session.
func WithUser(userID uint64) Option {
	return func(b *Bridge) {
		if userID != 0 {
			b.state = Authenticated
			b.userID = userID
		}
	}
}

func NewBridge(engine Engine, holding Holding, opts ...Option) *Bridge {
	b := &Bridge{
		engine:  engine,
		holding: holding,
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// UserID returns the authenticated user, or 0.
func (b *Bridge) UserID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Authenticated {
		return 0
	}
	return b.userID
}

// Submit holds content as a draft while nobody is signed in, and
// promotes it right away otherwise.
func (b *Bridge) Submit(ctx context.Context, content string) (*Promotion, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyDraft
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	d := Draft{ID: id, Content: content, SubmittedAt: b.now().UTC()}

	b.mu.Lock()
	userID := b.userID
	authed := b.state == Authenticated
	b.mu.Unlock()

	if authed {
		p := b.promote(ctx, userID, d)
		return &p, nil
	}

	if err := b.holding.AddDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("hold draft: %w", err)
	}
	b.mu.Lock()
	if b.state == Unauthenticated {
		b.state = Authenticating
	}
	b.mu.Unlock()
	b.log.Debug("draft held", "draft_id", d.ID)
	return &Promotion{Draft: d, Held: true}, nil
}

// OnAuthChange applies one auth-state notification. A nil userID signs
// out. A user id promotes every held draft, oldest first. Notifications
// may repeat: the holding is emptied before any store write, and draft
// ids make the engine writes idempotent.
func (b *Bridge) OnAuthChange(ctx context.Context, userID *uint64) ([]Promotion, error) {
	if userID == nil || *userID == 0 {
		b.mu.Lock()
		prev := b.state
		b.state = Unauthenticated
		b.userID = 0
		b.mu.Unlock()
		if prev == Authenticated {
			if err := b.holding.ClearActive(ctx); err != nil {
				return nil, fmt.Errorf("clear active conversation: %w", err)
			}
		}
		return nil, nil
	}

	uid := *userID
	b.mu.Lock()
	b.state = Authenticated
	b.userID = uid
	b.mu.Unlock()

	drafts, err := b.holding.TakeDrafts(ctx)
	if err != nil {
		return nil, fmt.Errorf("take drafts: %w", err)
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	SortDrafts(drafts)
	b.log.Info("promoting drafts", "user_id", uid, "count", len(drafts))

	out := make([]Promotion, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, b.promote(ctx, uid, d))
	}
	return out, nil
}

func (b *Bridge) promote(ctx context.Context, userID uint64, d Draft) Promotion {
	p := Promotion{Draft: d}

	prompt, err := b.engine.EnsurePrompt(ctx, userID, d.ID, d.Content)
	if err != nil {
		p.Err = fmt.Errorf("save draft topic: %w", err)
		b.log.Warn("draft promotion failed", "draft_id", d.ID, "user_id", userID, "error", err)
		return p
	}

	conv, snap, err := b.engine.Start(ctx, userID, &prompt.ID, d.Content)
	p.Conversation = conv
	p.Snapshot = snap
	p.Err = err
	if err != nil {
		b.log.Warn("draft promotion incomplete", "draft_id", d.ID, "user_id", userID, "error", err)
	}
	if conv != nil {
		if err := b.holding.SetActive(ctx, ActiveConversation{ConversationID: conv.ID, TopicText: prompt.Text}); err != nil {
			b.log.Warn("remember active conversation", "conversation_id", conv.ID, "error", err)
		}
	}
	return p
}

// Remember records conv as the conversation to restore after a reload.
func (b *Bridge) Remember(ctx context.Context, a ActiveConversation) error {
	return b.holding.SetActive(ctx, a)
}

// Resume reloads the remembered conversation without resolving anything.
// It returns (nil, nil, nil) when there is nothing to restore.
func (b *Bridge) Resume(ctx context.Context) (*ActiveConversation, *chat.Snapshot, error) {
	uid := b.UserID()
	if uid == 0 {
		return nil, nil, chat.ErrNoUser
	}
	a, err := b.holding.Active(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read active conversation: %w", err)
	}
	if a == nil || a.ConversationID == "" {
		return nil, nil, nil
	}
	snap, err := b.engine.Snapshot(ctx, uid, a.ConversationID)
	if errors.Is(err, chat.ErrNotFound) {
		// gone, or someone else's: forget it
		_ = b.holding.ClearActive(ctx)
		return nil, nil, nil
	}
	if err != nil {
		return a, nil, err
	}
	return a, snap, nil
}
