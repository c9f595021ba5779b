package session

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidClientID reports whether id can key a holding. Client ids are
// generated by the browser or CLI and sent as X-Client-ID.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// Draft is a turn submitted before the session had a user. Its ID is a
// ULID that stays stable across reloads, tabs and duplicate promotions.
type Draft struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ActiveConversation is the restoration slot: which conversation a
// client instance should show after a reload.
type ActiveConversation struct {
	ConversationID string `json:"conversation_id"`
	TopicText      string `json:"topic_text"`
}

// Holding is restart-surviving, process-local transient storage.
// TakeDrafts must read and clear in one step.
type Holding interface {
	AddDraft(ctx context.Context, d Draft) error
	TakeDrafts(ctx context.Context) ([]Draft, error)

	SetActive(ctx context.Context, a ActiveConversation) error
	// Active returns (nil, nil) when the slot is empty.
	Active(ctx context.Context) (*ActiveConversation, error)
	ClearActive(ctx context.Context) error
}

// SortDrafts orders drafts by submission, oldest first.
func SortDrafts(drafts []Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		if drafts[i].SubmittedAt.Equal(drafts[j].SubmittedAt) {
			return drafts[i].ID < drafts[j].ID
		}
		return drafts[i].SubmittedAt.Before(drafts[j].SubmittedAt)
	})
}

// MemoryHolding keeps everything in process memory. It survives nothing
// and is meant for tests and single-process tools.
type MemoryHolding struct {
	mu     sync.Mutex
	drafts []Draft
	active *ActiveConversation
}

func NewMemoryHolding() *MemoryHolding {
	return &MemoryHolding{}
}

func (h *MemoryHolding) AddDraft(ctx context.Context, d Draft) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drafts = append(h.drafts, d)
	return nil
}

func (h *MemoryHolding) TakeDrafts(ctx context.Context) ([]Draft, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.drafts
	h.drafts = nil
	SortDrafts(out)
	return out, nil
}

func (h *MemoryHolding) SetActive(ctx context.Context, a ActiveConversation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = &a
	return nil
}

func (h *MemoryHolding) Active(ctx context.Context) (*ActiveConversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil, nil
	}
	a := *h.active
	return &a, nil
}

func (h *MemoryHolding) ClearActive(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = nil
	return nil
}
