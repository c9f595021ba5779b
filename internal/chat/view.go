package chat

import (
	"sync"
	"time"
)

// ApologyText is what the view shows when a reply could not be produced.
const ApologyText = "I apologize, but I'm having trouble responding right now. Please try again."

// View is the in-memory turn list one client instance shows. It is a cache
// of the store: every change arrives as a whole Snapshot, never as a patch.
type View struct {
	mu             sync.RWMutex
	conversationID string
	version        int64
	loaded         bool
	turns          []Turn
	apology        *Turn
}

func NewView() *View {
	return &View{}
}

// Apply replaces the shown list with snap. A snapshot for another
// conversation, or older than the one shown, is dropped and Apply
// returns false.
func (v *View) Apply(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.loaded {
		if snap.ConversationID != v.conversationID {
			return false
		}
		if snap.Version < v.version {
			return false
		}
		// turns are append-only: an equal version missing a shown turn is older
		if snap.Version == v.version && maxTurnID(snap.Turns) < maxTurnID(v.turns) {
			return false
		}
		if snap.Version > v.version {
			v.apology = nil
		}
	}
	v.conversationID = snap.ConversationID
	v.version = snap.Version
	v.turns = append([]Turn(nil), snap.Turns...)
	v.loaded = true
	return true
}

// Reset points the view at another conversation and forgets what it showed.
func (v *View) Reset(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conversationID = conversationID
	v.version = 0
	v.turns = nil
	v.apology = nil
	v.loaded = conversationID != ""
}

// ShowApology adds the synthetic "try again" assistant turn. It is never
// shown twice and disappears with the next newer snapshot.
func (v *View) ShowApology() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.apology != nil {
		return
	}
	v.apology = &Turn{
		ConversationID: v.conversationID,
		Role:           RoleAssistant,
		Content:        ApologyText,
		CreatedAt:      time.Now(),
		Synthetic:      true,
	}
}

// Turns returns a copy of what the view shows, synthetic apology last.
func (v *View) Turns() []Turn {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Turn, 0, len(v.turns)+1)
	out = append(out, v.turns...)
	if v.apology != nil {
		out = append(out, *v.apology)
	}
	return out
}

func (v *View) ConversationID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.conversationID
}

func (v *View) Version() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

func maxTurnID(turns []Turn) uint64 {
	var top uint64
	for _, t := range turns {
		if t.ID > top {
			top = t.ID
		}
	}
	return top
}
