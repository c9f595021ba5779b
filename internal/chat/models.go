package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Prompt is a saved topic. Conversations anchor to it through TopicKey.
type Prompt struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Prompt) TableName() string { return "chat_prompts" }

// Conversation is unique per (UserID, TopicKey). A nil TopicKey never
// collides, so topic-less conversations are always new.
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	UserID    uint64    `gorm:"not null;index:uniq_chat_conv_user_topic,unique,priority:1" json:"-"`
	TopicKey  *string   `gorm:"type:varchar(64);index:uniq_chat_conv_user_topic,unique,priority:2" json:"topic_key"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	Version   int64     `gorm:"not null" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Conversation) TableName() string { return "chat_conversations" }

// Turn is one role-tagged message. Turns are never updated or deleted.
//
// uniq_chat_turn_dedupe collapses literal duplicates of one submission;
// DedupeKey is "" unless the caller supplied an idempotency key.
// uniq_chat_turn_reply allows one assistant turn per answered user turn.
type Turn struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_chat_turn_conv_created,priority:1;index:uniq_chat_turn_dedupe,unique,priority:1;index:uniq_chat_turn_reply,unique,priority:1" json:"conversation_id"`
	Role           Role      `gorm:"type:varchar(16);not null;index:uniq_chat_turn_dedupe,unique,priority:2" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ContentHash    string    `gorm:"type:char(64);not null;index:uniq_chat_turn_dedupe,unique,priority:3" json:"-"`
	DedupeKey      string    `gorm:"type:varchar(160);not null;index:uniq_chat_turn_dedupe,unique,priority:4" json:"-"`
	ReplyToID      *uint64   `gorm:"index:uniq_chat_turn_reply,unique,priority:2" json:"reply_to_id,omitempty"`
	CreatedAt      time.Time `gorm:"index:idx_chat_turn_conv_created,priority:2" json:"created_at"`

	// Synthetic turns exist only in a View and are never persisted.
	Synthetic bool `gorm:"-" json:"synthetic,omitempty"`
}

func (Turn) TableName() string { return "chat_turns" }

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Snapshot is one convergence read: every turn of a conversation in
// canonical order plus the conversation version observed with them.
type Snapshot struct {
	ConversationID string `json:"conversation_id"`
	Version        int64  `json:"version"`
	Turns          []Turn `json:"turns"`
}

// Count returns how many turns match role and content.
func (s *Snapshot) Count(role Role, content string) int {
	n := 0
	for _, t := range s.Turns {
		if t.Role == role && t.Content == content {
			n++
		}
	}
	return n
}

func (s *Snapshot) find(q TurnQuery) *Turn {
	for i := range s.Turns {
		if q.matches(&s.Turns[i]) {
			t := s.Turns[i]
			return &t
		}
	}
	return nil
}

// Turn returns the turn with id, if the snapshot holds it.
func (s *Snapshot) Turn(id uint64) *Turn {
	for i := range s.Turns {
		if s.Turns[i].ID == id {
			t := s.Turns[i]
			return &t
		}
	}
	return nil
}

// Through returns the turns up to and including id, in snapshot order.
func (s *Snapshot) Through(id uint64) []Turn {
	for i := range s.Turns {
		if s.Turns[i].ID == id {
			return s.Turns[:i+1]
		}
	}
	return s.Turns
}

// PendingUserTurn returns the newest user turn when nothing answers it yet.
// Answers to older turns may follow it; an assistant turn that answers no
// particular turn closes everything before it.
func (s *Snapshot) PendingUserTurn() *Turn {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role == RoleUser && s.ReplyTo(t.ID) == nil {
			return &t
		}
		if t.Role == RoleUser || t.ReplyToID == nil {
			return nil
		}
	}
	return nil
}

// ReplyTo returns the assistant turn answering turnID, if any.
func (s *Snapshot) ReplyTo(turnID uint64) *Turn {
	for i := range s.Turns {
		if r := s.Turns[i].ReplyToID; r != nil && *r == turnID {
			t := s.Turns[i]
			return &t
		}
	}
	return nil
}

// ConversationSummary is one sidebar row.
type ConversationSummary struct {
	ID        string    `json:"id"`
	TopicKey  *string   `json:"topic_key"`
	TopicText string    `json:"topic_text"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
