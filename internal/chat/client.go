package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/convsync/internal/ai"
)

// Engine is what a Client needs from the store side. *Service implements it.
type Engine interface {
	Start(ctx context.Context, userID uint64, topicKey *string, seed string, opts ...AppendOption) (*Conversation, *Snapshot, error)
	Send(ctx context.Context, userID uint64, conversationID, content string, opts ...AppendOption) (*Snapshot, error)
	Snapshot(ctx context.Context, userID uint64, conversationID string) (*Snapshot, error)
}

// Client is one client instance (a tab, a CLI process) bound to one user.
// It owns a View and refreshes it from the store after every mutation.
type Client struct {
	engine Engine
	userID uint64
	view   *View
}

func NewClient(engine Engine, userID uint64) *Client {
	return &Client{engine: engine, userID: userID, view: NewView()}
}

func (c *Client) View() *View { return c.view }

func (c *Client) UserID() uint64 { return c.userID }

// Start resolves the conversation for topicKey, seeds it and shows the result.
func (c *Client) Start(ctx context.Context, topicKey *string, seed string, opts ...AppendOption) (*Conversation, error) {
	conv, snap, err := c.engine.Start(ctx, c.userID, topicKey, strings.TrimSpace(seed), opts...)
	if conv != nil && c.view.ConversationID() != conv.ID {
		c.view.Reset(conv.ID)
	}
	return conv, c.absorb(snap, err)
}

// Open shows an existing conversation without resolving anything.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	snap, err := c.engine.Snapshot(ctx, c.userID, conversationID)
	if err != nil {
		return err
	}
	c.view.Reset(conversationID)
	c.view.Apply(snap)
	return nil
}

// Refresh rereads the shown conversation. Call it on external-change
// notifications too.
func (c *Client) Refresh(ctx context.Context) error {
	id := c.view.ConversationID()
	if id == "" {
		return nil
	}
	snap, err := c.engine.Snapshot(ctx, c.userID, id)
	if err != nil {
		return err
	}
	c.view.Apply(snap)
	return nil
}

// Send appends a user turn to the shown conversation and waits for the reply.
func (c *Client) Send(ctx context.Context, content string, opts ...AppendOption) error {
	id := c.view.ConversationID()
	if id == "" {
		return errors.New("chat: no conversation open")
	}
	snap, err := c.engine.Send(ctx, c.userID, id, strings.TrimSpace(content), opts...)
	return c.absorb(snap, err)
}

// absorb applies whatever converged snapshot came back. A failed reply
// becomes the synthetic apology; transient failures end there.
func (c *Client) absorb(snap *Snapshot, err error) error {
	c.view.Apply(snap)
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) && se.Stage == StageReply {
		c.view.Apply(se.Snapshot)
		c.view.ShowApology()
		if ai.IsTransient(err) {
			return nil
		}
	}
	return err
}
