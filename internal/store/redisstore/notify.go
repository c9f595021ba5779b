package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// TurnsChanged is published whenever a turn is written.
type TurnsChanged struct {
	ConversationID string `json:"conversation_id"`
	Version        int64  `json:"version"`
}

// TurnsChanged implements chat.Notifier.
func (s *Store) TurnsChanged(ctx context.Context, conversationID string, version int64) error {
	raw, err := json.Marshal(TurnsChanged{ConversationID: conversationID, Version: version})
	if err != nil {
		return err
	}
	return s.RDB.Publish(ctx, s.channel, raw).Err()
}

// SubscribeTurns calls onMsg for every change notification until ctx ends.
// It returns once the subscription is live.
func (s *Store) SubscribeTurns(ctx context.Context, onMsg func(TurnsChanged)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	sub := s.RDB.Subscribe(ctx, s.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var msg TurnsChanged
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.log.Warn("bad turns payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}
