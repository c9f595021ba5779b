package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/convsync/internal/session"
)

// Holding is the transient holding of one anonymous client id.
type Holding struct {
	s        *Store
	clientID string
}

var _ session.Holding = (*Holding)(nil)

// Holding returns the holding for clientID. Check session.ValidClientID first.
func (s *Store) Holding(clientID string) *Holding {
	return &Holding{s: s, clientID: clientID}
}

func (h *Holding) AddDraft(ctx context.Context, d session.Draft) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := h.s.draftsKey(h.clientID)
	_, err = h.s.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.Expire(ctx, key, h.s.ttl)
		return nil
	})
	return err
}

// TakeDrafts reads and deletes the list inside MULTI/EXEC, so two tabs
// racing on one client id cannot both get the same drafts.
func (h *Holding) TakeDrafts(ctx context.Context) ([]session.Draft, error) {
	key := h.s.draftsKey(h.clientID)
	var lr *redis.StringSliceCmd
	_, err := h.s.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		lr = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	drafts := decodeDrafts(lr.Val(), func(err error) {
		h.s.log.Warn("bad held draft", "client_id", h.clientID, "error", err)
	})
	session.SortDrafts(drafts)
	return drafts, nil
}

func decodeDrafts(raw []string, onBad func(error)) []session.Draft {
	out := make([]session.Draft, 0, len(raw))
	for _, r := range raw {
		var d session.Draft
		if err := json.Unmarshal([]byte(r), &d); err != nil || d.ID == "" {
			if err == nil {
				err = errors.New("draft without id")
			}
			if onBad != nil {
				onBad(err)
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

func (h *Holding) SetActive(ctx context.Context, a session.ActiveConversation) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return h.s.RDB.Set(ctx, h.s.activeKey(h.clientID), raw, h.s.ttl).Err()
}

func (h *Holding) Active(ctx context.Context) (*session.ActiveConversation, error) {
	raw, err := h.s.RDB.Get(ctx, h.s.activeKey(h.clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var a session.ActiveConversation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode active conversation: %w", err)
	}
	return &a, nil
}

func (h *Holding) ClearActive(ctx context.Context) error {
	return h.s.RDB.Del(ctx, h.s.activeKey(h.clientID)).Err()
}
