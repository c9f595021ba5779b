package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/session"
	"golang.org/x/sync/errgroup"
)

func TestDecodeDraftsSkipsBadEntries(t *testing.T) {
	bad := 0
	got := decodeDrafts([]string{
		`{"id":"a","content":"design a logo"}`,
		`not json`,
		`{"content":"no id"}`,
	}, func(error) { bad++ })

	require.Len(t, got, 1)
	assert.Equal(t, "design a logo", got[0].Content)
	assert.Equal(t, 2, bad)
}

func TestKeysAreScopedByClient(t *testing.T) {
	s := NewFromClient(nil)
	assert.Equal(t, "convsync:drafts:tab-0001", s.draftsKey("tab-0001"))
	assert.NotEqual(t, s.activeKey("tab-0001"), s.activeKey("tab-0002"))
}

// liveStore connects to REDIS_ADDR or skips.
func liveStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := New(addr, os.Getenv("REDIS_PASSWORD"), 0, WithTTL(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClientID(t *testing.T) string {
	t.Helper()
	id, err := common.NewULID()
	require.NoError(t, err)
	return id
}

func TestHolding_Live(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	h := s.Holding(testClientID(t))

	base := time.Now().UTC()
	require.NoError(t, h.AddDraft(ctx, session.Draft{ID: "b", Content: "second", SubmittedAt: base.Add(time.Second)}))
	require.NoError(t, h.AddDraft(ctx, session.Draft{ID: "a", Content: "first", SubmittedAt: base}))

	var g errgroup.Group
	results := make([][]session.Draft, 3)
	for i := range results {
		i := i
		g.Go(func() error {
			d, err := h.TakeDrafts(ctx)
			results[i] = d
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, r := range results {
		total += len(r)
		if len(r) == 2 {
			assert.Equal(t, "first", r[0].Content)
		}
	}
	assert.Equal(t, 2, total)

	a, err := h.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
	require.NoError(t, h.SetActive(ctx, session.ActiveConversation{ConversationID: "c1", TopicText: "t"}))
	a, err = h.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", a.ConversationID)
	require.NoError(t, h.ClearActive(ctx))
}

func TestTurnsChanged_Live(t *testing.T) {
	s := liveStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan TurnsChanged, 1)
	require.NoError(t, s.SubscribeTurns(ctx, func(m TurnsChanged) {
		select {
		case got <- m:
		default:
		}
	}))
	require.NoError(t, s.TurnsChanged(ctx, "conv-1", 3))

	select {
	case m := <-got:
		assert.Equal(t, TurnsChanged{ConversationID: "conv-1", Version: 3}, m)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}
