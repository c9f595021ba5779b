package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/ai"
)

func contents(turns []Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Content)
	}
	return out
}

func TestClient_StartShowsConvergedList(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &recordingProvider{reply: "sure"})

	c := NewClient(svc, 1)
	conv, err := c.Start(ctx, topic("draft-1"), "  design a logo ")
	require.NoError(t, err)

	assert.Equal(t, conv.ID, c.View().ConversationID())
	assert.Equal(t, []string{"design a logo", "sure"}, contents(c.View().Turns()))
}

func TestClient_TransientReplyFailureShowsApology(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &failingProvider{err: ai.Transient(errors.New("timeout"))})

	c := NewClient(svc, 1)
	_, err := c.Start(ctx, topic("draft-2"), "design a logo")
	require.NoError(t, err)

	turns := c.View().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "design a logo", turns[0].Content)
	assert.True(t, turns[1].Synthetic)
	assert.Equal(t, ApologyText, turns[1].Content)

	// a refresh at the same version keeps it; nothing was persisted
	require.NoError(t, c.Refresh(ctx))
	assert.Len(t, c.View().Turns(), 2)
	snap, err := svc.Snapshot(ctx, 1, c.View().ConversationID())
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 1)
}

func TestClient_PermanentReplyFailureStillReturnsError(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &failingProvider{err: errors.New("invalid api key")})

	c := NewClient(svc, 1)
	_, err := c.Start(ctx, topic("draft-3"), "hello")
	require.Error(t, err)
	assert.Len(t, c.View().Turns(), 2)
}

func TestClient_OpenMatchesResolvePath(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t, &recordingProvider{reply: "ok"})

	a := NewClient(svc, 1)
	conv, err := a.Start(ctx, topic("draft-4"), "design a logo")
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, "make it blue"))

	b := NewClient(svc, 1)
	require.NoError(t, b.Open(ctx, conv.ID))
	assert.Equal(t, contents(a.View().Turns()), contents(b.View().Turns()))

	var n int64
	require.NoError(t, db.Model(&Conversation{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestClient_RefreshPicksUpOtherInstanceWrites(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &recordingProvider{reply: "ok"})

	a := NewClient(svc, 1)
	conv, err := a.Start(ctx, topic("draft-5"), "hello")
	require.NoError(t, err)

	b := NewClient(svc, 1)
	require.NoError(t, b.Open(ctx, conv.ID))
	require.NoError(t, b.Send(ctx, "make it blue"))

	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, contents(b.View().Turns()), contents(a.View().Turns()))
	assert.Equal(t, b.View().Version(), a.View().Version())
}

func TestClient_SendWithoutConversation(t *testing.T) {
	svc, _, _ := newTestService(t, &recordingProvider{})
	c := NewClient(svc, 1)
	require.Error(t, c.Send(context.Background(), "hi"))
	require.NoError(t, c.Refresh(context.Background()))
}
