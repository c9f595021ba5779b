package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/ai"
	"golang.org/x/sync/errgroup"
)

func TestSend_DesignALogo(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{reply: "Here are three logo concepts."}
	svc, _, _ := newTestService(t, p)

	conv, snap, err := svc.Start(ctx, 1, topic("draft-logo"), "design a logo")
	require.NoError(t, err)
	require.NotNil(t, conv)

	require.Len(t, snap.Turns, 2)
	assert.Equal(t, RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "design a logo", snap.Turns[0].Content)
	assert.Equal(t, RoleAssistant, snap.Turns[1].Role)
	assert.Equal(t, "Here are three logo concepts.", snap.Turns[1].Content)
	require.NotNil(t, snap.Turns[1].ReplyToID)
	assert.Equal(t, snap.Turns[0].ID, *snap.Turns[1].ReplyToID)

	require.Len(t, p.last, 1)
	assert.Equal(t, ai.Message{Role: "user", Content: "design a logo"}, p.last[0])
}

func TestReply_NothingPendingSkipsProvider(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	svc, _, _ := newTestService(t, p)

	conv, _, err := svc.Start(ctx, 1, topic("skip"), "hello")
	require.NoError(t, err)
	require.Equal(t, 1, p.Calls())

	snap, err := svc.Reply(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 2)
	assert.Equal(t, 1, p.Calls())

	empty, err := svc.Resolve(ctx, 1, topic("empty"))
	require.NoError(t, err)
	snap, err = svc.Reply(ctx, 1, empty.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Turns)
	assert.Equal(t, 1, p.Calls())
}

func TestReply_ConcurrentRepliesStoreOneAnswer(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t, &varyingProvider{})

	conv, err := svc.Resolve(ctx, 1, topic("two-tabs"))
	require.NoError(t, err)
	_, err = svc.Append(ctx, 1, conv.ID, RoleUser, "make it blue")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := svc.Reply(ctx, 1, conv.ID)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var assistants int64
	require.NoError(t, db.Model(&Turn{}).
		Where("conversation_id = ? AND role = ?", conv.ID, RoleAssistant).
		Count(&assistants).Error)
	assert.Equal(t, int64(1), assistants)
}

func TestSend_TwoTabsSameMessage(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &varyingProvider{})

	conv, _, err := svc.Start(ctx, 1, topic("tabs"), "design a logo")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := svc.Send(ctx, 1, conv.ID, "make it blue")
			return err
		})
	}
	require.NoError(t, g.Wait())

	snap, err := svc.Snapshot(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count(RoleUser, "make it blue"))
	require.Len(t, snap.Turns, 4)
	assert.Equal(t, RoleAssistant, snap.Turns[3].Role)
	assert.Nil(t, snap.PendingUserTurn())
}

func TestReply_ProviderFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &failingProvider{err: ai.Transient(errors.New("503 from upstream"))})

	conv, err := svc.Resolve(ctx, 1, topic("down"))
	require.NoError(t, err)

	snap, err := svc.Send(ctx, 1, conv.ID, "hello")
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageReply, se.Stage)
	assert.True(t, se.Committed, "the user turn was written")
	assert.True(t, ai.IsTransient(err))

	require.NotNil(t, snap)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, RoleUser, snap.Turns[0].Role)

	after, err := svc.Snapshot(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, after.Version)
	assert.Len(t, after.Turns, 1)
}

func TestReply_EmptyAnswerIsTransient(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &recordingProvider{reply: "   "})

	_, _, err := svc.Start(ctx, 1, topic("blank"), "hello")
	require.Error(t, err)
	assert.True(t, ai.IsTransient(err))
}

func TestReply_UnknownProviderFails(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &recordingProvider{})

	conv, err := svc.Resolve(ctx, 1, topic("unknown"), WithProvider("nope", "x"))
	require.NoError(t, err)

	_, err = svc.Send(ctx, 1, conv.ID, "hello")
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageReply, se.Stage)
	assert.False(t, ai.IsTransient(err))
}

func TestReply_WindowKeepsNewestTurns(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	db := openTestDB(t)
	svc := NewService(NewRepo(db), registryWith(p), 3, WithDefaultProvider("fake", "m"))

	conv, err := svc.Resolve(ctx, 1, topic("window"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, 1, conv.ID, RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err = svc.Reply(ctx, 1, conv.ID)
	require.NoError(t, err)

	require.Len(t, p.last, 3)
	assert.Equal(t, "m2", p.last[0].Content)
	assert.Equal(t, "m4", p.last[2].Content)
}

func TestStart_RetriedWithKeyStoresOneSeed(t *testing.T) {
	ctx := context.Background()
	p := &recordingProvider{}
	svc, _, _ := newTestService(t, p)

	key := KeyedTopicID(1, "k1")
	assert.Len(t, key, 26)
	assert.Equal(t, key, KeyedTopicID(1, "k1"))
	assert.NotEqual(t, key, KeyedTopicID(2, "k1"))

	prompt, err := svc.EnsurePrompt(ctx, 1, key, "hello")
	require.NoError(t, err)

	first, _, err := svc.Start(ctx, 1, &prompt.ID, "hello", WithIdempotencyKey("k1"))
	require.NoError(t, err)
	second, snap, err := svc.Start(ctx, 1, &prompt.ID, "hello", WithIdempotencyKey("k1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, snap.Count(RoleUser, "hello"))
	assert.Len(t, snap.Turns, 2)
	assert.Equal(t, 1, p.Calls())

	// the same conversation continued with the key finds the seed
	again, err := svc.Send(ctx, 1, first.ID, "hello", WithIdempotencyKey("k1"))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Count(RoleUser, "hello"))
}

func TestPendingUserTurn(t *testing.T) {
	u1, u2 := uint64(1), uint64(2)
	cases := []struct {
		name  string
		turns []Turn
		want  uint64
	}{
		{"empty", nil, 0},
		{"unanswered", []Turn{{ID: 1, Role: RoleUser}}, 1},
		{"answered", []Turn{{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleAssistant, ReplyToID: &u1}}, 0},
		{"older answer after newer question", []Turn{
			{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleUser}, {ID: 3, Role: RoleAssistant, ReplyToID: &u1},
		}, 2},
		{"newest answered, older not", []Turn{
			{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleUser}, {ID: 3, Role: RoleAssistant, ReplyToID: &u2},
		}, 0},
		{"untagged assistant closes", []Turn{{ID: 1, Role: RoleUser}, {ID: 2, Role: RoleAssistant}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := (&Snapshot{Turns: tc.turns}).PendingUserTurn()
			if tc.want == 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.ID)
		})
	}
}
