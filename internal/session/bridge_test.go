package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/db"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type cannedProvider struct {
	mu    sync.Mutex
	reply string
}

func (p *cannedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, nil
}

func newEngine(t *testing.T, reply string) (*chat.Service, *gorm.DB) {
	t.Helper()
	gdb, err := db.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, chat.AutoMigrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	reg := ai.NewRegistry()
	reg.Register("canned", func(ctx context.Context, model string) (ai.Provider, error) {
		return &cannedProvider{reply: reply}, nil
	})
	return chat.NewService(chat.NewRepo(gdb), reg, 20, chat.WithDefaultProvider("canned", "m")), gdb
}

func uid(n uint64) *uint64 { return &n }

func countRows(t *testing.T, gdb *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := gdb.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestBridge_DesignALogo(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEngine(t, "Here are some logo directions...")
	holding := NewMemoryHolding()
	b := NewBridge(svc, holding)

	held, err := b.Submit(ctx, "design a logo")
	require.NoError(t, err)
	assert.True(t, held.Held)
	assert.Equal(t, Authenticating, b.State())

	promos, err := b.OnAuthChange(ctx, uid(1))
	require.NoError(t, err)
	assert.Equal(t, Authenticated, b.State())
	require.Len(t, promos, 1)
	require.NoError(t, promos[0].Err)

	snap := promos[0].Snapshot
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, chat.RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "design a logo", snap.Turns[0].Content)
	assert.Equal(t, chat.RoleAssistant, snap.Turns[1].Role)
	assert.Equal(t, "Here are some logo directions...", snap.Turns[1].Content)

	// the holding must not hand the draft out again
	left, err := holding.TakeDrafts(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBridge_PromotesDraftsInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	svc, gdb := newEngine(t, "ok")
	b := NewBridge(svc, NewMemoryHolding())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	b.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	for _, c := range []string{"A", "B", "C"} {
		_, err := b.Submit(ctx, c)
		require.NoError(t, err)
	}

	promos, err := b.OnAuthChange(ctx, uid(9))
	require.NoError(t, err)
	require.Len(t, promos, 3)
	for i, want := range []string{"A", "B", "C"} {
		require.NoError(t, promos[i].Err)
		assert.Equal(t, want, promos[i].Draft.Content)
		assert.Equal(t, 1, promos[i].Snapshot.Count(chat.RoleUser, want))
		assert.Len(t, promos[i].Snapshot.Turns, 2)
	}

	assert.Equal(t, int64(3), countRows(t, gdb, &chat.Conversation{}, "user_id = ?", 9))
	assert.Equal(t, int64(3), countRows(t, gdb, &chat.Turn{}, "role = ?", chat.RoleUser))
	assert.Equal(t, int64(3), countRows(t, gdb, &chat.Turn{}, "role = ?", chat.RoleAssistant))
}

func TestBridge_TwoTabsRacingOnOneHolding(t *testing.T) {
	ctx := context.Background()
	svc, gdb := newEngine(t, "blue it is")
	shared := NewMemoryHolding()

	tab1 := NewBridge(svc, shared)
	tab2 := NewBridge(svc, shared)
	_, err := tab1.Submit(ctx, "make it blue")
	require.NoError(t, err)

	var g errgroup.Group
	for _, tab := range []*Bridge{tab1, tab2} {
		tab := tab
		g.Go(func() error {
			_, err := tab.OnAuthChange(ctx, uid(3))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Conversation{}, "user_id = ?", 3))
	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Turn{}, "role = ? AND content = ?", chat.RoleUser, "make it blue"))
}

func TestBridge_SameDraftDeliveredTwice(t *testing.T) {
	ctx := context.Background()
	svc, gdb := newEngine(t, "ok")

	d := Draft{ID: "01HX0000000000000000000BLU", Content: "make it blue", SubmittedAt: time.Now()}
	h1, h2 := NewMemoryHolding(), NewMemoryHolding()
	require.NoError(t, h1.AddDraft(ctx, d))
	require.NoError(t, h2.AddDraft(ctx, d))

	var g errgroup.Group
	for _, h := range []Holding{h1, h2} {
		b := NewBridge(svc, h)
		g.Go(func() error {
			promos, err := b.OnAuthChange(ctx, uid(4))
			if err != nil {
				return err
			}
			return promos[0].Err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Conversation{}, "user_id = ?", 4))
	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Turn{}, "role = ?", chat.RoleUser))
	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Turn{}, "role = ?", chat.RoleAssistant))
}

func TestBridge_RepeatedAuthNotificationIsHarmless(t *testing.T) {
	ctx := context.Background()
	svc, gdb := newEngine(t, "ok")
	b := NewBridge(svc, NewMemoryHolding())

	_, err := b.Submit(ctx, "hello")
	require.NoError(t, err)
	first, err := b.OnAuthChange(ctx, uid(5))
	require.NoError(t, err)
	second, err := b.OnAuthChange(ctx, uid(5))
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Conversation{}, ""))
}

func TestBridge_SubmitWhileAuthenticatedPromotesImmediately(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEngine(t, "ok")
	b := NewBridge(svc, NewMemoryHolding(), WithUser(6))

	p, err := b.Submit(ctx, "straight in")
	require.NoError(t, err)
	assert.False(t, p.Held)
	require.NoError(t, p.Err)
	require.NotNil(t, p.Conversation)
	assert.Len(t, p.Snapshot.Turns, 2)

	_, err = b.Submit(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyDraft)
}

func TestBridge_ResumeRestoresWithoutResolving(t *testing.T) {
	ctx := context.Background()
	svc, gdb := newEngine(t, "ok")
	holding := NewMemoryHolding()

	b := NewBridge(svc, holding)
	_, err := b.Submit(ctx, "design a logo")
	require.NoError(t, err)
	promos, err := b.OnAuthChange(ctx, uid(7))
	require.NoError(t, err)
	convID := promos[0].Conversation.ID

	// a reload: new bridge, same holding and user
	reloaded := NewBridge(svc, holding, WithUser(7))
	active, snap, err := reloaded.Resume(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, convID, active.ConversationID)
	assert.Equal(t, "design a logo", active.TopicText)
	assert.Equal(t, promos[0].Snapshot.Turns, snap.Turns)
	assert.Equal(t, int64(1), countRows(t, gdb, &chat.Conversation{}, ""))

	// another user cannot resume it
	other := NewBridge(svc, holding, WithUser(8))
	active, snap, err = other.Resume(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Nil(t, snap)
}

func TestBridge_SignOut(t *testing.T) {
	ctx := context.Background()
	svc, _ := newEngine(t, "ok")
	holding := NewMemoryHolding()
	b := NewBridge(svc, holding, WithUser(1))
	require.NoError(t, b.Remember(ctx, ActiveConversation{ConversationID: "x"}))

	_, err := b.OnAuthChange(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Unauthenticated, b.State())
	assert.Zero(t, b.UserID())

	a, err := holding.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)

	_, _, err = b.Resume(ctx)
	require.ErrorIs(t, err, chat.ErrNoUser)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "authenticating", Authenticating.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestValidClientID(t *testing.T) {
	assert.True(t, ValidClientID("tab-0001"))
	assert.True(t, ValidClientID("01HZX3A9Q7W4M2ZKJ8N6B5C1D0"))
	assert.False(t, ValidClientID(""))
	assert.False(t, ValidClientID("short"))
	assert.False(t, ValidClientID("has space in it"))
	assert.False(t, ValidClientID("a:b:c:d:e:f"))
}
