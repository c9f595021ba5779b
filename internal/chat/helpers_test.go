package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/ai"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	require.NoError(t, err, "open sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a :memory: database lives on exactly one connection
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db), "automigrate")
	return db
}

// recordingProvider answers "ok" and remembers what it was sent.
type recordingProvider struct {
	mu    sync.Mutex
	reply string
	last  []ai.Message
	calls int
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	p.calls++
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func (p *recordingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// varyingProvider never answers the same way twice.
type varyingProvider struct {
	mu sync.Mutex
	n  int
}

func (p *varyingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("answer #%d", p.n), nil
}

type failingProvider struct {
	err error
}

func (p *failingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return "", p.err
}

func registryWith(p ai.Provider) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return p, nil
	})
	return reg
}

func newTestService(t *testing.T, p ai.Provider, opts ...Option) (*Service, *Repo, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	opts = append([]Option{WithDefaultProvider("fake", "default")}, opts...)
	svc := NewService(repo, registryWith(p), 20, opts...)
	return svc, repo, db
}

func topic(s string) *string { return &s }

// recordingNotifier remembers every change notification.
type recordingNotifier struct {
	mu       sync.Mutex
	versions map[string][]int64
}

func (n *recordingNotifier) TurnsChanged(ctx context.Context, conversationID string, version int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.versions == nil {
		n.versions = map[string][]int64{}
	}
	n.versions[conversationID] = append(n.versions[conversationID], version)
	return nil
}

// lyingStore reports duplicates for rows it never lets anyone find.
type lyingStore struct {
	*Repo
}

func (s lyingStore) FindConversation(ctx context.Context, userID uint64, topicKey string) (*Conversation, error) {
	return nil, nil
}

func (s lyingStore) CreateConversation(ctx context.Context, c *Conversation) error {
	return fmt.Errorf("create conversation: %w", ErrDuplicateKey)
}

func (s lyingStore) CreateTurn(ctx context.Context, t *Turn) error {
	return fmt.Errorf("create turn: %w", ErrDuplicateKey)
}

var errStoreDown = errors.New("connection refused")

// downStore fails every write with a generic store error.
type downStore struct {
	*Repo
}

func (s downStore) CreateTurn(ctx context.Context, t *Turn) error {
	return fmt.Errorf("create turn: %w: %w", ErrStoreUnavailable, errStoreDown)
}
