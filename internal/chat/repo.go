package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate creates the chat tables and their unique indexes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Prompt{}, &Conversation{}, &Turn{}, &ReplyJob{})
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint")
}

// storeErr maps driver failures onto the engine's error kinds.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isDuplicateKey(err):
		return fmt.Errorf("%s: %w: %v", op, ErrDuplicateKey, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

// EnsurePrompt creates p, or returns the existing prompt with the same id.
func (r *Repo) EnsurePrompt(ctx context.Context, p *Prompt) (*Prompt, error) {
	err := r.db.WithContext(ctx).Create(p).Error
	if err == nil {
		return p, nil
	}
	if !isDuplicateKey(err) {
		return nil, storeErr("create prompt", err)
	}

	var existing Prompt
	if getErr := r.db.WithContext(ctx).First(&existing, "id = ?", p.ID).Error; getErr != nil {
		if errors.Is(getErr, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("prompt %s: %w", p.ID, ErrConsistency)
		}
		return nil, storeErr("get prompt", getErr)
	}
	if existing.UserID != p.UserID {
		// hide existence
		return nil, fmt.Errorf("prompt %s: %w", p.ID, ErrNotFound)
	}
	return &existing, nil
}

func (r *Repo) FindConversation(ctx context.Context, userID uint64, topicKey string) (*Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND topic_key = ?", userID, topicKey).
		Order("created_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&convs).Error; err != nil {
		return nil, storeErr("find conversation", err)
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, storeErr("get conversation", err)
	}
	return &c, nil
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return storeErr("create conversation", r.db.WithContext(ctx).Create(c).Error)
}

// ListConversations returns the user's conversations, most recently active first.
func (r *Repo) ListConversations(ctx context.Context, userID uint64, limit int) ([]ConversationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&convs).Error; err != nil {
		return nil, storeErr("list conversations", err)
	}

	promptIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.TopicKey != nil {
			promptIDs = append(promptIDs, *c.TopicKey)
		}
	}

	texts := make(map[string]string, len(promptIDs))
	if len(promptIDs) > 0 {
		var prompts []Prompt
		if err := r.db.WithContext(ctx).
			Where("id IN ? AND user_id = ?", promptIDs, userID).
			Find(&prompts).Error; err != nil {
			return nil, storeErr("list prompts", err)
		}
		for _, p := range prompts {
			texts[p.ID] = p.Text
		}
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		text := "Untitled"
		if c.TopicKey != nil {
			if t, ok := texts[*c.TopicKey]; ok && t != "" {
				text = t
			}
		}
		out = append(out, ConversationSummary{
			ID:        c.ID,
			TopicKey:  c.TopicKey,
			TopicText: text,
			Version:   c.Version,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return out, nil
}

func (r *Repo) FindTurn(ctx context.Context, q TurnQuery) (*Turn, error) {
	tx := r.db.WithContext(ctx).Where("conversation_id = ?", q.ConversationID)
	if q.ReplyToID != nil {
		tx = tx.Where("reply_to_id = ?", *q.ReplyToID)
	} else {
		tx = tx.Where("role = ? AND content_hash = ? AND dedupe_key = ?", q.Role, q.ContentHash, q.DedupeKey)
	}

	var turns []Turn
	if err := tx.Order("id ASC").Limit(1).Find(&turns).Error; err != nil {
		return nil, storeErr("find turn", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return &turns[0], nil
}

func (r *Repo) CreateTurn(ctx context.Context, t *Turn) error {
	if t.ContentHash == "" {
		t.ContentHash = hashContent(t.Content)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		res := tx.Model(&Conversation{}).
			Where("id = ?", t.ConversationID).
			Updates(map[string]any{
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return storeErr("create turn", err)
}

// snapshotTx pins both snapshot reads to one point in time. SQLite
// transactions are already serializable and its driver rejects other levels.
func (r *Repo) snapshotTx() []*sql.TxOptions {
	if r.db.Dialector.Name() == "sqlite" {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
}

// LoadSnapshot reads the version and the turns in one repeatable-read
// transaction, so the version matches the turns it comes with.
func (r *Repo) LoadSnapshot(ctx context.Context, conversationID string) (*Snapshot, error) {
	snap := &Snapshot{ConversationID: conversationID}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Conversation
		if err := tx.Select("id", "version").First(&c, "id = ?", conversationID).Error; err != nil {
			return err
		}
		snap.Version = c.Version

		return tx.Where("conversation_id = ?", conversationID).
			Order("created_at ASC").
			Order("id ASC").
			Find(&snap.Turns).Error
	}, r.snapshotTx()...)
	if err != nil {
		return nil, storeErr("load snapshot", err)
	}
	if snap.Turns == nil {
		snap.Turns = []Turn{}
	}
	return snap, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *ReplyJob) error {
	return storeErr("create job", r.db.WithContext(ctx).Create(job).Error)
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*ReplyJob, error) {
	var j ReplyJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, storeErr("get job", err)
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return storeErr("job running", r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobQueued, JobFailed}).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error)
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, resultTurnID *uint64) error {
	return storeErr("job succeeded", r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobSucceeded,
			"result_turn_id": resultTurnID,
			"error":          nil,
		}).Error)
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return storeErr("job failed", r.db.WithContext(ctx).Model(&ReplyJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobFailed,
			"error":          errMsg,
			"result_turn_id": nil,
		}).Error)
}

func (r *Repo) GetJobByTrigger(ctx context.Context, triggerTurnID uint64) (*ReplyJob, error) {
	var job ReplyJob
	err := r.db.WithContext(ctx).
		Where("trigger_turn_id = ?", triggerTurnID).
		First(&job).Error
	if err != nil {
		return nil, storeErr("get job by trigger", err)
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if one already exists
// for the same trigger turn it returns that job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *ReplyJob) (*ReplyJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByTrigger(ctx, job.TriggerTurnID)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, ErrNotFound) {
		return nil, false, storeErr("create job", err)
	}
	return nil, false, getErr
}
