package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/common"
	"github.com/suPer8Hu/convsync/internal/logger"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

type Service struct {
	store             Store
	jobs              JobStore
	registry          *ai.Registry
	contextWindowSize int
	log               *logger.Logger
	notifier          Notifier
	provider          string
	model             string
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l.With("component", "chat") }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithJobStore(j JobStore) Option {
	return func(s *Service) { s.jobs = j }
}

// WithDefaultProvider sets the provider/model stamped on new conversations.
func WithDefaultProvider(provider, model string) Option {
	return func(s *Service) {
		if p := strings.TrimSpace(provider); p != "" {
			s.provider = p
		}
		if m := strings.TrimSpace(model); m != "" {
			s.model = m
		}
	}
}

func NewService(store Store, registry *ai.Registry, contextWindowSize int, opts ...Option) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	s := &Service{
		store:             store,
		registry:          registry,
		contextWindowSize: contextWindowSize,
		log:               logger.Nop(),
		provider:          defaultProvider,
		model:             defaultModel,
	}
	if js, ok := store.(JobStore); ok {
		s.jobs = js
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsurePrompt saves a topic for userID under a caller-chosen id. Calling
// it again with the same id returns the stored prompt.
func (s *Service) EnsurePrompt(ctx context.Context, userID uint64, id, text string) (*Prompt, error) {
	if userID == 0 {
		return nil, ErrNoUser
	}
	if id == "" {
		nid, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		id = nid
	}
	return s.store.EnsurePrompt(ctx, &Prompt{ID: id, UserID: userID, Text: text})
}

// KeyedTopicID derives a prompt id from an idempotency key, so a retried
// "start a new conversation" with the same key resolves the same topic.
func KeyedTopicID(userID uint64, key string) string {
	sum := sha256.Sum256([]byte(strconv.FormatUint(userID, 10) + ":" + key))
	return "k" + hex.EncodeToString(sum[:])[:25]
}

// conversationFor loads a conversation and checks it belongs to userID.
// Someone else's conversation reads as not found.
func (s *Service) conversationFor(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	if userID == 0 {
		return nil, ErrNoUser
	}
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return c, nil
}

// Snapshot is the single read path behind every view refresh.
func (s *Service) Snapshot(ctx context.Context, userID uint64, conversationID string) (*Snapshot, error) {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.LoadSnapshot(ctx, conversationID)
}

func (s *Service) ListConversations(ctx context.Context, userID uint64, limit int) ([]ConversationSummary, error) {
	if userID == 0 {
		return nil, ErrNoUser
	}
	return s.store.ListConversations(ctx, userID, limit)
}

// Start resolves the conversation for topicKey, seeds it with the user's
// first turn and asks for the first reply. opts apply to the seed turn,
// so a retried Start with the same idempotency key stores one seed.
func (s *Service) Start(ctx context.Context, userID uint64, topicKey *string, seed string, opts ...AppendOption) (*Conversation, *Snapshot, error) {
	conv, created, err := s.resolve(ctx, userID, topicKey)
	if err != nil {
		return nil, nil, stageErr(StageResolve, false, nil, err)
	}
	snap, err := s.Send(ctx, userID, conv.ID, seed, opts...)
	if err != nil {
		return conv, snap, stageErr(StageAppend, created, snap, err)
	}
	return conv, snap, nil
}

// Send appends a user turn and then the assistant's answer to it.
func (s *Service) Send(ctx context.Context, userID uint64, conversationID, content string, opts ...AppendOption) (*Snapshot, error) {
	snap, err := s.Append(ctx, userID, conversationID, RoleUser, content, opts...)
	if err != nil {
		return nil, stageErr(StageAppend, false, nil, err)
	}
	out, err := s.Reply(ctx, userID, conversationID)
	if err != nil {
		if out == nil {
			out = snap
		}
		return out, stageErr(StageReply, true, out, err)
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, conversationID string, version int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.TurnsChanged(ctx, conversationID, version); err != nil {
		s.log.Warn("turns changed notification failed", "conversation_id", conversationID, "version", version, "error", err)
	}
}

// EnqueueReply records a reply job for triggerTurnID. created is false when
// a job for that turn already existed.
func (s *Service) EnqueueReply(ctx context.Context, userID uint64, conversationID string, triggerTurnID uint64) (*ReplyJob, bool, error) {
	if s.jobs == nil {
		return nil, false, errors.New("chat: no job store configured")
	}
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	return s.jobs.CreateJobOrGetExisting(ctx, &ReplyJob{
		ID:             id,
		UserID:         userID,
		ConversationID: conversationID,
		TriggerTurnID:  triggerTurnID,
		Status:         JobQueued,
	})
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*ReplyJob, error) {
	if s.jobs == nil {
		return nil, errors.New("chat: no job store configured")
	}
	j, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, nil
}

// JobByID reads a job without an owner check. Only the worker calls it.
func (s *Service) JobByID(ctx context.Context, jobID string) (*ReplyJob, error) {
	if s.jobs == nil {
		return nil, errors.New("chat: no job store configured")
	}
	return s.jobs.GetJobByID(ctx, jobID)
}

// RunReplyJob is the worker side of EnqueueReply.
func (s *Service) RunReplyJob(ctx context.Context, jobID string) (*Snapshot, error) {
	if s.jobs == nil {
		return nil, errors.New("chat: no job store configured")
	}
	_ = s.jobs.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap, err := s.reply(ctx, j.UserID, j.ConversationID, &j.TriggerTurnID)
	if err != nil {
		if markErr := s.jobs.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			s.log.Error("mark job failed", "job_id", jobID, "error", markErr)
		}
		return snap, err
	}

	var result *uint64
	if r := snap.ReplyTo(j.TriggerTurnID); r != nil {
		id := r.ID
		result = &id
	}
	if err := s.jobs.MarkJobSucceeded(ctx, jobID, result); err != nil {
		return snap, err
	}
	return snap, nil
}
