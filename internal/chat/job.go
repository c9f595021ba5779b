package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ReplyJob asks a worker to answer one user turn. At most one job exists
// per trigger turn, so re-enqueueing the same submission is a no-op.
type ReplyJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	UserID         uint64 `gorm:"index;not null" json:"-"`
	ConversationID string `gorm:"size:26;index;not null" json:"conversation_id"`
	TriggerTurnID  uint64 `gorm:"not null;index:uniq_chat_job_trigger,unique" json:"trigger_turn_id"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts int       `gorm:"not null" json:"attempts"`

	// Filled when succeeded
	ResultTurnID *uint64 `gorm:"index" json:"result_turn_id"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ReplyJob) TableName() string { return "chat_reply_jobs" }
