package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeRedis  StoreType = "redis"
)

// WorkflowRecord is the durable form of a workflow. State holds the JSON
// encoded mutable workflow fields; the indexed columns mirror it for queries.
type WorkflowRecord struct {
	ID               string     `gorm:"primaryKey;size:64" json:"id"`
	Name             string     `gorm:"size:255" json:"name"`
	Template         string     `gorm:"size:128;index" json:"template,omitempty"`
	UserID           string     `gorm:"size:128;index" json:"user_id,omitempty"`
	Status           string     `gorm:"size:32;index" json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	State            string     `gorm:"type:text" json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `gorm:"index" json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// TableName 返回表名
func (WorkflowRecord) TableName() string { return "orch_workflows" }

// CheckpointRecord is a write-once snapshot of a workflow.
type CheckpointRecord struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	WorkflowID  string    `gorm:"size:64;index:idx_checkpoint_wf_seq,priority:1" json:"workflow_id"`
	Seq         int64     `gorm:"index:idx_checkpoint_wf_seq,priority:2" json:"seq"`
	Type        string    `gorm:"size:128" json:"type"`
	Description string    `gorm:"size:512" json:"description"`
	Step        int       `json:"step"`
	Snapshot    string    `gorm:"type:text" json:"snapshot"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName 返回表名
func (CheckpointRecord) TableName() string { return "orch_checkpoints" }

// UsageRecord is one immutable AI call accounting entry.
type UsageRecord struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	UserID           string    `gorm:"size:128;index" json:"user_id"`
	Provider         string    `gorm:"size:64" json:"provider"`
	Model            string    `gorm:"size:128" json:"model,omitempty"`
	AgentID          string    `gorm:"size:128" json:"agent_id,omitempty"`
	WorkflowID       string    `gorm:"size:64" json:"workflow_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Tokens           int       `json:"tokens"`
	Cost             float64   `json:"cost"`
	Timestamp        time.Time `gorm:"column:recorded_at;index" json:"timestamp"`
}

// TableName 返回表名
func (UsageRecord) TableName() string { return "orch_usage_records" }

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	Statuses []string
	UserID   string
	Template string
	Limit    int
}

func (f WorkflowFilter) matches(r *WorkflowRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Template != "" && r.Template != f.Template {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// UsageFilter narrows ListUsage. Zero values match everything.
type UsageFilter struct {
	UserID string
	Since  time.Time
}

func (f UsageFilter) matches(r *UsageRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return f.Since.IsZero() || !r.Timestamp.Before(f.Since)
}

// Store is the durable persistence contract for workflows, checkpoints and
// usage records. Implementations must be safe for concurrent use.
type Store interface {
	// SaveWorkflow inserts or replaces a workflow record
	SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error
	// FindWorkflow returns ErrNotFound when absent
	FindWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	// ListWorkflows returns matching records, most recently updated first
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	// DeleteWorkflow removes a workflow and its checkpoints
	DeleteWorkflow(ctx context.Context, id string) error

	// SaveCheckpoint stores a checkpoint once; a second save of the same ID fails with ErrAlreadyExists
	SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	// FindCheckpoint returns ErrNotFound when absent
	FindCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error)
	// ListCheckpoints returns a workflow's checkpoints in creation order
	ListCheckpoints(ctx context.Context, workflowID string) ([]*CheckpointRecord, error)
	// DeleteCheckpointsOlderThan removes checkpoints created before cutoff
	DeleteCheckpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// SaveUsage appends a usage record
	SaveUsage(ctx context.Context, rec *UsageRecord) error
	// ListUsage returns matching records in timestamp order
	ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)
	// DeleteUsageOlderThan removes usage records older than cutoff
	DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
	// Close closes the store and releases resources
	Close() error
}

func validateWorkflow(rec *WorkflowRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateCheckpoint(rec *CheckpointRecord) error {
	if rec == nil || rec.ID == "" || rec.WorkflowID == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateUsage(rec *UsageRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidInput
	}
	return nil
}
