package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CompletionResponse is the transient envelope produced once per logical
// completion call. It is consumed immediately by the caller and never shared
// across tasks; the persisted shadow is CompletionCallLog.
type CompletionResponse struct {
	RequestID  uuid.UUID
	PromptName string
	PromptHash string
	RawText    string
	Payload    any // nil unless validation succeeded
	Success    bool
	Retries    int
	Latency    time.Duration
	Model      string
}

type CompletionCallLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"request_id"`
	PromptName string         `gorm:"column:prompt_name;not null;index" json:"prompt_name"`
	PromptHash string         `gorm:"column:prompt_hash;not null" json:"prompt_hash"`
	Model      string         `gorm:"column:model;not null" json:"model"`
	RawChars   int            `gorm:"column:raw_chars;not null;default:0" json:"raw_chars"`
	Success    bool           `gorm:"column:success;not null" json:"success"`
	Retries    int            `gorm:"column:retries;not null;default:0" json:"retries"`
	LatencyMS  int64          `gorm:"column:latency_ms;not null;default:0" json:"latency_ms"`
	Error      string         `gorm:"column:error" json:"error,omitempty"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (CompletionCallLog) TableName() string { return "completion_call_log" }
