package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Generation lifecycle of one cache row. pending -> generating ->
// completed|failed. quiz_pending is assigned at initialization for quiz
// nodes and is terminal; the generation pipeline never touches those rows.
const (
	GenerationStatusPending     = "pending"
	GenerationStatusGenerating  = "generating"
	GenerationStatusCompleted   = "completed"
	GenerationStatusFailed      = "failed"
	GenerationStatusQuizPending = "quiz_pending"
)

const (
	ContentKindKnowledgeCard = "knowledge_card"
	ContentKindClarification = "clarification"
)

const (
	NodeKindStudy = "study"
	NodeKindQuiz  = "quiz"
)

// ContentCacheEntry is one generated piece of study material, keyed by
// (curriculum_id, node_id, content_kind, question_fingerprint). A nil
// fingerprint marks node-level material; a node holds at most one such row
// per kind, alongside any number of question-scoped rows. Uniqueness is
// enforced by the repo's lookup-then-write, not a composite index, because
// the two rules differ on the fingerprint column.
type ContentCacheEntry struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CurriculumID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_cache_curriculum" json:"curriculum_id"`
	NodeID              uuid.UUID      `gorm:"type:uuid;not null;index:idx_cache_node" json:"node_id"`
	ContentKind         string         `gorm:"column:content_kind;not null;index" json:"content_kind"`
	QuestionFingerprint *string        `gorm:"column:question_fingerprint;index" json:"question_fingerprint,omitempty"`
	Status              string         `gorm:"column:status;not null;index" json:"status"`
	Payload             datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload"`
	NodeKind            string         `gorm:"column:node_kind;not null" json:"node_kind"`
	Error               string         `gorm:"column:error" json:"error,omitempty"`
	StartedAt           *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ContentCacheEntry) TableName() string { return "content_cache_entry" }

// HasPayload reports whether the row carries generated material. A completed
// row with an empty payload is treated as not generated so a re-run fills it.
func (e *ContentCacheEntry) HasPayload() bool {
	if e == nil {
		return false
	}
	s := string(e.Payload)
	return s != "" && s != "null" && s != "{}"
}
