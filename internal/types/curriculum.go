package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Curriculum rows are written by the external planning step; this core only
// reads them (node descriptors once per curriculum, and again on recovery).
type Curriculum struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Name      string         `gorm:"column:name;not null" json:"name"`
	Rationale string         `gorm:"column:rationale" json:"rationale"`
	Level     string         `gorm:"column:level" json:"level"`
	Mode      string         `gorm:"column:mode" json:"mode"`
	Language  string         `gorm:"column:language" json:"language"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Curriculum) TableName() string { return "curriculum" }

type CurriculumNode struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CurriculumID     uuid.UUID `gorm:"type:uuid;not null;index" json:"curriculum_id"`
	Title            string    `gorm:"column:title;not null" json:"title"`
	Description      string    `gorm:"column:description" json:"description"`
	Kind             string    `gorm:"column:kind;not null" json:"kind"` // study|quiz
	Layer            int       `gorm:"column:layer;not null;index" json:"layer"`
	EstimatedMinutes int       `gorm:"column:estimated_minutes;not null;default:0" json:"estimated_minutes"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CurriculumNode) TableName() string { return "curriculum_node" }

// CourseContext is the bundle handed to prompt construction alongside each
// node descriptor.
type CourseContext struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale"`
	Level     string `json:"level"`
	Mode      string `json:"mode"`
	Language  string `json:"language"`
}

func (c *Curriculum) Context() CourseContext {
	return CourseContext{
		Name:      c.Name,
		Rationale: c.Rationale,
		Level:     c.Level,
		Mode:      c.Mode,
		Language:  c.Language,
	}
}
