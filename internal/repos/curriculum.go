package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/types"
)

// CurriculumRepo is the read side of the external curriculum store. The
// planner owns the write side; this pipeline reads node descriptors and the
// course context bundle, once after creation and again during recovery.
type CurriculumRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Curriculum, error)
	GetNodes(ctx context.Context, tx *gorm.DB, curriculumID uuid.UUID) ([]*types.CurriculumNode, error)
}

type curriculumRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCurriculumRepo(db *gorm.DB, baseLog *logger.Logger) CurriculumRepo {
	return &curriculumRepo{db: db, log: baseLog.With("repo", "CurriculumRepo")}
}

func (r *curriculumRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *curriculumRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Curriculum, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var rows []*types.Curriculum
	if err := r.handle(tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *curriculumRepo) GetNodes(ctx context.Context, tx *gorm.DB, curriculumID uuid.UUID) ([]*types.CurriculumNode, error) {
	var nodes []*types.CurriculumNode
	err := r.handle(tx).WithContext(ctx).
		Where("curriculum_id = ?", curriculumID).
		Order("layer ASC, created_at ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}
