package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/types"
)

// StatusUpdate carries the optional columns of a partial status write. Nil
// fields are left untouched; ClearStarted forces started_at back to NULL.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
	ClearStarted bool
}

// ContentCacheRepo is the persistent store for generated material. Rows are
// keyed by (curriculum_id, node_id, content_kind, question_fingerprint)
// under two uniqueness rules: at most one nil-fingerprint row per key
// prefix, and distinct non-nil fingerprints coexisting freely. Both rules
// are enforced here as a lookup-then-write inside a single-row transaction,
// so a nil fingerprint never wildcards onto fingerprinted rows.
type ContentCacheRepo interface {
	Find(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string) (*types.ContentCacheEntry, error)
	Initialize(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind, nodeKind, initialStatus string) error
	Upsert(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, payload datatypes.JSON, status, errMsg string, fingerprint *string, completedAt *time.Time) (*types.ContentCacheEntry, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string, status string, opts StatusUpdate) error
	FindStuckCurricula(ctx context.Context, tx *gorm.DB) ([]uuid.UUID, error)
	ResetStuckToPending(ctx context.Context, tx *gorm.DB) (int64, error)
	ListByCurriculum(ctx context.Context, tx *gorm.DB, curriculumID uuid.UUID) ([]*types.ContentCacheEntry, error)
}

type contentCacheRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentCacheRepo(db *gorm.DB, baseLog *logger.Logger) ContentCacheRepo {
	return &contentCacheRepo{db: db, log: baseLog.With("repo", "ContentCacheRepo")}
}

func (r *contentCacheRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func keyScope(q *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string) *gorm.DB {
	q = q.Where("curriculum_id = ? AND node_id = ? AND content_kind = ?", curriculumID, nodeID, kind)
	if fingerprint == nil {
		return q.Where("question_fingerprint IS NULL")
	}
	return q.Where("question_fingerprint = ?", *fingerprint)
}

func (r *contentCacheRepo) Find(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string) (*types.ContentCacheEntry, error) {
	var rows []*types.ContentCacheEntry
	q := keyScope(r.handle(tx).WithContext(ctx).Model(&types.ContentCacheEntry{}), curriculumID, nodeID, kind, fingerprint)
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *contentCacheRepo) Initialize(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind, nodeKind, initialStatus string) error {
	return r.handle(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		existing, err := r.Find(ctx, txx, curriculumID, nodeID, kind, nil)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		now := time.Now()
		entry := &types.ContentCacheEntry{
			ID:           uuid.New(),
			CurriculumID: curriculumID,
			NodeID:       nodeID,
			ContentKind:  kind,
			Status:       initialStatus,
			Payload:      datatypes.JSON([]byte(`{}`)),
			NodeKind:     nodeKind,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return txx.Create(entry).Error
	})
}

// Upsert writes payload, status and error message in one transaction. An
// empty errMsg clears any message left by an earlier failed run.
func (r *contentCacheRepo) Upsert(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, payload datatypes.JSON, status, errMsg string, fingerprint *string, completedAt *time.Time) (*types.ContentCacheEntry, error) {
	var out *types.ContentCacheEntry
	err := r.handle(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		existing, err := r.Find(ctx, txx, curriculumID, nodeID, kind, fingerprint)
		if err != nil {
			return err
		}
		now := time.Now()
		if existing == nil {
			entry := &types.ContentCacheEntry{
				ID:                  uuid.New(),
				CurriculumID:        curriculumID,
				NodeID:              nodeID,
				ContentKind:         kind,
				QuestionFingerprint: fingerprint,
				Status:              status,
				Payload:             payload,
				Error:               errMsg,
				NodeKind:            types.NodeKindStudy,
				CompletedAt:         completedAt,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := txx.Create(entry).Error; err != nil {
				return err
			}
			out = entry
			return nil
		}
		// Generation is the sole writer, so last writer wins without an
		// optimistic check.
		updates := map[string]interface{}{
			"payload":    payload,
			"status":     status,
			"error":      errMsg,
			"updated_at": now,
		}
		if completedAt != nil {
			updates["completed_at"] = *completedAt
		}
		if err := txx.Model(&types.ContentCacheEntry{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return err
		}
		existing.Payload = payload
		existing.Status = status
		existing.Error = errMsg
		if completedAt != nil {
			existing.CompletedAt = completedAt
		}
		existing.UpdatedAt = now
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentCacheRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string, status string, opts StatusUpdate) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if opts.StartedAt != nil {
		updates["started_at"] = *opts.StartedAt
	}
	if opts.ClearStarted {
		updates["started_at"] = nil
	}
	if opts.CompletedAt != nil {
		updates["completed_at"] = *opts.CompletedAt
	}
	if opts.Error != "" {
		updates["error"] = opts.Error
	}
	q := keyScope(r.handle(tx).WithContext(ctx).Model(&types.ContentCacheEntry{}), curriculumID, nodeID, kind, fingerprint)
	return q.Updates(updates).Error
}

func (r *contentCacheRepo) FindStuckCurricula(ctx context.Context, tx *gorm.DB) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.handle(tx).WithContext(ctx).
		Model(&types.ContentCacheEntry{}).
		Where("status IN ?", []string{types.GenerationStatusGenerating, types.GenerationStatusPending}).
		Distinct("curriculum_id").
		Pluck("curriculum_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *contentCacheRepo) ResetStuckToPending(ctx context.Context, tx *gorm.DB) (int64, error) {
	res := r.handle(tx).WithContext(ctx).
		Model(&types.ContentCacheEntry{}).
		Where("status = ?", types.GenerationStatusGenerating).
		Updates(map[string]interface{}{
			"status":     types.GenerationStatusPending,
			"started_at": nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *contentCacheRepo) ListByCurriculum(ctx context.Context, tx *gorm.DB, curriculumID uuid.UUID) ([]*types.ContentCacheEntry, error) {
	var rows []*types.ContentCacheEntry
	err := r.handle(tx).WithContext(ctx).
		Where("curriculum_id = ?", curriculumID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
