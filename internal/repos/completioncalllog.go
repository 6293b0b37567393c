package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/types"
)

type CompletionCallLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, logs []*types.CompletionCallLog) ([]*types.CompletionCallLog, error)
}

type completionCallLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompletionCallLogRepo(db *gorm.DB, baseLog *logger.Logger) CompletionCallLogRepo {
	return &completionCallLogRepo{db: db, log: baseLog.With("repo", "CompletionCallLogRepo")}
}

func (r *completionCallLogRepo) Create(ctx context.Context, tx *gorm.DB, logs []*types.CompletionCallLog) ([]*types.CompletionCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(logs) == 0 {
		return []*types.CompletionCallLog{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
