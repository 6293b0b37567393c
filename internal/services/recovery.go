package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/repos"
)

// RecoveryService runs once at startup, before the process serves its
// collaborators. A row still marked generating cannot have truthfully
// survived a crash, so it is demoted to pending and its curriculum's
// generation is re-launched; pending rows already re-run for free because
// GenerateAll skips only completed material.
type RecoveryService interface {
	Run(ctx context.Context) error
}

type recoveryService struct {
	db  *gorm.DB
	log *logger.Logger

	cacheRepo      repos.ContentCacheRepo
	curriculumRepo repos.CurriculumRepo
	generation     ContentGenerationService
}

func NewRecoveryService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cacheRepo repos.ContentCacheRepo,
	curriculumRepo repos.CurriculumRepo,
	generation ContentGenerationService,
) RecoveryService {
	return &recoveryService{
		db:             db,
		log:            baseLog.With("service", "RecoveryService"),
		cacheRepo:      cacheRepo,
		curriculumRepo: curriculumRepo,
		generation:     generation,
	}
}

func (s *recoveryService) Run(ctx context.Context) error {
	stuck, err := s.cacheRepo.FindStuckCurricula(ctx, nil)
	if err != nil {
		return fmt.Errorf("scan for stuck curricula: %w", err)
	}
	if len(stuck) == 0 {
		s.log.Info("No curricula need generation recovery")
		return nil
	}

	reset, err := s.cacheRepo.ResetStuckToPending(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset stuck rows: %w", err)
	}
	s.log.Info("Recovering interrupted generation", "curricula", len(stuck), "rows_reset", reset)

	for _, curriculumID := range stuck {
		curriculum, err := s.curriculumRepo.GetByID(ctx, nil, curriculumID)
		if err != nil || curriculum == nil {
			s.log.Error("Could not reload curriculum for recovery", "curriculum_id", curriculumID, "error", err)
			continue
		}
		nodes, err := s.curriculumRepo.GetNodes(ctx, nil, curriculumID)
		if err != nil {
			s.log.Error("Could not reload curriculum nodes for recovery", "curriculum_id", curriculumID, "error", err)
			continue
		}
		if len(nodes) == 0 {
			s.log.Warn("Curriculum has no nodes, skipping recovery", "curriculum_id", curriculumID)
			continue
		}
		s.generation.StartGenerateAll(curriculumID, nodes, curriculum.Context())
	}
	return nil
}
