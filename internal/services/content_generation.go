package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	goredis "github.com/lumenlearn/lumen-backend/internal/clients/redis"
	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/repos"
	"github.com/lumenlearn/lumen-backend/internal/types"
	"github.com/lumenlearn/lumen-backend/internal/utils"
)

// ContentGenerationService turns a freshly created curriculum into generated
// study material. InitializeAll is the only synchronous step on the request
// path; everything else runs detached so curriculum creation never waits on
// a model call.
type ContentGenerationService interface {
	InitializeAll(ctx context.Context, curriculumID uuid.UUID, nodes []*types.CurriculumNode) error
	GenerateAll(ctx context.Context, curriculumID uuid.UUID, nodes []*types.CurriculumNode, courseCtx types.CourseContext)
	StartGenerateAll(curriculumID uuid.UUID, nodes []*types.CurriculumNode, courseCtx types.CourseContext)
	GenerateNodeContent(ctx context.Context, curriculumID uuid.UUID, node *types.CurriculumNode, courseCtx types.CourseContext) (*types.ContentCacheEntry, error)
	GenerateClarification(ctx context.Context, curriculumID uuid.UUID, node *types.CurriculumNode, courseCtx types.CourseContext, question string) (*types.ContentCacheEntry, error)
	Wait()
}

type contentGenerationService struct {
	db  *gorm.DB
	log *logger.Logger

	cacheRepo  repos.ContentCacheRepo
	completion CompletionClient
	bus        goredis.GenerationBus // optional

	maxConcurrent int
	maxRetries    int

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewContentGenerationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cacheRepo repos.ContentCacheRepo,
	completion CompletionClient,
	bus goredis.GenerationBus,
) ContentGenerationService {
	return &contentGenerationService{
		db:            db,
		log:           baseLog.With("service", "ContentGenerationService"),
		cacheRepo:     cacheRepo,
		completion:    completion,
		bus:           bus,
		maxConcurrent: utils.GetEnvAsInt("GENERATION_MAX_CONCURRENCY", 3, baseLog),
		maxRetries:    utils.GetEnvAsInt("GENERATION_MAX_RETRIES", 2, baseLog),
		runCtx:        context.Background(),
	}
}

func (s *contentGenerationService) InitializeAll(ctx context.Context, curriculumID uuid.UUID, nodes []*types.CurriculumNode) error {
	for _, node := range nodes {
		if node == nil {
			continue
		}
		status := types.GenerationStatusPending
		if node.Kind == types.NodeKindQuiz {
			status = types.GenerationStatusQuizPending
		}
		if err := s.cacheRepo.Initialize(ctx, nil, curriculumID, node.ID, types.ContentKindKnowledgeCard, node.Kind, status); err != nil {
			return fmt.Errorf("initialize cache row for node %s: %w", node.ID, err)
		}
	}
	return nil
}

// StartGenerateAll submits generation as a tracked background task against
// the service's own lifetime, not the triggering request's.
func (s *contentGenerationService) StartGenerateAll(curriculumID uuid.UUID, nodes []*types.CurriculumNode, courseCtx types.CourseContext) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Background generation panicked", "curriculum_id", curriculumID, "panic", r)
			}
		}()
		s.GenerateAll(s.runCtx, curriculumID, nodes, courseCtx)
	}()
}

// Wait blocks until all detached generation tasks finish. Used by shutdown
// and tests.
func (s *contentGenerationService) Wait() {
	s.wg.Wait()
}

func (s *contentGenerationService) GenerateAll(ctx context.Context, curriculumID uuid.UUID, nodes []*types.CurriculumNode, courseCtx types.CourseContext) {
	byLayer := map[int][]*types.CurriculumNode{}
	for _, node := range nodes {
		if node == nil || node.Kind != types.NodeKindStudy {
			continue
		}
		byLayer[node.Layer] = append(byLayer[node.Layer], node)
	}
	if len(byLayer) == 0 {
		return
	}
	layers := make([]int, 0, len(byLayer))
	for l := range byLayer {
		layers = append(layers, l)
	}
	sort.Ints(layers)

	s.publish(ctx, goredis.GenerationEvent{
		Event:        "generation_started",
		CurriculumID: curriculumID.String(),
		Data:         map[string]any{"layers": len(layers)},
	})

	var mu sync.Mutex
	counts := map[string]int{}
	bump := func(k string) {
		mu.Lock()
		counts[k]++
		mu.Unlock()
	}

	// Layers run strictly in ascending order: the group join is the layer
	// barrier, and worker funcs never return an error, so one node's failure
	// neither cancels siblings nor aborts the layer.
	for _, layer := range layers {
		g := new(errgroup.Group)
		g.SetLimit(s.maxConcurrent)
		for _, node := range byLayer[layer] {
			node := node
			g.Go(func() error {
				entry, err := s.GenerateNodeContent(ctx, curriculumID, node, courseCtx)
				switch {
				case err != nil:
					bump("failed")
					s.publish(ctx, goredis.GenerationEvent{
						Event:        "node_failed",
						CurriculumID: curriculumID.String(),
						NodeID:       node.ID.String(),
						Data:         map[string]any{"error": err.Error()},
					})
				case entry != nil && entry.Status == types.GenerationStatusCompleted:
					bump("completed")
					s.publish(ctx, goredis.GenerationEvent{
						Event:        "node_completed",
						CurriculumID: curriculumID.String(),
						NodeID:       node.ID.String(),
					})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	mu.Lock()
	done := map[string]any{"completed": counts["completed"], "failed": counts["failed"]}
	mu.Unlock()
	s.log.Info("Curriculum generation finished", "curriculum_id", curriculumID, "completed", done["completed"], "failed", done["failed"])
	s.publish(ctx, goredis.GenerationEvent{
		Event:        "generation_finished",
		CurriculumID: curriculumID.String(),
		Data:         done,
	})
}

// GenerateNodeContent is the single-node operation: lookup, generate,
// upsert. Re-invoking it on a node already completed with material is a
// no-op, which is what makes GenerateAll safe to re-enter after a crash.
// Every call runs against the pooled DB handle; tasks never share a
// transaction.
func (s *contentGenerationService) GenerateNodeContent(ctx context.Context, curriculumID uuid.UUID, node *types.CurriculumNode, courseCtx types.CourseContext) (*types.ContentCacheEntry, error) {
	kind := types.ContentKindKnowledgeCard

	entry, err := s.cacheRepo.Find(ctx, nil, curriculumID, node.ID, kind, nil)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil && entry.Status == types.GenerationStatusCompleted && entry.HasPayload() {
		return entry, nil
	}

	now := time.Now()
	if err := s.cacheRepo.UpdateStatus(ctx, nil, curriculumID, node.ID, kind, nil, types.GenerationStatusGenerating, repos.StatusUpdate{StartedAt: &now}); err != nil {
		return nil, fmt.Errorf("mark generating: %w", err)
	}

	prompt := buildKnowledgeCardPrompt(node, courseCtx)
	resp, err := s.completion.Complete(ctx, PromptNameKnowledgeCard, prompt, ShapeStructuredObject, s.maxRetries)
	if err != nil {
		s.markFailed(ctx, curriculumID, node.ID, kind, nil, err)
		return nil, err
	}

	payload, err := json.Marshal(resp.Payload)
	if err != nil {
		s.markFailed(ctx, curriculumID, node.ID, kind, nil, err)
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	completedAt := time.Now()
	updated, err := s.cacheRepo.Upsert(ctx, nil, curriculumID, node.ID, kind, datatypes.JSON(payload), types.GenerationStatusCompleted, "", nil, &completedAt)
	if err != nil {
		s.markFailed(ctx, curriculumID, node.ID, kind, nil, err)
		return nil, fmt.Errorf("persist payload: %w", err)
	}
	return updated, nil
}

// GenerateClarification answers one learner question about a node. The
// entry is question-scoped: its fingerprint keeps it disjoint from the
// node-level card and from clarifications of other questions.
func (s *contentGenerationService) GenerateClarification(ctx context.Context, curriculumID uuid.UUID, node *types.CurriculumNode, courseCtx types.CourseContext, question string) (*types.ContentCacheEntry, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question required")
	}
	kind := types.ContentKindClarification
	fp := QuestionFingerprint(question)

	entry, err := s.cacheRepo.Find(ctx, nil, curriculumID, node.ID, kind, &fp)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil && entry.Status == types.GenerationStatusCompleted && entry.HasPayload() {
		return entry, nil
	}

	prompt := buildClarificationPrompt(node, courseCtx, question)
	resp, err := s.completion.Complete(ctx, PromptNameClarification, prompt, ShapeFormattedText, s.maxRetries)
	if err != nil {
		if _, uerr := s.cacheRepo.Upsert(ctx, nil, curriculumID, node.ID, kind, datatypes.JSON([]byte(`{}`)), types.GenerationStatusFailed, err.Error(), &fp, nil); uerr != nil {
			s.log.Error("Failed to record clarification failure", "curriculum_id", curriculumID, "node_id", node.ID, "error", uerr)
		}
		return nil, err
	}

	answer, _ := resp.Payload.(string)
	payload, err := json.Marshal(map[string]any{"question": question, "answer_md": answer})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	completedAt := time.Now()
	updated, err := s.cacheRepo.Upsert(ctx, nil, curriculumID, node.ID, kind, datatypes.JSON(payload), types.GenerationStatusCompleted, "", &fp, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("persist payload: %w", err)
	}
	return updated, nil
}

func (s *contentGenerationService) markFailed(ctx context.Context, curriculumID, nodeID uuid.UUID, kind string, fingerprint *string, cause error) {
	if err := s.cacheRepo.UpdateStatus(ctx, nil, curriculumID, nodeID, kind, fingerprint, types.GenerationStatusFailed, repos.StatusUpdate{Error: cause.Error()}); err != nil {
		s.log.Error("Failed to record node failure", "curriculum_id", curriculumID, "node_id", nodeID, "error", err)
	}
}

func (s *contentGenerationService) publish(ctx context.Context, ev goredis.GenerationEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("Failed to publish generation event", "event", ev.Event, "error", err)
	}
}

// QuestionFingerprint is the stable hash distinguishing question-scoped
// cache entries for the same node.
func QuestionFingerprint(question string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])[:32]
}
