package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lumenlearn/lumen-backend/internal/repos"
	"github.com/lumenlearn/lumen-backend/internal/repos/testutil"
	"github.com/lumenlearn/lumen-backend/internal/types"
)

// fakeCompletion satisfies CompletionClient without a model. The hook sees
// the prompt and decides the outcome; calls are recorded by unit title.
type fakeCompletion struct {
	mu    sync.Mutex
	calls []string
	hook  func(promptName, promptText string) (any, error)
}

func (f *fakeCompletion) Complete(_ context.Context, promptName, promptText string, _ ExpectedShape, _ int) (*types.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, unitTitle(promptText))
	f.mu.Unlock()

	var payload any = map[string]any{"title": unitTitle(promptText), "summary_md": "generated"}
	if f.hook != nil {
		p, err := f.hook(promptName, promptText)
		if err != nil {
			return nil, err
		}
		if p != nil {
			payload = p
		}
	}
	return &types.CompletionResponse{
		RequestID:  uuid.New(),
		PromptName: promptName,
		PromptHash: PromptHash(promptText),
		Payload:    payload,
		Success:    true,
		Model:      "fake",
	}, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func unitTitle(promptText string) string {
	for _, line := range strings.Split(promptText, "\n") {
		if strings.HasPrefix(line, "Unit: ") {
			return strings.TrimPrefix(line, "Unit: ")
		}
	}
	return ""
}

type genFixture struct {
	db        *gorm.DB
	cacheRepo repos.ContentCacheRepo
	fake      *fakeCompletion
	svc       ContentGenerationService
}

func newGenFixture(t *testing.T) *genFixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	cacheRepo := repos.NewContentCacheRepo(db, log)
	fake := &fakeCompletion{}
	svc := NewContentGenerationService(db, log, cacheRepo, fake, nil)
	return &genFixture{db: db, cacheRepo: cacheRepo, fake: fake, svc: svc}
}

func TestInitializeAll_SeedsRowsOncePerNode(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()

	nodes := []*types.CurriculumNode{
		{ID: uuid.New(), CurriculumID: curriculumID, Title: "Intro", Kind: types.NodeKindStudy, Layer: 1},
		{ID: uuid.New(), CurriculumID: curriculumID, Title: "Checkpoint", Kind: types.NodeKindQuiz, Layer: 2},
	}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes))
	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes), "repeat initialize must be a no-op")

	rows, err := fx.cacheRepo.ListByCurriculum(ctx, nil, curriculumID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byNode := map[uuid.UUID]*types.ContentCacheEntry{}
	for _, r := range rows {
		byNode[r.NodeID] = r
	}
	require.Equal(t, types.GenerationStatusPending, byNode[nodes[0].ID].Status)
	require.Equal(t, types.GenerationStatusQuizPending, byNode[nodes[1].ID].Status)
}

func TestGenerateAll_CompletesStudyNodesAndLeavesQuizAlone(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()

	study1 := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Basics", Kind: types.NodeKindStudy, Layer: 1, EstimatedMinutes: 10}
	study2 := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Advanced", Kind: types.NodeKindStudy, Layer: 2, EstimatedMinutes: 15}
	quiz := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Quiz", Kind: types.NodeKindQuiz, Layer: 2}
	nodes := []*types.CurriculumNode{study1, study2, quiz}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes))
	fx.svc.GenerateAll(ctx, curriculumID, nodes, types.CourseContext{Name: "Go", Level: "beginner"})

	require.Equal(t, 2, fx.fake.callCount(), "quiz nodes never reach the completion client")

	for _, n := range []*types.CurriculumNode{study1, study2} {
		entry, err := fx.cacheRepo.Find(ctx, nil, curriculumID, n.ID, types.ContentKindKnowledgeCard, nil)
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.Equal(t, types.GenerationStatusCompleted, entry.Status)
		require.True(t, entry.HasPayload())
		require.NotNil(t, entry.CompletedAt)
	}

	quizEntry, err := fx.cacheRepo.Find(ctx, nil, curriculumID, quiz.ID, types.ContentKindKnowledgeCard, nil)
	require.NoError(t, err)
	require.Equal(t, types.GenerationStatusQuizPending, quizEntry.Status)
}

func TestGenerateAll_SkipsAlreadyCompletedNodes(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()

	nodes := []*types.CurriculumNode{
		{ID: uuid.New(), CurriculumID: curriculumID, Title: "One", Kind: types.NodeKindStudy, Layer: 1},
		{ID: uuid.New(), CurriculumID: curriculumID, Title: "Two", Kind: types.NodeKindStudy, Layer: 1},
	}
	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes))

	fx.svc.GenerateAll(ctx, curriculumID, nodes, types.CourseContext{Name: "Go"})
	require.Equal(t, 2, fx.fake.callCount())

	// Re-entry generates nothing: completed rows with material are final.
	fx.svc.GenerateAll(ctx, curriculumID, nodes, types.CourseContext{Name: "Go"})
	require.Equal(t, 2, fx.fake.callCount(), "completed nodes must not be re-submitted")
}

func TestGenerateAll_PartialFailureIsolation(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()

	bad := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Doomed", Kind: types.NodeKindStudy, Layer: 1}
	okA := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Fine A", Kind: types.NodeKindStudy, Layer: 1}
	okB := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Fine B", Kind: types.NodeKindStudy, Layer: 1}
	nodes := []*types.CurriculumNode{bad, okA, okB}

	fx.fake.hook = func(_, promptText string) (any, error) {
		if unitTitle(promptText) == "Doomed" {
			return nil, &CompletionError{PromptName: PromptNameKnowledgeCard, Attempts: 3, Err: context.DeadlineExceeded}
		}
		return nil, nil
	}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes))
	fx.svc.GenerateAll(ctx, curriculumID, nodes, types.CourseContext{Name: "Go"})

	for _, n := range []*types.CurriculumNode{okA, okB} {
		entry, err := fx.cacheRepo.Find(ctx, nil, curriculumID, n.ID, types.ContentKindKnowledgeCard, nil)
		require.NoError(t, err)
		require.Equal(t, types.GenerationStatusCompleted, entry.Status, "siblings must not be affected by one failure")
	}

	failed, err := fx.cacheRepo.Find(ctx, nil, curriculumID, bad.ID, types.ContentKindKnowledgeCard, nil)
	require.NoError(t, err)
	require.Equal(t, types.GenerationStatusFailed, failed.Status)
	require.NotEmpty(t, failed.Error)
}

func TestGenerateAll_LayersRunInOrder(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()

	n1 := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "L1", Kind: types.NodeKindStudy, Layer: 1}
	n2a := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "L2a", Kind: types.NodeKindStudy, Layer: 2}
	n2b := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "L2b", Kind: types.NodeKindStudy, Layer: 2}
	n3 := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "L3", Kind: types.NodeKindStudy, Layer: 3}
	nodes := []*types.CurriculumNode{n3, n2a, n1, n2b} // deliberately unsorted

	layerOf := map[string]int{"L1": 1, "L2a": 2, "L2b": 2, "L3": 3}
	nodeIDsBelow := func(layer int) []uuid.UUID {
		var ids []uuid.UUID
		for _, n := range nodes {
			if n.Layer < layer {
				ids = append(ids, n.ID)
			}
		}
		return ids
	}

	terminal := map[string]bool{
		types.GenerationStatusCompleted: true,
		types.GenerationStatusFailed:    true,
	}

	fx.fake.hook = func(_, promptText string) (any, error) {
		layer := layerOf[unitTitle(promptText)]
		for _, id := range nodeIDsBelow(layer) {
			entry, err := fx.cacheRepo.Find(ctx, nil, curriculumID, id, types.ContentKindKnowledgeCard, nil)
			if err != nil {
				t.Errorf("lookup during generation: %v", err)
				continue
			}
			if entry == nil || !terminal[entry.Status] {
				t.Errorf("layer %d node generating before lower layer reached a terminal status (saw %v)", layer, entry)
			}
		}
		// Slow the call down enough that overlap would be observable.
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, nodes))
	fx.svc.GenerateAll(ctx, curriculumID, nodes, types.CourseContext{Name: "Go"})
	require.Equal(t, 4, fx.fake.callCount())
}

// upsertFailingRepo simulates a storage failure on the final payload write
// while every other repo operation still succeeds.
type upsertFailingRepo struct {
	repos.ContentCacheRepo
}

func (r *upsertFailingRepo) Upsert(context.Context, *gorm.DB, uuid.UUID, uuid.UUID, string, datatypes.JSON, string, string, *string, *time.Time) (*types.ContentCacheEntry, error) {
	return nil, errors.New("database is locked")
}

func TestGenerateNodeContent_PersistFailureMarksRowFailed(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	realRepo := repos.NewContentCacheRepo(db, log)
	fake := &fakeCompletion{}
	svc := NewContentGenerationService(db, log, &upsertFailingRepo{ContentCacheRepo: realRepo}, fake, nil)
	ctx := context.Background()

	curriculumID := uuid.New()
	node := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Doomed write", Kind: types.NodeKindStudy, Layer: 1}
	require.NoError(t, svc.InitializeAll(ctx, curriculumID, []*types.CurriculumNode{node}))

	_, err := svc.GenerateNodeContent(ctx, curriculumID, node, types.CourseContext{Name: "Go"})
	require.Error(t, err)

	// The row must not stay in generating when the payload write fails.
	entry, err := realRepo.Find(ctx, nil, curriculumID, node.ID, types.ContentKindKnowledgeCard, nil)
	require.NoError(t, err)
	require.Equal(t, types.GenerationStatusFailed, entry.Status)
	require.NotEmpty(t, entry.Error)
}

func TestGenerateClarification_FailureRecordsFingerprintRow(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()
	node := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Maps", Kind: types.NodeKindStudy, Layer: 1}
	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, []*types.CurriculumNode{node}))

	fx.fake.hook = func(promptName, _ string) (any, error) {
		if promptName == PromptNameClarification {
			return nil, &CompletionError{PromptName: promptName, Attempts: 3, Err: errors.New("model unavailable")}
		}
		return nil, nil
	}

	_, err := fx.svc.GenerateClarification(ctx, curriculumID, node, types.CourseContext{Name: "Go"}, "Why are map iterations unordered?")
	require.Error(t, err)

	fp := QuestionFingerprint("Why are map iterations unordered?")
	entry, findErr := fx.cacheRepo.Find(ctx, nil, curriculumID, node.ID, types.ContentKindClarification, &fp)
	require.NoError(t, findErr)
	require.NotNil(t, entry, "failure must leave a question-scoped row")
	require.Equal(t, types.GenerationStatusFailed, entry.Status)
	require.NotEmpty(t, entry.Error)
}

func TestGenerateClarification_FingerprintScopedCaching(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()
	node := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Slices", Kind: types.NodeKindStudy, Layer: 1}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, []*types.CurriculumNode{node}))

	fx.fake.hook = func(promptName, _ string) (any, error) {
		if promptName == PromptNameClarification {
			return "A slice is a view onto an underlying array.", nil
		}
		return nil, nil
	}

	entry, err := fx.svc.GenerateClarification(ctx, curriculumID, node, types.CourseContext{Name: "Go"}, "What is a slice?")
	require.NoError(t, err)
	require.NotNil(t, entry.QuestionFingerprint)
	require.Equal(t, types.GenerationStatusCompleted, entry.Status)

	// Same question replays the cache; a different question generates anew.
	calls := fx.fake.callCount()
	again, err := fx.svc.GenerateClarification(ctx, curriculumID, node, types.CourseContext{Name: "Go"}, "what  is a SLICE?")
	require.NoError(t, err)
	require.Equal(t, entry.ID, again.ID, "normalized question must hit the same fingerprint")
	require.Equal(t, calls, fx.fake.callCount())

	other, err := fx.svc.GenerateClarification(ctx, curriculumID, node, types.CourseContext{Name: "Go"}, "Why use append?")
	require.NoError(t, err)
	require.NotEqual(t, entry.ID, other.ID)

	// Node-level row still pending, untouched by question-scoped entries.
	nodeLevel, err := fx.cacheRepo.Find(ctx, nil, curriculumID, node.ID, types.ContentKindKnowledgeCard, nil)
	require.NoError(t, err)
	require.Equal(t, types.GenerationStatusPending, nodeLevel.Status)
}

func TestStartGenerateAll_RunsDetached(t *testing.T) {
	fx := newGenFixture(t)
	ctx := context.Background()
	curriculumID := uuid.New()
	node := &types.CurriculumNode{ID: uuid.New(), CurriculumID: curriculumID, Title: "Solo", Kind: types.NodeKindStudy, Layer: 1}

	require.NoError(t, fx.svc.InitializeAll(ctx, curriculumID, []*types.CurriculumNode{node}))
	fx.svc.StartGenerateAll(curriculumID, []*types.CurriculumNode{node}, types.CourseContext{Name: "Go"})
	fx.svc.Wait()

	entry, err := fx.cacheRepo.Find(ctx, nil, curriculumID, node.ID, types.ContentKindKnowledgeCard, nil)
	require.NoError(t, err)
	require.Equal(t, types.GenerationStatusCompleted, entry.Status)
}
