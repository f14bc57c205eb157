package taskmanager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/circuitbreaker"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/resilience"
	"github.com/strata-labs/deepresearch/internal/streaming"
)

// stubSynth returns a canned report, or a degraded one when Degrade is set.
type stubSynth struct {
	Degrade bool
}

func (s stubSynth) Synthesize(ctx context.Context, query string, evidence []models.Evidence, sources []models.ResearchSource) SynthOutput {
	if s.Degrade || (len(evidence) == 0 && len(sources) == 0) {
		return SynthOutput{
			Summary:  "No verifiable evidence was gathered.",
			Degraded: true,
			Note:     "synthesis degraded to extractive summary",
		}
	}
	return SynthOutput{
		Summary:     "Synthesized report for: " + query,
		KeyFindings: []string{"finding one"},
		TokensUsed:  100,
		APICalls:    1,
	}
}

type blockingSearch struct {
	release chan struct{}
}

func (b *blockingSearch) Name() string { return "blocking-search" }

func (b *blockingSearch) Query(ctx context.Context, q adapters.SearchQuery) ([]models.ResearchSource, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return nil, nil
	}
}

func testDeps(search adapters.Search, synth Synthesizer) Deps {
	exec := resilience.NewExecutor(
		resilience.Config{MaxAttempts: 1, Retryable: models.IsRetryable},
		circuitbreaker.Config{MaxRequests: 3, FailureThreshold: 100, SuccessThreshold: 1},
		zap.NewNop(),
	)
	return Deps{
		Search:  search,
		Browse:  &adapters.MockBrowse{},
		Extract: &adapters.MockDocumentExtract{},
		Model:   &adapters.MockModelClient{},
		Guard:   adapters.AllowAllGuard{},
		Recall:  adapters.NoopRecall{},
		Store:   adapters.NewMemoryArtifactStore(),
		Exec:    exec,
		Synth:   synth,
	}
}

func testManager(t *testing.T, deps Deps) (*Manager, *streaming.Manager) {
	t.Helper()
	streams := streaming.NewManager(1024)
	mgr := New(deps, Options{
		HeartbeatInterval: time.Minute, // keep heartbeats out of test streams
		CancelGrace:       50 * time.Millisecond,
	}, streams, zap.NewNop())
	return mgr, streams
}

func testRequest() models.ResearchRequest {
	return models.ResearchRequest{
		Query: "carbon capture effectiveness at industrial scale",
		Params: models.ResearchParams{
			Budget:        20,
			MaxIterations: 2,
			Scope:         models.ScopeFocused,
			Sources:       models.SourceFlags{WebSearch: true},
		},
	}
}

func waitTerminal(t *testing.T, mgr *Manager, taskID string) models.Task {
	t.Helper()
	var task models.Task
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = mgr.Get(taskID)
		return ok && task.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestCompletedRunProducesCitedResult(t *testing.T) {
	mgr, streams := testManager(t, testDeps(&adapters.MockSearch{}, stubSynth{}))

	handle, err := mgr.Start(testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, handle.Status)
	assert.Contains(t, handle.StreamURL, handle.TaskID)
	assert.Greater(t, handle.EstimatedDurationS, 0)

	task := waitTerminal(t, mgr, handle.TaskID)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)

	res := task.Result
	assert.NotEmpty(t, res.Summary)
	assert.NotEmpty(t, res.Sources)
	assert.LessOrEqual(t, res.Metrics.BudgetUsed, task.Request.Params.Budget)
	assert.GreaterOrEqual(t, res.Metrics.IterationsCompleted, 1)

	// every evidence source id resolves to a source in the result
	byID := map[string]bool{}
	for _, s := range res.Sources {
		byID[s.ID] = true
	}
	for _, ev := range res.Evidence {
		for _, id := range ev.SourceIDs {
			assert.True(t, byID[id], "evidence cites unknown source %s", id)
		}
	}

	// one dispatch methodology entry per completed iteration
	dispatches := 0
	for _, m := range res.Methodology {
		if strings.Contains(m, "dispatch") {
			dispatches++
		}
	}
	assert.Equal(t, res.Metrics.IterationsCompleted, dispatches)

	// the terminal complete event is the last event on the stream
	events := streams.ReplaySince(handle.TaskID, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventComplete, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestValidationFailsFastWithoutTask(t *testing.T) {
	mgr, _ := testManager(t, testDeps(&adapters.MockSearch{}, stubSynth{}))

	req := testRequest()
	req.Params.Budget = 0
	_, err := mgr.Start(req)
	require.Error(t, err)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "budget", verr.Field)
}

func TestCancellationEmitsAckThenNothing(t *testing.T) {
	search := &blockingSearch{release: make(chan struct{})}
	mgr, streams := testManager(t, testDeps(search, stubSynth{}))

	handle, err := mgr.Start(testRequest())
	require.NoError(t, err)

	// task is mid-iteration once the search is in flight
	require.Eventually(t, func() bool {
		task, ok := mgr.Get(handle.TaskID)
		return ok && task.Status == models.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, mgr.Cancel(handle.TaskID))
	assert.False(t, mgr.Cancel(handle.TaskID), "second cancel is a no-op")

	task := waitTerminal(t, mgr, handle.TaskID)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.Nil(t, task.Result)

	events := streams.ReplaySince(handle.TaskID, 0)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	data, ok := last.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, models.CodeCancelled, data["code"])

	// no complete event anywhere in the stream
	for _, ev := range events {
		assert.NotEqual(t, models.EventComplete, ev.Type)
	}
}

func TestAllProvidersFailingStillCompletes(t *testing.T) {
	deps := testDeps(&adapters.MockSearch{Fail: models.NewTransientError("503")}, stubSynth{Degrade: true})
	deps.Browse = &adapters.MockBrowse{Fail: models.NewTransientError("503")}
	deps.Model = &adapters.MockModelClient{Fail: models.NewTransientError("503")}
	mgr, _ := testManager(t, deps)

	handle, err := mgr.Start(testRequest())
	require.NoError(t, err)

	task := waitTerminal(t, mgr, handle.TaskID)
	assert.Equal(t, models.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Empty(t, task.Result.Sources)
	assert.NotEmpty(t, task.Result.Summary)
	assert.Contains(t, strings.Join(task.Result.Methodology, "\n"), "degraded")
}

func TestSingleUnitBudgetCompletesWithinBudget(t *testing.T) {
	mgr, _ := testManager(t, testDeps(&adapters.MockSearch{}, stubSynth{}))

	req := testRequest()
	req.Params.Budget = 1
	req.Params.MaxIterations = 1
	handle, err := mgr.Start(req)
	require.NoError(t, err)

	task := waitTerminal(t, mgr, handle.TaskID)
	assert.Equal(t, models.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.LessOrEqual(t, task.Result.Metrics.BudgetUsed, 1)
	assert.NotEmpty(t, task.Result.Sources)
}

func TestArchivedTaskIsLoadable(t *testing.T) {
	store := adapters.NewMemoryArtifactStore()
	deps := testDeps(&adapters.MockSearch{}, stubSynth{})
	deps.Store = store
	mgr, _ := testManager(t, deps)

	handle, err := mgr.Start(testRequest())
	require.NoError(t, err)
	waitTerminal(t, mgr, handle.TaskID)

	require.Eventually(t, func() bool {
		archived, err := store.Load(context.Background(), handle.TaskID)
		return err == nil && archived.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminalTaskEvictedAfterRetention(t *testing.T) {
	streams := streaming.NewManager(1024)
	mgr := New(testDeps(&adapters.MockSearch{}, stubSynth{}), Options{
		HeartbeatInterval: time.Minute,
		CancelGrace:       50 * time.Millisecond,
		Retention:         30 * time.Millisecond,
	}, streams, zap.NewNop())

	handle, err := mgr.Start(testRequest())
	require.NoError(t, err)
	waitTerminal(t, mgr, handle.TaskID)

	// record and replay ring are released once the retention window passes
	require.Eventually(t, func() bool {
		_, ok := mgr.Get(handle.TaskID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, streams.ReplaySince(handle.TaskID, 0))
}

func TestSubscribeUnknownTask(t *testing.T) {
	mgr, _ := testManager(t, testDeps(&adapters.MockSearch{}, stubSynth{}))
	_, ok := mgr.Subscribe("missing", 8)
	assert.False(t, ok)
	_, ok = mgr.Get("missing")
	assert.False(t, ok)
	assert.False(t, mgr.Cancel("missing"))
}
