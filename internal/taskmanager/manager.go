package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/aggregator"
	"github.com/strata-labs/deepresearch/internal/evaluator"
	"github.com/strata-labs/deepresearch/internal/metrics"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/planner"
	"github.com/strata-labs/deepresearch/internal/resilience"
	"github.com/strata-labs/deepresearch/internal/streaming"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// Options tunes the task manager.
type Options struct {
	HeartbeatInterval time.Duration
	CancelGrace       time.Duration
	QueueDepth        int
	RecallTopK        int
	AvgCallSeconds    int
	StreamURLPattern  string // e.g. "/research/%s/stream"
	// Retention bounds how long a terminal task's in-memory record and
	// replay ring stay around before eviction. The artifact store remains
	// the system of record afterwards.
	Retention time.Duration
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.RecallTopK <= 0 {
		o.RecallTopK = 3
	}
	if o.AvgCallSeconds <= 0 {
		o.AvgCallSeconds = 3
	}
	if o.StreamURLPattern == "" {
		o.StreamURLPattern = "/research/%s/stream"
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
}

// Deps bundles the collaborators a task run needs. Adapters are shared
// read-only across tasks.
type Deps struct {
	Search  adapters.Search
	Browse  adapters.Browse
	Extract adapters.DocumentExtract
	Model   adapters.ModelClient
	Guard   adapters.ContentGuard
	Recall  adapters.VectorRecall
	Store   adapters.ArtifactStore
	Exec    *resilience.Executor
	// Synth produces the final report; split out so tests can stub it.
	Synth Synthesizer
	// Cache optionally mirrors task snapshots to Redis for external pollers.
	Cache *redis.Client
}

// Synthesizer is the single-shot report producer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, evidence []models.Evidence, sources []models.ResearchSource) SynthOutput
}

// SynthOutput mirrors the synthesizer package output without importing it
// (kept local so taskmanager depends only on the interface).
type SynthOutput struct {
	Summary     string
	KeyFindings []string
	TokensUsed  int
	APICalls    int
	Degraded    bool
	Note        string
}

// evidenceIndexer is implemented by recall stores that can persist a
// finished task's evidence for later reuse.
type evidenceIndexer interface {
	Index(ctx context.Context, task *models.Task) error
}

// Manager owns every task's authoritative status/progress record. All
// other components report deltas; only the per-task loop mutates its Task.
type Manager struct {
	deps    Deps
	opts    Options
	streams *streaming.Manager
	logger  *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*taskState
}

type taskState struct {
	mu     sync.RWMutex
	task   models.Task
	opts   Options
	cancel context.CancelFunc
	// cancelRequested is flipped by Cancel and read at loop boundaries.
	cancelRequested bool
	pub             *streaming.Publisher
}

// New builds a manager publishing through streams.
func New(deps Deps, opts Options, streams *streaming.Manager, logger *zap.Logger) *Manager {
	opts.defaults()
	if streams == nil {
		streams = streaming.Get()
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		streams: streams,
		logger:  logger,
		tasks:   make(map[string]*taskState),
	}
}

// Start validates the request and launches the task loop. A structurally
// invalid request fails fast and never creates a Task.
func (m *Manager) Start(req models.ResearchRequest) (models.TaskHandle, error) {
	if err := req.Validate(); err != nil {
		return models.TaskHandle{}, err
	}

	now := time.Now()
	task := models.Task{
		ID:          uuid.New().String(),
		Request:     req,
		Status:      models.StatusPending,
		CurrentStep: "queued",
		TotalSteps:  req.Params.MaxIterations + 2, // iterations + recall + synthesis
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	opts := m.options()
	ctx, cancel := context.WithCancel(context.Background())
	st := &taskState{
		task:   task,
		opts:   opts,
		cancel: cancel,
		pub: streaming.NewPublisher(task.ID, m.streams, m.logger, streaming.PublisherOptions{
			QueueDepth: opts.QueueDepth,
			Mirror:     m.deps.Cache,
			MirrorTTL:  24 * time.Hour,
		}),
	}

	m.mu.Lock()
	m.tasks[task.ID] = st
	m.mu.Unlock()

	metrics.TasksStarted.WithLabelValues(req.Params.Scope).Inc()
	m.logger.Info("Research task accepted",
		zap.String("task_id", task.ID),
		zap.String("scope", req.Params.Scope),
		zap.Int("budget", req.Params.Budget),
		zap.Int("max_iterations", req.Params.MaxIterations),
	)

	go m.run(ctx, st)

	enabled := len(req.Params.Sources.Enabled())
	return models.TaskHandle{
		TaskID:             task.ID,
		Status:             task.Status,
		EstimatedDurationS: req.Params.MaxIterations * enabled * opts.AvgCallSeconds,
		StreamURL:          fmt.Sprintf(opts.StreamURLPattern, task.ID),
	}, nil
}

// Cancel requests cooperative cancellation. Returns false when the task
// is unknown or already terminal.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.RLock()
	st, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	if st.task.Terminal() || st.cancelRequested {
		st.mu.Unlock()
		return false
	}
	st.cancelRequested = true
	st.mu.Unlock()

	// In-flight adapter calls get the grace period before the context is
	// torn down underneath them.
	go func() {
		time.Sleep(st.opts.CancelGrace)
		st.cancel()
	}()

	m.logger.Info("Cancellation requested", zap.String("task_id", taskID))
	return true
}

// Get returns a snapshot of the task.
func (m *Manager) Get(taskID string) (models.Task, bool) {
	m.mu.RLock()
	st, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return models.Task{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.task, true
}

// Subscribe attaches a consumer to the task's event stream.
func (m *Manager) Subscribe(taskID string, buffer int) (chan streaming.Event, bool) {
	m.mu.RLock()
	_, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.streams.Subscribe(taskID, buffer), true
}

// Unsubscribe detaches a consumer channel.
func (m *Manager) Unsubscribe(taskID string, ch chan streaming.Event) {
	m.streams.Unsubscribe(taskID, ch)
}

// Streams exposes the underlying manager for the HTTP surfaces.
func (m *Manager) Streams() *streaming.Manager { return m.streams }

func (m *Manager) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// ApplyTunables swaps the run-loop options for tasks started after the
// call. Running tasks keep the options they launched with.
func (m *Manager) ApplyTunables(opts Options) {
	opts.defaults()
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
}

func (st *taskState) cancelled() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cancelRequested
}

// mutate applies fn to the task under the state lock. progress is clamped
// monotone so it never regresses.
func (st *taskState) mutate(fn func(*models.Task)) {
	st.mu.Lock()
	prev := st.task.Progress
	fn(&st.task)
	if st.task.Progress < prev {
		st.task.Progress = prev
	}
	st.task.UpdatedAt = time.Now()
	st.mu.Unlock()
}

// run is the per-task loop: recall, iterate planner/evaluator to a
// stopping condition, synthesize once, finalize.
func (m *Manager) run(ctx context.Context, st *taskState) {
	taskID := st.task.ID
	req := st.task.Request
	start := time.Now()

	ctx, span := tracing.StartTaskSpan(ctx, "task.run", taskID)
	defer span.End()

	hbStop := make(chan struct{})
	go m.heartbeatLoop(st, hbStop)
	defer close(hbStop)

	st.mutate(func(t *models.Task) {
		t.Status = models.StatusRunning
		t.Progress = 5
		t.CurrentStep = "recall"
	})

	agg := aggregator.New(m.deps.Guard, m.logger)
	eval := evaluator.New(m.logger)
	plan := planner.New(planner.Deps{
		Search:  m.deps.Search,
		Browse:  m.deps.Browse,
		Extract: m.deps.Extract,
		Model:   m.deps.Model,
		Exec:    m.deps.Exec,
	}, m.logger)

	var methodology []string
	var mtr models.ResearchMetrics

	// Prior-task evidence reuse is free: recall does not consume budget.
	m.recallPrior(ctx, taskID, req.Query, agg, &methodology, st)

	confidence := 0.0
	for iter := 1; iter <= req.Params.MaxIterations; iter++ {
		if st.cancelled() || ctx.Err() != nil {
			m.finalizeCancelled(st, agg, methodology, mtr, start)
			return
		}

		st.pub.Emit(models.EventStep, map[string]interface{}{
			"step": "planning", "iteration": iter,
		})
		st.mutate(func(t *models.Task) {
			t.CurrentStep = fmt.Sprintf("planning iteration %d", iter)
		})

		res, err := plan.RunIteration(ctx, iter, req, req.Params.Budget-mtr.BudgetUsed)
		if err != nil {
			// Iteration-level errors degrade, they never abort the task.
			methodology = append(methodology, fmt.Sprintf("iteration %d degraded: %v", iter, err))
			res = &planner.IterationResult{}
		}

		mtr.BudgetUsed += res.BudgetSpent
		mtr.TokensUsed += res.TokensUsed
		mtr.APICallsMade += res.APICalls
		mtr.TotalSourcesFound += len(res.Sources)
		methodology = append(methodology, res.Methodology...)

		kept, notes := agg.AddSources(ctx, res.Sources)
		methodology = append(methodology, notes...)
		notes = agg.AddEvidence(ctx, res.Evidence)
		methodology = append(methodology, notes...)
		mtr.SourcesAnalyzed = plan.AnalyzedCount()

		// Stream exactly the sources the aggregator admitted as new;
		// duplicates of already-streamed sources are skipped.
		for _, src := range kept {
			st.pub.Emit(models.EventSource, src)
		}

		mtr.IterationsCompleted = iter

		st.pub.Emit(models.EventStep, map[string]interface{}{
			"step": "evaluating", "iteration": iter,
		})
		decision := eval.Evaluate(m.view(agg), mtr, req.Params)
		confidence = decision.Confidence
		methodology = append(methodology, fmt.Sprintf("evaluator: %s", decision.Reason))

		st.mutate(func(t *models.Task) {
			t.Progress = 5 + 90*iter/req.Params.MaxIterations
			if t.Progress > 99 {
				t.Progress = 99
			}
			t.CurrentStep = fmt.Sprintf("evaluated iteration %d", iter)
		})
		m.cacheSnapshot(st)

		if decision.Stop {
			break
		}
		if st.cancelled() || ctx.Err() != nil {
			m.finalizeCancelled(st, agg, methodology, mtr, start)
			return
		}
	}

	if st.cancelled() || ctx.Err() != nil {
		m.finalizeCancelled(st, agg, methodology, mtr, start)
		return
	}

	// Synthesis runs once. Its failure degrades to an extractive summary
	// inside the synthesizer, so the task still completes.
	st.mutate(func(t *models.Task) { t.CurrentStep = "synthesizing" })
	st.pub.Emit(models.EventStep, map[string]interface{}{"step": "synthesizing"})

	evidence := agg.Evidence()
	sources := agg.Sources()
	synth := m.deps.Synth.Synthesize(ctx, req.Query, evidence, sources)
	mtr.TokensUsed += synth.TokensUsed
	mtr.APICallsMade += synth.APICalls
	if synth.Note != "" {
		methodology = append(methodology, synth.Note)
	}
	mtr.TimeElapsedS = time.Since(start).Seconds()

	result := &models.ResearchResult{
		Summary:         synth.Summary,
		KeyFindings:     synth.KeyFindings,
		Sources:         sources,
		Evidence:        evidence,
		ConfidenceScore: confidence,
		Methodology:     methodology,
		Metrics:         mtr,
	}

	st.pub.Emit(models.EventToken, map[string]interface{}{"text": synth.Summary})
	m.finalize(st, models.StatusCompleted, "", result, start)
}

// view builds the evaluator's read-only projection of the aggregator.
func (m *Manager) view(agg *aggregator.Aggregator) evaluator.EvidenceView {
	srcs := agg.Sources()
	byID := make(map[string]models.ResearchSource, len(srcs))
	for _, s := range srcs {
		byID[s.ID] = s
	}
	return evaluator.EvidenceView{
		Evidence: agg.Evidence(),
		Sources:  byID,
		Domains:  agg.Domains(),
	}
}

func (m *Manager) recallPrior(ctx context.Context, taskID, query string, agg *aggregator.Aggregator, methodology *[]string, st *taskState) {
	if m.deps.Recall == nil {
		return
	}
	recalled, err := m.deps.Recall.Recall(ctx, query, st.opts.RecallTopK)
	if err != nil {
		m.logger.Debug("Vector recall unavailable", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if len(recalled) == 0 {
		return
	}
	var evidence []models.Evidence
	var sources []models.ResearchSource
	for _, r := range recalled {
		evidence = append(evidence, r.Evidence)
		sources = append(sources, r.Sources...)
		metrics.RecallHits.Inc()
	}
	agg.AddSources(ctx, sources)
	agg.AddEvidence(ctx, evidence)
	*methodology = append(*methodology,
		fmt.Sprintf("recall: reused %d evidence items from prior tasks (no budget charge)", len(evidence)))
}

func (m *Manager) heartbeatLoop(st *taskState, stop <-chan struct{}) {
	ticker := time.NewTicker(st.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st.pub.Heartbeat()
		}
	}
}

func (m *Manager) finalizeCancelled(st *taskState, agg *aggregator.Aggregator, methodology []string, mtr models.ResearchMetrics, start time.Time) {
	methodology = append(methodology, "cancelled by caller")
	mtr.TimeElapsedS = time.Since(start).Seconds()
	// Single acknowledgment, then silence: no events follow it.
	st.pub.Emit(models.EventError, map[string]interface{}{
		"code":    models.CodeCancelled,
		"message": "task cancelled",
	})
	m.finalize(st, models.StatusCancelled, "task cancelled", nil, start)
}

// finalize moves the task to a terminal status, archives it, and closes
// the stream. complete/error are terminal: nothing is emitted afterwards.
func (m *Manager) finalize(st *taskState, status, errMsg string, result *models.ResearchResult, start time.Time) {
	if status == models.StatusCompleted && result != nil {
		st.pub.Emit(models.EventComplete, result)
	} else if status == models.StatusFailed {
		st.pub.Emit(models.EventError, map[string]interface{}{
			"code":    models.CodeBudgetExhausted,
			"message": errMsg,
		})
	}

	now := time.Now()
	st.mutate(func(t *models.Task) {
		t.Status = status
		t.Progress = 100
		t.CurrentStep = status
		t.CompletedAt = &now
		t.Error = errMsg
		t.Result = result
	})
	st.cancel()
	st.pub.Close()
	m.streams.CloseTask(st.task.ID)

	st.mu.RLock()
	task := st.task
	st.mu.RUnlock()

	scope := task.Request.Params.Scope
	metrics.TasksCompleted.WithLabelValues(scope, status).Inc()
	metrics.TaskDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if result != nil {
		metrics.TaskBudgetUsed.Observe(float64(result.Metrics.BudgetUsed))
		metrics.TaskIterations.Observe(float64(result.Metrics.IterationsCompleted))
	}

	if m.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.deps.Store.Save(ctx, &task); err != nil {
			m.logger.Error("Failed to archive task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if idx, ok := m.deps.Recall.(evidenceIndexer); ok && status == models.StatusCompleted {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := idx.Index(ctx, &task); err != nil {
			m.logger.Warn("Failed to index task evidence for recall",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	m.cacheSnapshot(st)

	// Terminal tasks stay queryable and replayable for the retention
	// window, then the in-memory record and the ring are released.
	time.AfterFunc(st.opts.Retention, func() { m.evict(task.ID) })

	m.logger.Info("Research task finished",
		zap.String("task_id", task.ID),
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// evict drops an archived task's in-memory state and replay history.
func (m *Manager) evict(taskID string) {
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
	m.streams.Forget(taskID)
}

// cacheSnapshot mirrors the task record to Redis for external pollers.
// Best-effort.
func (m *Manager) cacheSnapshot(st *taskState) {
	if m.deps.Cache == nil {
		return
	}
	st.mu.RLock()
	data, err := json.Marshal(st.task)
	taskID := st.task.ID
	st.mu.RUnlock()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.deps.Cache.Set(ctx, "research:task:"+taskID, data, 24*time.Hour).Err(); err != nil {
		m.logger.Debug("Task snapshot cache write failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
