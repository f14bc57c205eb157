package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
)

func params(scope string) models.ResearchParams {
	return models.ResearchParams{
		Budget:        50,
		MaxIterations: 5,
		Scope:         scope,
		Sources:       models.SourceFlags{WebSearch: true},
	}
}

func viewWith(claims int, sourcesPerClaim int, cred float64, domains int) EvidenceView {
	view := EvidenceView{Sources: make(map[string]models.ResearchSource), Domains: domains}
	id := 0
	for c := 0; c < claims; c++ {
		ev := models.Evidence{Claim: "claim", Confidence: 0.8}
		for s := 0; s < sourcesPerClaim; s++ {
			sid := string(rune('a' + id))
			id++
			view.Sources[sid] = models.ResearchSource{ID: sid, CredibilityScore: cred}
			ev.SourceIDs = append(ev.SourceIDs, sid)
		}
		view.Evidence = append(view.Evidence, ev)
	}
	return view
}

func TestEmptyEvidenceScoresZero(t *testing.T) {
	e := New(zap.NewNop())
	d := e.Evaluate(EvidenceView{}, models.ResearchMetrics{}, params(models.ScopeBroad))
	assert.Equal(t, 0.0, d.Confidence)
	assert.False(t, d.Stop)
}

func TestConfidenceIsMonotone(t *testing.T) {
	e := New(zap.NewNop())
	rich := viewWith(3, 3, 0.9, 5)
	d1 := e.Evaluate(rich, models.ResearchMetrics{IterationsCompleted: 1}, params(models.ScopeComprehensive))

	// evidence view collapses (e.g. later iterations found nothing new);
	// reported confidence must not regress
	poor := viewWith(1, 1, 0.2, 1)
	d2 := e.Evaluate(poor, models.ResearchMetrics{IterationsCompleted: 2}, params(models.ScopeComprehensive))
	assert.GreaterOrEqual(t, d2.Confidence, d1.Confidence)
}

func TestStopsAtScopeThreshold(t *testing.T) {
	e := New(zap.NewNop())
	// 3 sources per claim (corroboration 1.0), credibility 0.9, 5 domains:
	// 0.45*1.0 + 0.35*0.9 + 0.20*1.0 = 0.965
	d := e.Evaluate(viewWith(2, 3, 0.9, 5), models.ResearchMetrics{IterationsCompleted: 1}, params(models.ScopeFocused))
	require.True(t, d.Stop)
	assert.InDelta(t, 0.965, d.Confidence, 0.001)
	assert.Contains(t, d.Reason, "threshold")
}

func TestWeakEvidenceDoesNotStopBroadScope(t *testing.T) {
	e := New(zap.NewNop())
	d := e.Evaluate(viewWith(2, 1, 0.4, 1), models.ResearchMetrics{IterationsCompleted: 1}, params(models.ScopeBroad))
	assert.False(t, d.Stop)
	assert.Contains(t, d.Reason, "continuing")
}

func TestStopsWhenIterationsExhausted(t *testing.T) {
	e := New(zap.NewNop())
	p := params(models.ScopeComprehensive)
	d := e.Evaluate(viewWith(1, 1, 0.3, 1), models.ResearchMetrics{IterationsCompleted: p.MaxIterations}, p)
	require.True(t, d.Stop)
	assert.Contains(t, d.Reason, "max iterations")
}

func TestStopsWhenBudgetExhausted(t *testing.T) {
	e := New(zap.NewNop())
	p := params(models.ScopeComprehensive)
	d := e.Evaluate(viewWith(1, 1, 0.3, 1), models.ResearchMetrics{IterationsCompleted: 1, BudgetUsed: p.Budget}, p)
	require.True(t, d.Stop)
	assert.Contains(t, d.Reason, "budget exhausted")
}

func TestThresholdOrderBeforeIterationCheck(t *testing.T) {
	e := New(zap.NewNop())
	p := params(models.ScopeFocused)
	// both threshold and iteration limit hold; threshold reason wins
	d := e.Evaluate(viewWith(2, 3, 0.9, 5), models.ResearchMetrics{IterationsCompleted: p.MaxIterations}, p)
	require.True(t, d.Stop)
	assert.Contains(t, d.Reason, "threshold")
}
