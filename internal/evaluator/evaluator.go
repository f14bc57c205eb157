package evaluator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
)

// Scope-dependent confidence thresholds to stop.
var stopThresholds = map[string]float64{
	models.ScopeFocused:       0.65,
	models.ScopeBroad:         0.75,
	models.ScopeComprehensive: 0.85,
}

// Scoring weights: corroboration per claim, supporting credibility,
// domain coverage breadth.
const (
	wCorroboration = 0.45
	wCredibility   = 0.35
	wCoverage      = 0.20

	corroborationCap = 3
	coverageCap      = 5
)

// Decision is the evaluator verdict for one iteration.
type Decision struct {
	Stop       bool
	Confidence float64
	Reason     string
}

// Evaluator computes the stopping condition. Confidence never regresses
// within a task: the previous score is a floor.
type Evaluator struct {
	logger *zap.Logger

	prevConfidence float64
}

func New(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// EvidenceView is the read-only evidence slice the evaluator scores.
type EvidenceView struct {
	Evidence []models.Evidence
	Sources  map[string]models.ResearchSource // by id
	Domains  int
}

// Evaluate scores accumulated evidence and decides whether to stop.
// First true condition wins: threshold reached, iterations exhausted,
// budget exhausted, or cancellation (checked by the caller's loop).
func (e *Evaluator) Evaluate(view EvidenceView, m models.ResearchMetrics, p models.ResearchParams) Decision {
	score := e.score(view)
	// monotone non-decreasing across iterations
	if score < e.prevConfidence {
		score = e.prevConfidence
	}
	e.prevConfidence = score

	threshold, ok := stopThresholds[p.Scope]
	if !ok {
		threshold = stopThresholds[models.ScopeBroad]
	}

	d := Decision{Confidence: score}
	switch {
	case score >= threshold:
		d.Stop = true
		d.Reason = fmt.Sprintf("confidence %.2f reached %s threshold %.2f", score, p.Scope, threshold)
	case m.IterationsCompleted >= p.MaxIterations:
		d.Stop = true
		d.Reason = fmt.Sprintf("max iterations reached (%d)", p.MaxIterations)
	case m.BudgetUsed >= p.Budget:
		d.Stop = true
		d.Reason = fmt.Sprintf("budget exhausted (%d/%d)", m.BudgetUsed, p.Budget)
	default:
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f, continuing", score, threshold)
	}

	e.logger.Debug("Evaluated stopping condition",
		zap.Float64("confidence", score),
		zap.Bool("stop", d.Stop),
		zap.String("reason", d.Reason),
	)
	return d
}

// Confidence returns the current (monotone) confidence score.
func (e *Evaluator) Confidence() float64 { return e.prevConfidence }

// score combines per-claim corroboration, mean supporting credibility and
// distinct-domain coverage into [0,1].
func (e *Evaluator) score(view EvidenceView) float64 {
	if len(view.Evidence) == 0 {
		return 0
	}

	var corroboration, credibility float64
	var credCount int
	for _, ev := range view.Evidence {
		n := len(ev.SourceIDs)
		if n > corroborationCap {
			n = corroborationCap
		}
		corroboration += float64(n) / corroborationCap
		for _, id := range ev.SourceIDs {
			if src, ok := view.Sources[id]; ok {
				credibility += src.CredibilityScore
				credCount++
			}
		}
	}
	corroboration /= float64(len(view.Evidence))

	if credCount > 0 {
		credibility /= float64(credCount)
	}

	domains := view.Domains
	if domains > coverageCap {
		domains = coverageCap
	}
	coverage := float64(domains) / coverageCap

	return wCorroboration*corroboration + wCredibility*credibility + wCoverage*coverage
}
