package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/resilience"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// State is the planner's position in its iteration cycle.
type State int

const (
	StatePlanning State = iota
	StateDispatching
	StateWaitingResults
	StateEvaluating
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateDispatching:
		return "dispatching"
	case StateWaitingResults:
		return "waiting_results"
	case StateEvaluating:
		return "evaluating"
	default:
		return "unknown"
	}
}

// Budget units per adapter call.
const (
	CostSearch  = 1
	CostBrowse  = 1
	CostExtract = 1
	CostModel   = 2
)

// maxBrowsePerIteration bounds deep-reads of top sources each round.
const maxBrowsePerIteration = 2

// sourceTypesPerIteration returns K for a scope: focused narrows to one
// source type per round, comprehensive fans out to all enabled types.
func sourceTypesPerIteration(scope string, enabled int) int {
	switch scope {
	case models.ScopeFocused:
		return 1
	case models.ScopeBroad:
		if enabled < 2 {
			return enabled
		}
		return 2
	default:
		return enabled
	}
}

// IterationResult carries everything one iteration produced. The task
// loop applies it to the task's metrics and aggregator (single-writer).
type IterationResult struct {
	Sources     []models.ResearchSource
	Evidence    []models.Evidence
	Methodology []string
	BudgetSpent int
	TokensUsed  int
	APICalls    int
	// Disabled lists source types that hit a fatal provider error and are
	// off for the remainder of the task.
	Disabled []string
}

// Planner selects and dispatches retrieval actions for one task. It is
// created per task and never shared: all its state is single-writer.
type Planner struct {
	search  adapters.Search
	browse  adapters.Browse
	extract adapters.DocumentExtract
	model   adapters.ModelClient
	exec    *resilience.Executor
	logger  *zap.Logger

	state    State
	rrIndex  int
	disabled map[string]bool
	analyzed map[string]bool // source ids already deep-read
}

// Deps bundles the adapters the planner drives.
type Deps struct {
	Search  adapters.Search
	Browse  adapters.Browse
	Extract adapters.DocumentExtract
	Model   adapters.ModelClient
	Exec    *resilience.Executor
}

func New(d Deps, logger *zap.Logger) *Planner {
	return &Planner{
		search:   d.Search,
		browse:   d.Browse,
		extract:  d.Extract,
		model:    d.Model,
		exec:     d.Exec,
		logger:   logger,
		state:    StatePlanning,
		disabled: make(map[string]bool),
		analyzed: make(map[string]bool),
	}
}

// State returns the planner's current state.
func (p *Planner) State() State { return p.state }

// RunIteration executes one plan→dispatch→join cycle. Partial provider
// failures degrade coverage; only the caller decides task-level failure.
// budgetLeft is budget - budget_used at entry.
func (p *Planner) RunIteration(ctx context.Context, iteration int, req models.ResearchRequest, budgetLeft int) (*IterationResult, error) {
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("planner.iteration.%d", iteration))
	defer span.End()

	p.state = StatePlanning
	res := &IterationResult{}

	types := p.selectSourceTypes(req.Params)
	if len(types) == 0 {
		res.Methodology = append(res.Methodology,
			fmt.Sprintf("iteration %d: no eligible source types remain, yielding to evaluator", iteration))
		p.state = StateEvaluating
		return res, nil
	}

	// Refine the query into sub-queries for wider scopes, raw query
	// otherwise. Refinement failure is a degradation, not an error.
	queries := []string{req.Query}
	if req.Params.Scope != models.ScopeFocused && budgetLeft-res.BudgetSpent >= CostModel+CostSearch {
		refined, tokens, err := p.refineQuery(ctx, req.Query, req.Params.Scope)
		res.APICalls++
		res.BudgetSpent += CostModel
		res.TokensUsed += tokens
		if err != nil {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("iteration %d: query refinement failed (%s), using raw query", iteration, shortErr(err)))
		} else if len(refined) > 0 {
			queries = refined
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("iteration %d: refined query into %d sub-queries", iteration, len(refined)))
		}
	}

	// Budget rule: refuse to dispatch once the next call would overrun.
	var plan []adapters.SearchQuery
	qi := 0
	for _, st := range types {
		if res.BudgetSpent+CostSearch > budgetLeft {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("iteration %d: budget stop before %s (%d units left)", iteration, st, budgetLeft-res.BudgetSpent))
			break
		}
		if restrictedToBlacklist(req.Params.Filters) {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("iteration %d: whitelist fully blacklisted, skipping %s", iteration, st))
			continue
		}
		plan = append(plan, adapters.SearchQuery{
			Query:      queries[qi%len(queries)],
			SourceType: st,
			Filters:    req.Params.Filters,
			MaxResults: 5,
		})
		res.BudgetSpent += CostSearch
		qi++
	}
	if len(plan) == 0 {
		p.state = StateEvaluating
		return res, nil
	}

	var planned []string
	for _, q := range plan {
		planned = append(planned, q.SourceType)
	}
	res.Methodology = append(res.Methodology,
		fmt.Sprintf("iteration %d dispatch: %s (scope=%s, %d sub-queries)",
			iteration, strings.Join(planned, ","), req.Params.Scope, len(queries)))

	p.state = StateDispatching
	searched := p.fanOut(ctx, plan, req.Params.Filters, res)

	// Deep-read of the most relevant fresh sources, budget permitting.
	p.analyzeTop(ctx, searched, budgetLeft, res)

	p.state = StateEvaluating
	return res, nil
}

// fanOut dispatches the planned searches concurrently and joins them: the
// barrier releases when every call finished or timed out. Partial results
// are kept.
func (p *Planner) fanOut(ctx context.Context, plan []adapters.SearchQuery, filters models.SourceFilters, res *IterationResult) []models.ResearchSource {
	p.state = StateWaitingResults

	type outcome struct {
		sourceType string
		sources    []models.ResearchSource
		err        error
	}

	results := make(chan outcome, len(plan))
	var wg sync.WaitGroup
	for _, q := range plan {
		wg.Add(1)
		go func(q adapters.SearchQuery) {
			defer wg.Done()
			sources, err := resilience.Call(p.exec, ctx, p.search.Name()+":"+q.SourceType,
				func(ctx context.Context) ([]models.ResearchSource, error) {
					return p.search.Query(ctx, q)
				})
			results <- outcome{sourceType: q.SourceType, sources: sources, err: err}
		}(q)
	}
	wg.Wait()
	close(results)

	var all []models.ResearchSource
	for out := range results {
		res.APICalls++
		if out.err != nil {
			if models.IsFatalProvider(out.err) {
				p.disabled[out.sourceType] = true
				res.Disabled = append(res.Disabled, out.sourceType)
				res.Methodology = append(res.Methodology,
					fmt.Sprintf("provider %s disabled for remainder of task: %s", out.sourceType, shortErr(out.err)))
			} else {
				res.Methodology = append(res.Methodology,
					fmt.Sprintf("provider %s degraded this iteration: %s", out.sourceType, shortErr(out.err)))
			}
			continue
		}
		filtered := filterByDomain(out.sources, filters, nil)
		all = append(all, filtered...)
	}
	res.Sources = all
	return all
}

// analyzeTop browses and extracts the highest-relevance fresh sources.
func (p *Planner) analyzeTop(ctx context.Context, found []models.ResearchSource, budgetLeft int, res *IterationResult) {
	picked := 0
	for _, src := range topByRelevance(found, maxBrowsePerIteration*2) {
		if picked >= maxBrowsePerIteration {
			break
		}
		if p.analyzed[src.ID] {
			continue
		}
		if res.BudgetSpent+CostBrowse+CostExtract > budgetLeft {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("budget stop before deep read of %s", src.Domain))
			return
		}

		content, err := resilience.Call(p.exec, ctx, p.browse.Name(), func(ctx context.Context) (string, error) {
			return p.browse.Fetch(ctx, src.URL)
		})
		res.APICalls++
		res.BudgetSpent += CostBrowse
		if err != nil {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("deep read of %s failed: %s", src.Domain, shortErr(err)))
			continue
		}

		extracted, err := resilience.Call(p.exec, ctx, p.extract.Name(), func(ctx context.Context) (adapters.ExtractResult, error) {
			return p.extract.Extract(ctx, content)
		})
		res.APICalls++
		res.BudgetSpent += CostExtract
		if err != nil {
			res.Methodology = append(res.Methodology,
				fmt.Sprintf("extraction for %s failed: %s", src.Domain, shortErr(err)))
			continue
		}

		p.analyzed[src.ID] = true
		picked++
		for _, chunk := range extracted.Chunks {
			if strings.TrimSpace(chunk.Claim) == "" {
				continue
			}
			res.Evidence = append(res.Evidence, models.Evidence{
				ID:           uuid.New().String(),
				Claim:        chunk.Claim,
				SupportLevel: supportLevel(chunk.Confidence),
				SourceIDs:    []string{src.ID},
				Confidence:   chunk.Confidence,
				Quotes:       []string{chunk.Quote},
			})
		}
	}
}

// AnalyzedCount reports how many sources have been deep-read so far.
func (p *Planner) AnalyzedCount() int { return len(p.analyzed) }

// selectSourceTypes round-robins over enabled, non-disabled source types,
// taking K per the scope.
func (p *Planner) selectSourceTypes(params models.ResearchParams) []string {
	var eligible []string
	for _, st := range params.Sources.Enabled() {
		if !p.disabled[st] {
			eligible = append(eligible, st)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	k := sourceTypesPerIteration(params.Scope, len(eligible))
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, eligible[(p.rrIndex+i)%len(eligible)])
	}
	p.rrIndex = (p.rrIndex + k) % len(eligible)
	return out
}

// refineQuery asks the model for focused sub-queries; output is one query
// per line.
func (p *Planner) refineQuery(ctx context.Context, query, scope string) ([]string, int, error) {
	prompt := fmt.Sprintf(
		"Split the research question below into at most 3 focused web search queries, one per line, no numbering.\nScope: %s\nQuestion: %s",
		scope, query)
	comp, err := resilience.Call(p.exec, ctx, p.model.Name(), func(ctx context.Context) (adapters.Completion, error) {
		return p.model.Complete(ctx, prompt, adapters.CompleteOptions{
			MaxTokens:   256,
			Temperature: 0.2,
			AgentID:     "query_refiner",
		})
	})
	if err != nil {
		return nil, 0, err
	}
	tokens := comp.InputTokens + comp.OutputTokens
	var queries []string
	for _, line := range strings.Split(comp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		queries = append(queries, line)
		if len(queries) == 3 {
			break
		}
	}
	return queries, tokens, nil
}

// filterByDomain drops sources whose domain is blacklisted or outside a
// non-empty whitelist.
func filterByDomain(sources []models.ResearchSource, filters models.SourceFilters, extraBlacklist []string) []models.ResearchSource {
	blacklist := make(map[string]bool)
	for _, d := range filters.DomainBlacklist {
		blacklist[strings.ToLower(d)] = true
	}
	for _, d := range extraBlacklist {
		blacklist[strings.ToLower(d)] = true
	}
	whitelist := make(map[string]bool)
	for _, d := range filters.DomainWhitelist {
		whitelist[strings.ToLower(d)] = true
	}
	out := sources[:0]
	for _, s := range sources {
		d := strings.ToLower(s.Domain)
		if blacklist[d] {
			continue
		}
		if len(whitelist) > 0 && !whitelist[d] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// restrictedToBlacklist reports whether every whitelisted domain is also
// blacklisted, meaning any dispatch could only return restricted results.
func restrictedToBlacklist(f models.SourceFilters) bool {
	if len(f.DomainWhitelist) == 0 {
		return false
	}
	blacklist := make(map[string]bool, len(f.DomainBlacklist))
	for _, d := range f.DomainBlacklist {
		blacklist[strings.ToLower(d)] = true
	}
	for _, d := range f.DomainWhitelist {
		if !blacklist[strings.ToLower(d)] {
			return false
		}
	}
	return true
}

func topByRelevance(sources []models.ResearchSource, n int) []models.ResearchSource {
	cp := append([]models.ResearchSource{}, sources...)
	for i := 0; i < len(cp) && i < n; i++ {
		best := i
		for j := i + 1; j < len(cp); j++ {
			if cp[j].RelevanceScore > cp[best].RelevanceScore {
				best = j
			}
		}
		cp[i], cp[best] = cp[best], cp[i]
	}
	if len(cp) > n {
		cp = cp[:n]
	}
	return cp
}

func supportLevel(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return models.SupportStrong
	case confidence >= 0.45:
		return models.SupportModerate
	default:
		return models.SupportWeak
	}
}

func shortErr(err error) string {
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
