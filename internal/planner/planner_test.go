package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/circuitbreaker"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(
		resilience.Config{MaxAttempts: 1, Retryable: models.IsRetryable},
		circuitbreaker.Config{MaxRequests: 3, FailureThreshold: 100, SuccessThreshold: 1},
		zap.NewNop(),
	)
}

func testPlanner(search adapters.Search) *Planner {
	return New(Deps{
		Search:  search,
		Browse:  &adapters.MockBrowse{},
		Extract: &adapters.MockDocumentExtract{},
		Model:   &adapters.MockModelClient{},
		Exec:    testExecutor(),
	}, zap.NewNop())
}

func request(scope string, budget int, flags models.SourceFlags) models.ResearchRequest {
	return models.ResearchRequest{
		Query: "effect of microplastics on marine ecosystems",
		Params: models.ResearchParams{
			Budget:        budget,
			MaxIterations: 3,
			Scope:         scope,
			Sources:       flags,
		},
	}
}

func dispatchLines(methodology []string) []string {
	var out []string
	for _, m := range methodology {
		if strings.Contains(m, "dispatch") {
			out = append(out, m)
		}
	}
	return out
}

func TestSingleUnitBudgetDispatchesOneSearchOnly(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeFocused, 1, models.SourceFlags{WebSearch: true})

	res, err := p.RunIteration(context.Background(), 1, req, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.BudgetSpent)
	assert.NotEmpty(t, res.Sources)
	assert.Empty(t, res.Evidence, "no budget left for a deep read")
	require.Len(t, dispatchLines(res.Methodology), 1)
}

func TestIterationEmitsExactlyOneDispatchEntry(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeComprehensive, 50, models.SourceFlags{WebSearch: true, Academic: true, News: true})

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	require.Len(t, dispatchLines(res.Methodology), 1)
	assert.Contains(t, dispatchLines(res.Methodology)[0], "iteration 1 dispatch:")
}

func TestComprehensiveScopeFansOutAndDeepReads(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeComprehensive, 50, models.SourceFlags{WebSearch: true, Academic: true})

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)

	types := map[string]bool{}
	for _, s := range res.Sources {
		types[s.Type] = true
	}
	assert.True(t, types[models.SourceWeb])
	assert.True(t, types[models.SourceAcademic])
	assert.NotEmpty(t, res.Evidence)
	assert.Equal(t, maxBrowsePerIteration, p.AnalyzedCount())
}

func TestFocusedScopeRoundRobinsSourceTypes(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeFocused, 50, models.SourceFlags{WebSearch: true, News: true})

	res1, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	res2, err := p.RunIteration(context.Background(), 2, req, 50-res1.BudgetSpent)
	require.NoError(t, err)

	first := dispatchLines(res1.Methodology)[0]
	second := dispatchLines(res2.Methodology)[0]
	assert.Contains(t, first, models.SourceWeb)
	assert.Contains(t, second, models.SourceNews)
}

func TestFatalProviderErrorDisablesSourceType(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{Fail: models.NewFatalError("401 unauthorized")})
	req := request(models.ScopeFocused, 50, models.SourceFlags{WebSearch: true})

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	assert.Contains(t, res.Disabled, models.SourceWeb)
	assert.Empty(t, res.Sources)

	// the disabled type never dispatches again
	res2, err := p.RunIteration(context.Background(), 2, req, 50)
	require.NoError(t, err)
	assert.Empty(t, dispatchLines(res2.Methodology))
	assert.Contains(t, strings.Join(res2.Methodology, "\n"), "no eligible source types")
}

func TestTransientProviderErrorDegradesWithoutDisabling(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{Fail: models.NewTransientError("503")})
	req := request(models.ScopeFocused, 50, models.SourceFlags{WebSearch: true})

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	assert.Empty(t, res.Disabled)
	assert.Contains(t, strings.Join(res.Methodology, "\n"), "degraded this iteration")

	// same type remains eligible next round
	res2, err := p.RunIteration(context.Background(), 2, req, 50)
	require.NoError(t, err)
	assert.Len(t, dispatchLines(res2.Methodology), 1)
}

func TestWhitelistSubsetOfBlacklistSkipsDispatch(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeFocused, 50, models.SourceFlags{WebSearch: true})
	req.Params.Filters = models.SourceFilters{
		DomainWhitelist: []string{"only.example.org"},
		DomainBlacklist: []string{"only.example.org"},
	}

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 0, res.BudgetSpent)
	assert.Contains(t, strings.Join(res.Methodology, "\n"), "whitelist fully blacklisted")
}

func TestBlacklistedDomainsAreFiltered(t *testing.T) {
	p := testPlanner(&adapters.MockSearch{})
	req := request(models.ScopeFocused, 50, models.SourceFlags{WebSearch: true})
	req.Params.Filters = models.SourceFilters{DomainBlacklist: []string{"web-0.example.org"}}

	res, err := p.RunIteration(context.Background(), 1, req, 50)
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	for _, s := range res.Sources {
		assert.NotEqual(t, "web-0.example.org", s.Domain)
	}
}

func TestSupportLevelBands(t *testing.T) {
	assert.Equal(t, models.SupportStrong, supportLevel(0.8))
	assert.Equal(t, models.SupportStrong, supportLevel(0.75))
	assert.Equal(t, models.SupportModerate, supportLevel(0.6))
	assert.Equal(t, models.SupportWeak, supportLevel(0.44))
}
