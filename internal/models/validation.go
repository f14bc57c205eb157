package models

import "strings"

const (
	minQueryLen = 10
	maxQueryLen = 1000

	minBudget = 1
	maxBudget = 100

	minIterations = 1
	maxIterations = 10
)

// Validate checks structural validity of a research request. A failing
// request never creates a Task.
func (r *ResearchRequest) Validate() error {
	q := strings.TrimSpace(r.Query)
	if len(q) < minQueryLen {
		return &ValidationError{Field: "query", Message: "query must be at least 10 characters"}
	}
	if len(q) > maxQueryLen {
		return &ValidationError{Field: "query", Message: "query must be at most 1000 characters"}
	}
	return r.Params.Validate()
}

// Validate checks budget/iteration bounds and the scope enum.
func (p *ResearchParams) Validate() error {
	if p.Budget < minBudget || p.Budget > maxBudget {
		return &ValidationError{Field: "budget", Message: "budget must be between 1 and 100"}
	}
	if p.MaxIterations < minIterations || p.MaxIterations > maxIterations {
		return &ValidationError{Field: "max_iterations", Message: "max_iterations must be between 1 and 10"}
	}
	switch p.Scope {
	case ScopeFocused, ScopeBroad, ScopeComprehensive:
	default:
		return &ValidationError{Field: "scope", Message: "scope must be one of focused, broad, comprehensive"}
	}
	if len(p.Sources.Enabled()) == 0 {
		return &ValidationError{Field: "sources", Message: "at least one source type must be enabled"}
	}
	if dr := p.Filters.DateRange; dr != nil && dr.To.Before(dr.From) {
		return &ValidationError{Field: "filters.date_range", Message: "date_range.to precedes date_range.from"}
	}
	return nil
}
