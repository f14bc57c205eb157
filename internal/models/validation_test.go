package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ResearchRequest {
	return ResearchRequest{
		Query: "impact of solid-state batteries on EV adoption",
		Params: ResearchParams{
			Budget:        20,
			MaxIterations: 3,
			Scope:         ScopeBroad,
			Sources:       SourceFlags{WebSearch: true, News: true},
		},
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := validRequest()
	require.NoError(t, req.Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ResearchRequest)
		field  string
	}{
		{"query too short", func(r *ResearchRequest) { r.Query = "short" }, "query"},
		{"budget zero", func(r *ResearchRequest) { r.Params.Budget = 0 }, "budget"},
		{"budget too high", func(r *ResearchRequest) { r.Params.Budget = 101 }, "budget"},
		{"iterations zero", func(r *ResearchRequest) { r.Params.MaxIterations = 0 }, "max_iterations"},
		{"iterations too high", func(r *ResearchRequest) { r.Params.MaxIterations = 11 }, "max_iterations"},
		{"bad scope", func(r *ResearchRequest) { r.Params.Scope = "exhaustive" }, "scope"},
		{"no sources", func(r *ResearchRequest) { r.Params.Sources = SourceFlags{} }, "sources"},
		{"inverted date range", func(r *ResearchRequest) {
			now := time.Now()
			r.Params.Filters.DateRange = &DateRange{From: now, To: now.Add(-time.Hour)}
		}, "filters.date_range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			verr, ok := err.(*ValidationError)
			require.True(t, ok, "expected ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestEnabledSourceOrder(t *testing.T) {
	f := SourceFlags{WebSearch: true, Academic: true, News: true, Social: true}
	assert.Equal(t, []string{SourceWeb, SourceAcademic, SourceNews, SourceSocial}, f.Enabled())

	assert.Empty(t, SourceFlags{}.Enabled())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransientError("503 from provider")))
	assert.False(t, IsRetryable(NewFatalError("401 from provider")))
	assert.False(t, IsRetryable(&ValidationError{Field: "query", Message: "too short"}))
	// unknown errors default to retryable
	assert.True(t, IsRetryable(assert.AnError))
}

func TestTaskTerminal(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		task := Task{Status: status}
		assert.True(t, task.Terminal(), status)
	}
	for _, status := range []string{StatusPending, StatusRunning} {
		task := Task{Status: status}
		assert.False(t, task.Terminal(), status)
	}
}
