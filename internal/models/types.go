package models

import "time"

// Research scopes
const (
	ScopeFocused       = "focused"
	ScopeBroad         = "broad"
	ScopeComprehensive = "comprehensive"
)

// Task statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Source types
const (
	SourceWeb      = "web"
	SourceAcademic = "academic"
	SourceNews     = "news"
	SourceSocial   = "social"
	SourceOther    = "other"
)

// Evidence support levels
const (
	SupportStrong   = "strong"
	SupportModerate = "moderate"
	SupportWeak     = "weak"
)

// ResearchRequest is an incoming research task request. Immutable once a
// Task has been created for it.
type ResearchRequest struct {
	Query  string         `json:"query"`
	Params ResearchParams `json:"params"`
}

// ResearchParams controls budget, breadth and filtering of a research run.
type ResearchParams struct {
	Budget        int           `json:"budget"`
	MaxIterations int           `json:"max_iterations"`
	Scope         string        `json:"scope"`
	Sources       SourceFlags   `json:"sources"`
	Filters       SourceFilters `json:"filters"`
}

// SourceFlags enables or disables source types for a run.
type SourceFlags struct {
	WebSearch bool `json:"web_search"`
	Academic  bool `json:"academic"`
	News      bool `json:"news"`
	Social    bool `json:"social"`
}

// Enabled returns the enabled source types in a stable order.
func (f SourceFlags) Enabled() []string {
	var out []string
	if f.WebSearch {
		out = append(out, SourceWeb)
	}
	if f.Academic {
		out = append(out, SourceAcademic)
	}
	if f.News {
		out = append(out, SourceNews)
	}
	if f.Social {
		out = append(out, SourceSocial)
	}
	return out
}

// SourceFilters restricts retrieval by date, language and domain.
type SourceFilters struct {
	DateRange       *DateRange `json:"date_range,omitempty"`
	Languages       []string   `json:"languages,omitempty"`
	DomainWhitelist []string   `json:"domain_whitelist,omitempty"`
	DomainBlacklist []string   `json:"domain_blacklist,omitempty"`
}

// DateRange bounds publication dates of retrieved sources.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Task is the authoritative lifecycle record of one research run. Owned
// exclusively by the task manager; other components report deltas and
// never write status directly.
type Task struct {
	ID          string          `json:"id"`
	Request     ResearchRequest `json:"request"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step"`
	TotalSteps  int             `json:"total_steps"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      *ResearchResult `json:"result,omitempty"`
}

// Terminal reports whether the task reached a terminal status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ResearchSource is a single retrieved source. Sources are deduplicated
// by normalized (domain, path) in the aggregator.
type ResearchSource struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	Title            string     `json:"title"`
	Excerpt          string     `json:"excerpt"`
	RelevanceScore   float64    `json:"relevance_score"`
	CredibilityScore float64    `json:"credibility_score"`
	PublicationDate  *time.Time `json:"publication_date,omitempty"`
	Domain           string     `json:"domain"`
	Type             string     `json:"type"`
}

// Evidence is a claim backed by one or more sources.
type Evidence struct {
	ID           string   `json:"id"`
	Claim        string   `json:"claim"`
	SupportLevel string   `json:"support_level"`
	SourceIDs    []string `json:"source_ids"`
	Confidence   float64  `json:"confidence"`
	Quotes       []string `json:"quotes"`
}

// ResearchResult is produced once at synthesis time and immutable afterward.
type ResearchResult struct {
	Summary         string           `json:"summary"`
	KeyFindings     []string         `json:"key_findings"`
	Sources         []ResearchSource `json:"sources"`
	Evidence        []Evidence       `json:"evidence"`
	ConfidenceScore float64          `json:"confidence_score"`
	Methodology     []string         `json:"methodology"`
	Metrics         ResearchMetrics  `json:"metrics"`
}

// ResearchMetrics is updated incrementally by every component that
// consumes budget.
type ResearchMetrics struct {
	TotalSourcesFound   int     `json:"total_sources_found"`
	SourcesAnalyzed     int     `json:"sources_analyzed"`
	IterationsCompleted int     `json:"iterations_completed"`
	BudgetUsed          int     `json:"budget_used"`
	TimeElapsedS        float64 `json:"time_elapsed_s"`
	TokensUsed          int     `json:"tokens_used"`
	APICallsMade        int     `json:"api_calls_made"`
}

// Stream event types
const (
	EventToken     = "token"
	EventStep      = "step"
	EventSource    = "source"
	EventError     = "error"
	EventComplete  = "complete"
	EventHeartbeat = "heartbeat"
)

// TaskHandle is returned when a task is accepted for execution.
type TaskHandle struct {
	TaskID             string `json:"task_id"`
	Status             string `json:"status"`
	EstimatedDurationS int    `json:"estimated_duration_s"`
	StreamURL          string `json:"stream_url"`
}
