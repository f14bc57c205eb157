package adapters

import (
	"context"

	"github.com/strata-labs/deepresearch/internal/models"
)

// Each port wraps one external capability behind a uniform call/result
// contract. Concrete and mock implementations are selected at startup by
// the factory; nothing resolves adapters through globals.

// SearchQuery is a provider-agnostic search request.
type SearchQuery struct {
	Query      string
	SourceType string
	Filters    models.SourceFilters
	MaxResults int
}

// Search retrieves candidate sources for a query.
type Search interface {
	Query(ctx context.Context, q SearchQuery) ([]models.ResearchSource, error)
	Name() string
}

// Browse fetches raw page content for a URL.
type Browse interface {
	Fetch(ctx context.Context, url string) (string, error)
	Name() string
}

// ExtractResult is cleaned text plus evidence-grade chunks.
type ExtractResult struct {
	Text   string
	Chunks []EvidenceChunk
}

// EvidenceChunk is a candidate claim with its supporting quote.
type EvidenceChunk struct {
	Claim      string
	Quote      string
	Confidence float64
}

// DocumentExtract turns raw content into text and evidence chunks. The
// heavy lifting is delegated to the document-processing pipeline.
type DocumentExtract interface {
	Extract(ctx context.Context, content string) (ExtractResult, error)
	Name() string
}

// CompleteOptions tunes a model invocation.
type CompleteOptions struct {
	MaxTokens   int
	Temperature float64
	AgentID     string
}

// Completion carries the model output and its token accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

// ModelClient abstracts the LLM vendor. Used for query refinement and
// synthesis only.
type ModelClient interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (Completion, error)
	Name() string
}

// GuardDecision is the content guard verdict.
type GuardDecision struct {
	Allowed bool
	Reason  string
}

// ContentGuard screens text for policy violations and PII. Rejected
// content is dropped silently and never surfaced to the caller.
type ContentGuard interface {
	Screen(ctx context.Context, kind, text string) (GuardDecision, error)
}

// RecalledEvidence is evidence reused from a prior run, with its sources.
type RecalledEvidence struct {
	Evidence models.Evidence
	Sources  []models.ResearchSource
	Score    float64
}

// VectorRecall surfaces evidence from previous tasks that is semantically
// close to the query. Recalled evidence does not consume budget.
type VectorRecall interface {
	Recall(ctx context.Context, query string, topK int) ([]RecalledEvidence, error)
}

// ArtifactStore persists terminal tasks. Archival/retention is driven by
// the caller.
type ArtifactStore interface {
	Save(ctx context.Context, task *models.Task) error
	Load(ctx context.Context, taskID string) (*models.Task, error)
}
