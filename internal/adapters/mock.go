package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/strata-labs/deepresearch/internal/models"
)

// Mock adapters back local development and tests. They are selected
// explicitly by the factory (strategy "mock"), never by runtime type
// inspection.

// MockSearch returns deterministic sources derived from the query. When
// Fail is set every call returns it.
type MockSearch struct {
	Fail    error
	PerCall int
	calls   atomic.Int64
}

func (m *MockSearch) Name() string { return "mock-search" }

func (m *MockSearch) Calls() int64 { return m.calls.Load() }

func (m *MockSearch) Query(ctx context.Context, q SearchQuery) ([]models.ResearchSource, error) {
	m.calls.Add(1)
	if m.Fail != nil {
		return nil, m.Fail
	}
	n := m.PerCall
	if n <= 0 {
		n = 3
	}
	if q.MaxResults > 0 && q.MaxResults < n {
		n = q.MaxResults
	}
	slug := slugify(q.Query)
	out := make([]models.ResearchSource, 0, n)
	for i := 0; i < n; i++ {
		domain := fmt.Sprintf("%s-%d.example.org", q.SourceType, i)
		out = append(out, models.ResearchSource{
			ID:               uuid.New().String(),
			URL:              fmt.Sprintf("https://%s/%s", domain, slug),
			Title:            fmt.Sprintf("%s result %d for %q", q.SourceType, i+1, q.Query),
			Excerpt:          fmt.Sprintf("Synthetic %s excerpt %d discussing %s.", q.SourceType, i+1, q.Query),
			RelevanceScore:   0.9 - 0.1*float64(i),
			CredibilityScore: 0.8 - 0.05*float64(i),
			Domain:           domain,
			Type:             q.SourceType,
		})
	}
	return out, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
	if len(s) > 48 {
		s = s[:48]
	}
	return strings.Trim(s, "-")
}

// MockBrowse echoes a synthetic page for any URL.
type MockBrowse struct {
	Fail error
}

func (m *MockBrowse) Name() string { return "mock-browse" }

func (m *MockBrowse) Fetch(ctx context.Context, url string) (string, error) {
	if m.Fail != nil {
		return "", m.Fail
	}
	return fmt.Sprintf("<html><body>Content of %s</body></html>", url), nil
}

// MockDocumentExtract derives one chunk per sentence-ish fragment.
type MockDocumentExtract struct {
	Fail error
}

func (m *MockDocumentExtract) Name() string { return "mock-extract" }

func (m *MockDocumentExtract) Extract(ctx context.Context, content string) (ExtractResult, error) {
	if m.Fail != nil {
		return ExtractResult{}, m.Fail
	}
	text := strings.TrimSpace(content)
	res := ExtractResult{Text: text}
	for i, frag := range strings.SplitN(text, ".", 4) {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		res.Chunks = append(res.Chunks, EvidenceChunk{
			Claim:      frag,
			Quote:      frag,
			Confidence: 0.7 - 0.1*float64(i),
		})
	}
	return res, nil
}

// MockModelClient returns canned completions. Responses are popped in
// order; when exhausted, a generic completion echoing the prompt head is
// returned.
type MockModelClient struct {
	Fail      error
	Responses []string
	calls     atomic.Int64
}

func (m *MockModelClient) Name() string { return "mock-model" }

func (m *MockModelClient) Calls() int64 { return m.calls.Load() }

func (m *MockModelClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (Completion, error) {
	n := m.calls.Add(1)
	if m.Fail != nil {
		return Completion{}, m.Fail
	}
	text := ""
	if int(n) <= len(m.Responses) {
		text = m.Responses[n-1]
	} else {
		head := prompt
		if len(head) > 80 {
			head = head[:80]
		}
		text = "Mock completion for: " + head
	}
	return Completion{
		Text:         text,
		InputTokens:  len(prompt) / 4,
		OutputTokens: len(text) / 4,
		Model:        "mock-1",
		Provider:     "mock",
	}, nil
}

// AllowAllGuard admits everything; used when the policy engine is disabled.
type AllowAllGuard struct{}

func (AllowAllGuard) Screen(ctx context.Context, kind, text string) (GuardDecision, error) {
	return GuardDecision{Allowed: true}, nil
}

// NoopRecall returns no prior evidence.
type NoopRecall struct{}

func (NoopRecall) Recall(ctx context.Context, query string, topK int) ([]RecalledEvidence, error) {
	return nil, nil
}

// MemoryArtifactStore keeps terminal tasks in memory; the default when no
// database is configured.
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryArtifactStore) Save(ctx context.Context, task *models.Task) error {
	cp := *task
	s.mu.Lock()
	s.tasks[task.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryArtifactStore) Load(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}
