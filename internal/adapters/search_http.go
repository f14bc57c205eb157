package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/ratecontrol"
)

// HTTPSearch calls the search provider service. One instance is shared
// read-only across tasks.
type HTTPSearch struct {
	base    string
	client  *http.Client
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

// NewHTTPSearch builds a search adapter against the given base URL.
func NewHTTPSearch(base string, timeout time.Duration, limiter *ratecontrol.Limiter, logger *zap.Logger) *HTTPSearch {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPSearch{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

func (s *HTTPSearch) Name() string { return "search" }

type searchRequest struct {
	Query      string   `json:"query"`
	SourceType string   `json:"source_type"`
	MaxResults int      `json:"max_results"`
	Languages  []string `json:"languages,omitempty"`
	Whitelist  []string `json:"domain_whitelist,omitempty"`
	Blacklist  []string `json:"domain_blacklist,omitempty"`
	FromDate   string   `json:"from_date,omitempty"`
	ToDate     string   `json:"to_date,omitempty"`
}

type searchResponse struct {
	Results []struct {
		URL             string  `json:"url"`
		Title           string  `json:"title"`
		Snippet         string  `json:"snippet"`
		Relevance       float64 `json:"relevance"`
		Credibility     float64 `json:"credibility"`
		PublicationDate string  `json:"publication_date,omitempty"`
	} `json:"results"`
}

// Query performs one provider search and maps hits to ResearchSource.
func (s *HTTPSearch) Query(ctx context.Context, q SearchQuery) ([]models.ResearchSource, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, "search"); err != nil {
			return nil, models.NewTransientError("search rate limit wait: %v", err)
		}
	}

	req := searchRequest{
		Query:      q.Query,
		SourceType: q.SourceType,
		MaxResults: q.MaxResults,
		Languages:  q.Filters.Languages,
		Whitelist:  q.Filters.DomainWhitelist,
		Blacklist:  q.Filters.DomainBlacklist,
	}
	if dr := q.Filters.DateRange; dr != nil {
		req.FromDate = dr.From.Format("2006-01-02")
		req.ToDate = dr.To.Format("2006-01-02")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, models.NewTransientError("search provider unreachable: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("search", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewTransientError("decode search response: %v", err)
	}

	out := make([]models.ResearchSource, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		src := models.ResearchSource{
			ID:               uuid.New().String(),
			URL:              r.URL,
			Title:            r.Title,
			Excerpt:          r.Snippet,
			RelevanceScore:   clamp01(r.Relevance),
			CredibilityScore: clamp01(r.Credibility),
			Domain:           domainOf(r.URL),
			Type:             q.SourceType,
		}
		if r.PublicationDate != "" {
			if ts, err := time.Parse("2006-01-02", r.PublicationDate); err == nil {
				src.PublicationDate = &ts
			}
		}
		out = append(out, src)
	}
	return out, nil
}

// classifyStatus maps provider HTTP status codes to the error taxonomy.
func classifyStatus(adapter string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusPaymentRequired:
		return models.NewFatalError("%s provider rejected credentials (HTTP %d)", adapter, code)
	case code == http.StatusTooManyRequests, code >= 500:
		return models.NewTransientError("%s provider returned HTTP %d", adapter, code)
	default:
		return models.NewFatalError("%s provider returned HTTP %d", adapter, code)
	}
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
