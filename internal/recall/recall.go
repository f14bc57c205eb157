// Package recall reuses evidence from prior tasks. Embeddings come from
// the model service, vectors live in a Qdrant collection, and recent
// queries are served from an in-process LRU so repeat research on the
// same topic skips the vector round trip entirely.
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/models"
)

// Config for the recall store.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	EmbedURL       string        `mapstructure:"embed_url"`
	Collection     string        `mapstructure:"collection"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	CacheSize      int           `mapstructure:"cache_size"`
}

func (c *Config) defaults() {
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Collection == "" {
		c.Collection = "research_evidence"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 0.75
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
}

// Store implements adapters.VectorRecall over Qdrant's HTTP API.
type Store struct {
	cfg    Config
	base   string
	http   *http.Client
	cache  *lru.Cache[string, []adapters.RecalledEvidence]
	logger *zap.Logger
}

// New builds the store. Cache construction only fails on a non-positive
// size, which defaults() rules out.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.defaults()
	cache, err := lru.New[string, []adapters.RecalledEvidence](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}, nil
}

type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Recall returns evidence from prior tasks semantically close to query.
// Failures are returned to the caller, which treats recall as optional.
func (s *Store) Recall(ctx context.Context, query string, topK int) ([]adapters.RecalledEvidence, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	key := cacheKey(query, topK)
	if hits, ok := s.cache.Get(key); ok {
		return hits, nil
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	reqBody := qdrantQueryRequest{
		Query:          vec,
		Limit:          topK,
		ScoreThreshold: &s.cfg.ScoreThreshold,
		WithPayload:    true,
	}
	data, _ := json.Marshal(reqBody)
	url := fmt.Sprintf("%s/collections/%s/points/query", s.base, s.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("qdrant query status %d: %s", resp.StatusCode, string(body))
	}

	var out qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode qdrant response: %w", err)
	}

	recalled := make([]adapters.RecalledEvidence, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		item, ok := pointToEvidence(p)
		if !ok {
			continue
		}
		recalled = append(recalled, item)
	}
	s.cache.Add(key, recalled)
	return recalled, nil
}

// Index persists a completed task's evidence so future tasks can reuse
// it. Called after finalization; errors only get logged upstream.
func (s *Store) Index(ctx context.Context, task *models.Task) error {
	if !s.cfg.Enabled || task.Result == nil {
		return nil
	}
	byID := make(map[string]models.ResearchSource, len(task.Result.Sources))
	for _, src := range task.Result.Sources {
		byID[src.ID] = src
	}

	type point struct {
		ID      string                 `json:"id"`
		Vector  []float32              `json:"vector"`
		Payload map[string]interface{} `json:"payload"`
	}
	var points []point
	for _, ev := range task.Result.Evidence {
		vec, err := s.embed(ctx, ev.Claim)
		if err != nil {
			return fmt.Errorf("embed claim: %w", err)
		}
		var sources []models.ResearchSource
		for _, id := range ev.SourceIDs {
			if src, ok := byID[id]; ok {
				sources = append(sources, src)
			}
		}
		evJSON, _ := json.Marshal(ev)
		srcJSON, _ := json.Marshal(sources)
		points = append(points, point{
			ID:     uuid.New().String(),
			Vector: vec,
			Payload: map[string]interface{}{
				"task_id":  task.ID,
				"evidence": string(evJSON),
				"sources":  string(srcJSON),
			},
		})
	}
	if len(points) == 0 {
		return nil
	}

	data, _ := json.Marshal(map[string]interface{}{"points": points})
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.base, s.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	s.logger.Debug("Indexed task evidence",
		zap.String("task_id", task.ID), zap.Int("points", len(points)))
	return nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	data, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EmbedURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding status %d", resp.StatusCode)
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return out.Embedding, nil
}

func pointToEvidence(p qdrantPoint) (adapters.RecalledEvidence, bool) {
	raw, ok := p.Payload["evidence"].(string)
	if !ok {
		return adapters.RecalledEvidence{}, false
	}
	var ev models.Evidence
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return adapters.RecalledEvidence{}, false
	}
	var sources []models.ResearchSource
	if rawSrc, ok := p.Payload["sources"].(string); ok {
		_ = json.Unmarshal([]byte(rawSrc), &sources)
	}
	return adapters.RecalledEvidence{Evidence: ev, Sources: sources, Score: p.Score}, true
}

func cacheKey(query string, topK int) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(strings.TrimSpace(query)), topK)
}
