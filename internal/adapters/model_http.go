package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/ratecontrol"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// HTTPModelClient calls the LLM service for query refinement and synthesis.
type HTTPModelClient struct {
	base    string
	client  *http.Client
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

func NewHTTPModelClient(base string, timeout time.Duration, limiter *ratecontrol.Limiter, logger *zap.Logger) *HTTPModelClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPModelClient{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

func (m *HTTPModelClient) Name() string { return "model" }

type modelRequest struct {
	Query       string  `json:"query"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	AgentID     string  `json:"agent_id,omitempty"`
}

type modelResponse struct {
	Response string `json:"response"`
	Metadata struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"metadata"`
	ModelUsed string `json:"model_used"`
	Provider  string `json:"provider"`
}

// Complete performs one model invocation.
func (m *HTTPModelClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (Completion, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, "model"); err != nil {
			return Completion{}, models.NewTransientError("model rate limit wait: %v", err)
		}
	}

	ctx, span := tracing.StartSpan(ctx, "model.complete")
	defer span.End()

	body, err := json.Marshal(modelRequest{
		Query:       prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		AgentID:     opts.AgentID,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/agent/query", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("create model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.AgentID != "" {
		req.Header.Set("X-Agent-ID", opts.AgentID)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := m.client.Do(req)
	if err != nil {
		return Completion{}, models.NewTransientError("model service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("model", resp.StatusCode); err != nil {
		return Completion{}, err
	}

	var parsed modelResponse
	if err := decodeJSON(resp.Body, &parsed); err != nil {
		return Completion{}, models.NewTransientError("decode model response: %v", err)
	}
	if parsed.Response == "" {
		return Completion{}, models.NewTransientError("model service returned empty response")
	}

	return Completion{
		Text:         parsed.Response,
		InputTokens:  parsed.Metadata.InputTokens,
		OutputTokens: parsed.Metadata.OutputTokens,
		Model:        parsed.ModelUsed,
		Provider:     parsed.Provider,
	}, nil
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
