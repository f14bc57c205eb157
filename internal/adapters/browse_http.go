package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/ratecontrol"
)

const maxFetchBytes = 2 << 20 // 2MiB cap on fetched pages

// HTTPBrowse fetches raw page content.
type HTTPBrowse struct {
	client  *http.Client
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

func NewHTTPBrowse(timeout time.Duration, limiter *ratecontrol.Limiter, logger *zap.Logger) *HTTPBrowse {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBrowse{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

func (b *HTTPBrowse) Name() string { return "browse" }

// Fetch retrieves the body of url, capped at maxFetchBytes.
func (b *HTTPBrowse) Fetch(ctx context.Context, url string) (string, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, "browse"); err != nil {
			return "", models.NewTransientError("browse rate limit wait: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "deepresearch-engine/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", models.NewTransientError("fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("browse", resp.StatusCode); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", models.NewTransientError("read %s: %v", url, err)
	}
	return string(body), nil
}

// HTTPDocumentExtract delegates to the document-processing pipeline.
type HTTPDocumentExtract struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPDocumentExtract(base string, timeout time.Duration, logger *zap.Logger) *HTTPDocumentExtract {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDocumentExtract{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (d *HTTPDocumentExtract) Name() string { return "extract" }

type extractResponse struct {
	Text   string `json:"text"`
	Chunks []struct {
		Claim      string  `json:"claim"`
		Quote      string  `json:"quote"`
		Confidence float64 `json:"confidence"`
	} `json:"chunks"`
}

// Extract sends raw content to the extraction pipeline and returns cleaned
// text plus evidence chunks.
func (d *HTTPDocumentExtract) Extract(ctx context.Context, content string) (ExtractResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/extract", strings.NewReader(content))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("create extract request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := d.client.Do(req)
	if err != nil {
		return ExtractResult{}, models.NewTransientError("extract service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("extract", resp.StatusCode); err != nil {
		return ExtractResult{}, err
	}

	var parsed extractResponse
	if err := decodeJSON(resp.Body, &parsed); err != nil {
		return ExtractResult{}, models.NewTransientError("decode extract response: %v", err)
	}

	out := ExtractResult{Text: parsed.Text}
	for _, c := range parsed.Chunks {
		out.Chunks = append(out.Chunks, EvidenceChunk{
			Claim:      c.Claim,
			Quote:      c.Quote,
			Confidence: clamp01(c.Confidence),
		})
	}
	return out, nil
}
