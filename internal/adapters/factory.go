package adapters

import (
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/ratecontrol"
)

// Endpoint configures one adapter family for the factory.
type Endpoint struct {
	Mode    string // "http" or "mock"
	BaseURL string
	Timeout time.Duration
}

// FactoryConfig selects the backend for each adapter family. Selection is
// decided once at startup from configuration; nothing inspects adapter
// types at runtime.
type FactoryConfig struct {
	Search  Endpoint
	Browse  Endpoint
	Extract Endpoint
	Model   Endpoint
}

// Set bundles the constructed adapters.
type Set struct {
	Search  Search
	Browse  Browse
	Extract DocumentExtract
	Model   ModelClient
}

// Build constructs the adapter set. Unknown or empty modes fall back to
// mocks so a bare config still yields a runnable engine.
func Build(cfg FactoryConfig, limiter *ratecontrol.Limiter, logger *zap.Logger) Set {
	var set Set

	if cfg.Search.Mode == "http" {
		set.Search = NewHTTPSearch(cfg.Search.BaseURL, cfg.Search.Timeout, limiter, logger)
	} else {
		set.Search = &MockSearch{PerCall: 3}
	}

	if cfg.Browse.Mode == "http" {
		set.Browse = NewHTTPBrowse(cfg.Browse.Timeout, limiter, logger)
	} else {
		set.Browse = &MockBrowse{}
	}

	if cfg.Extract.Mode == "http" {
		set.Extract = NewHTTPDocumentExtract(cfg.Extract.BaseURL, cfg.Extract.Timeout, logger)
	} else {
		set.Extract = &MockDocumentExtract{}
	}

	if cfg.Model.Mode == "http" {
		set.Model = NewHTTPModelClient(cfg.Model.BaseURL, cfg.Model.Timeout, limiter, logger)
	} else {
		set.Model = &MockModelClient{}
	}

	logger.Info("Adapters constructed",
		zap.String("search", modeOf(cfg.Search)),
		zap.String("browse", modeOf(cfg.Browse)),
		zap.String("extract", modeOf(cfg.Extract)),
		zap.String("model", modeOf(cfg.Model)),
	)
	return set
}

func modeOf(e Endpoint) string {
	if e.Mode == "http" {
		return "http"
	}
	return "mock"
}
