// Package guard screens sources and evidence through OPA policies
// before they enter the evidence pool.
package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/metrics"
)

// Config controls policy loading and enforcement.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

// OPAGuard implements adapters.ContentGuard on compiled rego policies.
// When policies cannot be loaded it fails open: everything is admitted
// and the degradation is logged once.
type OPAGuard struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// New compiles the policies under cfg.Path. A load failure is fatal only
// in fail-closed mode.
func New(cfg Config, logger *zap.Logger) (*OPAGuard, error) {
	g := &OPAGuard{cfg: cfg, logger: logger, enabled: cfg.Enabled}
	if !g.enabled {
		return g, nil
	}
	if err := g.LoadPolicies(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load content policies, admitting all content",
			zap.String("path", cfg.Path), zap.Error(err))
		g.enabled = false
	}
	return g, nil
}

// LoadPolicies reads every .rego file under the configured directory and
// compiles them into a single prepared query.
func (g *OPAGuard) LoadPolicies() error {
	policies := make(map[string]string)
	err := filepath.Walk(g.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(g.cfg.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", g.cfg.Path)
	}

	opts := []func(*rego.Rego){rego.Query("data.deepresearch.content.decision")}
	for module, content := range policies {
		opts = append(opts, rego.Module(module, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	g.mu.Lock()
	g.compiled = &compiled
	g.mu.Unlock()

	g.logger.Info("Content policies compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("path", g.cfg.Path),
	)
	return nil
}

// Screen evaluates one item. The raw text never appears in logs; only
// the kind and the policy's reason do.
func (g *OPAGuard) Screen(ctx context.Context, kind, text string) (adapters.GuardDecision, error) {
	g.mu.RLock()
	compiled := g.compiled
	enabled := g.enabled
	g.mu.RUnlock()

	if !enabled || compiled == nil {
		return adapters.GuardDecision{Allowed: true}, nil
	}

	input := map[string]interface{}{
		"kind": kind,
		"text": text,
	}
	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if g.cfg.FailClosed {
			return adapters.GuardDecision{Allowed: false, Reason: "policy evaluation error"}, err
		}
		g.logger.Warn("Policy evaluation failed, admitting item",
			zap.String("kind", kind), zap.Error(err))
		return adapters.GuardDecision{Allowed: true}, nil
	}

	decision := parseDecision(results)
	if !decision.Allowed {
		metrics.GuardRejections.WithLabelValues(kind).Inc()
		g.logger.Info("Content rejected by policy",
			zap.String("kind", kind),
			zap.String("reason", decision.Reason),
		)
	}
	return decision, nil
}

func parseDecision(results rego.ResultSet) adapters.GuardDecision {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return adapters.GuardDecision{Allowed: true}
	}
	m, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return adapters.GuardDecision{Allowed: true}
	}
	d := adapters.GuardDecision{Allowed: true}
	if allow, ok := m["allow"].(bool); ok {
		d.Allowed = allow
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
