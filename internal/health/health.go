// Package health exposes liveness and readiness over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Manager runs registered checks on demand.
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Check
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{checks: make(map[string]Check), logger: logger}
}

// Register adds a named readiness check.
func (m *Manager) Register(name string, check Check) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves GET /health (liveness, always 200) and GET /readiness
// (503 until every registered check passes).
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report{Status: "ok"})
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		m.mu.RLock()
		checks := make(map[string]Check, len(m.checks))
		for name, c := range m.checks {
			checks[name] = c
		}
		m.mu.RUnlock()

		rep := report{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				rep.Checks[name] = err.Error()
				rep.Status = "not_ready"
				code = http.StatusServiceUnavailable
				m.logger.Warn("Readiness check failed",
					zap.String("check", name), zap.Error(err))
				continue
			}
			rep.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(rep)
	})
	return mux
}
