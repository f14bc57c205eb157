package aggregator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/metrics"
	"github.com/strata-labs/deepresearch/internal/models"
)

// Aggregator accumulates a single task's sources and evidence. It is
// owned by that task's loop (single-writer) and never shared across tasks.
type Aggregator struct {
	guard  adapters.ContentGuard
	logger *zap.Logger

	sources  map[string]models.ResearchSource // keyed by normalized (domain, path)
	evidence map[string]models.Evidence       // keyed by normalized claim
	idToKey  map[string]string                // source id -> dedupe key
}

// New builds an empty aggregator screening through guard.
func New(guard adapters.ContentGuard, logger *zap.Logger) *Aggregator {
	if guard == nil {
		guard = adapters.AllowAllGuard{}
	}
	return &Aggregator{
		guard:    guard,
		logger:   logger,
		sources:  make(map[string]models.ResearchSource),
		evidence: make(map[string]models.Evidence),
		idToKey:  make(map[string]string),
	}
}

// AddSources deduplicates and screens a batch. On a duplicate key the
// instance with higher credibility wins and the longer excerpt is kept.
// kept holds the sources admitted as new entries, in batch order, so the
// caller can stream exactly those. Returned notes are methodology entries
// for guard rejections; rejected content itself is never included.
func (a *Aggregator) AddSources(ctx context.Context, batch []models.ResearchSource) (kept []models.ResearchSource, notes []string) {
	for _, src := range batch {
		decision, err := a.guard.Screen(ctx, "source", src.Title+"\n"+src.Excerpt)
		if err != nil {
			a.logger.Warn("Content guard error, admitting source",
				zap.String("source_id", src.ID), zap.Error(err))
		} else if !decision.Allowed {
			notes = append(notes, fmt.Sprintf("guard: dropped source from %s (%s)", src.Domain, decision.Reason))
			continue
		}

		key := NormalizeSourceKey(src.URL)
		if key == "" {
			key = src.URL
		}
		existing, ok := a.sources[key]
		if !ok {
			a.sources[key] = src
			a.idToKey[src.ID] = key
			kept = append(kept, src)
			continue
		}

		metrics.SourcesDeduplicated.Inc()
		merged := existing
		if src.CredibilityScore > existing.CredibilityScore {
			merged = src
			merged.ID = existing.ID // stable id for already-referenced evidence
		}
		if len(src.Excerpt) > len(merged.Excerpt) {
			merged.Excerpt = src.Excerpt
		}
		a.sources[key] = merged
		// the duplicate's id resolves to the surviving source
		a.idToKey[src.ID] = key
	}
	return kept, notes
}

// AddEvidence merges evidence with overlapping claim text by unioning
// source ids and taking the max confidence. Evidence whose sources are
// all unknown is dropped.
func (a *Aggregator) AddEvidence(ctx context.Context, batch []models.Evidence) (notes []string) {
	for _, ev := range batch {
		text := ev.Claim + "\n" + strings.Join(ev.Quotes, "\n")
		decision, err := a.guard.Screen(ctx, "evidence", text)
		if err != nil {
			a.logger.Warn("Content guard error, admitting evidence",
				zap.String("evidence_id", ev.ID), zap.Error(err))
		} else if !decision.Allowed {
			notes = append(notes, fmt.Sprintf("guard: dropped evidence (%s)", decision.Reason))
			continue
		}

		resolved := a.resolveSourceIDs(ev.SourceIDs)
		if len(resolved) == 0 {
			notes = append(notes, "aggregator: dropped evidence with no known sources")
			continue
		}
		ev.SourceIDs = resolved

		key := normalizeClaim(ev.Claim)
		existing, ok := a.evidence[key]
		if !ok {
			a.evidence[key] = ev
			continue
		}
		existing.SourceIDs = unionStrings(existing.SourceIDs, ev.SourceIDs)
		if ev.Confidence > existing.Confidence {
			existing.Confidence = ev.Confidence
			existing.SupportLevel = ev.SupportLevel
		}
		existing.Quotes = unionStrings(existing.Quotes, ev.Quotes)
		a.evidence[key] = existing
	}
	return notes
}

// Sources returns the deduplicated set ordered by credibility then id.
func (a *Aggregator) Sources() []models.ResearchSource {
	out := make([]models.ResearchSource, 0, len(a.sources))
	for _, s := range a.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CredibilityScore != out[j].CredibilityScore {
			return out[i].CredibilityScore > out[j].CredibilityScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Evidence returns merged evidence ordered by confidence then claim.
func (a *Aggregator) Evidence() []models.Evidence {
	out := make([]models.Evidence, 0, len(a.evidence))
	for _, e := range a.evidence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Claim < out[j].Claim
	})
	return out
}

// SourceCount returns the number of distinct sources held.
func (a *Aggregator) SourceCount() int { return len(a.sources) }

// Domains returns the count of distinct source domains.
func (a *Aggregator) Domains() int {
	seen := make(map[string]struct{}, len(a.sources))
	for _, s := range a.sources {
		seen[s.Domain] = struct{}{}
	}
	return len(seen)
}

// SourceByID resolves a source id (including ids of merged duplicates).
func (a *Aggregator) SourceByID(id string) (models.ResearchSource, bool) {
	key, ok := a.idToKey[id]
	if !ok {
		return models.ResearchSource{}, false
	}
	s, ok := a.sources[key]
	return s, ok
}

func (a *Aggregator) resolveSourceIDs(ids []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, id := range ids {
		key, ok := a.idToKey[id]
		if !ok {
			continue
		}
		surviving := a.sources[key].ID
		if _, dup := seen[surviving]; dup {
			continue
		}
		seen[surviving] = struct{}{}
		out = append(out, surviving)
	}
	return out
}

// NormalizeSourceKey produces the (domain, path) dedupe key for a URL:
// lowercased host without www, path without trailing slash, query and
// fragment dropped.
func NormalizeSourceKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.TrimPrefix(host, "www.")
	path := strings.TrimRight(u.Path, "/")
	return host + "|" + path
}

func normalizeClaim(claim string) string {
	return strings.Join(strings.Fields(strings.ToLower(claim)), " ")
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
