package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/resilience"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// extractiveTopN caps the evidence used by the fallback summary.
const extractiveTopN = 5

// Synthesizer produces the final report. Invoked exactly once per task.
type Synthesizer struct {
	model  adapters.ModelClient
	exec   *resilience.Executor
	logger *zap.Logger
}

func New(model adapters.ModelClient, exec *resilience.Executor, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{model: model, exec: exec, logger: logger}
}

// Output carries the synthesized narrative plus token accounting.
type Output struct {
	Summary     string
	KeyFindings []string
	TokensUsed  int
	APICalls    int
	// Degraded is set when the model failed and the extractive fallback
	// produced the summary.
	Degraded bool
	Note     string
}

// Synthesize builds summary and key findings from the evidence set. If
// the model fails after retries it falls back to a deterministic
// extractive summary so the task still completes.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, evidence []models.Evidence, sources []models.ResearchSource) Output {
	ctx, span := tracing.StartSpan(ctx, "synthesizer.synthesize")
	defer span.End()

	out := Output{}
	if len(evidence) == 0 && len(sources) == 0 {
		out.Degraded = true
		out.Note = "synthesis: no evidence gathered, emitting empty-findings summary"
		out.Summary = fmt.Sprintf("No verifiable evidence was gathered for %q within the allotted budget.", query)
		return out
	}

	comp, err := resilience.Call(s.exec, ctx, s.model.Name(), func(ctx context.Context) (adapters.Completion, error) {
		return s.model.Complete(ctx, s.buildPrompt(query, evidence, sources), adapters.CompleteOptions{
			MaxTokens:   2048,
			Temperature: 0.3,
			AgentID:     "report_synthesizer",
		})
	})
	out.APICalls++
	if err != nil {
		s.logger.Warn("Model synthesis failed, using extractive fallback", zap.Error(err))
		summary, findings := ExtractiveSummary(query, evidence)
		out.Summary = summary
		out.KeyFindings = findings
		out.Degraded = true
		out.Note = fmt.Sprintf("synthesis degraded to extractive summary: %s", shortErr(err))
		return out
	}

	out.TokensUsed = comp.InputTokens + comp.OutputTokens
	summary, findings, perr := parseSynthesis(comp.Text)
	if perr != nil {
		s.logger.Warn("Unparseable synthesis response, using extractive fallback", zap.Error(perr))
		summary, findings = ExtractiveSummary(query, evidence)
		out.Degraded = true
		out.Note = "synthesis degraded to extractive summary: unparseable model output"
	}
	out.Summary = summary
	out.KeyFindings = findings
	return out
}

// buildPrompt constrains the model to claims present in the evidence set
// so every factual sentence traces to an evidence id.
func (s *Synthesizer) buildPrompt(query string, evidence []models.Evidence, sources []models.ResearchSource) string {
	var sb strings.Builder
	sb.WriteString("You are a research report writer. Using ONLY the evidence below, write a report for the question.\n")
	sb.WriteString("Do not introduce claims absent from the evidence. Reference evidence ids in brackets.\n\n")
	sb.WriteString("## Question:\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Evidence:\n")
	for _, ev := range evidence {
		sb.WriteString(fmt.Sprintf("- [%s] (%s, confidence %.2f) %s\n", ev.ID, ev.SupportLevel, ev.Confidence, ev.Claim))
	}
	sb.WriteString("\n## Sources:\n")
	for _, src := range sources {
		sb.WriteString(fmt.Sprintf("- %s (%s, credibility %.2f)\n", src.Title, src.Domain, src.CredibilityScore))
	}
	sb.WriteString("\n## Response Format:\nReturn a JSON object:\n")
	sb.WriteString(`{"summary": "...", "key_findings": ["...", "..."]}` + "\n")
	return sb.String()
}

func parseSynthesis(response string) (string, []string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return "", nil, fmt.Errorf("no JSON object found in response")
	}
	var parsed struct {
		Summary     string   `json:"summary"`
		KeyFindings []string `json:"key_findings"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return "", nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return "", nil, fmt.Errorf("empty summary in response")
	}
	return parsed.Summary, parsed.KeyFindings, nil
}

// ExtractiveSummary builds a deterministic summary from the top evidence
// by confidence. Evidence is assumed pre-sorted by the aggregator
// (confidence descending).
func ExtractiveSummary(query string, evidence []models.Evidence) (string, []string) {
	if len(evidence) == 0 {
		return fmt.Sprintf("No verifiable evidence was gathered for %q within the allotted budget.", query), nil
	}
	n := len(evidence)
	if n > extractiveTopN {
		n = extractiveTopN
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Extractive summary for %q based on %d evidence items. ", query, len(evidence)))
	findings := make([]string, 0, n)
	for _, ev := range evidence[:n] {
		claim := strings.TrimSpace(ev.Claim)
		if claim == "" {
			continue
		}
		sb.WriteString(claim)
		if !strings.HasSuffix(claim, ".") {
			sb.WriteString(".")
		}
		sb.WriteString(" ")
		findings = append(findings, claim)
	}
	return strings.TrimSpace(sb.String()), findings
}

func shortErr(err error) string {
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
