package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/metrics"
)

const testPolicy = `package deepresearch.content

import future.keywords.if

default decision := {"allow": true, "reason": ""}

decision := {"allow": false, "reason": "pii detected"} if {
	regex.match(` + "`" + `\b\d{3}-\d{2}-\d{4}\b` + "`" + `, input.text)
}
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "content.rego"), []byte(content), 0o644))
	return dir
}

func TestScreenAllowsCleanContent(t *testing.T) {
	g, err := New(Config{Enabled: true, Path: writePolicy(t, testPolicy)}, zap.NewNop())
	require.NoError(t, err)

	d, err := g.Screen(context.Background(), "source", "a perfectly ordinary excerpt")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestScreenRejectsPolicyMatch(t *testing.T) {
	g, err := New(Config{Enabled: true, Path: writePolicy(t, testPolicy)}, zap.NewNop())
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.GuardRejections.WithLabelValues("evidence"))
	d, err := g.Screen(context.Background(), "evidence", "call us, SSN 123-45-6789")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "pii detected", d.Reason)
	// one rejection, one count: the guard is the only incrementer
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GuardRejections.WithLabelValues("evidence")))
}

const multiRulePolicy = `package deepresearch.content

import future.keywords.if
import future.keywords.in

default decision := {"allow": true, "reason": ""}

blocked_domains := {"malware.example"}

decision := {"allow": false, "reason": "blocked domain"} if {
	some domain in blocked_domains
	contains(lower(input.text), domain)
} else := {"allow": false, "reason": "pii detected"} if {
	regex.match(` + "`" + `\b\d{3}-\d{2}-\d{4}\b` + "`" + `, input.text)
}
`

func TestScreenTextMatchingMultipleRulesStillRejects(t *testing.T) {
	g, err := New(Config{Enabled: true, Path: writePolicy(t, multiRulePolicy)}, zap.NewNop())
	require.NoError(t, err)

	// trips both rules; the else chain yields one verdict instead of an
	// eval conflict that would fail open
	d, err := g.Screen(context.Background(), "source", "see malware.example, SSN 123-45-6789")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "blocked domain", d.Reason)
}

func TestMissingPoliciesFailOpen(t *testing.T) {
	g, err := New(Config{Enabled: true, Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	d, err := g.Screen(context.Background(), "source", "anything at all")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMissingPoliciesFailClosedErrors(t *testing.T) {
	_, err := New(Config{Enabled: true, Path: t.TempDir(), FailClosed: true}, zap.NewNop())
	assert.Error(t, err)
}

func TestBrokenPolicyFailOpen(t *testing.T) {
	g, err := New(Config{Enabled: true, Path: writePolicy(t, "package broken\nnot rego at all {{{")}, zap.NewNop())
	require.NoError(t, err)

	d, err := g.Screen(context.Background(), "source", "anything")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDisabledGuardAdmitsEverything(t *testing.T) {
	g, err := New(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	d, err := g.Screen(context.Background(), "source", "123-45-6789")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
