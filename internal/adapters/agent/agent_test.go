package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, []byte(`{"a":1}`), extractJSON([]byte(`{"a":1}`)))
	assert.Equal(t, []byte(`{"a":1}`), extractJSON([]byte("Sure, here you go:\n{\"a\":1}\nHope that helps!")))
	assert.Equal(t, []byte(`{"outer":{"inner":2}}`), extractJSON([]byte(`prose {"outer":{"inner":2}} trailer`)))
	assert.Nil(t, extractJSON([]byte("no json here")))
	assert.Nil(t, extractJSON([]byte("} backwards {")))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "error: boom", firstLine("error: boom\nstack frame 1\nstack frame 2"))
	assert.Equal(t, "plain", firstLine("  plain  "))
	long := strings.Repeat("x", 300)
	assert.Len(t, firstLine(long), 200)
}

func TestFirstHeading(t *testing.T) {
	assert.Equal(t, "Issue 12", firstHeading("# Issue 12\n\nbody"))
	assert.Equal(t, "A plain first line", firstHeading("\n\nA plain first line\nmore"))
	assert.Equal(t, "Newsletter", firstHeading("  \n\n"))
}

// The collector and composer shell out; /bin/sh stands in for the real agent
// command in these tests.
func shellAgent(payload string) config.AgentConfig {
	return config.AgentConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "printf '%s' '" + payload + "'"},
		Timeout: 30 * time.Second,
	}
}

func TestCollectorDeduplicatesAndExcludes(t *testing.T) {
	c := NewCollector(shellAgent(`{"items":[
		{"title":"Fresh","url":"https://example.com/fresh","body":"b"},
		{"title":"Fresh again","url":"https://example.com/fresh","body":"b"},
		{"title":"Old","url":"https://example.com/old","body":"b"},
		{"title":"No URL","url":"","body":"b"}]}`), logging.NewNop())

	to := time.Now().UTC()
	bundle, err := c.Collect(context.Background(), to.AddDate(0, 0, -7), to,
		[]core.PublishedItem{{Title: "Old", URL: "https://example.com/old"}})
	require.NoError(t, err)

	require.Len(t, bundle.Items, 1, "duplicates, excluded URLs, and empty URLs are dropped")
	assert.Equal(t, "Fresh", bundle.Items[0].Title)
	assert.True(t, strings.HasPrefix(bundle.Ref, "bundle-"))
}

func TestCollectorRejectsEmptyWindow(t *testing.T) {
	c := NewCollector(shellAgent(`{"items":[]}`), logging.NewNop())

	to := time.Now().UTC()
	_, err := c.Collect(context.Background(), to.AddDate(0, 0, -7), to, nil)
	assert.ErrorContains(t, err, "no new items")
}

func TestComposerRendersAndFallsBackToHeading(t *testing.T) {
	c := NewComposer(shellAgent(
		`{"subject":"","content":"# Issue 12\n\n- [Story](https://example.com/s)"}`),
		logging.NewNop())

	d, err := c.Compose(context.Background(), &core.Bundle{
		Items: []core.BundleItem{{Title: "Story", URL: "https://example.com/s"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Issue 12", d.Subject, "subject falls back to the first heading")
	assert.Contains(t, d.Rendered, "<h1>Issue 12</h1>")
	assert.Contains(t, d.Rendered, `<a href="https://example.com/s">Story</a>`)
}

func TestComposerRejectsEmptyDocument(t *testing.T) {
	c := NewComposer(shellAgent(`{"subject":"s","content":"  "}`), logging.NewNop())

	_, err := c.Compose(context.Background(), &core.Bundle{})
	assert.ErrorContains(t, err, "empty document")
}

func TestRunnerSurfacesStderrOnFailure(t *testing.T) {
	r := runner{cfg: config.AgentConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo boom >&2; exit 1"},
		Timeout: 10 * time.Second,
	}, log: logging.NewNop()}

	var out map[string]any
	err := r.run(context.Background(), "prompt", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempts")
	assert.Contains(t, err.Error(), "boom")
}

func TestRunnerRejectsNonJSONOutput(t *testing.T) {
	r := runner{cfg: config.AgentConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo just prose"},
		Timeout: 10 * time.Second,
	}, log: logging.NewNop()}

	var out map[string]any
	err := r.run(context.Background(), "prompt", &out)
	assert.ErrorContains(t, err, "no JSON document")
}

func TestRunnerRejectsMissingCommand(t *testing.T) {
	r := runner{cfg: config.AgentConfig{}, log: logging.NewNop()}
	err := r.run(context.Background(), "prompt", &map[string]any{})
	assert.ErrorContains(t, err, "not configured")
}
