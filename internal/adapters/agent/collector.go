package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// Collector gathers story candidates for a collection window by invoking the
// configured collector command.
type Collector struct {
	runner runner
}

// NewCollector creates an exec-based collector.
func NewCollector(cfg config.AgentConfig, log *logging.Logger) *Collector {
	return &Collector{runner: runner{cfg: cfg, log: log}}
}

type collectorOutput struct {
	Items []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Body  string `json:"body"`
	} `json:"items"`
}

// Collect asks the agent for stories inside [from, to), excluding anything
// already in the permanent record, and deduplicates its answer by URL.
func (c *Collector) Collect(ctx context.Context, from, to time.Time, published []core.PublishedItem) (*core.Bundle, error) {
	exclude := make([]string, 0, len(published))
	for _, p := range published {
		if p.URL != "" {
			exclude = append(exclude, p.URL)
		}
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Collect newsletter story candidates published between %s and %s.\n",
		from.Format(time.RFC3339), to.Format(time.RFC3339))
	prompt.WriteString("Respond with a JSON object: {\"items\": [{\"title\", \"url\", \"body\"}]}.\n")
	if len(exclude) > 0 {
		prompt.WriteString("Skip these already published URLs:\n")
		for _, u := range exclude {
			prompt.WriteString("- " + u + "\n")
		}
	}

	var out collectorOutput
	if err := c.runner.run(ctx, prompt.String(), &out); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(exclude))
	for _, u := range exclude {
		seen[u] = true
	}
	bundle := &core.Bundle{
		Ref:       "bundle-" + uuid.NewString()[:8],
		WindowEnd: to,
	}
	for _, item := range out.Items {
		if item.URL == "" || seen[item.URL] {
			continue
		}
		seen[item.URL] = true
		bundle.Items = append(bundle.Items, core.BundleItem{
			Title: item.Title,
			URL:   item.URL,
			Body:  item.Body,
		})
	}
	if len(bundle.Items) == 0 {
		return nil, fmt.Errorf("collector returned no new items for the window")
	}
	return bundle, nil
}

// marshalItems is used when handing the bundle to the composer prompt.
func marshalItems(items []core.BundleItem) string {
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

var _ core.Collector = (*Collector)(nil)
