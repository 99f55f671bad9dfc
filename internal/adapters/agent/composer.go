package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// Composer writes and revises the newsletter document by invoking the
// configured composer command. The canonical document is markdown; the
// rendered artifact handed to the publisher is HTML.
type Composer struct {
	runner   runner
	markdown goldmark.Markdown
}

// NewComposer creates an exec-based composer.
func NewComposer(cfg config.AgentConfig, log *logging.Logger) *Composer {
	return &Composer{
		runner:   runner{cfg: cfg, log: log},
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

type composerOutput struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// Compose writes the first draft from a collected bundle.
func (c *Composer) Compose(ctx context.Context, bundle *core.Bundle) (*core.Draft, error) {
	var prompt strings.Builder
	prompt.WriteString("Write a newsletter issue from these collected stories.\n")
	prompt.WriteString("Respond with a JSON object: {\"subject\", \"content\"} where content is markdown\n")
	prompt.WriteString("linking every covered story with an absolute https URL.\n\nStories:\n")
	prompt.WriteString(marshalItems(bundle.Items))

	return c.produce(ctx, prompt.String())
}

// Revise rewrites a draft under operator feedback.
func (c *Composer) Revise(ctx context.Context, prior *core.Draft, feedback string) (*core.Draft, error) {
	var prompt strings.Builder
	prompt.WriteString("Revise this newsletter draft according to the feedback.\n")
	prompt.WriteString("Respond with a JSON object: {\"subject\", \"content\"} where content is markdown.\n\n")
	fmt.Fprintf(&prompt, "Feedback:\n%s\n\nCurrent subject: %s\n\nCurrent draft:\n%s\n",
		feedback, prior.Subject, prior.Content)

	return c.produce(ctx, prompt.String())
}

func (c *Composer) produce(ctx context.Context, prompt string) (*core.Draft, error) {
	var out composerOutput
	if err := c.runner.run(ctx, prompt, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("composer returned an empty document")
	}
	if strings.TrimSpace(out.Subject) == "" {
		out.Subject = firstHeading(out.Content)
	}

	rendered, err := c.render(out.Content)
	if err != nil {
		return nil, fmt.Errorf("rendering draft: %w", err)
	}
	return &core.Draft{Subject: out.Subject, Content: out.Content, Rendered: rendered}, nil
}

func (c *Composer) render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// firstHeading falls back to the document's first heading or line as the
// subject.
func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return line
		}
	}
	return "Newsletter"
}

var _ core.Composer = (*Composer)(nil)
