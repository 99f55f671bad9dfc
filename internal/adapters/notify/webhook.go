// Package notify delivers drafts and status lines to the review channel via
// an incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// Webhook posts messages to a chat webhook URL. It satisfies core.Notifier.
type Webhook struct {
	url    string
	client *http.Client
	log    *logging.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, log *logging.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// PostDraft posts the draft body for review, headed by its version so the
// operator knows which revision they are approving.
func (w *Webhook) PostDraft(ctx context.Context, d *core.Draft, version int) (core.MessageRef, error) {
	text := fmt.Sprintf("*Draft v%d: %s*\n\n%s", version, d.Subject, d.Content)
	if err := w.post(ctx, text); err != nil {
		return "", err
	}
	return core.MessageRef(fmt.Sprintf("webhook:v%d:%d", version, time.Now().Unix())), nil
}

// PostStatus posts a one-line stage update.
func (w *Webhook) PostStatus(ctx context.Context, runID core.RunID, stage core.Stage, detail string) error {
	text := fmt.Sprintf("run %s: %s", runID, stage)
	if detail != "" {
		text += " (" + detail + ")"
	}
	return w.post(ctx, text)
}

func (w *Webhook) post(ctx context.Context, text string) error {
	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Nop is a notifier that only logs. Used when no webhook is configured and in
// dry runs.
type Nop struct {
	log *logging.Logger
}

// NewNop creates a logging-only notifier.
func NewNop(log *logging.Logger) *Nop {
	return &Nop{log: log}
}

func (n *Nop) PostDraft(_ context.Context, d *core.Draft, version int) (core.MessageRef, error) {
	n.log.Info("draft ready for review", "version", version, "subject", d.Subject)
	return core.MessageRef(fmt.Sprintf("log:v%d", version)), nil
}

func (n *Nop) PostStatus(_ context.Context, runID core.RunID, stage core.Stage, detail string) error {
	n.log.Info("status", "run_id", runID, "stage", stage, "detail", detail)
	return nil
}

var (
	_ core.Notifier = (*Webhook)(nil)
	_ core.Notifier = (*Nop)(nil)
)
