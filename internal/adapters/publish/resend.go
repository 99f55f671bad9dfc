// Package publish creates and sends broadcasts through a Resend-style
// broadcast API.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// Client talks to the broadcast service. Idempotency rides on the run id: it
// is sent as the Idempotency-Key header, so a re-driven Publish or Send after
// a crash resolves to the original broadcast instead of a duplicate.
type Client struct {
	cfg    config.PublishConfig
	client *http.Client
	log    *logging.Logger
}

// NewClient creates a publisher client.
func NewClient(cfg config.PublishConfig, log *logging.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

type createBroadcastRequest struct {
	AudienceID string `json:"audience_id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
}

type createBroadcastResponse struct {
	ID string `json:"id"`
}

// Publish creates the broadcast and returns its id.
func (c *Client) Publish(ctx context.Context, runID core.RunID, rendered, subject string) (core.BroadcastID, error) {
	if c.cfg.DryRun {
		c.log.Info("dry run: skipping broadcast creation", "run_id", runID, "subject", subject)
		return core.BroadcastID("dry-run-" + string(runID)), nil
	}

	payload := createBroadcastRequest{
		AudienceID: c.cfg.AudienceID,
		From:       c.cfg.FromEmail,
		Subject:    subject,
		HTML:       rendered,
	}
	var out createBroadcastResponse
	if err := c.do(ctx, http.MethodPost, "/broadcasts", string(runID), payload, &out); err != nil {
		return "", fmt.Errorf("creating broadcast: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("broadcast service returned an empty id")
	}
	return core.BroadcastID(out.ID), nil
}

// Send triggers delivery of an already created broadcast.
func (c *Client) Send(ctx context.Context, runID core.RunID, id core.BroadcastID) error {
	if c.cfg.DryRun {
		c.log.Info("dry run: skipping broadcast send", "run_id", runID, "broadcast_id", id)
		return nil
	}

	path := fmt.Sprintf("/broadcasts/%s/send", id)
	if err := c.do(ctx, http.MethodPost, path, string(runID)+":send", struct{}{}, nil); err != nil {
		return fmt.Errorf("sending broadcast %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var _ core.Publisher = (*Client)(nil)
