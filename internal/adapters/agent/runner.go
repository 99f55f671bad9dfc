// Package agent runs the collector and composer collaborators as external
// commands. Each collaborator owns its retry budget here; by the time an
// error escapes this package it is terminal and must be dead-lettered.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
)

// runner executes one configured command with a prompt on stdin and decodes
// a JSON document from stdout.
type runner struct {
	cfg config.AgentConfig
	log *logging.Logger
}

func (r *runner) run(ctx context.Context, prompt string, out any) error {
	if r.cfg.Command == "" {
		return fmt.Errorf("agent command not configured")
	}

	attempts := r.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * 5 * time.Second
			r.log.Warn("retrying agent command",
				"command", r.cfg.Command, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = r.runOnce(ctx, prompt, out)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("agent %s failed after %d attempts: %w", r.cfg.Command, attempts, lastErr)
}

func (r *runner) runOnce(ctx context.Context, prompt string, out any) error {
	timeout := r.cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.log.Debug("agent command finished",
		"command", r.cfg.Command, "duration", time.Since(start), "error", err)
	if err != nil {
		return fmt.Errorf("%w: %s", err, firstLine(stderr.String()))
	}

	payload := extractJSON(stdout.Bytes())
	if payload == nil {
		return fmt.Errorf("no JSON document in agent output")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding agent output: %w", err)
	}
	return nil
}

// extractJSON returns the outermost JSON object in b. Agents wrap their
// answer in prose often enough that scanning for it beats strict decoding.
func extractJSON(b []byte) []byte {
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end <= start {
		return nil
	}
	return b[start : end+1]
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
