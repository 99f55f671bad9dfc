package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/viper"

	"github.com/lotfb86/NewLetterAgent/internal/adapters/agent"
	"github.com/lotfb86/NewLetterAgent/internal/adapters/notify"
	"github.com/lotfb86/NewLetterAgent/internal/adapters/publish"
	"github.com/lotfb86/NewLetterAgent/internal/backup"
	"github.com/lotfb86/NewLetterAgent/internal/brain"
	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/draft"
	"github.com/lotfb86/NewLetterAgent/internal/ledger"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
	"github.com/lotfb86/NewLetterAgent/internal/orchestrator"
)

// app wires configuration, stores, adapters, and the orchestrator for one
// command invocation.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *ledger.Store
	orch     *orchestrator.Orchestrator
	notifier core.Notifier
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})

	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening run ledger: %w", err)
	}

	var notifier core.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, log)
	} else {
		notifier = notify.NewNop(log)
	}

	record := brain.NewStore(cfg.Record.FilePath)
	drafts := draft.NewManager(store, cfg.Run.RevisionCap, cfg.Run.StaleAfter)

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:    store,
		Drafts:    drafts,
		Collector: agent.NewCollector(cfg.Agents.Collector, log),
		Composer:  agent.NewComposer(cfg.Agents.Composer, log),
		Notifier:  notifier,
		Publisher: publish.NewClient(cfg.Publish, log),
		Record:    record,
		Backups:   backup.NewManager(store, cfg.Record.FilePath, cfg.Backup.Dir),
	}, cfg.Run, log)

	return &app{cfg: cfg, log: log, store: store, orch: orch, notifier: notifier}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing ledger failed", "error", err)
	}
}

// resolveRunID expands a possibly partial run id against the ledger. An exact
// match wins; otherwise the best unambiguous fuzzy match is used.
func (a *app) resolveRunID(ctx context.Context, input string) (core.RunID, error) {
	runs, err := a.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs in the ledger")
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = string(r.RunID)
	}
	for _, id := range ids {
		if id == input {
			return core.RunID(id), nil
		}
	}

	// fuzzy.Find returns matches best first.
	matches := fuzzy.Find(input, ids)
	if len(matches) == 0 {
		return "", fmt.Errorf("no run matches %q", input)
	}
	best := matches[0]
	if len(matches) > 1 && matches[1].Score == best.Score {
		var candidates []string
		for _, m := range matches {
			if m.Score == best.Score {
				candidates = append(candidates, m.Str)
			}
		}
		return "", fmt.Errorf("run id %q is ambiguous: %s", input, strings.Join(candidates, ", "))
	}
	return core.RunID(best.Str), nil
}
