package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/config"
	"github.com/clauseguard/clauseguard/pkg/extract"
	"github.com/clauseguard/clauseguard/pkg/jobs"
	"github.com/clauseguard/clauseguard/pkg/observability"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
	"github.com/clauseguard/clauseguard/pkg/store"
	"github.com/clauseguard/clauseguard/pkg/tokens"
)

// app wires the pipeline collaborators for one CLI invocation.
type app struct {
	cfg    *config.Config
	store  *store.Store
	ledger *tokens.Ledger
	packs  *rulepack.Registry
	orch   *jobs.Orchestrator
	db     *sql.DB
	tracer *observability.Provider
}

// newApp builds the pipeline from environment configuration. When
// packsPath is set, rulepacks load from there instead of the embedded
// bundle.
func newApp(packsPath string) (*app, error) {
	cfg := config.Load()
	// The CLI is one-shot; processing always runs inline with submit.
	cfg.JobSync = true

	st, err := store.New(cfg.DataRoot)
	if err != nil {
		return nil, err
	}

	packs := rulepack.NewRegistry()
	if packsPath != "" {
		if err := packs.LoadPath(packsPath); err != nil {
			return nil, err
		}
	} else if err := rulepack.LoadEmbedded(packs); err != nil {
		return nil, analysis.Wrap(analysis.CodeRulepackMalformed, err)
	}

	db, err := jobs.OpenDB(filepath.Join(cfg.DataRoot, "jobs.db"))
	if err != nil {
		return nil, analysis.Wrap(analysis.CodeInternal, err)
	}
	registry, err := jobs.NewRegistry(db)
	if err != nil {
		_ = db.Close()
		return nil, analysis.Wrap(analysis.CodeInternal, err)
	}

	ledger := tokens.NewLedger(st, cfg.TokenCapPerDoc, cfg.TokenCostPerUnit, cfg.TokenCappingEnabled)
	logger := observability.NewLogger(cfg.LogLevel)
	tracer, err := observability.Init(context.Background(), observability.Config{
		ServiceName:  "clauseguard",
		LogLevel:     cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
		TracingOn:    cfg.TracingOn,
	})
	if err != nil {
		_ = db.Close()
		return nil, analysis.Wrap(analysis.CodeInternal, err)
	}
	orch := jobs.New(cfg, st, ledger, packs, extract.NewRegistry(), registry, logger)

	return &app{cfg: cfg, store: st, ledger: ledger, packs: packs, orch: orch, db: db, tracer: tracer}, nil
}

func (a *app) close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracer.Shutdown(ctx)
		cancel()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// fail prints the error and returns its exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return analysis.ErrorCode(err).ExitCode()
}
