package main

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/easeaico/code-pattern-agent/internal/analysis"
	"github.com/easeaico/code-pattern-agent/internal/config"
	"github.com/easeaico/code-pattern-agent/internal/ledger"
	"github.com/easeaico/code-pattern-agent/internal/match"
	"github.com/easeaico/code-pattern-agent/internal/memory"
	"github.com/easeaico/code-pattern-agent/internal/service"
)

// app holds the components shared by the subcommands.
type app struct {
	store   *memory.PatternStore
	backend memory.Store
	matcher *match.Matcher
	ledger  *ledger.BoltLedger
}

// Close releases the ledger and the pattern backend.
func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			logger.Warn("failed to close pattern backend", zap.Error(err))
		}
	}
}

type bootstrapOptions struct {
	ledger   bool // open the ledger
	autoSeed bool // load cfg.SeedFile into an empty store
}

// bootstrap opens the pattern store and, when asked, the ledger.
func bootstrap(ctx context.Context, opts bootstrapOptions) (*app, error) {
	a := &app{
		matcher: match.New(
			match.WithWeights(cfg.Matcher.Weights),
			match.WithSimpleRequestTerms(cfg.Matcher.SimpleRequestTerms),
			match.WithLogger(logger),
		),
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	storeOpts := []memory.Option{
		memory.WithLimit(cfg.Patterns.Limit),
		memory.WithAnalyzer(newAnalyzer(cfg.Patterns)),
		memory.WithAnalyzeWorkers(cfg.Patterns.AnalyzeWorkers),
		memory.WithLogger(logger),
	}
	if backend != nil {
		a.store, err = memory.Open(ctx, backend, storeOpts...)
	} else {
		a.store = memory.NewPatternStore(storeOpts...)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.autoSeed && cfg.SeedFile != "" && a.store.Len() == 0 {
		n, err := seedFromFile(ctx, a.store, cfg.SeedFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("seeded pattern store", zap.String("file", cfg.SeedFile), zap.Int("patterns", n))
	}

	if opts.ledger {
		a.ledger, err = ledger.OpenBolt(cfg.LedgerPath, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	logger.Debug("bootstrap complete",
		zap.String("db_type", cfg.DBType),
		zap.Int("patterns", a.store.Len()),
	)
	return a, nil
}

// openBackend connects the durable pattern backend; memory mode has none.
func openBackend(ctx context.Context, cfg config.Config) (memory.Store, error) {
	switch cfg.DBType {
	case config.DBSQLite:
		s, err := memory.NewSQLiteStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.DBPostgres:
		s, err := memory.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.DBMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported db type %q", cfg.DBType)
	}
}

func newAnalyzer(pc config.PatternsConfig) analysis.Analyzer {
	if pc.Analyzer == "keyword" {
		return analysis.NewKeywordAnalyzer(pc.ComplexityFactor)
	}
	return analysis.NewTreeSitterAnalyzer(pc.ComplexityFactor)
}

// seedFromFile loads a seed file, adds its patterns and analyzes the new ones.
func seedFromFile(ctx context.Context, store *memory.PatternStore, path string) (int, error) {
	seeds, err := memory.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}

	start := store.Len()
	n, err := store.Seed(ctx, slices.Values(seeds))
	if err != nil {
		return n, fmt.Errorf("failed to seed patterns (%d added): %w", n, err)
	}

	if start == 0 {
		return n, store.AnalyzeAll(ctx)
	}
	for pos := start; pos < start+n; pos++ {
		if _, err := store.Analyze(ctx, pos); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (a *app) orchestrator() *service.Orchestrator {
	return service.NewOrchestrator(a.store, a.ledger,
		service.WithMatcher(a.matcher),
		service.WithLogger(logger),
		service.WithCommitTimeout(cfg.Session.CommitTimeout),
		service.WithCommitAttempts(cfg.Session.CommitAttempts),
		service.WithCommitBackoff(cfg.Session.CommitBackoff),
		service.WithMaxRequestBytes(cfg.Session.MaxRequestBytes),
	)
}
