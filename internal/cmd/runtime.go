package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/config"
	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/pipeline"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/processor/dedup"
	"github.com/3leaps/docflow/pkg/processor/ocr"
	"github.com/3leaps/docflow/pkg/processor/pdf"
	"github.com/3leaps/docflow/pkg/processor/vertex"
	"github.com/3leaps/docflow/pkg/queue"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
	"github.com/3leaps/docflow/pkg/store"
	"github.com/3leaps/docflow/pkg/target"
)

// runtimeEnv is every component a command may need, built from config.
type runtimeEnv struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *sql.DB
	docs      *document.Repository
	steps     *stepstore.Store
	manifests *manifest.Cache
	queue     *queue.SQLite
	targets   *target.Set
	orch      *pipeline.Orchestrator
	status    *pipeline.StatusService
	workspace processor.Workspace

	closers []func() error
}

// runtimeOptions selects the optional parts of the runtime.
type runtimeOptions struct {
	// Processors builds the stage processors and upload targets. Commands
	// that only read or enqueue leave it off.
	Processors bool
}

func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtimeEnv, error) {
	logger := observability.CLILogger

	db, err := store.OpenAndMigrate(ctx, cfg.Store)
	if err != nil {
		return nil, exitError(exitUnavailable, "Failed to open pipeline database", err)
	}

	env := &runtimeEnv{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		docs:      document.NewRepository(db),
		steps:     stepstore.New(db),
		manifests: manifest.NewCache(cfg.Manifest, logger),
		workspace: processor.Workspace{Root: cfg.Workspace},
	}
	env.closers = append(env.closers, db.Close)

	if cfg.Manifest != "" {
		if _, err := os.Stat(cfg.Manifest); err != nil {
			_ = env.Close()
			return nil, exitError(exitFileNotFound, "Pipeline manifest not found", err)
		}
	}
	if _, err := env.manifests.Snapshot(); err != nil {
		_ = env.Close()
		return nil, exitError(exitInvalidArgument, "Invalid pipeline manifest", err)
	}

	env.queue = queue.NewSQLite(db, queue.Options{
		Visibility:    cfg.Queue.Visibility,
		PollInterval:  cfg.Queue.PollInterval,
		BatchSize:     cfg.Queue.BatchSize,
		Concurrency:   cfg.Workers,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		Logger:        logger,
	})
	env.status = &pipeline.StatusService{Steps: env.steps, Documents: env.docs}

	pipelineOpts := pipeline.Options{
		Steps:     env.steps,
		Documents: env.docs,
		Settings:  env.manifests,
		Queue:     env.queue,
		Logger:    logger,
	}
	if opts.Processors {
		if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
			_ = env.Close()
			return nil, exitError(exitFileWrite, "Failed to create workspace", err)
		}
		procs, closers, err := buildProcessors(ctx, cfg, env.workspace, env.docs, logger)
		if err != nil {
			_ = env.Close()
			return nil, exitError(exitInvalidArgument, "Failed to configure processors", err)
		}
		env.closers = append(env.closers, closers...)
		env.targets = target.NewSet(target.NewRegistry(), env.manifests, logger)
		env.closers = append(env.closers, env.targets.Close)

		pipelineOpts.Processors = procs
		pipelineOpts.Targets = env.targets
	}

	orch, err := pipeline.New(pipelineOpts)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.orch = orch
	return env, nil
}

// buildProcessors wires one processor per core stage. OCR is skipped when no
// endpoint is configured and metadata extraction falls back to the filename
// when Vertex AI is not configured.
func buildProcessors(ctx context.Context, cfg *config.Config, ws processor.Workspace, docs *document.Repository, logger *zap.Logger) (map[string]processor.Processor, []func() error, error) {
	var closers []func() error
	procs := map[string]processor.Processor{
		stage.Conversion:        &pdf.Converter{Workspace: ws, Logger: logger},
		stage.DedupCheck:        &dedup.Checker{Documents: docs},
		stage.MetadataEmbedding: &pdf.Embedder{Workspace: ws, Logger: logger},
	}

	if cfg.OCR.Endpoint != "" {
		client, err := ocr.New(cfg.OCR, ws, logger)
		if err != nil {
			return nil, nil, err
		}
		procs[stage.OCR] = client
	} else {
		logger.Info("OCR endpoint not configured, OCR stage will be skipped")
		procs[stage.OCR] = processor.ProcessorFunc(func(context.Context, document.Document) (processor.Result, error) {
			return processor.Result{}, processor.ErrSkip
		})
	}

	if cfg.Vertex.Project != "" {
		extractor, err := vertex.New(ctx, cfg.Vertex, ws, logger)
		if err != nil {
			return nil, nil, err
		}
		procs[stage.MetadataExtraction] = extractor
		closers = append(closers, extractor.Close)
	} else {
		logger.Info("Vertex AI not configured, deriving metadata from filenames")
		procs[stage.MetadataExtraction] = processor.FilenameMetadata(ws)
	}
	return procs, closers, nil
}

// Close releases resources in reverse order of acquisition.
func (e *runtimeEnv) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close runtime: %w", errors.Join(errs...))
	}
	return nil
}

// withRuntime opens the runtime for the current config and closes it after fn.
func withRuntime(ctx context.Context, opts runtimeOptions, fn func(*runtimeEnv) error) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	env, err := openRuntime(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close runtime", zap.Error(err))
		}
	}()
	return fn(env)
}
