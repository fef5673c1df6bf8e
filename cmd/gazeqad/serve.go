// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	authactivity "github.com/tombee/conductor/internal/activities/auth"
	"github.com/tombee/conductor/internal/activities/crawl"
	"github.com/tombee/conductor/internal/activities/exploration"
	"github.com/tombee/conductor/internal/artifacts"
	"github.com/tombee/conductor/internal/audit"
	"github.com/tombee/conductor/internal/daemonconfig"
	"github.com/tombee/conductor/internal/execpool"
	"github.com/tombee/conductor/internal/httpapi"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/runregistry"
	"github.com/tombee/conductor/internal/secrets"
	"github.com/tombee/conductor/internal/signing"
	"github.com/tombee/conductor/internal/sitemap"
	"github.com/tombee/conductor/internal/storageprofile"
	"github.com/tombee/conductor/internal/telemetry"
	"github.com/tombee/conductor/internal/tracing"
	"github.com/tombee/conductor/internal/tracing/storage"
	"github.com/tombee/conductor/internal/workflow"
	"github.com/tombee/conductor/pkg/observability"
)

func newServeCommand() *cobra.Command {
	var (
		apiHost      string
		apiPort      int
		storageRoot  string
		indexBackend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the run workflow executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := daemonconfig.Load()
			if apiHost != "" {
				cfg.APIHost = apiHost
			}
			if apiPort != 0 {
				cfg.APIPort = apiPort
			}
			if storageRoot != "" {
				cfg.StorageRoot = storageRoot
			}
			if indexBackend != "" {
				cfg.IndexBackend = indexBackend
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&apiHost, "host", "", "API bind host (overrides GAZEQA_API_HOST)")
	cmd.Flags().IntVar(&apiPort, "port", 0, "API bind port (overrides GAZEQA_API_PORT)")
	cmd.Flags().StringVar(&storageRoot, "storage-root", "", "Run storage root directory")
	cmd.Flags().StringVar(&indexBackend, "index-backend", "", "Run index backend: json or sqlite")

	return cmd
}

func runServe(ctx context.Context, cfg daemonconfig.Config) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	registry, err := runregistry.NewWithIndexBackend(cfg.StorageRoot, logger, cfg.IndexBackend)
	if err != nil {
		return fmt.Errorf("gazeqad: open run registry: %w", err)
	}
	defer registry.Close()

	secretsMgr := secrets.New(secrets.Config{
		DefaultToken:          cfg.Secrets.DefaultToken,
		RegistryJSON:          cfg.Secrets.RegistryJSON,
		RegistryFile:          cfg.Secrets.RegistryFile,
		TokenFile:             cfg.Secrets.TokenFile,
		TokenFileOrganization: cfg.Secrets.TokenFileOrganization,
		TokenFileSlug:         cfg.Secrets.TokenFileSlug,
		TokenFileActorRole:    cfg.Secrets.TokenFileActorRole,
		SigningKey:            cfg.Secrets.SigningKey,
		SigningKeyPrevious:    cfg.Secrets.SigningKeyPrevious,
		SigningKeyFile:        cfg.Secrets.SigningKeyFile,
		Logger:                logger,
	})

	pool := execpool.New(cfg.ExecutorWorkers, logger)

	auditLogger, err := audit.NewLogger(cfg.StorageRoot, "")
	if err != nil {
		return fmt.Errorf("gazeqad: open audit logger: %w", err)
	}

	tracerProvider, tracer, metricsCollector, traceRetention, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("gazeqad: set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gazeqad: tracer shutdown failed", "error", err)
		}
	}()
	if traceRetention != nil {
		traceRetention.Start()
		defer traceRetention.Stop()
	}

	sinks := telemetry.Multi{telemetry.NewRunSink(registry.RunDir)}
	if cfg.OTELEndpoint == "" {
		sinks = append(sinks, telemetry.NewPrometheusSink(prometheus.DefaultRegisterer))
	}
	sink := telemetry.Sink(sinks)

	var profiles storageprofile.Document
	if cfg.StorageProfiles != "" {
		profiles, err = storageprofile.Load(cfg.StorageProfiles)
		if err != nil {
			logger.Warn("gazeqad: failed to load storage profiles, archive mirroring disabled", "error", err)
		}
	}
	archivers := map[string]*storageprofile.Archiver{}
	for name, profile := range profiles.Profiles {
		if profile.S3Archive == nil {
			continue
		}
		archiver, err := storageprofile.NewArchiver(ctx, profile.S3Archive, logger)
		if err != nil {
			logger.Warn("gazeqad: storage profile archiver unavailable", "profile", name, "error", err)
			continue
		}
		archivers[name] = archiver
	}

	engineFor := func(runID string, manifest *runregistry.Manifest) (*workflow.Engine, error) {
		graph, err := sitemap.BuildDefault(manifest.TargetURL)
		if err != nil {
			return nil, err
		}

		runDir := registry.RunDir(runID)
		runner := &workflow.TaskRunner{
			RunID:  runID,
			RunDir: runDir,
			Policy: workflow.DefaultRetryPolicy(),
			Logger: logger,
			Sink:   sink,
		}

		explorationCfg := exploration.Config{
			CoverageThreshold: 0.8,
		}
		crawlCfg := crawl.DefaultConfig()

		engine := &workflow.Engine{
			Registry:       registry,
			Runner:         runner,
			Logger:         logger,
			HasCredentials: !manifest.Credentials.IsEmpty(),
			Auth: traced(tracer, metricsCollector, logger, "auth", func(ctx context.Context, runID string, workflowCtx map[string]any) error {
				return authactivity.Run(ctx, authactivity.EnvOrchestrator{}, registry, runID, runDir, manifest.Credentials)
			}),
			Exploration: traced(tracer, metricsCollector, logger, "exploration", func(ctx context.Context, runID string, workflowCtx map[string]any) error {
				result, err := exploration.Run(explorationCfg, sink, runID, runDir, graph)
				if err != nil {
					return err
				}
				workflowCtx["exploration_result"] = result
				return nil
			}),
			Crawl: traced(tracer, metricsCollector, logger, "crawl", func(ctx context.Context, runID string, workflowCtx map[string]any) error {
				result, err := crawl.Run(crawlCfg, sink, runID, runDir, graph)
				if err != nil {
					return err
				}
				workflowCtx["crawl_result"] = result
				return nil
			}),
			Finalize: traced(tracer, metricsCollector, logger, "finalize", func(ctx context.Context, runID string, workflowCtx map[string]any) error {
				builder := artifacts.Builder{}
				built, err := builder.Build(runID, filepath.Join(runDir, "artifacts"))
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(built, "", "  ")
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755); err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(runDir, "artifacts", "index.json"), data, 0o644)
			}),
		}

		archiver, hasArchiver := archivers[manifest.StorageProfile]
		runStart := time.Now()
		engine.OnTerminal = func(ctx context.Context, runID string, status runregistry.Status) {
			metricsCollector.RecordRunComplete(ctx, runID, "gazeqad", string(status), "api", time.Since(runStart))
			if hasArchiver {
				mirrorRunArtifacts(ctx, archiver, registry, runID, logger)
			}
		}

		return engine, nil
	}

	signingRing := func() *signing.Ring {
		keys := secretsMgr.GetSigningKeys()
		return signing.NewRing(keys.AllKeys...)
	}

	server := httpapi.NewServer(httpapi.Deps{
		Registry:    registry,
		Pool:        pool,
		SigningRing: signingRing,
		Audit:       auditLogger,
		Logger:      logger,
		Execute: func(ctx context.Context, runID string) error {
			manifest, err := registry.GetRun(runID)
			if err != nil {
				return err
			}
			engine, err := engineFor(runID, manifest)
			if err != nil {
				return err
			}
			metricsCollector.RecordRunStart(ctx, runID, "gazeqad")

			ctx, root := tracing.StartWorkflowRun(ctx, tracer, runID, "gazeqad.run")
			defer root.End()
			logger.Info("gazeqad: run trace started", "run_id", runID, "trace_id", root.TraceID())

			err = engine.Execute(ctx, runID)
			if err != nil {
				root.RecordError(err)
				root.SetStatus(observability.StatusCodeError, err.Error())
			} else {
				root.SetStatus(observability.StatusCodeOK, "")
			}
			return err
		},
	})

	router := httpapi.NewRouter(server, httpapi.RouterConfig{
		Logger:            logger,
		Tracer:            tracer,
		AlertWebhookToken: cfg.AlertWebhookToken,
		Auth: httpapi.AuthConfig{
			Secrets:   secretsMgr,
			JWTSecret: []byte(cfg.Secrets.JWTSecret),
			JWTIssuer: cfg.JWTIssuer,
		},
		CORS: httpapi.CORSConfig{
			Enabled:          cfg.CORS.Enabled,
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			MaxAge:           cfg.CORS.MaxAge,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gazeqad: listening", "addr", httpServer.Addr)
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("gazeqad: received signal, shutting down", "signal", sig.String())
		pool.StartDraining()
		pool.WaitForDrain(30 * time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// traced wraps a workflow activity in a span covering its phase, so a
// run's trace shows auth/exploration/crawl/finalize as siblings under
// the per-run root span that Execute opens with tracing.StartWorkflowRun.
func traced(tracer trace.Tracer, collector *tracing.MetricsCollector, logger *slog.Logger, phase string, activity workflow.Activity) workflow.Activity {
	return func(ctx context.Context, runID string, workflowCtx map[string]any) error {
		phaseLogger := log.WithRunContext(logger, runID, phase)
		ctx, span := tracing.StartStep(ctx, tracer, phase, "workflow.phase")
		defer span.End()
		span.SetAttributes(map[string]any{"run_id": runID})

		phaseLogger.Info("gazeqad: phase starting")
		start := time.Now()
		err := activity(ctx, runID, workflowCtx)

		status := "success"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			phaseLogger.Error("gazeqad: phase failed", "error", err, "seconds", time.Since(start).Seconds())
		} else {
			phaseLogger.Info("gazeqad: phase complete", "seconds", time.Since(start).Seconds())
		}
		span.AddEvent("phase.complete", map[string]any{"status": status, "seconds": time.Since(start).Seconds()})
		collector.RecordStepComplete(ctx, "gazeqad", phase, status, time.Since(start))
		return err
	}
}

// setupTracing builds the OpenTelemetry tracer provider gazeqad uses for
// HTTP request spans and workflow phase spans. Tracing is opt-in: with
// GAZEQA_TRACING_ENABLED unset the sampler drops every span, so the
// provider still exists (giving callers one non-nil shutdown path) but
// costs nothing beyond span allocation. When GAZEQA_TRACE_STORAGE_PATH is
// set, spans are additionally persisted to a local SQLite database and a
// RetentionManager is returned to sweep traces older than its default
// max age; the caller starts it and stops it alongside the provider.
func setupTracing(ctx context.Context, cfg daemonconfig.Config, logger *slog.Logger) (*tracing.OTelProvider, trace.Tracer, *tracing.MetricsCollector, *tracing.RetentionManager, error) {
	tCfg := tracing.DefaultConfig()
	tCfg.Enabled = cfg.TracingEnabled
	tCfg.ServiceName = "gazeqad"
	tCfg.ServiceVersion = version
	tCfg.Sampling = tracing.SamplingConfig{
		Enabled:            true,
		Type:               "head",
		Rate:               cfg.TraceSampleRate,
		AlwaysSampleErrors: cfg.TracingEnabled,
	}
	if !cfg.TracingEnabled {
		tCfg.Sampling.Rate = 0
	}
	if cfg.OTELEndpoint != "" {
		tCfg.Exporters = []tracing.ExporterConfig{{Type: "otlp", Endpoint: cfg.OTELEndpoint}}
	} else if cfg.TracingEnabled {
		tCfg.Exporters = []tracing.ExporterConfig{{Type: "console"}}
	}

	processors, err := tracing.CreateExportersFromConfig(ctx, tCfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	opts := make([]sdktrace.TracerProviderOption, 0, len(processors)+1)
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	var retention *tracing.RetentionManager
	if cfg.TraceStoragePath != "" {
		store, err := storage.New(storage.Config{Path: cfg.TraceStoragePath, MaxOpenConns: 1})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("gazeqad: open trace storage: %w", err)
		}
		opts = append(opts, sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(tracing.NewStorageExporter(store))))
		retention = tracing.NewRetentionManager(store, 0, 0, logger)
	}

	provider, err := tracing.NewOTelProviderWithConfig(tCfg, opts...)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return provider, otel.Tracer("gazeqad"), provider.MetricsCollector(), retention, nil
}

func mirrorRunArtifacts(ctx context.Context, archiver *storageprofile.Archiver, registry *runregistry.Registry, runID string, logger *slog.Logger) {
	manifestPath := filepath.Join(registry.RunDir(runID), "artifacts", "index.json")
	manifestJSON, err := os.ReadFile(manifestPath)
	if err != nil {
		logger.Warn("gazeqad: no artifact manifest to mirror", "run_id", runID, "error", err)
		return
	}
	var listing artifacts.Manifest
	if err := json.Unmarshal(manifestJSON, &listing); err != nil {
		logger.Warn("gazeqad: malformed artifact manifest, skipping mirror", "run_id", runID, "error", err)
		return
	}
	var fileListing []byte
	for _, f := range listing.Files {
		fileListing = append(fileListing, []byte(f.Path+"\n")...)
	}
	if err := archiver.MirrorRun(ctx, runID, manifestJSON, fileListing); err != nil {
		logger.Warn("gazeqad: archive mirror failed", "run_id", runID, "error", err)
	}
}
