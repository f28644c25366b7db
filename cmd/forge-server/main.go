// forge-server is the orchestrator daemon: it opens the durable store and
// queue, recovers work orphaned by a previous crash, starts the worker
// pool with the run and review handlers, and serves metrics until a
// termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"forge/internal/agent"
	"forge/internal/agent/claudecode"
	"forge/internal/agent/codexcli"
	"forge/internal/agent/geminicli"
	"forge/internal/agent/patchagent"
	"forge/internal/config"
	"forge/internal/cycle"
	"forge/internal/domain"
	"forge/internal/executor"
	"forge/internal/gitcli"
	"forge/internal/hosting"
	"forge/internal/logging"
	"forge/internal/notify"
	"forge/internal/observability"
	"forge/internal/queue"
	"forge/internal/store"
	"forge/internal/stream"
	"forge/internal/worker"
	"forge/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for /metrics and /healthz")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "forge-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	logger := logging.NewComponentLogger("server")
	logger.Info("starting forge-server (queue=%s, workers=%d)", cfg.QueueBackend, cfg.MaxConcurrentJobs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, q, closeBackends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	if err := recoverOrphans(ctx, st, q, logger); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	metrics := observability.New(nil)
	mux := stream.NewMultiplexer(stream.Options{
		MaxHistory:       cfg.OutputMaxHistory,
		SubscriberBuffer: cfg.OutputMaxQueueSize,
		Retention:        cfg.OutputCleanupAfter(),
		Persist:          st,
	}, logging.NewComponentLogger("stream"), metrics)

	agents := agent.NewRunner(logging.NewComponentLogger("agent"), metrics)
	agents.Register(claudecode.New(cfg.AgentFor("claude-code"), logging.NewComponentLogger("claude-code")))
	agents.Register(codexcli.New(cfg.AgentFor("codex-cli"), logging.NewComponentLogger("codex-cli")))
	agents.Register(geminicli.New(cfg.AgentFor("gemini-cli"), logging.NewComponentLogger("gemini-cli")))
	agents.Register(patchagent.New(logging.NewComponentLogger("patch-agent")))

	host := hosting.New(cfg.Hosting, logging.NewComponentLogger("hosting"))
	git := gitcli.New(nil, logging.NewComponentLogger("git"))
	workspaces := workspace.NewManager(git, cfg.WorkspaceRoot, cfg.Shallow(), logging.NewComponentLogger("workspace"))

	var translator executor.Translator
	if cfg.TranslatorEndpoint != "" {
		translator = executor.NewLLMTranslator(cfg.TranslatorEndpoint, cfg.TranslatorAPIKey, "", 0,
			logging.NewComponentLogger("translator"))
	}

	runExec := executor.NewRunExecutor(st, workspaces, agents, mux, host, translator, cfg.BranchPrefix,
		logging.NewComponentLogger("run-executor"))
	reviewExec := executor.NewReviewExecutor(st, workspaces, agents, mux,
		logging.NewComponentLogger("review-executor"))

	pool := worker.New(q, worker.Options{
		Workers:      cfg.MaxConcurrentJobs,
		Visibility:   cfg.VisibilityTimeout(),
		PollInterval: cfg.PollInterval(),
		RetryDelay:   cfg.RetryDelay(),
	}, logging.NewComponentLogger("worker"), metrics)
	pool.Register(domain.JobRunExecute, runExec.Handle)
	pool.Register(domain.JobReviewExecute, reviewExec.Handle)

	engine := cycle.NewEngine(st, q, host, notify.NewLogNotifier(logging.NewComponentLogger("notify")),
		metrics, cycle.OptionsFromConfig(cfg), logging.NewComponentLogger("cycle"))

	maintenance := startMaintenance(st, mux, engine, cfg, logger)
	defer maintenance.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(ctx) })
	group.Go(func() error { return serveMetrics(ctx, metricsAddr, logger) })

	logger.Info("forge-server up")
	err = group.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("forge-server stopped")
	return nil
}

func setupLogging(cfg *config.Config) error {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = file
	}
	logging.Configure(out, logging.ParseLevel(cfg.LogLevel))
	return nil
}

// openBackends wires the store and queue for the configured backend. The
// memory backend keeps everything in-process for development; postgres
// and redis share the relational store.
func openBackends(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, queue.Queue, func(), error) {
	if cfg.QueueBackend == config.BackendMemory {
		logger.Warn("memory backend selected; nothing survives a restart")
		return store.NewMemory(), queue.NewMemory(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := store.NewPostgres(pool, logging.NewComponentLogger("store"))
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	if cfg.QueueBackend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closer := func() {
			_ = client.Close()
			pool.Close()
		}
		return st, queue.NewRedis(client, logging.NewComponentLogger("queue")), closer, nil
	}

	return st, queue.NewPostgres(pool, logging.NewComponentLogger("queue")), pool.Close, nil
}

// recoverOrphans fails jobs, runs and reviews a crashed process left in
// running state. Non-terminal cycle states are left alone; the stale
// sweeper fails them once they age past the cycle timeout.
func recoverOrphans(ctx context.Context, st store.Store, q queue.Queue, logger logging.Logger) error {
	const reason = "orphaned at startup"

	failed, err := q.FailAllRunning(ctx, reason)
	if err != nil {
		return err
	}
	if failed > 0 {
		logger.Warn("failed %d orphaned jobs", failed)
	}

	runs, err := st.ListRunsByStatus(ctx, domain.RunRunning)
	if err != nil {
		return err
	}
	for _, run := range runs {
		run.Status = domain.RunFailed
		run.Error = reason
		now := time.Now()
		run.CompletedAt = &now
		if err := st.UpdateRun(ctx, run); err != nil {
			return err
		}
	}
	reviews, err := st.ListReviewsByStatus(ctx, domain.RunRunning)
	if err != nil {
		return err
	}
	for _, review := range reviews {
		review.Status = domain.RunFailed
		review.Error = reason
		now := time.Now()
		review.CompletedAt = &now
		if err := st.UpdateReview(ctx, review); err != nil {
			return err
		}
	}
	if len(runs)+len(reviews) > 0 {
		logger.Warn("failed %d orphaned runs and %d orphaned reviews", len(runs), len(reviews))
	}
	return nil
}

// startMaintenance schedules the periodic cleanups: completed output
// streams past retention and abandoned cycle states past the cycle
// timeout.
func startMaintenance(st store.Store, mux *stream.Multiplexer, engine *cycle.Engine, cfg *config.Config, logger logging.Logger) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if ids := mux.CleanupOldStreams(); len(ids) > 0 {
			deleted, err := st.DeleteOutputStreams(ctx, ids)
			if err != nil {
				logger.Warn("delete output streams: %v", err)
			} else {
				logger.Info("cleaned up %d streams (%d persisted lines)", len(ids), deleted)
			}
		}
		if swept, err := engine.SweepStale(ctx, cfg.CycleTimeout()); err != nil {
			logger.Warn("sweep stale cycles: %v", err)
		} else if swept > 0 {
			logger.Info("failed %d abandoned cycles", swept)
		}
	})
	if err != nil {
		logger.Error("schedule maintenance: %v", err)
	}
	c.Start()
	return c
}

func serveMetrics(ctx context.Context, addr string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()
	logger.Info("metrics listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errs:
		return err
	}
}
