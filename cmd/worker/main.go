// The worker runs the streaming and scheduling core: it consumes dispatched
// task executions, fires the periodic due check, and serves prometheus
// metrics. Without a NATS URL it runs standalone and executes claimed tasks
// in process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/codeforge-ai/backend/internal/config"
	"github.com/codeforge-ai/backend/internal/contextusage"
	"github.com/codeforge-ai/backend/internal/crypto"
	"github.com/codeforge-ai/backend/internal/dispatch"
	"github.com/codeforge-ai/backend/internal/gateway"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/queue"
	"github.com/codeforge-ai/backend/internal/scheduler"
	"github.com/codeforge-ai/backend/internal/sharedlog"
	"github.com/codeforge-ai/backend/internal/storage/pg"
	"github.com/codeforge-ai/backend/internal/streaming"
)

// localDispatcher executes claimed tasks in process when NATS is not
// configured. The runner field is set after the runner is built.
type localDispatcher struct {
	runner *scheduler.Runner
	logger *logger.Logger
}

func (d *localDispatcher) EnqueueTask(ctx context.Context, taskID uuid.UUID) error {
	go func() {
		if err := d.runner.RunScheduledTask(ctx, taskID); err != nil {
			d.logger.Error("task execution failed", "task_id", taskID, "error", err)
		}
	}()
	return nil
}

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	lg := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log := lg.WithComponent("worker")

	enc, err := crypto.New(cfg.SettingsEncryptionKey)
	if err != nil {
		log.Error("invalid settings encryption key", "error", err)
		os.Exit(1)
	}

	db, err := pg.InitDatabase(cfg.DatabaseURL, enc)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.DB.Close()

	rdb, err := sharedlog.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	shared := sharedlog.NewLog(rdb, cfg.StreamMaxLen,
		time.Duration(cfg.TaskTTLSeconds)*time.Second,
		time.Duration(cfg.QueueMessageTTLSeconds)*time.Second)

	gw := gateway.NewClient(cfg.AgentGatewayURL,
		time.Duration(cfg.AgentGatewayTimeoutSeconds)*time.Second, lg)

	publisher := streaming.NewPublisher(shared, lg)
	queueSvc := queue.NewService(shared, cfg.MaxQueueSize, lg)
	injector := streaming.NewInjector(db.Store, queueSvc, publisher, lg)
	usage := contextusage.NewService(gw, shared, db.Store, publisher,
		time.Duration(cfg.ContextUsageCacheTTLSeconds)*time.Second,
		time.Duration(cfg.ContextUsagePollIntervalSeconds)*time.Second,
		int64(cfg.ContextWindowTokens), lg)
	orchestrator := streaming.NewOrchestrator(gw, shared, db.Store, publisher,
		injector, gw, usage, cfg.RevocationPollInterval(), lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS is optional: with it, executions fan out over a queue group;
	// without it, claimed tasks run in this process.
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
	}

	local := &localDispatcher{logger: log}
	runner := scheduler.NewRunner(db.Store, gw, orchestrator, local, cfg.SchedulerBatchLimit, lg)
	local.runner = runner

	var consumer *dispatch.Consumer
	if nc != nil {
		natsPublisher := dispatch.NewPublisher(nc, cfg.SchedulerDispatchSubject, lg)
		runner = scheduler.NewRunner(db.Store, gw, orchestrator, natsPublisher, cfg.SchedulerBatchLimit, lg)
		consumer = dispatch.NewConsumer(nc, cfg.SchedulerDispatchSubject, cfg.SchedulerQueueGroup, runner, lg)
		if err := consumer.Start(ctx); err != nil {
			log.Error("failed to start task consumer", "error", err)
			os.Exit(1)
		}
	}

	crontab := cron.New()
	if _, err := crontab.AddFunc("* * * * *", func() {
		if err := runner.CheckDue(ctx); err != nil {
			log.Error("due check failed", "error", err)
		}
	}); err != nil {
		log.Error("failed to schedule due check", "error", err)
		os.Exit(1)
	}
	if _, err := crontab.AddFunc("0 3 * * *", func() {
		if err := runner.CleanupExpiredTokens(ctx); err != nil {
			log.Error("token cleanup failed", "error", err)
		}
	}); err != nil {
		log.Error("failed to schedule token cleanup", "error", err)
		os.Exit(1)
	}
	crontab.Start()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("worker started",
		"metrics_addr", cfg.MetricsAddr,
		"dispatch_subject", cfg.SchedulerDispatchSubject,
		"distributed", nc != nil)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.WorkerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	cronCtx := crontab.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		log.Warn("cron jobs did not finish before the shutdown deadline")
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			log.Error("failed to stop task consumer", "error", err)
		}
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop metrics server", "error", err)
	}

	log.Info("worker stopped")
}
