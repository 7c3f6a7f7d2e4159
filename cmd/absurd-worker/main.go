// Command absurd-worker is a reference worker loop: it polls
// claim_task, and on every claimed run it must still call complete_run
// or fail_run itself (the handler registry is an SDK concern out of
// scope per spec.md §1) — so by default it completes every claimed run
// immediately with an empty result, which is enough to drive the TTL
// cleanup and metrics paths end-to-end for operators wiring their own
// handler dispatch on top. It also runs the periodic TTL cleanup sweep
// on a robfig/cron schedule and serves Prometheus metrics, in the style
// of the teacher's internal/app/scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"absurd/internal/engine"
	"absurd/internal/metrics"
	"absurd/internal/shared/config"
	"absurd/internal/shared/logging"
	"absurd/internal/tracing"
)

func main() {
	var (
		queue        = flag.String("queue", "default", "queue to poll")
		workerID     = flag.String("worker-id", hostnameOrFallback(), "worker identity reported to claim_task")
		leaseSeconds = flag.Int("lease", 60, "claim lease duration in seconds")
		batchSize    = flag.Int("batch", 10, "maximum runs to claim per poll")
		pollInterval = flag.Duration("poll", 2*time.Second, "delay between empty polls")
		exporter     = flag.String("trace-exporter", "", "otlp|jaeger|zipkin, empty disables tracing")
		traceEndpoint = flag.String("trace-endpoint", "", "trace collector endpoint")
	)
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("absurd-worker: load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Exporter:    tracing.Exporter(*exporter),
		Endpoint:    *traceEndpoint,
		ServiceName: "absurd-worker",
	})
	if err != nil {
		log.Fatalf("absurd-worker: setup tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	e, err := engine.Open(cfg.DatabasePath, engine.WithLogger(logger))
	if err != nil {
		log.Fatalf("absurd-worker: open %s: %v", cfg.DatabasePath, err)
	}
	defer e.Close()

	if _, err := e.ApplyMigrations(context.Background()); err != nil {
		log.Fatalf("absurd-worker: apply migrations: %v", err)
	}
	if err := e.CreateQueue(context.Background(), *queue); err != nil {
		log.Fatalf("absurd-worker: create queue %s: %v", *queue, err)
	}

	m := metrics.New()
	go serveMetrics(cfg.MetricsAddr, m, logger)

	sched := newCleanupScheduler(e, m, cfg, *queue, logger)
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("absurd-worker: polling queue=%s worker_id=%s", *queue, *workerID)
	runLoop(ctx, e, m, logger, loopOptions{
		queue:        *queue,
		workerID:     *workerID,
		leaseSeconds: *leaseSeconds,
		batchSize:    *batchSize,
		pollInterval: *pollInterval,
	})
}

type loopOptions struct {
	queue        string
	workerID     string
	leaseSeconds int
	batchSize    int
	pollInterval time.Duration
}

// runLoop is the reference claim/execute/complete cycle. A real
// deployment swaps the inline complete_run call for dispatch into
// registered task handlers; this loop exists to exercise claim_task, complete_run and
// the metrics/tracing wiring end-to-end without an SDK dependency.
func runLoop(ctx context.Context, e *engine.Engine, m *metrics.Registry, logger logging.Logger, opts loopOptions) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("absurd-worker: shutting down")
			return
		default:
		}

		claimCtx, endSpan := tracing.StartSpan(ctx, "claim_task")
		claimed, err := e.ClaimTask(claimCtx, opts.queue, opts.workerID, opts.leaseSeconds, opts.batchSize)
		endSpan()
		if err != nil {
			if engine.IsRetryable(err) {
				logger.Warn("absurd-worker: claim_task busy, backing off: %v", err)
			} else {
				logger.Error("absurd-worker: claim_task: %v", err)
			}
			sleep(ctx, opts.pollInterval)
			continue
		}

		m.ClaimBatchSize.Observe(float64(len(claimed)))
		if len(claimed) == 0 {
			sleep(ctx, opts.pollInterval)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range claimed {
			task := task
			g.Go(func() error {
				m.TasksClaimed.Inc()
				runCtx, endRunSpan := tracing.StartSpan(gctx, "run_handler:"+task.TaskName)
				defer endRunSpan()
				if err := e.CompleteRun(runCtx, opts.queue, task.RunID, []byte(`{}`)); err != nil {
					logger.Error("absurd-worker: complete_run %s: %v", task.RunID, err)
					m.RunsFailed.Inc()
					return nil
				}
				m.RunsCompleted.Inc()
				return nil
			})
		}
		_ = g.Wait()
	}
}

func newCleanupScheduler(e *engine.Engine, m *metrics.Registry, cfg config.Config, queue string, logger logging.Logger) *cron.Cron {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.CleanupInterval.String())
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if n, err := e.CleanupTasks(ctx, queue, cfg.TaskTTLSeconds, 1000); err != nil {
			logger.Error("absurd-worker: cleanup_tasks: %v", err)
		} else if n > 0 {
			m.TasksCleaned.Add(float64(n))
			logger.Info("absurd-worker: cleaned up %d terminal task(s)", n)
		}
		if n, err := e.CleanupEvents(ctx, queue, cfg.EventTTLSeconds, 1000); err != nil {
			logger.Error("absurd-worker: cleanup_events: %v", err)
		} else if n > 0 {
			m.EventsCleaned.Add(float64(n))
			logger.Info("absurd-worker: cleaned up %d undelivered event(s)", n)
		}
	})
	if err != nil {
		logger.Error("absurd-worker: schedule cleanup: %v", err)
	}
	return c
}

func serveMetrics(addr string, m *metrics.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("absurd-worker: serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("absurd-worker: metrics server: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "absurd-worker"
	}
	return h
}
