package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cognicore/flatroute/pkg/flatroute"
	"github.com/cognicore/flatroute/pkg/flatroute/chunk"
	"github.com/cognicore/flatroute/pkg/flatroute/config"
	"github.com/cognicore/flatroute/pkg/flatroute/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "flatroute.yaml", "Job configuration file")
		once       = flag.Bool("once", false, "Run the job once and exit")
	)
	flag.Parse()
	os.Exit(run(*configPath, *once))
}

// run returns the process exit code so that deferred cleanup runs first.
func run(configPath string, once bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.Loader{Path: configPath}
	components, err := loader.Load(ctx)
	if err != nil {
		log.Print("Failed to load configuration: ", err)
		return 1
	}
	defer components.Close()

	logger := components.Logger
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	cfg := components.Config

	var obs chunk.Observer
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		obs = metrics.New(reg)
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer shutdown(srv)
	}

	job, err := flatroute.FromConfig(components, obs)
	if err != nil {
		logger.Error("flatroute: build job", zap.Error(err))
		return 1
	}
	defer job.Stop()

	if once || !cfg.Schedule.IsEnabled() {
		res, err := job.RunNow(ctx)
		if err != nil {
			logger.Error("flatroute: run rejected", zap.Error(err))
			return 1
		}
		printSummary(res)
		if res.Status != chunk.StatusCompleted {
			return 1
		}
		return 0
	}

	logger.Info("flatroute: scheduling",
		zap.String("job", job.Name()),
		zap.Duration("interval", cfg.Schedule.Interval))
	job.Start(ctx)
	<-ctx.Done()
	logger.Info("flatroute: shutting down")
	return 0
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("flatroute: metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("flatroute: metrics server", zap.Error(err))
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printSummary(res chunk.Result) {
	fmt.Printf("run %s %s in %s\n", res.Token, res.Status, res.Duration().Round(time.Millisecond))
	fmt.Printf("  records read:    %d\n", res.RecordsRead)
	fmt.Printf("  records written: %d\n", res.RecordsWritten)
	fmt.Printf("  chunks:          %d committed, %d failed\n", res.ChunksCommitted, res.ChunksFailed)
	if n := len(res.RecordErrors); n > 0 {
		fmt.Printf("  record errors:   %d\n", n)
		for i, err := range res.RecordErrors {
			if i == 10 {
				fmt.Printf("    ... %d more\n", n-i)
				break
			}
			fmt.Printf("    %v\n", err)
		}
	}
	if res.Err != nil {
		fmt.Printf("  error: %v\n", res.Err)
	}
}
