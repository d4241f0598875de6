// Package main is the entry point for the fanout broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sutrobroker/fanout/internal/amqpsource"
	"github.com/sutrobroker/fanout/internal/broker"
	"github.com/sutrobroker/fanout/internal/buildinfo"
	"github.com/sutrobroker/fanout/internal/config"
	"github.com/sutrobroker/fanout/internal/metrics"
	"github.com/sutrobroker/fanout/internal/signer"
	"github.com/sutrobroker/fanout/internal/wsserver"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("fanout - namespace-partitioned WebSocket broadcast broker")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the broker")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:       level,
				ReplaceAttr: config.ReplaceLogLevelNames,
			}))
		}
	}

	logger.Info("starting fanout", "version", buildinfo.Version, "config", cfgPath)

	secret, err := cfg.Web.MACSecret()
	if err != nil {
		logger.Error("mac secret", "error", err)
		os.Exit(1)
	}
	sig, err := signer.New(secret, cfg.Web.AdminAuth)
	if err != nil {
		logger.Error("signer init", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metricsSink := broker.NewStats(metrics.New(reg))

	dispatcher := broker.NewDispatcher(metricsSink, broker.DefaultQueueDepth)

	source, err := amqpsource.New(amqpsource.Config{
		Endpoint:          cfg.AMQP.Endpoint,
		VHost:             cfg.AMQP.VHost,
		Username:          cfg.AMQP.Username,
		Password:          cfg.AMQP.Password,
		ExchangeBroadcast: cfg.AMQP.ExchangeBroadcast,
		ExchangeStatus:    cfg.AMQP.ExchangeStatus,
		PublishStatus:     cfg.AMQP.SendStatusMessages,
		ConnectionName:    buildinfo.ConnectionName(),
	}, dispatcher.Route, logger)
	if err != nil {
		logger.Error("amqp source init", "error", err)
		os.Exit(1)
	}

	server := wsserver.New(wsserver.Config{
		PingInterval: time.Duration(cfg.Web.PingInterval) * time.Second,
		ShedRate:     cfg.Web.ConnShedRate,
		ShedDelay:    time.Duration(cfg.Web.ShedDelaySec) * time.Second,
	}, dispatcher, sig, metricsSink, source, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := source.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("amqp source exited", "error", err)
		}
	}()

	go watchQuiesceSignal(ctx, server, logger)

	mux := server.Mux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.String()))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// watchQuiesceSignal begins quiescing, bypassing the admin credential
// check, the moment SIGUSR2 arrives.
func watchQuiesceSignal(ctx context.Context, server *wsserver.Server, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	runQuiesceLoop(ctx, sigCh, server.TriggerQuiesce, logger)
}

// runQuiesceLoop is the signal-driven half of watchQuiesceSignal,
// factored out so it can be driven by a synthetic channel in tests
// instead of a real OS signal.
func runQuiesceLoop(ctx context.Context, sigCh <-chan os.Signal, trigger func() int, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			remaining := trigger()
			logger.Info("quiesce triggered by signal", "remaining", remaining)
		}
	}
}
