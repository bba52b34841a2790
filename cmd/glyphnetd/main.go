// Command glyphnetd runs a cluster of federated messaging host instances
// from one YAML configuration file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glyphnet/glyphnet/cluster"
	"github.com/glyphnet/glyphnet/internal/logctx"
)

func main() {
	os.Exit(run())
}

func run() int {
	env, err := cluster.LoadEnv()
	if err != nil {
		slog.Error("invalid environment", slog.String("err", err.Error()))
		return 1
	}

	configPath := flag.String("config", env.ConfigPath, "path to the cluster configuration file")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(logger)

	cfg, err := cluster.Load(*configPath, env)
	if err != nil {
		logger.Error("configuration rejected", slog.String("err", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, results := cluster.Run(ctx, cfg, logger)
	started := 0
	for _, res := range results {
		if res.Err == nil {
			started++
		}
	}
	if started == 0 {
		logger.Error("no host instance started")
		return 1
	}
	logger.Info("cluster running",
		slog.Int("started", started),
		slog.Int("failed", len(results)-started))

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("err", err.Error()))
		return 1
	}
	logger.Info("cluster stopped")
	return 0
}
