package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dbehnke/ipcbus/internal/config"
	"github.com/dbehnke/ipcbus/ipc"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: search standard locations)")
	secretFlag := flag.String("secret", "", "Shared secret (overrides config/env)")
	urlFlag := flag.String("url", "", "Dial this URL directly as a worker, skipping discovery")
	hostFlag := flag.String("host", "", "Bind this host directly as master, skipping discovery")
	labelsFlag := flag.String("labels", "", "Comma-separated labels to advertise")
	verbose := flag.Bool("verbose", false, "Enable debug-level logging")
	flag.Parse()

	cfg := config.Load(*configPath)
	if *secretFlag != "" {
		cfg.Secret = *secretFlag
	}
	if *urlFlag != "" {
		cfg.URL = *urlFlag
	}
	if *hostFlag != "" {
		cfg.Host = *hostFlag
	}
	if *labelsFlag != "" {
		cfg.Labels = strings.Split(*labelsFlag, ",")
	}

	zapCfg := zap.NewProductionConfig()
	if *verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	opts := []ipc.Option{
		ipc.WithLogger(logger),
		ipc.WithPortRange(cfg.PortRangeStart, cfg.PortRangeEnd),
		ipc.WithPath(cfg.Path),
		ipc.WithLabels(cfg.Labels...),
	}
	if cfg.URL != "" {
		opts = append(opts, ipc.WithURL(cfg.URL))
	} else if cfg.Host != "" {
		opts = append(opts, ipc.WithHost(cfg.Host))
	}

	peer, err := ipc.New(cfg.Secret, opts...)
	if err != nil {
		logger.Fatal("failed constructing peer", zap.Error(err))
	}

	peer.On("receive", func(ctx *ipc.Context, env *ipc.Envelope) {
		logger.Info("received event", zap.String("type", env.Type), zap.String("from", env.From))
	})
	peer.On("ping", func(ctx *ipc.Context, env *ipc.Envelope) {
		if err := ctx.Respond(map[string]string{"pong": "ok"}); err != nil {
			logger.Debug("failed responding to ping", zap.Error(err))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt, shutting down")
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connectCancel()
	if err := peer.Connect(connectCtx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	logger.Info("bus ready",
		zap.String("authority", peer.Authority().String()),
		zap.Int("bound_port", peer.BoundPort()),
	)

	<-ctx.Done()
	if err := peer.Close(); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
}
