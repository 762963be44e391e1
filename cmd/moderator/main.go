package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/ban"
	"github.com/guptmilan/chat-server/internal/config"
	"github.com/guptmilan/chat-server/internal/database"
	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/messaging"
	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/modstore"
)

func main() {
	cfg, err := config.Load("moderator", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log.Named("moderator")); err != nil {
		log.Fatalw("moderator stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	if cfg.NATSURL == "" {
		return errors.New("moderator: NATS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := database.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return err
	}
	defer rdb.Close()

	store, err := modstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "moderator-" + cfg.ServerName
	nc, err := messaging.NewNATSClient(natsConfig, log.Named("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()

	m := &moderator{bans: ban.NewStore(rdb), store: store, timeout: 5 * time.Second, log: log}
	if err := nc.SubscribeReports(m.handleReport); err != nil {
		return err
	}
	if err := nc.SubscribeFlags(m.handleFlag); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Infow("moderator running",
		"listen_addr", cfg.ListenAddr,
		"nats_url", cfg.NATSURL,
		"moderation_store", cfg.ModerationStore)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
