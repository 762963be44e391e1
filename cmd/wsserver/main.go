package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/ban"
	"github.com/guptmilan/chat-server/internal/chat"
	"github.com/guptmilan/chat-server/internal/config"
	"github.com/guptmilan/chat-server/internal/database"
	"github.com/guptmilan/chat-server/internal/gateway"
	"github.com/guptmilan/chat-server/internal/identity"
	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/matching"
	"github.com/guptmilan/chat-server/internal/messaging"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/modstore"
	"github.com/guptmilan/chat-server/internal/ratelimit"
	"github.com/guptmilan/chat-server/internal/relay"
	"github.com/guptmilan/chat-server/internal/report"
	"github.com/guptmilan/chat-server/internal/session"
	"github.com/guptmilan/chat-server/internal/ws"
)

func main() {
	cfg, err := config.Load("wsserver", os.Args[1:])
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

	if err := run(cfg, log); err != nil {
		log.Fatalw("wsserver stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis ---
	rdb, err := database.OpenRedis(ctx, cfg.RedisURL)
	if rdb == nil {
		return err
	}
	if err != nil {
		log.Warnw("redis unreachable at startup, continuing degraded", "error", err)
	}
	defer rdb.Close()

	// --- NATS (optional) ---
	var nc *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "wsserver-" + cfg.ServerName
		nc, err = messaging.NewNATSClient(natsConfig, log.Named("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	// --- Moderation store ---
	store, err := modstore.Open(ctx, cfg)
	if err != nil {
		// Reports still block and release without it.
		log.Errorw("moderation store unavailable, reports will not be persisted", "backend", cfg.ModerationStore, "error", err)
		store = modstore.Nop{}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	sessions := session.NewStore(rdb, cfg.ServerName)
	blocks := ban.NewBlockStore(rdb)
	engine := matching.NewEngine(sessions, matching.NewQueue(rdb), blocks, log.Named("matcher"))
	history := chat.NewHistory(rdb)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.AllowedOrigins = cfg.AllowedOrigins
	server := ws.NewServer(wsConfig, ws.Hooks{}, log.Named("ws"))

	// Interfaces stay nil without NATS; a typed nil pointer would not.
	var (
		remote     relay.Remote
		publisher  report.Publisher
		flagger    gateway.Flagger
		deliveries gateway.Deliveries
	)
	if nc != nil {
		remote, publisher, flagger, deliveries = nc, nc, nc, nc
	}

	router := relay.NewRouter(server, remote, log.Named("relay"))
	gw := gateway.New(gateway.Deps{
		Engine:     engine,
		Router:     router,
		Relay:      relay.New(router, log.Named("relay")),
		Limiter:    ratelimit.NewLimiter(rdb, log.Named("ratelimit")),
		Filter:     moderation.NewFilter(),
		History:    history,
		Reports:    report.NewService(engine, store, blocks, history, publisher, log.Named("report")),
		Bans:       ban.NewStore(rdb),
		Hasher:     identity.NewHasher(cfg.IdentitySalt),
		TrustProxy: cfg.TrustProxy,
		Flagger:    flagger,
		Deliveries: deliveries,
		Log:        log.Named("gateway"),
	})
	server.SetHooks(gw.Hooks(ws.NewMessageDispatcher(log.Named("ws"))))

	log.Infow("wsserver starting",
		"listen_addr", cfg.ListenAddr,
		"server_name", cfg.ServerName,
		"workers", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"nats", cfg.NATSURL != "",
		"moderation_store", cfg.ModerationStore)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown removes every connection, which releases its session.
	return server.Shutdown(shutdownCtx)
}
