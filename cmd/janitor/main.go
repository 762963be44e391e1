package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guptmilan/chat-server/internal/config"
	"github.com/guptmilan/chat-server/internal/database"
	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/matching"
	"github.com/guptmilan/chat-server/internal/session"
)

func main() {
	cfg, err := config.Load("janitor", os.Args[1:])
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
	log = log.Named("janitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := database.OpenRedis(ctx, cfg.RedisURL)
	if rdb == nil {
		log.Fatalw("redis", "error", err)
	}
	if err != nil {
		log.Warnw("redis unreachable at startup, will retry each sweep", "error", err)
	}
	defer rdb.Close()

	j := matching.NewJanitor(matching.NewQueue(rdb), session.NewStore(rdb, cfg.ServerName), log)
	log.Infow("janitor running", "interval", cfg.JanitorInterval)

	// One pass right away, then on the interval.
	if n, err := j.Sweep(ctx); err != nil {
		log.Warnw("initial sweep failed", "error", err)
	} else {
		log.Infow("initial sweep", "removed", n)
	}
	j.Run(ctx, cfg.JanitorInterval)
}
