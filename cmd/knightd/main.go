package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/PRATHAMU200/knightfight/internal/config"
	"github.com/PRATHAMU200/knightfight/internal/httpapi"
	"github.com/PRATHAMU200/knightfight/internal/obslog"
	"github.com/PRATHAMU200/knightfight/internal/presence"
	"github.com/PRATHAMU200/knightfight/internal/rules"
	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/internal/store"
	"github.com/PRATHAMU200/knightfight/internal/ws"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}

	// Durable store: Postgres when configured, in-memory for development.
	var (
		st      session.Store
		api     httpapi.SessionStore
		closers []func() error
	)
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("store init error: %v", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pg.EnsureSchema(sctx)
		cancel()
		if err != nil {
			log.Fatalf("schema error: %v", err)
		}
		st, api = pg, pg
		closers = append(closers, pg.Close)
	} else {
		obslog.L().Warn("no DATABASE_URL, using in-memory store")
		mem := store.NewMem()
		st, api = mem, mem
	}

	opts := []session.Option{
		session.WithStoreTimeout(time.Duration(cfg.StoreTimeoutSec) * time.Second),
	}
	if cfg.ValidateMoves {
		opts = append(opts, session.WithChecker(rules.NewEngine()))
	}

	var live httpapi.Liveness
	if cfg.RedisURL != "" {
		mirror, err := presence.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("presence init error: %v", err)
		}
		opts = append(opts, session.WithPresence(mirror))
		live = mirror
		closers = append(closers, mirror.Close)
	}

	reg := session.NewRegistry(st, opts...)
	if live == nil {
		live = httpapi.RegistryLiveness{Reg: reg}
	}

	mux := http.NewServeMux()
	httpapi.New(api, live, cfg.AllowedOrigins).Register(mux)
	mux.Handle("/ws", ws.NewHandler(reg, cfg.AllowedOrigins, cfg.SendBuffer))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("server_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(ctx)
	cancel()
	for _, c := range closers {
		_ = c()
	}
}
