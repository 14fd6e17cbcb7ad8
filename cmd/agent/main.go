package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/media"
	"call-signaling/internal/relay"
	"call-signaling/internal/signaling"
	"call-signaling/internal/transport"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	issueToken := flag.Bool("issue-token", false, "print an access/refresh token pair for ACTOR_ID and exit")
	flag.Parse()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env).With("actor_id", cfg.App.ActorID)
	slog.SetDefault(log)

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	if *issueToken {
		pair, err := authManager.IssuePair(time.Now(), cfg.App.ActorID)
		if err != nil {
			log.Error("token issuance failed", "err", err)
			os.Exit(1)
		}
		_ = json.NewEncoder(os.Stdout).Encode(pair)
		return
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := relay.Migrate(rootCtx, db); err != nil {
		log.Error("schema migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store, err := relay.NewPostgresStore(db)
	if err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}
	bus, err := relay.NewRedisBus(rdb, log)
	if err != nil {
		log.Error("bus init failed", "err", err)
		os.Exit(1)
	}
	rel, err := relay.New(store, bus, log)
	if err != nil {
		log.Error("relay init failed", "err", err)
		os.Exit(1)
	}

	transports, err := transport.NewPionFactory(transport.Config{
		ICEServers:          cfg.ICEServers(),
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		Logger:              log,
	})
	if err != nil {
		log.Error("transport init failed", "err", err)
		os.Exit(1)
	}
	capturer := media.NewStaticCapturer(media.Devices{Audio: cfg.Media.Audio, Video: cfg.Media.Video}, log)

	calls, err := signaling.NewManager(signaling.Options{
		ActorID:    cfg.App.ActorID,
		Relay:      rel,
		Transports: transports,
		Capturer:   capturer,
		Retry: signaling.RetryPolicy{
			MaxAttempts: cfg.Signaling.OfferWaitAttempts,
			Interval:    cfg.Signaling.OfferWaitInterval,
		},
		Logger: log,
	})
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}
	if err := calls.Start(rootCtx); err != nil {
		log.Error("signaling start failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{Auth: authManager, Calls: calls}, cfg.App.ActorID)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start and answer wait on media, the relay and the offer poll
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("agent listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := calls.Close(shutdownCtx); err != nil {
		log.Error("signaling shutdown failed", "err", err)
	}
}
