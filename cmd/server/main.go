package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/auth"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/config"
	"github.com/suPer8Hu/convsync/internal/db"
	"github.com/suPer8Hu/convsync/internal/httpapi"
	"github.com/suPer8Hu/convsync/internal/httpapi/handlers"
	"github.com/suPer8Hu/convsync/internal/logger"
	"github.com/suPer8Hu/convsync/internal/session"
	"github.com/suPer8Hu/convsync/internal/store/rabbitmq"
	"github.com/suPer8Hu/convsync/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", "error", err)
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		log.Fatal("migrate chat", "error", err)
	}
	if err := auth.AutoMigrate(gdb); err != nil {
		log.Fatal("migrate users", "error", err)
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisstore.WithLogger(log))
	if err != nil {
		log.Fatal("redis connect", "error", err)
	}
	defer rds.Close()

	svc := chat.NewService(chat.NewRepo(gdb), ai.NewDefaultRegistry(cfg), cfg.ChatContextWindowSize,
		chat.WithLogger(log),
		chat.WithNotifier(rds),
		chat.WithDefaultProvider(cfg.AIProvider, ai.DefaultModel(cfg, cfg.AIProvider)),
	)

	deps := handlers.Deps{
		DB:        gdb,
		JWTSecret: cfg.JWTSecret,
		ChatSvc:   svc,
		Holdings:  func(clientID string) session.Holding { return rds.Holding(clientID) },
		Log:       log,
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		// sync replies still work without a broker
		log.Warn("rabbitmq unavailable, async replies disabled", "error", err)
	} else {
		defer pub.Close()
		deps.Publisher = pub
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http server started", "addr", cfg.HTTPAddr, "provider", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
}
