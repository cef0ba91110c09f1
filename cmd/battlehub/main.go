package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/park285/quizbattle/internal/config"
	"github.com/park285/quizbattle/internal/devhub"
	"github.com/park285/quizbattle/internal/devhub/analytics"
	"github.com/park285/quizbattle/internal/devhub/history"
	"github.com/park285/quizbattle/internal/devhub/roomstore"
	"github.com/park285/quizbattle/internal/obslog"
)

func main() {
	if err := godotenv.Load(".env.local"); err != nil {
		log.Println("note: .env.local not found, using process environment")
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.LoadHub()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pctx).Err(); err != nil {
		pcancel()
		log.Fatalf("redis ping error: %v", err)
	}
	pcancel()

	opts := []devhub.Option{devhub.WithLogger(logger)}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := analytics.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Warn("kafka_producer_disabled", zap.Error(err))
		} else {
			defer producer.Close()
			opts = append(opts, devhub.WithRecorder(producer))
			logger.Info("kafka_producer_ready", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		}
	}
	if cfg.DatabaseURL != "" {
		repo, err := history.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("match_history_disabled", zap.Error(err))
		} else {
			defer repo.Close()
			opts = append(opts, devhub.WithRecorder(repo), devhub.WithHistory(repo))
			logger.Info("match_history_ready")
		}
	}

	hub := devhub.NewServer(roomstore.New(rdb, cfg.RoomTTL), opts...)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           devhub.Routes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("battlehub_listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("battlehub_serve_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("battlehub_shutdown", zap.Error(err))
	}
}
