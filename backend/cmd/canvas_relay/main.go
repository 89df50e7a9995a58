package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"canvasCollab/backend/config"
	"canvasCollab/backend/internal/auth"
	"canvasCollab/backend/internal/cache"
	"canvasCollab/backend/internal/httpapi/handlers"
	"canvasCollab/backend/internal/httpapi/middleware"
	"canvasCollab/backend/internal/room"
	"canvasCollab/backend/internal/store"
	"canvasCollab/backend/internal/ws"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Running.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Running.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "canvas_relay").Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	if cfg.Running.InstanceID == "" {
		cfg.Running.InstanceID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis failed")
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open mysql failed")
	}
	defer db.Close()
	snapshotStore := store.NewSnapshotStore(db)
	if err := snapshotStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("create room_snapshots failed")
	}

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open gorm failed")
	}
	canvasStore := store.NewCanvasStore(gdb)
	if err := canvasStore.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migrate canvases failed")
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka failed")
	}
	defer producer.Close()

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := room.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		room.NewSemaphore(cfg.Relay.Workers),
		room.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     cfg.Relay.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
		log,
	)
	defer kafkaDispatcher.Close()

	presence := cache.NewRedisPresence(rdb)
	svc := room.NewInMemoryService(snapshotStore, kafkaDispatcher, log)
	hub := ws.NewHub(presence, log)
	manager := ws.NewManager(hub, svc, room.NewSemaphore(room.DefaultSemaphore), presence, ws.Config{
		PresenceTTL: cfg.Relay.PresenceTTL,
		CursorTTL:   cfg.Relay.CursorTTL,
	}, log)
	fanout := ws.NewFanout(rdb, cfg.Running.InstanceID, log)
	manager.UseFanout(fanout)

	signer := auth.NewSigner(cfg.Auth.Secret)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", handlers.Healthz)
	r.POST("/auth/refresh", handlers.Refresh(signer, cfg.Auth.TokenTTL))
	api := r.Group("/")
	// 会从 Authorization 或 ?token= 提取 token，写入 userId/username
	api.Use(middleware.AuthMiddleware(signer))
	api.GET("/rooms/:roomId/ws", manager.WebSocketConnect)
	handlers.NewCanvases(cache.NewCanvasCache(rdb, canvasStore), log).Register(api)
	handlers.NewPresence(presence).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("instance", cfg.Running.InstanceID).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return fanout.Run(gctx, manager.HandleRemote)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.SaveAll(saveCtx); err != nil {
		log.Error().Err(err).Msg("save rooms failed")
	}
	log.Info().Msg("relay stopped")
}
