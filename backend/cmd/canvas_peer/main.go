package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"canvasCollab/backend/config"
	"canvasCollab/backend/internal/auth"
	"canvasCollab/backend/internal/cache"
	"canvasCollab/backend/internal/canvasops"
	"canvasCollab/backend/internal/collab"
	"canvasCollab/backend/internal/command"
	"canvasCollab/backend/internal/persist"
	"canvasCollab/backend/internal/remote"
	"canvasCollab/backend/internal/scene"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "canvas_peer: %v\n", err)
		os.Exit(1)
	}
}

func newStorage(cfg *config.Config, fs afero.Fs) (persist.Storage, func(), error) {
	switch cfg.Peer.Storage {
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password})
		return cache.NewRedisStorage(rdb, "canvas:peer:"), func() { _ = rdb.Close() }, nil
	case "", "file":
		s, err := persist.NewFileStorage(fs, cfg.Peer.StorageDir)
		return s, func() {}, err
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.Peer.Storage)
}

func newUploader(ctx context.Context, cfg *config.Config, token string) (persist.Uploader, error) {
	switch cfg.Peer.Uploader {
	case "", "http":
		return remote.NewHTTPUploader(cfg.Peer.RelayURL, token), nil
	case "minio":
		u, err := remote.NewObjectUploader(remote.ObjectConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Prefix:    cfg.Minio.Prefix,
			Secure:    cfg.Minio.Secure,
		})
		if err != nil {
			return nil, err
		}
		if err := u.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return u, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown uploader %q", cfg.Peer.Uploader)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	level, err := zerolog.ParseLevel(cfg.Running.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	storage, closeStorage, err := newStorage(cfg, fs)
	if err != nil {
		return err
	}
	defer closeStorage()

	saver := persist.NewCoordinator(storage,
		persist.WithDebounce(cfg.Peer.Debounce),
		persist.WithLogger(log),
	)
	defer saver.Dispose()

	// 有本地记录就从记录恢复
	doc := scene.NewMemory()
	canvasID := cfg.Peer.CanvasID
	if rec := saver.LoadFromStorage(); rec != nil {
		doc = scene.FromSnapshot(rec.CanvasData)
		if canvasID == "" && rec.CanvasID != nil {
			canvasID = *rec.CanvasID
		}
		log.Info().Int("elements", len(rec.CanvasData.Elements)).Msg("restored local canvas")
	}
	if canvasID == "" {
		canvasID = cfg.Peer.Room
	}
	cancelSave := doc.OnChange(func() { saver.ScheduleSave(doc.Snapshot(), canvasID) })
	defer cancelSave()

	dispatcher := command.NewDispatcher(command.WithLogger(log))
	ops := canvasops.New(doc,
		canvasops.WithRenderer(canvasops.SVGRenderer{Padding: 10}),
		canvasops.WithNotify(func(c command.Command) { log.Debug().Str("command", string(c.Type())).Msg("notification") }),
		canvasops.WithLogger(log),
	)
	cancelSub := dispatcher.Subscribe("canvas", ops.Handlers())
	defer cancelSub()

	id := collab.Identity{PeerID: uuid.NewString(), UserName: cfg.Peer.UserName, Color: cfg.Peer.Color}
	if id.UserName == "" {
		id.UserName = "peer-" + id.PeerID[:8]
	}
	id.UserID = id.UserName
	token, _, err := auth.NewSigner(cfg.Auth.Secret).SignAccessToken(id.UserID, id.UserName, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	uploader, err := newUploader(ctx, cfg, token)
	if err != nil {
		return fmt.Errorf("init uploader: %w", err)
	}

	co := collab.NewCoordinator(
		collab.WithIdentity(id),
		collab.WithConfig(collab.Config{
			Throttle:      cfg.Peer.Throttle,
			SweepInterval: cfg.Peer.Sweep,
			CursorStale:   cfg.Peer.CursorStale,
			Token:         token,
		}),
		collab.WithLogger(log),
	)
	co.Subscribe(func(ev collab.Event) {
		switch ev.Type {
		case collab.EventError, collab.EventDisconnected:
			log.Warn().Err(ev.Err).Str("event", string(ev.Type)).Msg("collab")
		case collab.EventPeersChanged, collab.EventSynced:
			log.Info().Str("event", string(ev.Type)).Int("peers", ev.PeerCount).Msg("collab")
		}
	})

	p := &peer{
		doc:      doc,
		dispatch: dispatcher,
		persist:  saver,
		uploader: uploader,
		fs:       fs,
		canvasID: canvasID,
		out:      os.Stdout,
		log:      log,
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = co.Connect(connectCtx, cfg.Peer.Host, cfg.Peer.Room, doc)
	cancel()
	if err != nil {
		// 连不上就离线编辑，本地存储照常
		log.Warn().Err(err).Str("host", cfg.Peer.Host).Msg("working offline")
	} else {
		p.collab = co
		defer co.Disconnect()
	}

	// Ctrl-C 时关掉 stdin，让读循环退出
	go func() {
		<-ctx.Done()
		_ = os.Stdin.Close()
	}()
	runErr := p.run(ctx, os.Stdin)
	if err := saver.Flush(); err != nil {
		log.Error().Err(err).Msg("final save failed")
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
