// Command lume-syncd runs the Lume sync engine as a standalone daemon: it
// drains the outbox on a timer and reconciles realtime completions, the same
// wiring the embedded client uses.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gofrs/uuid/v5"

	"github.com/lumehealth/lume-sync/internal/auth"
	"github.com/lumehealth/lume-sync/internal/config"
	"github.com/lumehealth/lume-sync/internal/migrate"
	"github.com/lumehealth/lume-sync/internal/model"
	"github.com/lumehealth/lume-sync/internal/processor"
	"github.com/lumehealth/lume-sync/internal/realtime"
	"github.com/lumehealth/lume-sync/internal/remote"
	"github.com/lumehealth/lume-sync/internal/repository/sqlite"
	"github.com/lumehealth/lume-sync/internal/securestore"
	"github.com/lumehealth/lume-sync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("api", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local store
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal("open local store", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	if err := migrate.Up(ctx, db.SQL); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	outboxRepo := sqlite.NewOutboxRepo(db, cfg.MaxAttempts)
	recordRepo := sqlite.NewRecordRepo(db)

	// Credentials
	credStore, err := securestore.NewFileStore(cfg.CredentialsPath, []byte(cfg.DeviceSecret))
	if err != nil {
		logger.Fatal("init credential store", zap.Error(err))
	}
	coord := auth.NewCoordinator(credStore, remote.NewRefreshClient(cfg.APIBaseURL, cfg.APIKey), 0, logger)

	// Session wiring
	sess := service.NewSession(coord, logger)
	coord.OnSessionRevoked(sess.HandleRevoked)

	api := remote.NewClient(cfg.APIBaseURL, cfg.APIKey, coord, logger)
	uploaders := map[model.EventType]processor.Uploader{
		model.EventProgressEntry: remote.NewProgressClient(api),
		model.EventSleepSession:  remote.NewSleepClient(api),
		model.EventMoodLog:       remote.NewMoodClient(api),
		model.EventMealLog:       remote.NewMealClient(api),
	}

	sess.SetRunnerFactory(func() []service.Runner {
		proc := processor.New(outboxRepo, recordRepo, uploaders, sess, processor.Config{
			Interval:    cfg.SyncInterval,
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.Concurrency,
		}, logger)
		channel := realtime.NewChannel(realtime.Config{
			URL:             cfg.WSURL,
			APIKey:          cfg.APIKey,
			HeartbeatEvery:  cfg.HeartbeatEvery,
			ExpectedLatency: cfg.ExpectedLatency,
		}, coord, logger)
		rec := service.NewReconciler(recordRepo, outboxRepo, channel, proc, cfg.PollInterval, logger)
		return []service.Runner{proc, channel, rec}
	})

	userID, tokens, err := bootstrapSession(ctx, credStore)
	if err != nil {
		logger.Fatal("no session available", zap.Error(err))
	}
	if err := sess.Login(ctx, userID, tokens); err != nil {
		logger.Fatal("start session", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	sessCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess.Logout(sessCtx)
}

// bootstrapSession resumes stored credentials, or seeds them from the
// environment on first run (LUME_USER_ID plus a freshly issued token pair).
func bootstrapSession(ctx context.Context, store securestore.Store) (uuid.UUID, model.Tokens, error) {
	userID, err := uuid.FromString(os.Getenv("LUME_USER_ID"))
	if err != nil {
		return uuid.Nil, model.Tokens{}, err
	}

	if t, err := store.Get(ctx); err == nil {
		return userID, t, nil
	}
	t := model.Tokens{
		AccessToken:  os.Getenv("LUME_ACCESS_TOKEN"),
		RefreshToken: os.Getenv("LUME_REFRESH_TOKEN"),
	}
	if t.AccessToken == "" || t.RefreshToken == "" {
		return uuid.Nil, model.Tokens{}, errors.New("no stored credentials and LUME_ACCESS_TOKEN/LUME_REFRESH_TOKEN unset")
	}
	return userID, t, nil
}
