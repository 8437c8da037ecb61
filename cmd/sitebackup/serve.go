package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/auth"
	"github.com/HerbHall/sitebackup/internal/backup"
	"github.com/HerbHall/sitebackup/internal/event"
	"github.com/HerbHall/sitebackup/internal/server"
	"github.com/HerbHall/sitebackup/internal/store"
	"github.com/HerbHall/sitebackup/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the backup API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	if err := a.cfg.ValidateAuth(); err != nil {
		return err
	}
	logger := a.logger
	logger.Info("sitebackup server starting", zap.String("version", version))
	if f := a.v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults and environment",
			zap.String("component", "config"))
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", a.cfg.Database.Path),
	)

	journal, err := backup.NewJournal(ctx, db, logger.Named("journal"))
	if err != nil {
		return err
	}
	bus := event.NewBus(logger.Named("event"))
	svc := backup.NewService(a.cfg.Backup, logger.Named("backup"),
		backup.WithJournal(journal),
		backup.WithPublisher(bus),
	)

	// The served application must never start against a broken config.
	res, err := svc.EnsureConfig(ctx)
	if err != nil {
		return fmt.Errorf("ensuring configuration: %w", err)
	}
	logger.Info("configuration checked",
		zap.String("component", "confguard"),
		zap.String("source", string(res.Source)),
		zap.Bool("repaired", res.Repaired),
	)

	var tokens *auth.TokenService
	if a.cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenService([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.AccessTokenTTL)
	}
	authorizer := auth.NewAuthorizer(tokens, a.cfg.Auth.APIKeyHashes, a.cfg.Auth.AdminRole)
	backupHandler := backup.NewHandler(svc, authorizer.RequireAdmin, logger.Named("api"))
	wsHandler := ws.NewHandler(authorizer, bus, logger.Named("ws"))

	settings := svc.Settings()
	ready := server.ReadinessChecker(func(ctx context.Context) error {
		if err := db.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if _, err := os.Stat(settings.DataRoot); err != nil {
			return fmt.Errorf("data root: %w", err)
		}
		return nil
	})
	srv := server.New(a.cfg.Server, version, logger, ready, backupHandler, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("sitebackup server ready",
		zap.String("addr", a.cfg.Server.Addr()),
		zap.String("data_root", settings.DataRoot),
		zap.String("store", settings.StorePath()),
	)

	select {
	case err := <-errCh:
		wsHandler.Close()
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	wsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("sitebackup server stopped")
	return nil
}
