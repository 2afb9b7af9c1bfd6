package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ui-toolbox/icon-repository-sub000/internal/app"
	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/auth"
	"github.com/ui-toolbox/icon-repository-sub000/internal/config"
	"github.com/ui-toolbox/icon-repository-sub000/internal/gitrepo"
	"github.com/ui-toolbox/icon-repository-sub000/internal/jobqueue"
	"github.com/ui-toolbox/icon-repository-sub000/internal/mirror"
	"github.com/ui-toolbox/icon-repository-sub000/internal/rbac"
	"github.com/ui-toolbox/icon-repository-sub000/internal/search"
	"github.com/ui-toolbox/icon-repository-sub000/internal/session"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer closer.Close()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, store.Migrations())
	if err != nil {
		return apperr.Fatal("apply migrations", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	repo, err := gitrepo.Provide(ctx, gitrepo.Options{
		Root:   cfg.Repository.Path,
		Queue:  jobqueue.New(),
		Logger: log,
	})
	if err != nil {
		return err
	}
	log.Info("icon repository ready", "path", repo.Root())

	policy, err := rbac.NewPolicy(cfg.Auth.GroupPrivileges)
	if err != nil {
		return apperr.Fatal("load group privileges", err)
	}

	var sessionStore session.Store = store.NewSessionStore(db)
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			return apperr.Fatal("connect redis", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
		log.Info("refresh sessions stored in redis")
	}

	icons := store.NewIconRepository(db, log)

	var meili *search.Meili
	if strings.TrimSpace(cfg.Meili.URL) != "" {
		meili = search.NewMeili(cfg.Meili.URL, cfg.Meili.APIKey, log)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPostgres(db), log)
	defer searchService.Wait()
	if err := searchService.Reindex(ctx, icons.DescribeAllIcons); err != nil {
		log.Warn("initial search reindex failed", "error", err)
	}

	opts := app.Options{
		Store:  icons,
		Git:    repo,
		Search: searchService,
		Logger: log,
	}
	if cfg.Mirror.Enabled() {
		blobs, err := mirror.NewMinIO(ctx, mirror.Config{
			Endpoint:  cfg.Mirror.Endpoint,
			Bucket:    cfg.Mirror.Bucket,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			UseSSL:    cfg.Mirror.UseSSL,
		}, log)
		if err != nil {
			return apperr.Fatal("connect mirror", err)
		}
		opts.Mirror = blobs
	}
	service := app.NewIconService(opts)
	defer service.Release()

	sessions := app.NewSessions(app.SessionConfig{
		TokenSecret: cfg.Auth.TokenSecret,
		AccessTTL:   cfg.Auth.AccessTTL,
		RefreshTTL:  cfg.Auth.RefreshTTL,
	}, auth.NewDirectory(cfg.Auth.Users), sessionStore)

	httpServer := app.NewHTTPServer(service, sessions, app.HTTPConfig{
		CORSOrigin: cfg.Server.CORSOrigin,
		Policy:     policy,
		Logger:     log,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("icon repository listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return apperr.Fatal("http server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	return nil
}
