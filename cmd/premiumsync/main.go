package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/premiumsync/internal/auth"
	"github.com/dukerupert/premiumsync/internal/bot"
	"github.com/dukerupert/premiumsync/internal/config"
	"github.com/dukerupert/premiumsync/internal/database"
	"github.com/dukerupert/premiumsync/internal/discord"
	"github.com/dukerupert/premiumsync/internal/entitlement"
	"github.com/dukerupert/premiumsync/internal/ledger"
	"github.com/dukerupert/premiumsync/internal/logging"
	"github.com/dukerupert/premiumsync/internal/metrics"
	"github.com/dukerupert/premiumsync/internal/model"
	"github.com/dukerupert/premiumsync/internal/patreon"
	"github.com/dukerupert/premiumsync/internal/role"
	"github.com/dukerupert/premiumsync/internal/scheduler"
	"github.com/dukerupert/premiumsync/internal/server"
	"github.com/dukerupert/premiumsync/internal/store"
	ws "github.com/dukerupert/premiumsync/internal/websocket"
)

const runRetention = 30 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "premiumsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	runs := store.NewSyncRunStore(db)

	var ledgerStore entitlement.LedgerStore
	if cfg.GistConfigured() {
		gs, err := ledger.NewGistStore(ledger.GistConfig{
			Token:    cfg.GitHubToken,
			GistID:   cfg.GistID,
			Filename: cfg.GistFilename,
			BaseURL:  cfg.GitHubAPIURL,
		}, logger.With("component", "ledger"))
		if err != nil {
			return err
		}
		ledgerStore = gs
	} else {
		logger.Warn("using in-memory ledger; grants are lost on restart")
		ledgerStore = ledger.NewMemoryStore(logger.With("component", "ledger"))
	}

	patrons := patreon.NewClient(patreon.Config{
		Token:          cfg.PatreonToken,
		BaseURL:        cfg.PatreonAPIURL,
		MinPledgeCents: cfg.MinPledgeCents,
		PageSize:       cfg.PatreonPageSize,
	}, logger.With("component", "patreon"))

	session, err := discord.New(cfg.DiscordToken, logger.With("component", "discord"))
	if err != nil {
		return err
	}
	roles := role.NewSynchronizer(session, cfg.PremiumRoleID, logger.With("component", "role"))

	engine := entitlement.NewEngine(ledgerStore, patrons, roles, cfg.GuildID, logger.With("component", "entitlement"))
	if last, err := runs.LatestCompleted(); err != nil {
		logger.Warn("failed to read sync history", "error", err)
	} else {
		engine.RestoreLastSync(last)
	}

	hub := ws.NewHub(logger.With("component", "hub"))
	syncMetrics := metrics.New()
	engine.OnReport(func(run model.SyncRun) {
		if err := runs.Record(run); err != nil {
			logger.Error("failed to record sync run", "run_id", run.ID, "error", err)
		}
		syncMetrics.Observe(run)
		hub.BroadcastSyncRun(run)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands := bot.NewHandler(engine, session, auth.Policy{OwnerIDs: cfg.OwnerIDs, AdminMode: cfg.AdminMode}, bot.Options{
		PatreonPageURL: cfg.PatreonPageURL,
		SyncInterval:   cfg.SyncInterval,
	}, logger.With("component", "bot"))
	session.Raw().AddHandler(commands.InteractionHandler(ctx))

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}

	srv := server.New(server.Deps{
		Syncer:     engine,
		Runs:       runs,
		Hub:        hub,
		Metrics:    syncMetrics,
		AdminToken: cfg.AdminToken,
		Ready:      session.Ready,
		LastSync:   engine.LastSync,

		TrustedProxies: cfg.TrustedProxies,
	}, logger)

	sched := scheduler.New(engine, session.WaitReady, scheduler.Config{
		Interval:   cfg.SyncInterval,
		RunOnStart: cfg.SyncOnStartup,
	}, logger.With("component", "scheduler"))
	if err := sched.AddTask("@daily", "prune sync runs", func(context.Context) {
		n, err := runs.Prune(time.Now().Add(-runRetention))
		if err != nil {
			logger.Error("failed to prune sync runs", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned sync runs", "count", n)
		}
	}); err != nil {
		return err
	}
	if err := sched.AddTask("@every 5m", "rate limiter cleanup", func(context.Context) {
		srv.RateLimiter().Cleanup()
	}); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := session.WaitReady(gctx); err != nil {
			return nil
		}
		if err := session.RegisterCommands(bot.Commands()); err != nil {
			logger.Error("failed to register commands", "error", err)
			return nil
		}
		logger.Info("slash commands registered", "count", len(bot.Commands()))
		return nil
	})
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return session.Shutdown(
			func() error { return httpServer.Shutdown(shutdownCtx) },
			func() error { sched.Stop(); return nil },
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error("premiumsync stopped with error", "error", err)
		return err
	}
	logger.Info("premiumsync stopped")
	return nil
}

