package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/h1v3-io/orbit/internal/api"
	"github.com/h1v3-io/orbit/internal/app"
	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/classifier"
	"github.com/h1v3-io/orbit/internal/config"
	slackconn "github.com/h1v3-io/orbit/internal/connector/slack"
	"github.com/h1v3-io/orbit/internal/connector/teams"
	"github.com/h1v3-io/orbit/internal/dialogue"
	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/internal/logbuf"
	"github.com/h1v3-io/orbit/internal/relay"
	"github.com/h1v3-io/orbit/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file (default: ORBIT_ environment)")
	envFile := flag.String("env-file", ".env", "Optional KEY=value file loaded before the environment is read")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.New(jsonHandler).Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		slog.New(jsonHandler).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logBuf := logbuf.New(cfg.Server.LogBuffer)
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	if err := run(cfg, logger, logBuf); err != nil {
		logger.Error("orbitd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("orbitd starting", "data_dir", cfg.Server.DataDir, "drafts", cfg.Drafts.Driver)

	// 1. Locale tables and chat provider
	locales, err := locale.Load(cfg.Server.LocaleFile)
	if err != nil {
		return err
	}
	chat, err := app.ChatProvider(cfg)
	if err != nil {
		return err
	}
	logger.Info("provider initialized", "name", cfg.Generation.Provider, "model", cfg.Providers[cfg.Generation.Provider].Model)

	// 2. Stores
	drafts, err := app.OpenDrafts(ctx, cfg)
	if err != nil {
		return err
	}
	defer drafts.Close()

	dir, err := app.OpenDirectory(cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	kb, err := app.OpenKnowledge(cfg, logger.With("component", "knowledge"))
	if err != nil {
		return err
	}
	if kb != nil {
		defer kb.Close()
	}

	// 3. Generation, classification, helpdesk, dialogue
	genOpts := []generation.Option{
		generation.WithLogger(logger.With("component", "generation")),
		generation.WithMinScore(cfg.Generation.MinScore),
	}
	if cfg.Generation.MaxTokens > 0 {
		genOpts = append(genOpts, generation.WithMaxTokens(cfg.Generation.MaxTokens))
	}
	if kb != nil {
		genOpts = append(genOpts, generation.WithRetriever(kb.Retriever))
	} else {
		logger.Warn("embeddings not configured, answers run without retrieval")
	}
	gw := generation.New(chat, locales, genOpts...)

	cards := card.NewBuilder(cfg.Helpdesk.WebURL)
	tickets := app.Helpdesk(cfg, locales, logger.With("component", "helpdesk"))

	ctrl, err := dialogue.New(dialogue.Deps{
		Drafts:     drafts,
		Generator:  gw,
		Classifier: classifier.New(gw, logger.With("component", "classifier")),
		Tickets:    tickets,
		Locales:    locales,
		Cards:      cards,
	},
		dialogue.WithExternalDomains(cfg.Identity.ExternalDomains),
		dialogue.WithFallbackDomain(cfg.Identity.FallbackDomain),
		dialogue.WithRetrievalTopK(cfg.Generation.TopK),
		dialogue.WithLogger(logger.With("component", "dialogue")),
	)
	if err != nil {
		return err
	}

	// 4. Transports
	router := relay.Router{}
	deps := api.Deps{Tickets: tickets, Logs: logBuf}

	if tc := cfg.Connectors.Teams; tc != nil {
		conn, err := teams.New(teams.Config{
			AppID:       tc.AppID,
			AppPassword: tc.AppPassword,
			TenantID:    tc.TenantID,
			SkipAuth:    tc.SkipAuth,
		}, ctrl, dir, teams.WithLogger(logger.With("connector", teams.Channel)))
		if err != nil {
			return err
		}
		defer conn.Close()
		router[teams.Channel] = conn
		deps.Messages = conn
		deps.Files = conn
		logger.Info("teams connector ready", "app_id", tc.AppID)
	}

	if sc := cfg.Connectors.Slack; sc != nil {
		conn, err := slackconn.New(slackconn.Config{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Channels: sc.Channels,
		}, ctrl, dir, logger.With("connector", slackconn.Channel))
		if err != nil {
			return err
		}
		router[slackconn.Channel] = conn
		go safeGo(logger, "slack", func() {
			if err := conn.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("slack connector stopped", "error", err)
			}
		})
	}

	if len(router) == 0 {
		logger.Warn("no chat connector configured")
	}

	// 5. Notification relay
	if cfg.Helpdesk.WebhookSecret != "" {
		deps.Webhook = relay.New(cfg.Helpdesk.WebhookSecret, dir, router, locales, cards, logger.With("component", "relay"))
	} else {
		logger.Warn("helpdesk.webhook_secret not set, notification relay disabled")
	}

	// 6. Scheduler
	sched := scheduler.New(logger.With("component", "scheduler"))
	if cfg.Schedule.PingURL != "" {
		if err := sched.AddJob("ping", cfg.Schedule.PingSchedule, scheduler.Ping(nil, cfg.Schedule.PingURL, logger)); err != nil {
			return err
		}
	}
	if cfg.Schedule.IngestSchedule != "" && kb != nil && len(cfg.Knowledge.Sources) > 0 {
		ingest := func(ctx context.Context) error {
			st := kb.Ingester.IngestAll(ctx, cfg.Knowledge.Sources)
			if st.Failed > 0 {
				return fmt.Errorf("ingest: %d of %d sources failed", st.Failed, st.Sources+st.Failed)
			}
			return nil
		}
		if err := sched.AddJob("ingest", cfg.Schedule.IngestSchedule, ingest); err != nil {
			return err
		}
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 7. API server
	apiSrv := api.NewServer(api.Config{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Key:     cfg.API.Key,
		TabsDir: cfg.API.TabsDir,
	}, deps, logger.With("component", "api"))

	errCh := make(chan error, 1)
	go safeGo(logger, "api-server", func() { errCh <- apiSrv.Start(ctx) })

	// 8. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	cancel()
	logger.Info("orbitd stopped")
	return nil
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
