package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cronmesh/internal/config"
	"cronmesh/internal/database"
	"cronmesh/internal/logger"
	"cronmesh/internal/server"
	"cronmesh/internal/services/cron"
	"cronmesh/internal/services/dispatch"
	"cronmesh/internal/services/store"
	ws "cronmesh/internal/services/websocket"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "cronmesh-server",
	Short:        "Distributed cron scheduler server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file (YAML)")
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Log)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
		return err
	}
	st := store.New(db)

	// Create default admin user if not exists
	if err := server.EnsureAdmin(ctx, st, cfg.Admin); err != nil {
		log.Error().Err(err).Msg("failed to create default admin")
	}

	sched := cfg.Scheduler
	resolver := cron.NewResolver(cron.NewEvaluator(sched.Tolerance), sched.CheckInterval, sched.Guard)
	registry := ws.NewRegistry()
	dispatcher := dispatch.NewService(st, registry, resolver, sched.PushInterval)
	push := ws.NewHandler(registry, st)

	app := server.NewApp(server.Options{
		Config:    cfg,
		Store:     st,
		Dispatch:  dispatcher,
		Push:      push,
		AccessLog: true,
	})

	go dispatcher.Run(ctx)
	go push.RunPinger(ctx, sched.PingInterval)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("🚀 cronmesh server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}
