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

	"cronmesh/internal/agent"
	"cronmesh/internal/config"
	"cronmesh/internal/logger"
	"cronmesh/internal/models"
	"cronmesh/internal/services/executor"
	"cronmesh/internal/services/monitor"
)

var (
	cfgFile string
	mode    string

	rootCmd = &cobra.Command{
		Use:          "cronmesh-agent",
		Short:        "Runs scheduled jobs handed out by a cronmesh server",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Register this host and execute due jobs",
		Long: `run registers this host with the server, sends heartbeats and executes
jobs as they become due. In pull mode the agent asks the server for due
jobs every check interval; in push mode it keeps a websocket open and the
server sends jobs as they fall due.`,
		RunE: runAgent,
	}

	registerCmd = &cobra.Command{
		Use:   "register",
		Short: "Register this host and print its agent id",
		RunE:  register,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file (YAML)")
	runCmd.Flags().StringVar(&mode, "mode", "", "transport mode: pull or push (overrides config)")
	rootCmd.AddCommand(runCmd, registerCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if mode != "" {
		cfg.Agent.Mode = mode
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Setup(cfg.Log)
	return cfg, nil
}

// connect logs in and registers this host.
func connect(ctx context.Context, cfg *config.Config) (*agent.Client, *models.Agent, error) {
	client := agent.NewClient(cfg.Agent.ServerURL, cfg.Agent.RequestTimeout)
	if err := client.Login(ctx, cfg.Agent.Username, cfg.Agent.Password); err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}

	id := monitor.DetectIdentity()
	a, err := client.RegisterAgent(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("register: %w", err)
	}
	log.Info().Uint("agent", a.ID).Str("hostname", a.Hostname).Str("ip", a.IP).Msg("🖥️ agent registered")
	return client, a, nil
}

func register(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, a, err := connect(cmd.Context(), cfg)
	if err != nil {
		log.Error().Err(err).Msg("registration failed")
		return err
	}
	fmt.Println(a.ID)
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, a, err := connect(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("agent startup failed")
		return err
	}

	tracker := executor.NewTracker(executor.ShellRunner{}, client, cfg.Scheduler.DelayThreshold)
	go agent.RunHeartbeat(ctx, client, a.ID, cfg.Agent.HeartbeatInterval, log.Logger)

	var wait func()
	switch cfg.Agent.Mode {
	case config.ModePush:
		p := agent.NewPusher(cfg.Agent.WSURL, a.ID, tracker, client.Token)
		p.ReconnectDelay = cfg.Agent.ReconnectDelay
		p.MaxReconnectDelay = cfg.Agent.MaxReconnectDelay
		p.Run(ctx)
		wait = p.Wait
	default:
		p := agent.NewPoller(client, tracker, a.ID, cfg.Scheduler.CheckInterval)
		p.Run(ctx)
		wait = p.Wait
	}

	log.Info().Msg("waiting for running jobs to report")
	drained := make(chan struct{})
	go func() {
		wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("gave up waiting for running jobs")
	}
	return nil
}
