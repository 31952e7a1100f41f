package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"agentchat/internal/app/chat"
	"agentchat/internal/config"
	"agentchat/internal/infra/backend"
	"agentchat/internal/logging"
	"agentchat/internal/observability"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// CLI holds the state shared by every command after setup.
type CLI struct {
	flags *viper.Viper

	cfg     config.RuntimeConfig
	meta    config.Metadata
	obs     *observability.Observability
	client  *backend.Client
	manager *chat.Manager
	out     *printer
	logger  logging.Logger
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	return newRootCommand(&CLI{flags: viper.New()})
}

func newRootCommand(cli *CLI) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentchat",
		Short: "Streaming chat client for ReAct agents",
		Long: `agentchat talks to a ReAct agent backend. It streams every recursion of
the agent (observe, thought, action, tool calls) as it happens, keeps one
conversation per session and can reload and inspect past sessions.

EXAMPLES:
  agentchat                          # Interactive chat in the latest session
  agentchat ask "summarise the repo" # One message, then exit
  agentchat sessions                 # List sessions of the agent
  agentchat history                  # Print the current session transcript
  agentchat state task-123 1 2 --diff-prev
  agentchat devserver --port 8080    # Scripted local backend`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				return cmd.Help()
			}
			return runChat(cmd, cli)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return cli.shutdown()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ~/.agentchat.yaml)")
	flags.String("base-url", "", "Agent backend base URL")
	flags.String("token", "", "Bearer token")
	flags.String("user", "", "User name sent with chat requests")
	flags.IntP("agent", "a", 0, "Agent id")
	flags.Bool("require-auth", true, "Fail before any request when no valid token is configured")
	flags.Int("http-timeout", 0, "Timeout in seconds for non-streaming requests")
	flags.Int("idle-timeout", 0, "Fail a stream that stays silent this many seconds (0 disables)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.Bool("repair-history", false, "Repair malformed JSON in session history")
	flags.Bool("metrics", false, "Expose Prometheus metrics")
	flags.Int("metrics-port", 0, "Prometheus metrics port")
	_ = cli.flags.BindPFlags(flags)

	rootCmd.AddCommand(
		newChatCommand(cli),
		newAskCommand(cli),
		newSessionsCommand(cli),
		newHistoryCommand(cli),
		newStateCommand(cli),
		newDevServerCommand(cli),
	)
	return rootCmd
}

// overrides turns the flags the user actually set into config overrides.
func (cli *CLI) overrides(cmd *cobra.Command) config.Overrides {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	str := func(name string) *string {
		if !changed(name) {
			return nil
		}
		v := cli.flags.GetString(name)
		return &v
	}
	num := func(name string) *int {
		if !changed(name) {
			return nil
		}
		v := cli.flags.GetInt(name)
		return &v
	}
	flag := func(name string) *bool {
		if !changed(name) {
			return nil
		}
		v := cli.flags.GetBool(name)
		return &v
	}

	return config.Overrides{
		BaseURL:            str("base-url"),
		Token:              str("token"),
		User:               str("user"),
		AgentID:            num("agent"),
		RequireAuth:        flag("require-auth"),
		HTTPTimeoutSeconds: num("http-timeout"),
		IdleTimeoutSeconds: num("idle-timeout"),
		LogLevel:           str("log-level"),
		LogFormat:          str("log-format"),
		HistoryRepairJSON:  flag("repair-history"),
		MetricsEnabled:     flag("metrics"),
		MetricsPort:        num("metrics-port"),
	}
}

// setup loads configuration and builds the backend client and manager.
func (cli *CLI) setup(cmd *cobra.Command, opts ...chat.Option) error {
	loadOpts := []config.Option{config.WithOverrides(cli.overrides(cmd))}
	if path := cli.flags.GetString("config"); path != "" {
		loadOpts = append(loadOpts, config.WithConfigPath(path))
	}
	cfg, meta, err := config.Load(loadOpts...)
	if err != nil {
		return err
	}
	cli.cfg, cli.meta = cfg, meta

	logging.Configure(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})
	cli.logger = logging.NewComponentLogger("cli")
	if path := meta.Path(); path != "" {
		cli.logger.Debug("Loaded config from %s", path)
	}

	obs, err := observability.New(observability.Config{Metrics: cfg.Metrics, Tracing: cfg.Tracing}, logging.NewComponentLogger("observability"))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	cli.obs = obs
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusPort > 0 {
		if err := obs.Metrics.StartPrometheusServer(cfg.Metrics.PrometheusPort); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	cli.out = newPrinter(cmd.OutOrStdout())
	cli.client = backend.New(backend.Config{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		User:        cfg.User,
		RequireAuth: cfg.RequireAuth,
		Timeout:     cfg.HTTPTimeout(),
	}, backend.WithLogger(logging.NewComponentLogger("backend")))

	base := []chat.Option{
		chat.WithAgentID(cfg.AgentID),
		chat.WithLogger(logging.NewComponentLogger("chat")),
		chat.WithMetrics(obs.Metrics),
		chat.WithTracer(obs.Tracer),
		chat.WithIdleTimeout(cfg.IdleTimeout()),
		chat.WithCacheSizes(cfg.HistoryCacheSize, cfg.StateCacheSize),
		chat.WithHistoryRepair(cfg.HistoryRepairJSON),
		chat.WithAuthExpiredHandler(func(error) {
			cli.out.notice("Your credential was rejected. Set a fresh token with --token or AGENTCHAT_TOKEN.")
		}),
	}
	manager, err := chat.NewManager(cli.client, append(base, opts...)...)
	if err != nil {
		return err
	}
	cli.manager = manager
	return nil
}

func (cli *CLI) shutdown() error {
	if cli.obs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cli.obs.Shutdown(ctx)
}

// selectSession makes sessionID current, or the latest session when empty.
func (cli *CLI) selectSession(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		if _, err := cli.manager.Sessions(ctx, cli.cfg.AgentID); err != nil {
			return err
		}
		return cli.manager.SelectSession(ctx, sessionID)
	}
	return cli.manager.InitSession(ctx, cli.cfg.AgentID)
}
