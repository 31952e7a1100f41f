package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"agentchat/internal/app/chat"
	"agentchat/internal/devserver"
	"agentchat/internal/diff"
	"agentchat/internal/domain/react"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/logging"
)

func newChatCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat (default when attached to a terminal)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, cli)
		},
	}
	cmd.Flags().StringP("session", "s", "", "Session to open instead of the latest one")
	cmd.Flags().Bool("new", false, "Start a new session")
	return cmd
}

func newAskCommand(cli *CLI) *cobra.Command {
	var sessionID string
	var newSession bool
	cmd := &cobra.Command{
		Use:   "ask <message...>",
		Short: "Send one message, stream the agent's work and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd, chat.WithListener(func(s chat.State) { cli.out.onState(s) })); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if newSession {
				if _, err := cli.manager.NewSession(ctx, cli.cfg.AgentID); err != nil {
					return err
				}
			} else if err := cli.selectSession(ctx, sessionID); err != nil {
				return err
			}
			return cli.send(ctx, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to send to instead of the latest one")
	cmd.Flags().BoolVar(&newSession, "new", false, "Send in a new session")
	return cmd
}

// send runs one message, replying to a pending clarify question if any,
// and prints the outcome.
func (cli *CLI) send(ctx context.Context, message string) error {
	var opts []chat.SendOption
	if taskID, ok := cli.manager.PendingClarification(); ok {
		opts = append(opts, chat.WithReplyTo(taskID))
	}

	before := len(cli.manager.State().Tasks)
	started := time.Now()
	err := cli.manager.Send(ctx, message, opts...)
	state := cli.manager.State()
	if n := len(state.Tasks); n > before && state.Tasks[n-1].Role == react.RoleAssistant {
		cli.out.result(state.Tasks[n-1], time.Since(started))
	}
	switch {
	case err == nil, errors.Is(err, apperrors.ErrCancelled):
		return nil
	case errors.Is(err, apperrors.ErrEmptyMessage):
		return nil
	case errors.Is(err, apperrors.ErrAuthExpired):
		return errors.New(apperrors.FormatForDisplay(err))
	default:
		return err
	}
}

func newSessionsCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List the agent's sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd); err != nil {
				return err
			}
			items, err := cli.manager.Sessions(cmd.Context(), cli.cfg.AgentID)
			if err != nil {
				return err
			}
			cli.out.sessions(items, "")
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Create an empty session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd); err != nil {
				return err
			}
			session, err := cli.manager.NewSession(cmd.Context(), cli.cfg.AgentID)
			if err != nil {
				return err
			}
			cli.out.printf("%s\n", session.SessionID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id...>",
		Short: "Delete sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd); err != nil {
				return err
			}
			for _, id := range args {
				if err := cli.manager.DeleteSession(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				cli.out.notice("Deleted " + id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pick",
		Short: "Choose a session interactively and chat in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd, chat.WithListener(func(s chat.State) { cli.out.onState(s) })); err != nil {
				return err
			}
			items, err := cli.manager.Sessions(cmd.Context(), cli.cfg.AgentID)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				cli.out.notice("No sessions yet.")
				return nil
			}
			sessionID, err := pickSession(items)
			if err != nil {
				return err
			}
			if err := cli.manager.SelectSession(cmd.Context(), sessionID); err != nil {
				return err
			}
			return chatLoop(cmd, cli)
		},
	})
	return cmd
}

// pickSession shows a promptui selector over the sessions, newest first.
func pickSession(items []react.SessionListItem) (string, error) {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b react.SessionListItem) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	type row struct {
		ID      string
		Title   string
		Updated string
		Count   int
	}
	rows := make([]row, len(sorted))
	for i, item := range sorted {
		rows[i] = row{
			ID:      item.SessionID,
			Title:   truncate(item.Title(), 48),
			Updated: item.UpdatedAt.Local().Format("2006-01-02 15:04"),
			Count:   item.MessageCount,
		}
	}

	prompt := promptui.Select{
		Label: "Session",
		Items: rows,
		Size:  10,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   "▸ {{ .Title | cyan }} {{ .Updated | faint }}",
			Inactive: "  {{ .Title }} {{ .Updated | faint }}",
			Selected: "✔ {{ .Title | green }}",
			Details:  "{{ .ID }} · {{ .Count }} messages",
		},
		Searcher: func(input string, index int) bool {
			r := rows[index]
			needle := strings.ToLower(input)
			return strings.Contains(strings.ToLower(r.Title), needle) || strings.Contains(r.ID, needle)
		},
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return rows[idx].ID, nil
}

func newHistoryCommand(cli *CLI) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print a session transcript (latest session by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd); err != nil {
				return err
			}
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			if err := cli.selectSession(cmd.Context(), sessionID); err != nil {
				return err
			}
			state := cli.manager.State()
			if state.Session != nil {
				cli.out.notice("Session " + state.Session.SessionID)
			}
			cli.out.transcript(state.Tasks, verbose)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show every recursion event")
	return cmd
}

func newStateCommand(cli *CLI) *cobra.Command {
	var sessionID string
	var diffPrev bool
	cmd := &cobra.Command{
		Use:   "state <task-id> <iteration...>",
		Short: "Show the agent's internal state for recursions of a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			iterations, err := parseIterations(args[1:])
			if err != nil {
				return err
			}
			if err := cli.setup(cmd); err != nil {
				return err
			}
			if err := cli.selectSession(cmd.Context(), sessionID); err != nil {
				return err
			}

			fetch := iterations
			if diffPrev && iterations[0] > 1 {
				fetch = append([]int{iterations[0] - 1}, iterations...)
			}
			states, err := cli.manager.RecursionStates(cmd.Context(), taskID, fetch)
			if err != nil {
				return err
			}

			gen := diff.NewGenerator(3, !color.NoColor)
			for i, st := range states {
				if diffPrev {
					if i == 0 && len(fetch) > len(iterations) {
						continue
					}
					if i > 0 {
						prev := states[i-1]
						result, err := gen.GenerateStates(prev.State, st.State,
							fmt.Sprintf("iteration %d", prev.Iteration), fmt.Sprintf("iteration %d", st.Iteration))
						if err != nil {
							return err
						}
						cli.out.printf("%s %s\n%s\n", styleBoldCyan.Render(fmt.Sprintf("● Iteration %d", st.Iteration)),
							gray(result.FormatSummary()), result.UnifiedDiff)
						continue
					}
				}
				cli.out.printf("%s\n%s\n", styleBoldCyan.Render(fmt.Sprintf("● Iteration %d", st.Iteration)), diff.Normalize(st.State))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session of the task (latest by default)")
	cmd.Flags().BoolVar(&diffPrev, "diff-prev", false, "Show each state as a diff against the previous iteration")
	return cmd
}

func parseIterations(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid iteration %q", arg)
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func newDevServerCommand(cli *CLI) *cobra.Command {
	cfg := devserver.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a scripted local agent backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.setup(cmd); err != nil {
				return err
			}
			if cfg.Token == "" {
				cfg.Token = cli.cfg.Token
			}
			srv := devserver.New(cfg,
				devserver.WithLogger(logging.NewComponentLogger("devserver")),
				devserver.WithMetricsHandler(cli.obs.Metrics.Handler()),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			cli.out.notice(fmt.Sprintf("Dev server on http://%s:%d (Ctrl-C to stop)", cfg.Host, cfg.Port))
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "Listen host")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	cmd.Flags().StringVar(&cfg.Token, "accept-token", "", "Only accept this bearer token (defaults to the configured token)")
	cmd.Flags().DurationVar(&cfg.FrameDelay, "frame-delay", cfg.FrameDelay, "Pause between streamed frames")
	cmd.Flags().BoolVar(&cfg.Debug, "debug", false, "Gin debug mode")
	return cmd
}
