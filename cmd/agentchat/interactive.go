package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"agentchat/internal/app/chat"
	"agentchat/internal/diff"
)

const chatHelp = `Commands:
  /new                 start a new session
  /sessions            list sessions
  /switch <id>         open another session
  /delete <id>         delete a session
  /history             reprint this session
  /state <task> <n>    show recursion state
  /stop                stop the running reply (or press Ctrl-C)
  /quit                leave`

// runChat opens the requested session and starts the REPL.
func runChat(cmd *cobra.Command, cli *CLI) error {
	if err := cli.setup(cmd, chat.WithListener(func(s chat.State) { cli.out.onState(s) })); err != nil {
		return err
	}
	ctx := cmd.Context()

	newSession, _ := cmd.Flags().GetBool("new")
	sessionID, _ := cmd.Flags().GetString("session")
	if newSession {
		if _, err := cli.manager.NewSession(ctx, cli.cfg.AgentID); err != nil {
			return err
		}
	} else if err := cli.selectSession(ctx, sessionID); err != nil {
		return err
	}

	if tasks := cli.manager.State().Tasks; len(tasks) > 0 {
		cli.out.transcript(tasks, false)
	}
	return chatLoop(cmd, cli)
}

// chatLoop is the readline REPL. Ctrl-C while a reply streams stops it;
// Ctrl-C on an empty prompt leaves.
func chatLoop(cmd *cobra.Command, cli *CLI) error {
	state := cli.manager.State()
	if state.Session != nil {
		cli.out.notice(fmt.Sprintf("Session %s · agent %d · /help for commands", state.Session.SessionID, state.Session.AgentID))
	}

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            styleBoldGreen.Render("› "),
		HistoryFile:       filepath.Join(homeDir, ".agentchat-history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    false,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	ctx := cmd.Context()
	for {
		if _, ok := cli.manager.PendingClarification(); ok {
			rl.SetPrompt(styleYellow.Render("reply › "))
		} else {
			rl.SetPrompt(styleBoldGreen.Render("› "))
		}

		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(input) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := cli.command(ctx, input)
			if err != nil {
				cli.out.errorLine(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if err := cli.sendInterruptible(ctx, input); err != nil {
			cli.out.errorLine(err.Error())
		}
	}
}

// sendInterruptible runs send with SIGINT mapped to Cancel.
func (cli *CLI) sendInterruptible(ctx context.Context, message string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sigCh:
				if cli.manager.Cancel() {
					cli.out.notice("Stopping…")
				}
			case <-done:
				return
			}
		}
	}()
	return cli.send(ctx, message)
}

// command handles a slash command and reports whether to leave.
func (cli *CLI) command(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		cli.out.notice(chatHelp)
	case "/stop":
		if !cli.manager.Cancel() {
			cli.out.notice("Nothing is running.")
		}
	case "/new":
		session, err := cli.manager.NewSession(ctx, cli.cfg.AgentID)
		if err != nil {
			return false, err
		}
		cli.out.notice("Session " + session.SessionID)
	case "/sessions":
		items, err := cli.manager.Sessions(ctx, cli.cfg.AgentID)
		if err != nil {
			return false, err
		}
		current := ""
		if s := cli.manager.State().Session; s != nil {
			current = s.SessionID
		}
		cli.out.sessions(items, current)
	case "/switch":
		if len(fields) != 2 {
			return false, errors.New("usage: /switch <session-id>")
		}
		if err := cli.manager.SelectSession(ctx, fields[1]); err != nil {
			return false, err
		}
		cli.out.transcript(cli.manager.State().Tasks, false)
		cli.out.notice("Session " + fields[1])
	case "/delete":
		if len(fields) != 2 {
			return false, errors.New("usage: /delete <session-id>")
		}
		if err := cli.manager.DeleteSession(ctx, fields[1]); err != nil {
			return false, err
		}
		cli.out.notice("Deleted " + fields[1])
	case "/history":
		cli.out.transcript(cli.manager.State().Tasks, true)
	case "/state":
		if len(fields) != 3 {
			return false, errors.New("usage: /state <task-id> <iteration>")
		}
		iteration, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, fmt.Errorf("invalid iteration %q", fields[2])
		}
		state, err := cli.manager.RecursionState(ctx, fields[1], iteration)
		if err != nil {
			return false, err
		}
		cli.out.printf("%s\n", diff.Normalize(state))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}
