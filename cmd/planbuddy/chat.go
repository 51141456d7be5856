package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avvvet/planbuddy/internal/memory"
	"github.com/avvvet/planbuddy/internal/models"
	"github.com/avvvet/planbuddy/internal/transport"
	"github.com/avvvet/planbuddy/internal/workflow"
)

type chatFlags struct {
	useRedis     bool
	showCalendar bool
	preferences  string
}

func chatCmd(flags *globalFlags) *cobra.Command {
	cf := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Plan interactively from the terminal",
		Long: `chat drives the planner from stdin. Each line is one turn; progress
messages are printed as the planner works. Type "new" to start over and
"quit" to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			// keep the terminal readable
			cfg.LogLevel = "warn"
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var prefs *models.Preferences
			if cf.preferences != "" {
				prefs, err = readPreferences(cf.preferences)
				if err != nil {
					return err
				}
			}

			var store memory.Store = memory.NewInMemoryStore()
			if cf.useRedis {
				if store, err = memory.NewRedisStore(cfg.RedisURL); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			planner, err := buildPlanner(cfg, store, printer(out), logger)
			if err != nil {
				_ = store.Close()
				return err
			}
			defer func() { _ = planner.Close() }()

			return chatLoop(cmd.Context(), planner.engine, cmd.InOrStdin(), out, prefs, cf.showCalendar)
		},
	}

	cmd.Flags().BoolVar(&cf.useRedis, "redis", false, "Keep sessions in Redis instead of memory")
	cmd.Flags().BoolVar(&cf.showCalendar, "calendar", false, "Print the calendar entries of the final plans")
	cmd.Flags().StringVar(&cf.preferences, "preferences", "", "JSON file with travel, stay, venue and event preferences")
	return cmd
}

func readPreferences(path string) (*models.Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	var prefs models.Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("invalid preferences file %s: %w", path, err)
	}
	return &prefs, nil
}

// printer writes progress lines to the terminal
func printer(out io.Writer) workflow.Observer {
	return workflow.ObserverFunc(func(_ context.Context, event models.ProgressEvent) {
		fmt.Fprintf(out, "  … %s\n", event.Message)
	})
}

// chatEngine is what the chat loop drives
type chatEngine interface {
	transport.TurnHandler
	Reset(ctx context.Context, sessionID string) error
}

func chatLoop(ctx context.Context, engine chatEngine, in io.Reader, out io.Writer, prefs *models.Preferences, showCalendar bool) error {
	sessionID := uuid.NewString()
	resumeToken := ""

	fmt.Fprintln(out, "What would you like to plan? (\"new\" starts over, \"quit\" exits)")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "new":
			if err := engine.Reset(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "  (could not clear the previous conversation: %v)\n", err)
			}
			sessionID, resumeToken = uuid.NewString(), ""
			fmt.Fprintln(out, "Starting over. What would you like to plan?")
			continue
		}

		resp := engine.Handle(ctx, &models.TurnRequest{
			SessionID:   sessionID,
			UserMessage: line,
			ResumeToken: resumeToken,
			Preferences: prefs,
		})
		resumeToken = resp.ResumeToken

		fmt.Fprintln(out, resp.UserMessage)
		switch resp.Status {
		case models.StatusCompleted:
			if showCalendar {
				data, _ := json.MarshalIndent(resp.Calendar, "", "  ")
				fmt.Fprintln(out, string(data))
			}
		case models.StatusFailed:
			if resp.ErrorCode != nil {
				fmt.Fprintf(out, "  [%s]\n", *resp.ErrorCode)
			}
		}
	}
}
