package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/chat"
	"github.com/csSone/LlamacppServer/internal/store/backup"
)

var (
	sendNoStream  bool
	sendWebSearch bool
	sendTools     []string
	sendModel     string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored completions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt := loadRuntime()
		defer rt.Close()

		list, err := rt.remote.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, humanize.Time(time.UnixMilli(c.UpdatedAt)))
		}
		return w.Flush()
	},
}

var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create an empty completion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := loadRuntime()
		defer rt.Close()

		title := ""
		if len(args) == 1 {
			title = args[0]
		}
		c, err := rt.remote.Create(cmd.Context(), title)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := loadRuntime()
		defer rt.Close()
		return rt.remote.Delete(cmd.Context(), args[0])
	},
}

// withSession opens completion id, runs fn and flushes before returning.
// Ctrl-C stops generation and pending tools; the flush still runs.
func withSession(cmd *cobra.Command, id string, fn func(ctx context.Context, s *chat.Session) error) error {
	rt := loadRuntime()
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, rec, err := rt.openSession(ctx, id, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	runErr := fn(ctx, s)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.ToolTimeout)
	defer cancel()
	if err := rec.Flush(fctx, "exit"); err != nil {
		rt.log.Warn("final save failed", "err", err)
	}
	return runErr
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <text...>",
	Short: "Send a user message and stream the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			s.UpdateSettings(func(st *chat.Settings) {
				if cmd.Flags().Changed("no-stream") {
					st.Stream = !sendNoStream
				}
				if cmd.Flags().Changed("web-search") {
					st.EnableWebSearch = sendWebSearch
				}
				if cmd.Flags().Changed("tools") {
					st.EnabledMCPTools = sendTools
				}
				if sendModel != "" {
					st.Model = sendModel
				}
			})
			err := s.Send(ctx, strings.Join(args[1:], " "), nil)
			fmt.Fprintln(cmd.OutOrStdout())
			return err
		})
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <id> <message-id>",
	Short: "Regenerate the reply at a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			err := s.Regenerate(ctx, args[1])
			fmt.Fprintln(cmd.OutOrStdout())
			return err
		})
	},
}

var askSystem string

// askCmd is a one-shot question with no stored completion and no tools.
var askCmd = &cobra.Command{
	Use:   "ask <text...>",
	Short: "Ask llama-server once without saving anything",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := loadRuntime()
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var p ai.Provider = ai.NewLlamaClient(rt.cfg.LlamaBaseURL, rt.cfg.LlamaModel, rt.cfg.RequestHeaderTimeout, rt.cfg.RequestRetries, rt.log)
		res, err := p.Chat(ctx, askRequest(rt.cfg.LlamaModel, askSystem, strings.Join(args, " ")))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Content)
		if res.Timings != nil && res.Timings.PredictedPerSecond > 0 {
			fmt.Fprintf(out, "(%d tokens, %.1f tok/s)\n", res.Timings.PredictedN, res.Timings.PredictedPerSecond)
		}
		return nil
	},
}

func askRequest(model, system, text string) *ai.Request {
	var msgs []ai.ChatMessage
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, ai.ChatMessage{Role: string(chat.RoleSystem), Content: system})
	}
	msgs = append(msgs, ai.ChatMessage{Role: string(chat.RoleUser), Content: text})
	return &ai.Request{
		Mode:     ai.ModeChat,
		Model:    model,
		Messages: msgs,
		Params:   ai.DefaultParams(),
	}
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the active topic's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(_ context.Context, s *chat.Session) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s)\n", s.Title(), s.ActiveTopic())
			for _, m := range s.Messages() {
				switch {
				case m.Role == chat.RoleTool:
					fmt.Fprintf(out, "[%s] tool %s %s: %s\n", m.ID, m.ToolName, m.ToolStatus, oneLine(m.Display(), 120))
				case m.IsSystemLog:
					fmt.Fprintf(out, "[%s] log: %s\n", m.ID, m.Display())
				default:
					fmt.Fprintf(out, "[%s] %s: %s\n", m.ID, m.Role, m.Display())
				}
				if t, ok := s.Timings(m.ID); ok && t.PredictedPerSecond > 0 {
					fmt.Fprintf(out, "    %.1f tok/s\n", t.PredictedPerSecond)
				}
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Clear the active topic's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			return s.ClearChat(ctx)
		})
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage the topics of a completion",
}

var topicsListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List topics; the active one is marked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(_ context.Context, s *chat.Session) error {
			active := s.ActiveTopic()
			for _, t := range s.Topics() {
				mark := " "
				if t.ID == active {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", mark, t.ID, t.Title)
			}
			return nil
		})
	},
}

var topicsNewCmd = &cobra.Command{
	Use:   "new <id> [title]",
	Short: "Create a topic and switch to it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			title := ""
			if len(args) == 2 {
				title = args[1]
			}
			t, err := s.CreateTopic(ctx, title)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		})
	},
}

var topicsSwitchCmd = &cobra.Command{
	Use:   "switch <id> <topic-id>",
	Short: "Make a topic active",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			return s.SwitchTopic(ctx, args[1])
		})
	},
}

var topicsRenameCmd = &cobra.Command{
	Use:   "rename <id> <topic-id> <title>",
	Short: "Rename a topic",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			return s.RenameTopic(ctx, args[1], args[2])
		})
	},
}

var topicsDeleteCmd = &cobra.Command{
	Use:   "delete <id> <topic-id>",
	Short: "Delete a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, s *chat.Session) error {
			return s.DeleteTopic(ctx, args[1])
		})
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List completions with a local backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt := loadRuntime()
		defer rt.Close()

		if rt.cfg.BackupDriver == "redis" {
			return errors.New("backups: listing is only supported for the pebble driver")
		}
		store, err := backup.Open(rt.cfg.BackupDir)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := store.IDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			snap, err := store.Get(cmd.Context(), id)
			if err != nil || snap == nil {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, snap.Reason, humanize.Time(time.UnixMilli(snap.UpdatedAt)))
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendNoStream, "no-stream", false, "wait for the whole reply")
	sendCmd.Flags().BoolVar(&sendWebSearch, "web-search", false, "offer the web search tool")
	sendCmd.Flags().StringSliceVar(&sendTools, "tools", nil, "MCP tools to offer, by name")
	askCmd.Flags().StringVar(&askSystem, "system", "", "system prompt")
	sendCmd.Flags().StringVar(&sendModel, "model", "", "model name sent to llama-server")

	topicsCmd.AddCommand(topicsListCmd, topicsNewCmd, topicsSwitchCmd, topicsRenameCmd, topicsDeleteCmd)
	rootCmd.AddCommand(listCmd, newCmd, deleteCmd, askCmd, sendCmd, regenerateCmd, showCmd, clearCmd, topicsCmd, backupsCmd)
}
