// ABOUTME: Operator CLI for fleetd: agents, batch commands, alerts, live watch
// ABOUTME: Cobra command tree; table-ish colorized output

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Control a fleetd server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newLoginCmd(),
		newAgentsCmd(),
		newRunCmd(),
		newBatchCmd(),
		newAlertsCmd(),
		newWatchCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLoginCmd() *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save server address and API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" || token == "" {
				return fmt.Errorf("--server and --token are required")
			}
			if err := saveConfig(&cliConfig{Server: server, Token: token}); err != nil {
				return err
			}
			color.Green("✓ Saved %s", configPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "fleetd base URL, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var agents []struct {
				ID         int64      `json:"id"`
				Name       string     `json:"name"`
				Hostname   string     `json:"hostname"`
				Tags       []string   `json:"tags"`
				Online     bool       `json:"online"`
				LastSeenAt *time.Time `json:"last_seen_at"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/agents", nil, &agents); err != nil {
				return err
			}

			for _, agent := range agents {
				status := color.RedString("offline")
				if agent.Online {
					status = color.GreenString("online ")
				}
				lastSeen := "never"
				if agent.LastSeenAt != nil {
					lastSeen = agent.LastSeenAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%4d  %s  %-20s %-20s tags=%s last_seen=%s\n",
					agent.ID, status, agent.Name, agent.Hostname,
					strings.Join(agent.Tags, ","), lastSeen)
			}
			return nil
		},
	})

	var tags []string
	register := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a new agent and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				AgentID int64  `json:"agent_id"`
				Token   string `json:"token"`
			}
			body := map[string]any{"name": args[0], "tags": tags}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/agents", body, &resp); err != nil {
				return err
			}

			color.Green("✓ Agent %d registered", resp.AgentID)
			fmt.Println()
			color.Yellow("  Token (shown once, configure it on the host):")
			fmt.Printf("  %s\n", resp.Token)
			return nil
		},
	}
	register.Flags().StringSliceVar(&tags, "tags", nil, "tags for the new agent")
	cmd.AddCommand(register)

	return cmd
}

func newRunCmd() *cobra.Command {
	var agentIDs []int64
	var tags []string
	var allOwned, queue, noQueue, follow bool
	var workingDir string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run COMMAND",
		Short: "Run a command across agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if queue == noQueue {
				return fmt.Errorf("exactly one of --queue or --no-queue is required")
			}
			client, err := newClient()
			if err != nil {
				return err
			}

			queueIfOffline := queue
			body := map[string]any{
				"command":     args[0],
				"working_dir": workingDir,
				"target": map[string]any{
					"agent_ids": agentIDs,
					"tags":      tags,
					"all_owned": allOwned,
				},
				"queue_if_offline": &queueIfOffline,
			}
			if timeout > 0 {
				body["timeout_seconds"] = int64(timeout.Seconds())
			}

			var resp struct {
				BatchID string `json:"batch_id"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/batch-commands", body, &resp); err != nil {
				return err
			}
			color.Green("✓ Batch %s created", resp.BatchID)

			if follow {
				return watchTopics(cmd.Context(), client, []string{"batch/" + resp.BatchID})
			}
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&agentIDs, "agents", nil, "target agent IDs")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "target agents by tags")
	cmd.Flags().BoolVar(&allOwned, "all", false, "target all owned agents")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue for offline agents")
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "fail children of offline agents")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream batch updates")
	cmd.Flags().StringVar(&workingDir, "dir", "", "working directory on the agent")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-child execution timeout")
	return cmd
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect and cancel batch commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a batch and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var batch struct {
				ID       string `json:"id"`
				Command  string `json:"command"`
				Status   string `json:"status"`
				Children []struct {
					ID       string `json:"id"`
					AgentID  int64  `json:"agent_id"`
					Status   string `json:"status"`
					ExitCode *int64 `json:"exit_code"`
				} `json:"children"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/batch-commands/"+args[0], nil, &batch); err != nil {
				return err
			}

			fmt.Printf("%s  %s\n", batch.ID, colorStatus(batch.Status))
			fmt.Printf("  command: %s\n", batch.Command)
			for _, child := range batch.Children {
				exit := "-"
				if child.ExitCode != nil {
					exit = strconv.FormatInt(*child.ExitCode, 10)
				}
				fmt.Printf("  agent %-4d %s exit=%s (%s)\n",
					child.AgentID, colorStatus(child.Status), exit, child.ID)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var batches []struct {
				ID        string    `json:"id"`
				Command   string    `json:"command"`
				Status    string    `json:"status"`
				CreatedAt time.Time `json:"created_at"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/batch-commands", nil, &batches); err != nil {
				return err
			}
			for _, batch := range batches {
				fmt.Printf("%s  %s  %s  %s\n",
					batch.ID, batch.CreatedAt.Local().Format("2006-01-02 15:04"),
					colorStatus(batch.Status), batch.Command)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), http.MethodDelete, "/api/batch-commands/"+args[0], nil, nil); err != nil {
				return err
			}
			color.Yellow("✓ Cancel requested for %s", args[0])
			return nil
		},
	})

	return cmd
}

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect alert events",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "List recent alert events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var events []struct {
				ID          int64      `json:"ID"`
				RuleID      int64      `json:"RuleID"`
				AgentID     int64      `json:"AgentID"`
				TriggeredAt time.Time  `json:"TriggeredAt"`
				ResolvedAt  *time.Time `json:"ResolvedAt"`
				Details     string     `json:"Details"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/alert-events", nil, &events); err != nil {
				return err
			}
			for _, event := range events {
				state := color.RedString("open    ")
				if event.ResolvedAt != nil {
					state = color.GreenString("resolved")
				}
				fmt.Printf("%6d  %s  rule=%d agent=%d  %s  %s\n",
					event.ID, state, event.RuleID, event.AgentID,
					event.TriggeredAt.Local().Format("2006-01-02 15:04:05"), event.Details)
			}
			return nil
		},
	})

	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch TOPIC [TOPIC...]",
		Short: "Stream live events for topics (agent/1/metrics, batch/ID, alerts/user/1)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return watchTopics(cmd.Context(), client, args)
		},
	}
}

func watchTopics(ctx context.Context, client *apiClient, topics []string) error {
	ws, err := client.subscribe(ctx, topics)
	if err != nil {
		return err
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var event struct {
			Topic   string          `json:"topic"`
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
			Lagged  int             `json:"lagged"`
		}
		if err := ws.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream ended: %w", err)
		}

		stamp := color.HiBlackString(time.Now().Format("15:04:05"))
		if event.Type == "lagged" {
			color.Yellow("%s %s dropped %d events", stamp, event.Topic, event.Lagged)
			continue
		}
		fmt.Printf("%s %s %s %s\n", stamp,
			color.CyanString(event.Topic), event.Type, string(event.Payload))
	}
}

func colorStatus(status string) string {
	switch {
	case strings.Contains(status, "succeeded"), status == "completed_successfully":
		return color.GreenString("%-25s", status)
	case strings.Contains(status, "failed"), status == "timeout", status == "agent_unreachable":
		return color.RedString("%-25s", status)
	case strings.Contains(status, "cancel"), status == "terminated":
		return color.YellowString("%-25s", status)
	default:
		return fmt.Sprintf("%-25s", status)
	}
}
