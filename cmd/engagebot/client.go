package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"engagebot/ctlclient"
	"engagebot/extractor"
)

func newClient(server string) *ctlclient.Client {
	return ctlclient.NewClient(nil, server, ctlclient.DefaultRetry)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(server *string) *cobra.Command {
	var runID, label string
	cmd := &cobra.Command{
		Use:   "submit <items.json|->",
		Short: "Submit extracted items to a running engine",
		Long:  "Reads a JSON array of items (url, video_id, author_name, title, raw_text, duration) and submits them under a run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var items []extractor.Item
			if err := json.NewDecoder(r).Decode(&items); err != nil {
				return fmt.Errorf("reading items: %w", err)
			}

			client := newClient(*server)
			if runID == "" {
				run, err := client.CreateRun(cmd.Context(), label)
				if err != nil {
					return err
				}
				runID = run.ID
			}
			res, err := client.BatchUpsert(cmd.Context(), runID, items)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"run_id": runID, "result": res})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "existing run id; a new run is created when empty")
	cmd.Flags().StringVar(&label, "label", "", "label of the new run")
	return cmd
}

func newStatusCmd(server *string) *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*server)
			fetch := client.Status
			if stats {
				fetch = client.Stats
			}
			raw, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "show counters instead of status")
	return cmd
}

func newTasksCmd(server *string) *cobra.Command {
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Act as a UI driver: claim and report action tasks",
	}
	tasks.AddCommand(newTasksNextCmd(server))
	tasks.AddCommand(newTasksReportCmd(server))
	return tasks
}

func newTasksNextCmd(server *string) *cobra.Command {
	var (
		account string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the oldest queued task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*server)
			deadline := time.Now().Add(wait)
			for {
				task, err := client.NextTask(cmd.Context(), account)
				if err != nil {
					return err
				}
				if task != nil || !time.Now().Before(deadline) {
					return printJSON(cmd.OutOrStdout(), map[string]any{"task": task})
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id; the server default when empty")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep polling this long while the queue is empty")
	return cmd
}

func newTasksReportCmd(server *string) *cobra.Command {
	var status, message, evidence string
	cmd := &cobra.Command{
		Use:   "report <task-id>",
		Short: "Report the result of a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if evidence != "" {
				if !json.Valid([]byte(evidence)) {
					return fmt.Errorf("--evidence must be valid JSON")
				}
				raw = json.RawMessage(evidence)
			}
			if err := newClient(*server).ReportTask(cmd.Context(), args[0], status, message, raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"id": args[0], "status": status})
		},
	}
	cmd.Flags().StringVar(&status, "status", "succeeded", "succeeded, failed or review_required")
	cmd.Flags().StringVarP(&message, "error", "e", "", "error message for failed tasks")
	cmd.Flags().StringVar(&evidence, "evidence", "", "JSON evidence such as screenshot paths")
	return cmd
}
