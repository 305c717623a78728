package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawup/clawup/internal/progress"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect provisioning run history",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a), newRunsEventsCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/runs"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			data, err := a.client().doJSON(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			var resp runsResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode runs: %w", err)
			}
			printRuns(cmd.OutOrStdout(), resp.Runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs (server default 50)")
	return cmd
}

func printRuns(w io.Writer, runs []runResponse) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tHOST\tPROVIDER\tCREATED")
	for _, run := range runs {
		host := fmt.Sprintf("%s@%s:%d", run.Username, run.Host, run.Port)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Status, host, dash(run.Provider), run.CreatedAt)
	}
	_ = tw.Flush()
}

func newRunsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("run id is required")
			}
			data, err := a.client().doJSON(cmd.Context(), http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			var run runResponse
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func printRun(w io.Writer, run runResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fields := [][2]string{
		{"ID", run.ID},
		{"Status", run.Status},
		{"Host", fmt.Sprintf("%s@%s:%d", run.Username, run.Host, run.Port)},
		{"Environment", dash(run.Environment)},
		{"Provider", dash(run.Provider)},
		{"Access URL", dash(run.AccessURL)},
		{"Token SHA-256", dash(run.TokenHash)},
		{"Created", run.CreatedAt},
		{"Finished", dash(run.FinishedAt)},
	}
	if run.Error != "" {
		fields = append(fields, [2]string{"Error", run.Error})
	}
	for _, field := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", field[0], field[1])
	}
	_ = tw.Flush()

	var warnings []map[string]any
	if len(run.Warnings) > 0 && json.Unmarshal(run.Warnings, &warnings) == nil && len(warnings) > 0 {
		fmt.Fprintln(w, "Warnings:")
		for _, warning := range warnings {
			fmt.Fprintf(w, "  - %v\n", warning["message"])
		}
	}
}

func newRunsEventsCmd(a *app) *cobra.Command {
	var after int64
	var limit, tail int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the recorded progress events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tail > 0 && after > 0 {
				return errors.New("--tail and --after are mutually exclusive")
			}
			query := url.Values{}
			if after > 0 {
				query.Set("after", strconv.FormatInt(after, 10))
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if tail > 0 {
				query.Set("tail", strconv.Itoa(tail))
			}
			path := "/v1/runs/" + url.PathEscape(strings.TrimSpace(args[0])) + "/events"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}
			data, err := a.client().doJSON(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			var resp eventsResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode events: %w", err)
			}
			out := cmd.OutOrStdout()
			color, width := a.terminalOutput(out)
			r := newRenderer(out, color, width)
			for _, ev := range resp.Events {
				r.event(progress.Event{Percentage: ev.Progress, Message: ev.Message})
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&after, "after", 0, "only events with an id greater than this")
	flags.IntVar(&limit, "limit", 0, "maximum number of events")
	flags.IntVar(&tail, "tail", 0, "only the last N events")
	return cmd
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
