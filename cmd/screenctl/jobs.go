package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"repro-screening/internal/api"
	"repro-screening/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st api.JobStatus
		if err := newClient().getJSON("/jobs/"+url.PathEscape(args[0]), &st); err != nil {
			return err
		}
		if outputFmt == "table" {
			detail := st.Result
			if st.Error != nil {
				detail = st.Error
			}
			printTable(cmd.OutOrStdout(), []string{"job_id", "type", "state", "detail"},
				[][]string{{st.JobID, st.Type, string(st.State), summarize(detail)}})
			return nil
		}
		return printOutput(cmd.OutOrStdout(), st)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <job-id>",
	Short: "Revoke a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := newClient().postJSON("/jobs/"+url.PathEscape(args[0])+"/revoke", nil, &resp, 200); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], resp["status"])
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered job IDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp struct {
			Items []string `json:"items"`
		}
		if err := newClient().getJSON("/dlq", &resp); err != nil {
			return err
		}
		if outputFmt == "table" {
			rows := make([][]string, 0, len(resp.Items))
			for _, id := range resp.Items {
				rows = append(rows, []string{id})
			}
			printTable(cmd.OutOrStdout(), []string{"job_id"}, rows)
			return nil
		}
		return printOutput(cmd.OutOrStdout(), resp)
	},
}

// summarize flattens a result or error map into key=value pairs.
func summarize(m map[string]any) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, strings.ReplaceAll(v, "\n", " ")))
	}
	return strings.Join(parts, " ")
}

var auditCmd = &cobra.Command{
	Use:   "audit <job-id>",
	Short: "Show the audit trail of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []models.AuditLog `json:"items"`
		}
		if err := newClient().getJSON("/jobs/"+url.PathEscape(args[0])+"/audit", &resp); err != nil {
			return err
		}
		if outputFmt == "table" {
			rows := make([][]string, 0, len(resp.Items))
			for _, ev := range resp.Items {
				rows = append(rows, []string{ev.Recorded.Format(time.RFC3339), ev.Event, ev.Detail})
			}
			printTable(cmd.OutOrStdout(), []string{"recorded", "event", "detail"}, rows)
			return nil
		}
		return printOutput(cmd.OutOrStdout(), resp)
	},
}
