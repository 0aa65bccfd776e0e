package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"repro-screening/internal/api"
	"repro-screening/internal/models"
)

var submitFlags struct {
	jobType         string
	taskName        string
	repo            string
	commit          string
	binderHash      string
	issue           int
	email           string
	prod            bool
	sandbox         bool
	noCustomRuntime bool
	extra           []string
	priority        string
	idempotencyKey  string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a screening job",
	Long: fmt.Sprintf(`Submit a screening job to the intake API.

Known job types: %s`, strings.Join(models.JobTypes, ", ")),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := buildEnqueueRequest()
		if err != nil {
			return err
		}
		var resp api.EnqueueResponse
		if err := newClient().postJSON("/jobs", req, &resp, 202); err != nil {
			return err
		}
		if outputFmt == "table" {
			reused := ""
			if resp.Idempotent {
				reused = "yes"
			}
			printTable(cmd.OutOrStdout(), []string{"job_id", "reused"}, [][]string{{resp.JobID, reused}})
			return nil
		}
		return printOutput(cmd.OutOrStdout(), resp)
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.jobType, "type", "", "Job type (required)")
	f.StringVar(&submitFlags.taskName, "task-name", "", "Task name shown in the review thread (defaults to the type)")
	f.StringVar(&submitFlags.repo, "repo", "", "Repository URL (required)")
	f.StringVar(&submitFlags.commit, "commit", "", "Commit hash or \"latest\" (required)")
	f.StringVar(&submitFlags.binderHash, "binder-hash", "", "Commit of the environment image")
	f.IntVar(&submitFlags.issue, "issue", 0, "Review issue number")
	f.StringVar(&submitFlags.email, "email", "", "Notification address")
	f.BoolVar(&submitFlags.prod, "prod", false, "Production build")
	f.BoolVar(&submitFlags.sandbox, "sandbox", false, "Use the archive sandbox")
	f.BoolVar(&submitFlags.noCustomRuntime, "no-custom-runtime", false, "Build with the base image only")
	f.StringArrayVar(&submitFlags.extra, "extra", nil, "Extra key=value payload entry (repeatable)")
	f.StringVar(&submitFlags.priority, "priority", "", "Queue priority: high, default, low")
	f.StringVar(&submitFlags.idempotencyKey, "idempotency-key", "", "Idempotency key")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("repo")
	_ = submitCmd.MarkFlagRequired("commit")
}

func buildEnqueueRequest() (api.EnqueueRequest, error) {
	if !models.KnownType(submitFlags.jobType) {
		return api.EnqueueRequest{}, fmt.Errorf("unknown job type %q", submitFlags.jobType)
	}
	extra, err := parseExtra(submitFlags.extra)
	if err != nil {
		return api.EnqueueRequest{}, err
	}
	name := submitFlags.taskName
	if name == "" {
		name = submitFlags.jobType
	}
	return api.EnqueueRequest{
		Type:           submitFlags.jobType,
		Priority:       submitFlags.priority,
		IdempotencyKey: submitFlags.idempotencyKey,
		Request: api.RequestBody{
			TaskName:        name,
			IssueID:         submitFlags.issue,
			RepoURL:         submitFlags.repo,
			CommitHash:      submitFlags.commit,
			BinderHash:      submitFlags.binderHash,
			Email:           submitFlags.email,
			Production:      submitFlags.prod,
			Sandbox:         submitFlags.sandbox,
			NoCustomRuntime: submitFlags.noCustomRuntime,
			Extra:           extra,
		},
	}, nil
}

func parseExtra(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --extra %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
