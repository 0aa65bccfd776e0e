package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repro-screening/internal/build"
	"repro-screening/internal/lock"
	"repro-screening/internal/screening"
	"repro-screening/internal/task"
)

// DOIKey carries the production DOI when it is not read from the thread.
const DOIKey = "doi"

func (r *Runner) build(ctx context.Context, c *task.Controller) (task.Outcome, error) {
	if r.deps.Builder == nil {
		return nil, task.Wrap(task.KindInternal, errors.New("build resolver is not configured"))
	}
	req := c.Request()
	logger := r.logger.With("taskID", req.TaskID, "repo", req.RepoURL, "commit", req.CommitHash)

	var doi string
	if req.Production {
		doi = req.ExtraValue(DOIKey)
		if doi == "" {
			doi = r.field(ctx, req, DOIField)
		}
		if doi == "" {
			return c.Fail(ctx, task.KindInput, "A production build needs a DOI; none was given or found in the review thread."), nil
		}
	}

	var provisionLog string
	if r.deps.Provisioner != nil {
		c.Start(ctx, "Building the execution environment")
		res, err := r.deps.Provisioner.Provision(ctx, req, func(ev build.Event) {
			logger.Debug("environment build event", "phase", ev.Phase, "message", ev.Message)
		})
		provisionLog = res.Log
		if err != nil {
			return c.Fail(ctx, provisionKind(err), fmt.Sprintf("Environment build failed: %v", err), task.WithLog("environment.log", provisionLog)), nil
		}
	}

	res, err := r.deps.Builder.Build(ctx, req, build.Options{
		ProvisionLog: provisionLog,
		DOI:          doi,
		Progress:     func(msg string) { c.Start(ctx, msg) },
	})
	if err != nil {
		var logs string
		var failure *build.Failure
		if errors.As(err, &failure) {
			logs = failure.Logs()
		}
		return c.Fail(ctx, buildKind(err), buildFailureMessage(err), task.WithLog("build.log", logs)), nil
	}

	msg := buildSuccessMessage(req, res)
	out := c.Succeed(ctx, msg, true, task.WithLog("build.log", res.Log))
	c.Email(ctx, msg)
	out.Result = map[string]any{
		"commit":      res.Commit,
		"image":       res.Image.Ref,
		"verified":    res.Image.Verified,
		"archive":     res.ArchivePath,
		"seeded_from": res.SeededFrom,
	}
	if res.PublicDir != "" {
		out.Result["public_dir"] = res.PublicDir
	}
	return out, nil
}

func buildSuccessMessage(req *screening.Request, res build.Result) string {
	var b strings.Builder
	kind := "Preview"
	if req.Production {
		kind = "Production"
	}
	fmt.Fprintf(&b, "%s book built for `%s` at `%s`.\n\n", kind, req.RepoURL, res.Commit)
	fmt.Fprintf(&b, "- Image: `%s`\n", res.Image.Ref)
	if res.Image.Warning != "" {
		fmt.Fprintf(&b, "- Warning: %s\n", res.Image.Warning)
	}
	if res.SeededFrom != "" {
		fmt.Fprintf(&b, "- Reused cached outputs from `%s`\n", res.SeededFrom)
	}
	fmt.Fprintf(&b, "- Archive: `%s`\n", res.ArchivePath)
	if res.PublicDir != "" {
		fmt.Fprintf(&b, "- Published at: `%s`\n", res.PublicDir)
	}
	return b.String()
}

func buildFailureMessage(err error) string {
	var failure *build.Failure
	if !errors.As(err, &failure) {
		return fmt.Sprintf("Book build failed: %v", err)
	}
	switch {
	case errors.Is(err, build.ErrOutputMissing):
		return "The build finished without producing the book's index page. See the log for details."
	case errors.Is(err, build.ErrImageNotFound):
		return fmt.Sprintf("No verified environment image is available: %v", failure.Err)
	}
	return fmt.Sprintf("Book build failed during %s: %v", failure.Stage, failure.Err)
}

func provisionKind(err error) task.ErrorKind {
	switch {
	case errors.Is(err, lock.ErrHeld):
		return task.KindInput
	case errors.Is(err, build.ErrEnvironmentFailed):
		return task.KindEnvironment
	case errors.Is(err, build.ErrStreamClosed):
		return task.KindUpstream
	}
	return task.Classify(err)
}

func buildKind(err error) task.ErrorKind {
	switch {
	case errors.Is(err, build.ErrOutputMissing):
		return task.KindVerification
	case errors.Is(err, build.ErrImageNotFound):
		return task.KindEnvironment
	case errors.Is(err, screening.ErrInvalidRequest):
		return task.KindInput
	case errors.Is(err, context.DeadlineExceeded):
		return task.KindTimeout
	}
	var failure *build.Failure
	if errors.As(err, &failure) && (failure.Stage == build.StageSpawn || failure.Stage == build.StageBuild) {
		return task.KindEnvironment
	}
	return task.KindInternal
}
