// Package jobs binds each job type to its body: the lifecycle controller
// around the archival pipeline or the build resolver.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"repro-screening/internal/archive"
	"repro-screening/internal/attachment"
	"repro-screening/internal/build"
	"repro-screening/internal/models"
	"repro-screening/internal/notify"
	"repro-screening/internal/screening"
	"repro-screening/internal/task"
	"repro-screening/internal/worker"
)

// Thread tags read from the review thread's description.
const (
	TitleField = "paper-title"
	DOIField   = "doi"
)

// Thread posts phases and reads tagged fields of a review thread.
type Thread interface {
	task.Poster
	Field(ctx context.Context, req *screening.Request, tag string) (string, bool, error)
}

// Provisioner builds the execution environment under the target's Lock Marker.
type Provisioner interface {
	Provision(ctx context.Context, req *screening.Request, onEvent func(build.Event)) (build.StreamResult, error)
}

// Builder runs a book build and verifies its output.
type Builder interface {
	Build(ctx context.Context, req *screening.Request, opts build.Options) (build.Result, error)
}

// Deps are the collaborators job bodies share. Archive is needed by the
// archive:* types, Provisioner and Builder by the build:* types.
type Deps struct {
	Thread      Thread
	Reporter    task.Reporter
	Attachments attachment.Uploader
	Mailer      notify.Mailer

	Archive   *archive.Pipeline
	Community string

	Provisioner Provisioner
	Builder     Builder

	SoftLimit time.Duration
	Logger    *slog.Logger
}

type body func(ctx context.Context, c *task.Controller) (task.Outcome, error)

// Runner dispatches jobs to their bodies.
type Runner struct {
	deps   Deps
	bodies map[string]body
	logger *slog.Logger
}

func NewRunner(d Deps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{deps: d, logger: logger}
	r.bodies = map[string]body{
		models.TypeArchiveBuckets:  r.createBuckets,
		models.TypeArchiveUpload:   r.upload,
		models.TypeArchivePublish:  r.publish,
		models.TypeArchiveFlush:    r.flush,
		models.TypeBuildPreview:    r.build,
		models.TypeBuildProduction: r.build,
	}
	return r
}

// Register binds every job type to the processor.
func (r *Runner) Register(p *worker.Processor) {
	for _, t := range models.JobTypes {
		p.RegisterHandler(t, r.Handle)
	}
}

// Handle runs one job behind the controller's failure boundary.
func (r *Runner) Handle(ctx context.Context, job models.Job) task.Outcome {
	c, err := task.New(task.Options{
		Payload:     job.Payload,
		TaskID:      job.ID,
		Thread:      r.deps.Thread,
		Reporter:    r.deps.Reporter,
		Attachments: r.deps.Attachments,
		Mailer:      r.deps.Mailer,
		Logger:      r.logger.With("type", job.Type),
	})
	if err != nil {
		return task.Failed{Kind: task.KindInput, Message: err.Error()}
	}

	fn, ok := r.bodies[job.Type]
	if !ok {
		return c.Fail(ctx, task.KindInput, "unknown job type "+job.Type)
	}
	if err := c.Request().Validate(); err != nil {
		return c.Fail(ctx, task.KindInput, err.Error())
	}

	c.Received(ctx)
	return c.Run(ctx, r.deps.SoftLimit, func(ctx context.Context) (task.Outcome, error) {
		return fn(ctx, c)
	})
}

// field reads a thread tag, returning "" for untracked requests or any error.
func (r *Runner) field(ctx context.Context, req *screening.Request, tag string) string {
	if r.deps.Thread == nil || !req.Tracked() {
		return ""
	}
	v, ok, err := r.deps.Thread.Field(ctx, req, tag)
	if err != nil {
		r.logger.Warn("thread field not read", "issue", req.IssueID, "tag", tag, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}
