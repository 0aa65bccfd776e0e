// Package task wraps one job execution, keeping the review thread and the job
// substrate's own state in lockstep.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"repro-screening/internal/attachment"
	"repro-screening/internal/models"
	"repro-screening/internal/notify"
	"repro-screening/internal/screening"
	"repro-screening/internal/thread"
)

var (
	ErrNoRequest        = errors.New("controller needs a screening request or a flat payload")
	ErrAmbiguousRequest = errors.New("controller takes a screening request or a flat payload, not both")
)

// maxInlineLog bounds log text placed directly in a comment when no
// attachment link could be produced.
const maxInlineLog = 60000

const notifyTimeout = 30 * time.Second

// Poster posts a phase to the request's status comment.
type Poster interface {
	Post(ctx context.Context, req *screening.Request, phase thread.Phase, msg thread.Message) error
}

// Reporter mirrors state into the job substrate's Task Run record.
type Reporter interface {
	UpdateState(ctx context.Context, taskID string, status models.Status, meta map[string]any) error
}

// Options configures a Controller. Exactly one of Request and Payload is set.
type Options struct {
	Request *screening.Request
	// Payload is the legacy flat form of a request.
	Payload map[string]any
	TaskID  string

	Thread      Poster
	Reporter    Reporter
	Attachments attachment.Uploader
	Mailer      notify.Mailer
	Logger      *slog.Logger
}

// Controller drives one job's start/succeed/fail/email primitives.
type Controller struct {
	req         *screening.Request
	thread      Poster
	reporter    Reporter
	attachments attachment.Uploader
	mailer      notify.Mailer
	logger      *slog.Logger

	mu       sync.Mutex
	closing  bool
	terminal Outcome
}

// New validates opts and builds a controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Request == nil && opts.Payload == nil:
		return nil, ErrNoRequest
	case opts.Request != nil && opts.Payload != nil:
		return nil, ErrAmbiguousRequest
	}
	req := opts.Request
	if req == nil {
		decoded, err := screening.FromPayload(opts.Payload)
		if err != nil {
			return nil, err
		}
		req = &decoded
	}
	if opts.TaskID != "" {
		req.TaskID = opts.TaskID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		req:         req,
		thread:      opts.Thread,
		reporter:    opts.Reporter,
		attachments: opts.Attachments,
		mailer:      opts.Mailer,
		logger:      logger.With("taskID", req.TaskID, "issue", req.IssueID),
	}, nil
}

// Request returns the request being driven. Its CommentID is the live comment.
func (c *Controller) Request() *screening.Request {
	return c.req
}

// Terminal returns the outcome already posted, or nil.
func (c *Controller) Terminal() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Received marks the job as picked up by a worker.
func (c *Controller) Received(ctx context.Context) {
	c.post(ctx, thread.PhaseReceived, thread.Message{})
	c.report(ctx, models.StatusReceived, nil)
}

// Start posts the started phase and mirrors it into the substrate. It may be
// called repeatedly to report sub-step progress. Untracked requests are a no-op.
func (c *Controller) Start(ctx context.Context, msg string) {
	if !c.req.Tracked() || c.Terminal() != nil {
		return
	}
	c.post(ctx, thread.PhaseStarted, thread.Message{Text: msg})
	c.report(ctx, models.StatusStarted, map[string]any{"message": msg})
}

// Option adds detail to a terminal post.
type Option func(*terminalPost)

type terminalPost struct {
	logName    string
	logContent string
}

// WithLog attaches an arbitrarily large log body as a hosted document.
func WithLog(name, content string) Option {
	return func(p *terminalPost) {
		p.logName = name
		p.logContent = content
	}
}

// Fail posts the failure phase, records failure in the substrate, and returns
// the Failed outcome the job body must return. The substrate does not retry it.
func (c *Controller) Fail(ctx context.Context, kind ErrorKind, msg string, opts ...Option) Failed {
	out, _ := c.fail(ctx, kind, msg, opts...)
	return out
}

// fail reports false when another terminal post already owns the outcome.
func (c *Controller) fail(ctx context.Context, kind ErrorKind, msg string, opts ...Option) (Failed, bool) {
	c.mu.Lock()
	if prev, ok := c.terminal.(Failed); ok {
		c.mu.Unlock()
		return prev, true
	}
	if c.closing {
		c.mu.Unlock()
		return Failed{Kind: kind, Message: msg}, false
	}
	c.closing = true
	c.mu.Unlock()

	ctx, cancel := detached(ctx)
	defer cancel()

	p := collect(opts)
	out := Failed{Kind: kind, Message: msg}
	text := msg
	if p.logContent != "" {
		out.LogURL, text = c.attach(ctx, p, msg)
	}
	c.post(ctx, thread.PhaseFailure, thread.Message{Text: text, AttachmentURL: out.LogURL})
	c.report(ctx, models.StatusFailure, out.Meta())
	c.logger.Error("job failed", "kind", kind, "message", msg)

	c.mu.Lock()
	c.terminal = out
	c.mu.Unlock()
	return out, true
}

// Succeed posts the success phase. The substrate records success when the job
// body returns the outcome. With collapsible false the message is shown inline.
func (c *Controller) Succeed(ctx context.Context, msg string, collapsible bool, opts ...Option) Succeeded {
	out := Succeeded{Message: msg}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return out
	}
	c.closing = true
	c.mu.Unlock()

	ctx, cancel := detached(ctx)
	defer cancel()

	p := collect(opts)
	text := msg
	var link string
	if p.logContent != "" {
		link, text = c.attach(ctx, p, msg)
	}
	c.post(ctx, thread.PhaseSuccess, thread.Message{Text: text, Inline: !collapsible, AttachmentURL: link})

	c.mu.Lock()
	c.terminal = out
	c.mu.Unlock()
	return out
}

// Email notifies the submitter when an address was given. Failures are logged only.
func (c *Controller) Email(ctx context.Context, msg string) {
	if c.req.Email == "" || c.mailer == nil {
		return
	}
	subject := c.req.TaskName
	if subject == "" {
		subject = "Screening task update"
	}
	if err := c.mailer.Send(ctx, c.req.Email, subject, msg); err != nil {
		c.logger.Warn("email not sent", "error", err)
	}
}

// Func is a job body. A returned error is converted to a failure.
type Func func(ctx context.Context) (Outcome, error)

// Run executes fn behind the failure boundary: errors, panics and a breach of
// the soft limit all end in Fail. A cancelled parent yields KindAborted with no
// posts, since whoever cancelled it owns the outcome.
func (c *Controller) Run(ctx context.Context, soft time.Duration, fn Func) Outcome {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if soft > 0 {
		runCtx, cancel = context.WithTimeout(ctx, soft)
	}
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- c.Fail(ctx, KindInternal, fmt.Sprintf("unexpected error: %v", r), WithLog("panic.txt", string(debug.Stack())))
			}
		}()
		out, err := fn(runCtx)
		done <- c.settle(ctx, out, err)
	}()

	select {
	case out := <-done:
		return out
	case <-runCtx.Done():
		select {
		case out := <-done:
			return out
		default:
		}
		if ctx.Err() != nil {
			return Failed{Kind: KindAborted, Message: ctx.Err().Error()}
		}
		out, owned := c.fail(ctx, KindTimeout, fmt.Sprintf("soft time limit of %s exceeded", soft))
		if owned {
			return out
		}
		// fn already started its terminal post; the substrate must record
		// the same outcome the thread shows.
		select {
		case out := <-done:
			return out
		case <-ctx.Done():
			if prev := c.Terminal(); prev != nil {
				return prev
			}
			return Failed{Kind: KindAborted, Message: ctx.Err().Error()}
		}
	}
}

// settle guarantees the thread shows a final phase for whatever fn returned.
func (c *Controller) settle(ctx context.Context, out Outcome, err error) Outcome {
	if err != nil {
		if prev, ok := c.Terminal().(Failed); ok {
			return prev
		}
		return c.Fail(ctx, Classify(err), err.Error())
	}
	switch o := out.(type) {
	case Failed:
		if c.Terminal() == nil {
			return c.Fail(ctx, o.Kind, o.Message)
		}
		return o
	case Succeeded:
		if c.Terminal() == nil {
			c.Succeed(ctx, o.Message, false)
		}
		return o
	default:
		if prev := c.Terminal(); prev != nil {
			return prev
		}
		return c.Succeed(ctx, "Done", false)
	}
}

func (c *Controller) post(ctx context.Context, phase thread.Phase, msg thread.Message) {
	if !c.req.Tracked() || c.thread == nil {
		return
	}
	if err := c.thread.Post(ctx, c.req, phase, msg); err != nil {
		c.logger.Error("status comment not updated", "phase", phase.String(), "error", err)
	}
}

func (c *Controller) report(ctx context.Context, status models.Status, meta map[string]any) {
	if c.reporter == nil || c.req.TaskID == "" {
		return
	}
	if err := c.reporter.UpdateState(ctx, c.req.TaskID, status, meta); err != nil {
		c.logger.Error("task state not updated", "status", status, "error", err)
	}
}

// attach uploads the log and returns its link plus the text to show. If no
// link can be made the log tail is inlined so the detail is never lost.
func (c *Controller) attach(ctx context.Context, p terminalPost, msg string) (string, string) {
	name := p.logName
	if name == "" {
		name = "log.txt"
	}
	if c.attachments != nil {
		link, err := c.attachments.Upload(ctx, fmt.Sprintf("%s-%s", c.req.TaskID, name), p.logContent)
		if err == nil {
			return link, msg
		}
		c.logger.Warn("log attachment failed, inlining", "error", err)
	}
	tail := p.logContent
	if len(tail) > maxInlineLog {
		tail = "…" + tail[len(tail)-maxInlineLog:]
	}
	return "", fmt.Sprintf("%s\n\n```\n%s\n```", msg, tail)
}

func collect(opts []Option) terminalPost {
	var p terminalPost
	for _, o := range opts {
		o(&p)
	}
	return p
}

// detached keeps values of ctx but survives its cancellation, so terminal
// posts still go out after a soft timeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
}
