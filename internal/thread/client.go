package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"repro-screening/internal/screening"
	"repro-screening/internal/telemetry"
)

var (
	// ErrUntracked is returned for any transition on a request without an issue.
	ErrUntracked = errors.New("request is not associated with a review thread")
	// ErrNoComment is returned when a non-pending phase has no comment to update.
	ErrNoComment = errors.New("no status comment exists for this request")
	// ErrCommentExists is returned when pending is posted twice for one request.
	ErrCommentExists = errors.New("status comment already created for this request")
)

// Service is the review-thread hosting API.
type Service interface {
	CreateComment(ctx context.Context, issue int, body string) (int64, error)
	UpdateComment(ctx context.Context, issue int, commentID int64, body string) error
	ReadIssueField(ctx context.Context, issue int, tag string) (string, bool, error)
	CommentURL(issue int, commentID int64) string
}

// Client posts rendered phases for a request against its single status comment.
type Client struct {
	svc      Service
	renderer Renderer
	logger   *slog.Logger
}

// NewClient wires a service and renderer.
func NewClient(svc Service, renderer Renderer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{svc: svc, renderer: renderer, logger: logger}
}

// Post renders phase for req and persists it. PhasePending creates the
// comment and records its id on req; every other phase edits that comment.
func (c *Client) Post(ctx context.Context, req *screening.Request, phase Phase, msg Message) error {
	if !req.Tracked() {
		return ErrUntracked
	}
	view := View{
		Phase:    phase,
		TaskName: req.TaskName,
		TaskID:   req.TaskID,
		Message:  msg,
	}

	if phase == PhasePending {
		if req.CommentID != 0 {
			return ErrCommentExists
		}
		view.RefreshURL = c.svc.CommentURL(req.IssueID, 0)
		id, err := c.svc.CreateComment(ctx, req.IssueID, c.renderer.Render(view))
		if err != nil {
			return fmt.Errorf("create status comment on #%d: %w", req.IssueID, err)
		}
		req.CommentID = id
		telemetry.ThreadPosts.WithLabelValues(phase.String()).Inc()
		c.logger.Info("status comment created", "issue", req.IssueID, "commentID", id)
		return nil
	}

	if req.CommentID == 0 {
		return ErrNoComment
	}
	view.RefreshURL = c.svc.CommentURL(req.IssueID, req.CommentID)
	if err := c.svc.UpdateComment(ctx, req.IssueID, req.CommentID, c.renderer.Render(view)); err != nil {
		return fmt.Errorf("update status comment %d on #%d: %w", req.CommentID, req.IssueID, err)
	}
	telemetry.ThreadPosts.WithLabelValues(phase.String()).Inc()
	return nil
}

// Field reads a tagged region of the thread's description. ok is false when
// the region is missing or still holds the "Pending" placeholder.
func (c *Client) Field(ctx context.Context, req *screening.Request, tag string) (string, bool, error) {
	if !req.Tracked() {
		return "", false, ErrUntracked
	}
	return c.svc.ReadIssueField(ctx, req.IssueID, tag)
}
