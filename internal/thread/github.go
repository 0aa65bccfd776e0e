package thread

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"

	"repro-screening/internal/screening"
)

// GitHub implements Service against issues of one review repository.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHub builds the service. apiURL may point at a GitHub Enterprise or test server.
func NewGitHub(token, apiURL, reviewRepo string) (*GitHub, error) {
	owner, repo, err := screening.SplitRepo(reviewRepo)
	if err != nil {
		return nil, fmt.Errorf("review repository: %w", err)
	}
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHub{client: client, owner: owner, repo: repo}, nil
}

// Client exposes the underlying API client for gist attachments.
func (g *GitHub) Client() *github.Client {
	return g.client
}

func (g *GitHub) CreateComment(ctx context.Context, issue int, body string) (int64, error) {
	c, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, issue, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return 0, err
	}
	return c.GetID(), nil
}

func (g *GitHub) UpdateComment(ctx context.Context, _ int, commentID int64, body string) error {
	_, _, err := g.client.Issues.EditComment(ctx, g.owner, g.repo, commentID, &github.IssueComment{Body: github.String(body)})
	return err
}

func (g *GitHub) ReadIssueField(ctx context.Context, issue int, tag string) (string, bool, error) {
	iss, _, err := g.client.Issues.Get(ctx, g.owner, g.repo, issue)
	if err != nil {
		return "", false, fmt.Errorf("get issue #%d: %w", issue, err)
	}
	v, ok := ExtractField(iss.GetBody(), tag)
	return v, ok, nil
}

func (g *GitHub) CommentURL(issue int, commentID int64) string {
	u := fmt.Sprintf("https://github.com/%s/%s/issues/%d", g.owner, g.repo, issue)
	if commentID != 0 {
		u += fmt.Sprintf("#issuecomment-%d", commentID)
	}
	return u
}

// ExtractField returns the trimmed text between <!--tag--> and <!--end-tag-->.
func ExtractField(body, tag string) (string, bool) {
	open := "<!--" + tag + "-->"
	closing := "<!--end-" + tag + "-->"
	start := strings.Index(body, open)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	v := strings.TrimSpace(rest[:end])
	if v == "" || v == "Pending" {
		return "", false
	}
	return v, true
}
