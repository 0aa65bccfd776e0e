// Package screening holds the Screening Request: the identifying and routing
// data of one submitted job, and its flat payload form for the job queue.
package screening

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidRequest marks input errors; a request failing validation never
// reaches the started phase.
var ErrInvalidRequest = errors.New("invalid screening request")

const extraPrefix = "extra."

var (
	commitPattern  = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Request identifies one job instance. IssueID zero means the job is not
// tracked in a review thread and posts no notifications.
type Request struct {
	TaskName        string
	IssueID         int
	RepoURL         string
	CommitHash      string
	BinderHash      string
	CommentID       int64
	TaskID          string
	Email           string
	Production      bool
	Sandbox         bool
	NoCustomRuntime bool
	Extra           map[string]string
}

// Tracked reports whether phase transitions are posted to a review thread.
func (r *Request) Tracked() bool {
	return r.IssueID > 0
}

// Validate checks the fields every job type needs.
func (r *Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.RepoURL) == "" {
		missing = append(missing, "repo_url")
	}
	if strings.TrimSpace(r.CommitHash) == "" {
		missing = append(missing, "commit_hash")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if _, _, err := SplitRepo(r.RepoURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// The commit names a directory under the book root.
	if !commitPattern.MatchString(r.CommitHash) {
		return fmt.Errorf("%w: commit_hash %q is not a hex commit id", ErrInvalidRequest, r.CommitHash)
	}
	if r.IssueID < 0 {
		return fmt.Errorf("%w: issue_id must be positive", ErrInvalidRequest)
	}
	return nil
}

// Owner returns the repository owner parsed from RepoURL.
func (r *Request) Owner() string {
	owner, _, _ := SplitRepo(r.RepoURL)
	return owner
}

// Repo returns the repository name parsed from RepoURL.
func (r *Request) Repo() string {
	_, repo, _ := SplitRepo(r.RepoURL)
	return repo
}

// ExtraValue returns an extension field, or "" when absent.
func (r *Request) ExtraValue(key string) string {
	if r.Extra == nil {
		return ""
	}
	return r.Extra[key]
}

// SplitRepo accepts "owner/repo", "github.com/owner/repo" or a full URL.
func SplitRepo(raw string) (string, string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) >= 3 && strings.Contains(parts[0], ".") {
		parts = parts[1:]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not of the form owner/repo", raw)
	}
	for _, p := range parts {
		if p == "." || p == ".." || !segmentPattern.MatchString(p) {
			return "", "", fmt.Errorf("repository %q has an invalid path segment %q", raw, p)
		}
	}
	return parts[0], parts[1], nil
}

// Payload flattens the request into string-keyed scalar values so it can be
// stored in the Task Run row and cross the process boundary.
func (r *Request) Payload() map[string]any {
	out := map[string]any{
		"task_name":         r.TaskName,
		"issue_id":          r.IssueID,
		"repo_url":          r.RepoURL,
		"commit_hash":       r.CommitHash,
		"binder_hash":       r.BinderHash,
		"comment_id":        strconv.FormatInt(r.CommentID, 10),
		"task_id":           r.TaskID,
		"email":             r.Email,
		"is_prod":           r.Production,
		"is_sandbox":        r.Sandbox,
		"no_custom_runtime": r.NoCustomRuntime,
	}
	for k, v := range r.Extra {
		out[extraPrefix+k] = v
	}
	return out
}

// FromPayload reconstructs a request inside the job process.
func FromPayload(p map[string]any) (Request, error) {
	var r Request
	var err error
	r.TaskName = str(p["task_name"])
	r.RepoURL = str(p["repo_url"])
	r.CommitHash = str(p["commit_hash"])
	r.BinderHash = str(p["binder_hash"])
	r.TaskID = str(p["task_id"])
	r.Email = str(p["email"])
	r.Production = boolean(p["is_prod"])
	r.Sandbox = boolean(p["is_sandbox"])
	r.NoCustomRuntime = boolean(p["no_custom_runtime"])
	if r.IssueID, err = asInt(p["issue_id"]); err != nil {
		return Request{}, fmt.Errorf("%w: issue_id: %v", ErrInvalidRequest, err)
	}
	comment, err := asInt64(p["comment_id"])
	if err != nil {
		return Request{}, fmt.Errorf("%w: comment_id: %v", ErrInvalidRequest, err)
	}
	r.CommentID = comment

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, extraPrefix) {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[strings.TrimPrefix(k, extraPrefix)] = str(p[k])
	}
	return r, nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func boolean(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

func asInt(v any) (int, error) {
	n, err := asInt64(v)
	return int(n), err
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
