package screening

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReportsMissingFields(t *testing.T) {
	r := Request{TaskName: "build"}
	err := r.Validate()
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "repo_url")
	assert.Contains(t, err.Error(), "commit_hash")
}

func TestSplitRepo(t *testing.T) {
	cases := map[string][2]string{
		"owner/repo":                        {"owner", "repo"},
		"github.com/owner/repo":             {"owner", "repo"},
		"https://github.com/owner/repo/":    {"owner", "repo"},
		"https://github.com/owner/repo.git": {"owner", "repo"},
	}
	for in, want := range cases {
		owner, repo, err := SplitRepo(in)
		require.NoError(t, err, in)
		assert.Equal(t, want[0], owner, in)
		assert.Equal(t, want[1], repo, in)
	}
	for _, in := range []string{"just-a-name", "../etc", "owner/..", "https://github.com/./repo", "owner/re po", `owner\..\x/repo`} {
		_, _, err := SplitRepo(in)
		assert.Error(t, err, in)
	}
}

func TestValidateRejectsUnsafePaths(t *testing.T) {
	tests := []struct {
		name   string
		repo   string
		commit string
		ok     bool
	}{
		{name: "short hash", repo: "owner/repo", commit: "abc123", ok: true},
		{name: "full hash", repo: "https://github.com/owner/repo", commit: "0123456789abcdef0123456789ABCDEF01234567", ok: true},
		{name: "dot-dot owner", repo: "../repo", commit: "abc123"},
		{name: "dot repo", repo: "owner/.", commit: "abc123"},
		{name: "commit traversal", repo: "owner/repo", commit: "../../etc"},
		{name: "commit with slash", repo: "owner/repo", commit: "abc123/def456"},
		{name: "branch name", repo: "owner/repo", commit: "main"},
		{name: "too long", repo: "owner/repo", commit: "0123456789abcdef0123456789abcdef012345678"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := Request{RepoURL: tc.repo, CommitHash: tc.commit}
			err := r.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

// The payload crosses the queue as JSON, so numbers come back as float64.
func TestPayloadSurvivesJSON(t *testing.T) {
	in := Request{
		TaskName:   "Preview build",
		IssueID:    42,
		RepoURL:    "https://github.com/owner/repo",
		CommitHash: "abc123",
		CommentID:  1234567890123,
		Production: true,
		Extra:      map[string]string{"asset": "book"},
	}
	raw, err := json.Marshal(in.Payload())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	out, err := FromPayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.Tracked())
	assert.Equal(t, "owner", out.Owner())
	assert.Equal(t, "repo", out.Repo())
}

func TestUntrackedWithoutIssue(t *testing.T) {
	out, err := FromPayload(map[string]any{"repo_url": "o/r", "commit_hash": "c"})
	require.NoError(t, err)
	assert.False(t, out.Tracked())
	assert.Nil(t, out.Extra)
}
