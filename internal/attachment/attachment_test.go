package attachment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repro-screening/internal/config"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	up := NewLocal(dir, "https://logs.example/")

	link, err := up.Upload(context.Background(), "../book build log.txt", "line 1\nline 2")
	require.NoError(t, err)
	assert.Equal(t, "https://logs.example/.._book%20build%20log.txt", link)

	data, err := os.ReadFile(filepath.Join(dir, ".._book build log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2", string(data))
}

func TestGistUpload(t *testing.T) {
	var got github.Gist
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gists", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"html_url": "https://gist.example/abc"}`)
	}))
	defer srv.Close()

	gh := github.NewClient(nil)
	gh.BaseURL, _ = url.Parse(srv.URL + "/")

	up, err := New(context.Background(), config.Config{AttachmentBackend: "gist"}, gh)
	require.NoError(t, err)

	link, err := up.Upload(context.Background(), "build.log", "content")
	require.NoError(t, err)
	assert.Equal(t, "https://gist.example/abc", link)
	f := got.Files["build.log"]
	assert.Equal(t, "content", f.GetContent())
	assert.False(t, got.GetPublic())
}

func TestNewRejectsMisconfiguredBackends(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, config.Config{AttachmentBackend: "gist"}, nil)
	assert.Error(t, err)
	_, err = New(ctx, config.Config{AttachmentBackend: "s3"}, nil)
	assert.Error(t, err)
	_, err = New(ctx, config.Config{AttachmentBackend: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

// fakeBucket accepts PutObject calls and records the stored bodies.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
}

func newS3Server(t *testing.T) (*httptest.Server, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bucket.mu.Lock()
		bucket.objects[r.URL.Path] = string(body)
		bucket.mu.Unlock()
		w.Header().Set("ETag", `"1"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, bucket
}

func newTestS3Client(endpoint string) *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKIDTEST", SecretAccessKey: "secret"}, nil
		}),
	})
}

func TestS3UploadReturnsPresignedLink(t *testing.T) {
	srv, bucket := newS3Server(t)
	up := newS3Uploader(newTestS3Client(srv.URL), "screening-logs", "")

	link, err := up.Upload(context.Background(), "build.log", "line 1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(link, srv.URL+"/screening-logs/build.log?"), link)
	assert.Contains(t, link, "X-Amz-Signature=")
	assert.Contains(t, link, "X-Amz-Expires=604800")
	assert.Equal(t, "line 1", bucket.objects["/screening-logs/build.log"])
}

func TestS3UploadUsesPublicBaseURL(t *testing.T) {
	srv, _ := newS3Server(t)
	up := newS3Uploader(newTestS3Client(srv.URL), "screening-logs", "https://logs.example/")

	link, err := up.Upload(context.Background(), "book build.log", "line 1")
	require.NoError(t, err)
	assert.Equal(t, "https://logs.example/book%20build.log", link)
}
