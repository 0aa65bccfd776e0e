// Package attachment hosts large log bodies outside the status comment and
// returns a link to them. Comment bodies have a size ceiling; logs do not.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-github/v66/github"

	"repro-screening/internal/config"
)

// Uploader stores content under name and returns a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, name string, content string) (string, error)
}

// New picks the backend named by cfg.AttachmentBackend. gh is required for "gist".
func New(ctx context.Context, cfg config.Config, gh *github.Client) (Uploader, error) {
	switch strings.ToLower(cfg.AttachmentBackend) {
	case "gist":
		if gh == nil {
			return nil, errors.New("gist attachments need a github client")
		}
		return &gistUploader{client: gh}, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("s3 attachments requested but ATTACHMENT_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newS3Uploader(client, cfg.S3Bucket, cfg.AttachmentBaseURL), nil
	case "local", "":
		return NewLocal(cfg.AttachmentDir, cfg.AttachmentBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown attachment backend %q", cfg.AttachmentBackend)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

type gistUploader struct {
	client *github.Client
}

func (g *gistUploader) Upload(ctx context.Context, name string, content string) (string, error) {
	gist, _, err := g.client.Gists.Create(ctx, &github.Gist{
		Description: github.String(name),
		Public:      github.Bool(false),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(sanitizeKey(name)): {Content: github.String(content)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create gist: %w", err)
	}
	return gist.GetHTMLURL(), nil
}

// presignExpiry is the longest lifetime SigV4 allows for a presigned URL.
const presignExpiry = 7 * 24 * time.Hour

// s3Uploader links to a public base URL when one fronts the bucket, and to a
// presigned GET otherwise. Reviewers follow the link from a browser.
type s3Uploader struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	baseURL string
}

func newS3Uploader(client *s3.Client, bucket, baseURL string) *s3Uploader {
	return &s3Uploader{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *s3Uploader) Upload(ctx context.Context, name string, content string) (string, error) {
	key := sanitizeKey(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(content)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + url.PathEscape(key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}

// Local writes attachments to disk, for development and tests.
type Local struct {
	baseDir string
	baseURL string
}

// NewLocal returns a Local uploader. With an empty baseURL it returns file paths.
func NewLocal(baseDir, baseURL string) *Local {
	if baseDir == "" {
		baseDir = "./attachments"
	}
	return &Local{baseDir: baseDir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (l *Local) Upload(_ context.Context, name string, content string) (string, error) {
	key := sanitizeKey(name)
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.baseURL == "" {
		return path, nil
	}
	return l.baseURL + "/" + url.PathEscape(key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	if key == "." || key == "" {
		key = "log.txt"
	}
	return key
}
