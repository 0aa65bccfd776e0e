package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 64 << 10

// Metadata describes a deposition at creation time.
type Metadata struct {
	Title       string   `json:"title"`
	UploadType  string   `json:"upload_type"`
	Description string   `json:"description"`
	Creators    []Person `json:"creators,omitempty"`
	Communities []Ident  `json:"communities,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

type Person struct {
	Name string `json:"name"`
}

type Ident struct {
	Identifier string `json:"identifier"`
}

// Deposition is what creation returns.
type Deposition struct {
	ID        int64
	BucketURL string
}

// DeleteResult is the outcome of a deposition deletion.
type DeleteResult string

const (
	Deleted DeleteResult = "deleted"
	// Refused means the service would not delete it, typically because it is published.
	Refused DeleteResult = "refused"
	Gone    DeleteResult = "gone"
)

// Client talks to a Zenodo-style deposition API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the API rooted at baseURL (".../api").
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

type depositionBody struct {
	ID    int64 `json:"id"`
	Links struct {
		Bucket string `json:"bucket"`
	} `json:"links"`
}

// CreateDeposition creates an empty deposition and returns its id and bucket.
func (c *Client) CreateDeposition(ctx context.Context, meta Metadata) (Deposition, error) {
	body, err := json.Marshal(map[string]any{"metadata": meta})
	if err != nil {
		return Deposition{}, err
	}
	var out depositionBody
	if err := c.do(ctx, "create", http.MethodPost, c.base+"/deposit/depositions", "application/json", bytes.NewReader(body), -1, &out, http.StatusCreated, http.StatusOK); err != nil {
		return Deposition{}, err
	}
	if out.ID == 0 || out.Links.Bucket == "" {
		return Deposition{}, fmt.Errorf("archive create: response lacks id or bucket link")
	}
	return Deposition{ID: out.ID, BucketURL: out.Links.Bucket}, nil
}

type fileBody struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
}

// Upload PUTs content to bucketURL/filename and returns the file id.
func (c *Client) Upload(ctx context.Context, bucketURL, filename string, content io.Reader, size int64) (string, error) {
	target := strings.TrimRight(bucketURL, "/") + "/" + url.PathEscape(filename)
	var out fileBody
	if err := c.do(ctx, "upload", http.MethodPut, target, "application/octet-stream", content, size, &out, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if out.ID != "" {
		return out.ID, nil
	}
	if out.VersionID != "" {
		return out.VersionID, nil
	}
	return "", fmt.Errorf("archive upload: response lacks a file id")
}

type publishBody struct {
	DOI string `json:"doi"`
}

// Publish publishes a deposition and returns its DOI. Only 202 counts as success.
func (c *Client) Publish(ctx context.Context, depositID int64) (string, error) {
	var out publishBody
	if err := c.do(ctx, "publish", http.MethodPost, c.deposition(depositID)+"/actions/publish", "", nil, -1, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.DOI, nil
}

// Delete removes an unpublished deposition.
func (c *Client) Delete(ctx context.Context, depositID int64) (DeleteResult, error) {
	req, err := c.request(ctx, http.MethodDelete, c.deposition(depositID), "", nil, -1)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("archive delete: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return Deleted, nil
	case http.StatusForbidden:
		return Refused, nil
	case http.StatusGone, http.StatusNotFound:
		return Gone, nil
	}
	return "", apiError("delete", resp)
}

func (c *Client) deposition(id int64) string {
	return c.base + "/deposit/depositions/" + strconv.FormatInt(id, 10)
}

func (c *Client) request(ctx context.Context, method, target, contentType string, body io.Reader, size int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, target, contentType string, body io.Reader, size int64, out any, ok ...int) error {
	req, err := c.request(ctx, method, target, contentType, body, size)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("archive %s: %w", op, err)
	}
	defer resp.Body.Close()
	for _, code := range ok {
		if resp.StatusCode == code {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
				return fmt.Errorf("archive %s: decode response: %w", op, err)
			}
			return nil
		}
	}
	return apiError(op, resp)
}

func apiError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
