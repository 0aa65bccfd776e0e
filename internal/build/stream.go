package build

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"repro-screening/internal/lock"
	"repro-screening/internal/screening"
)

var (
	// ErrEnvironmentFailed is returned when the build service ends with phase failed.
	ErrEnvironmentFailed = errors.New("execution environment build failed")
	// ErrStreamClosed is returned when the stream ends without a terminal phase.
	ErrStreamClosed = errors.New("build stream closed before a terminal phase")
)

const (
	PhaseReady  = "ready"
	PhaseFailed = "failed"
)

// Event is one {phase, message} line of the build stream.
type Event struct {
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	ImageName string `json:"imageName,omitempty"`
}

// StreamResult is what a finished stream produced.
type StreamResult struct {
	Phase     string
	ImageName string
	Log       string
}

// StreamClient requests environment builds from a BinderHub-style service.
type StreamClient struct {
	base string
	http *http.Client
}

func NewStreamClient(baseURL string, httpClient *http.Client) *StreamClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &StreamClient{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Stream issues the build request for owner/repo at commit and consumes the
// event stream line by line until ready, failed, or the connection closes.
// onEvent, if set, sees every event.
func (c *StreamClient) Stream(ctx context.Context, owner, repo, commit string, onEvent func(Event)) (StreamResult, error) {
	target := fmt.Sprintf("%s/build/gh/%s/%s/%s", c.base, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(commit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return StreamResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return StreamResult{}, fmt.Errorf("build stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return StreamResult{}, fmt.Errorf("build stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var res StreamResult
	var log strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		log.WriteString(ev.Message)
		if ev.Message != "" && !strings.HasSuffix(ev.Message, "\n") {
			log.WriteByte('\n')
		}
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Phase {
		case PhaseReady:
			res.Phase, res.ImageName, res.Log = ev.Phase, ev.ImageName, log.String()
			return res, nil
		case PhaseFailed:
			res.Phase, res.Log = ev.Phase, log.String()
			return res, fmt.Errorf("%w: %s", ErrEnvironmentFailed, strings.TrimSpace(ev.Message))
		}
	}
	res.Log = log.String()
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("build stream: %w", err)
	}
	return res, ErrStreamClosed
}

// Provisioner runs the environment build stream while holding the target's
// Lock Marker. The marker is removed once the stream ends, whatever the result.
type Provisioner struct {
	Client *StreamClient
	Guard  *lock.Guard
	Layout screening.Layout
}

func (p *Provisioner) Provision(ctx context.Context, req *screening.Request, onEvent func(Event)) (StreamResult, error) {
	owner, repo := p.Layout.Target(req)
	var res StreamResult
	err := p.Guard.Do(req.RepoURL, func() error {
		var err error
		res, err = p.Client.Stream(ctx, owner, repo, req.CommitHash, onEvent)
		return err
	})
	return res, err
}
