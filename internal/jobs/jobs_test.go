package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repro-screening/internal/archive"
	"repro-screening/internal/build"
	"repro-screening/internal/lock"
	"repro-screening/internal/models"
	"repro-screening/internal/screening"
	"repro-screening/internal/task"
	"repro-screening/internal/thread"
)

// threadService keeps every body written to each comment.
type threadService struct {
	mu      sync.Mutex
	nextID  int64
	history map[int64][]string
	fields  map[string]string
}

func newThreadService() *threadService {
	return &threadService{nextID: 500, history: map[int64][]string{}, fields: map[string]string{}}
}

func (s *threadService) CreateComment(_ context.Context, _ int, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.history[s.nextID] = []string{body}
	return s.nextID, nil
}

func (s *threadService) UpdateComment(_ context.Context, _ int, id int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[id] = append(s.history[id], body)
	return nil
}

func (s *threadService) ReadIssueField(_ context.Context, _ int, tag string) (string, bool, error) {
	v, ok := s.fields[tag]
	return v, ok, nil
}

func (s *threadService) CommentURL(issue int, id int64) string {
	return fmt.Sprintf("https://example.test/issues/%d#%d", issue, id)
}

func (s *threadService) bodies(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[id]...)
}

type stateLog struct {
	mu     sync.Mutex
	states []models.Status
}

func (l *stateLog) UpdateState(_ context.Context, _ string, status models.Status, _ map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, status)
	return nil
}

type noTags struct{}

func (noTags) ListTags(context.Context, string) ([]string, error) { return nil, nil }

// bookRuntime pretends to run the book build by writing the index page.
type bookRuntime struct {
	mu     sync.Mutex
	calls  []string
	layout screening.Layout
	write  bool
}

func (b *bookRuntime) record(c string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *bookRuntime) Pull(context.Context, string) error { return nil }

func (b *bookRuntime) Start(_ context.Context, spec build.ContainerSpec) error {
	b.record("start")
	return nil
}

func (b *bookRuntime) Exec(_ context.Context, _ string, _ []string) (string, error) {
	b.record("exec")
	if !b.write {
		return "build exited 0", nil
	}
	html := b.layout.HTMLDir("owner", "repo", "abc123")
	if err := os.MkdirAll(html, 0o755); err != nil {
		return "", err
	}
	return "build succeeded", os.WriteFile(filepath.Join(html, "index.html"), []byte("<html/>"), 0o644)
}

func (b *bookRuntime) Stop(context.Context, string) error {
	b.record("stop")
	return nil
}

func (b *bookRuntime) Remove(context.Context, string) error {
	b.record("remove")
	return nil
}

type buildHarness struct {
	runner  *Runner
	svc     *threadService
	states  *stateLog
	layout  screening.Layout
	guard   *lock.Guard
	runtime *bookRuntime
}

func newBuildHarness(t *testing.T, events ...string) *buildHarness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	t.Cleanup(srv.Close)

	layout := screening.Layout{BookRoot: t.TempDir(), DataRoot: t.TempDir(), PublicRoot: t.TempDir()}
	rt := &bookRuntime{layout: layout, write: true}
	guard := lock.New(t.TempDir(), time.Hour)
	svc := newThreadService()
	states := &stateLog{}
	renderer := thread.Renderer{Location: time.UTC}

	runner := NewRunner(Deps{
		Thread:   thread.NewClient(svc, renderer, nil),
		Reporter: states,
		Provisioner: &build.Provisioner{
			Client: build.NewStreamClient(srv.URL, srv.Client()),
			Guard:  guard,
			Layout: layout,
		},
		Builder: &build.Resolver{
			Layout: layout,
			Images: &build.Images{
				Registry:    noTags{},
				Runtime:     rt,
				RegistryURL: "registry.test",
				Prefix:      "binder-",
				BaseImage:   "base:latest",
				Layout:      layout,
			},
			Runtime:  rt,
			Command:  []string{"jupyter-book", "build"},
			BookPath: "/home/jovyan/book",
			DataPath: "/home/jovyan/data",
		},
		SoftLimit: time.Minute,
	})
	return &buildHarness{runner: runner, svc: svc, states: states, layout: layout, guard: guard, runtime: rt}
}

// pendingJob mimics intake: the pending comment exists before the worker runs.
func pendingJob(t *testing.T, svc *threadService, typ string, req screening.Request) models.Job {
	t.Helper()
	req.TaskID = "task-1"
	client := thread.NewClient(svc, thread.Renderer{Location: time.UTC}, nil)
	if req.Tracked() {
		require.NoError(t, client.Post(context.Background(), &req, thread.PhasePending, thread.Message{}))
	}
	return models.Job{ID: "task-1", Type: typ, Payload: req.Payload(), Status: models.StatusPending}
}

func statuses(bodies []string) []string {
	labels := []string{"Waiting for task assignment", "Task received", "In progress", "Success", "Failed"}
	var out []string
	for _, b := range bodies {
		for _, l := range labels {
			if strings.Contains(b, "| "+l) || strings.Contains(b, " "+l+" |") {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func TestPreviewBuildEndToEnd(t *testing.T) {
	h := newBuildHarness(t,
		`{"phase":"building","message":"Step 1/3"}`,
		`{"phase":"ready","message":"done","imageName":"registry.test/binder-owner-repo:b1"}`,
	)
	job := pendingJob(t, h.svc, models.TypeBuildPreview, screening.Request{
		TaskName:   "Book build (preview)",
		IssueID:    42,
		RepoURL:    "https://github.com/owner/repo",
		CommitHash: "abc123",
	})

	out := h.runner.Handle(context.Background(), job)
	succeeded, ok := out.(task.Succeeded)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, "abc123", succeeded.Result["commit"])

	bodies := h.svc.bodies(501)
	require.NotEmpty(t, bodies)
	assert.Equal(t,
		[]string{"Waiting for task assignment", "Task received", "In progress", "Success"},
		compact(statuses(bodies)))

	commit, err := build.ReadPointer(h.layout.PointerPath("owner", "repo", false))
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)
	assert.FileExists(t, h.layout.ArchivePath("owner", "repo", "abc123"))

	held, err := h.guard.Held("owner/repo")
	require.NoError(t, err)
	assert.False(t, held, "lock marker removed after the stream")
	assert.Equal(t, []string{"start", "exec", "stop", "remove"}, h.runtime.calls)
	assert.Equal(t, models.StatusReceived, h.states.states[0])
}

func TestEnvironmentFailureStopsBeforeBuild(t *testing.T) {
	h := newBuildHarness(t, `{"phase":"failed","message":"pip install error"}`)
	job := pendingJob(t, h.svc, models.TypeBuildPreview, screening.Request{
		IssueID: 42, RepoURL: "owner/repo", CommitHash: "abc123",
	})

	out := h.runner.Handle(context.Background(), job)
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindEnvironment, failed.Kind)
	assert.Contains(t, failed.Message, "pip install error")
	assert.Empty(t, h.runtime.calls)

	held, err := h.guard.Held("owner/repo")
	require.NoError(t, err)
	assert.False(t, held, "a failed build does not keep the marker")

	bodies := h.svc.bodies(501)
	assert.Equal(t, "Failed", compact(statuses(bodies))[len(compact(statuses(bodies)))-1])
}

func TestCleanExitWithoutOutputIsVerificationFailure(t *testing.T) {
	h := newBuildHarness(t, `{"phase":"ready","message":"done"}`)
	h.runtime.write = false
	job := pendingJob(t, h.svc, models.TypeBuildPreview, screening.Request{
		IssueID: 42, RepoURL: "owner/repo", CommitHash: "abc123",
	})

	out := h.runner.Handle(context.Background(), job)
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindVerification, failed.Kind)

	commit, err := build.ReadPointer(h.layout.PointerPath("owner", "repo", false))
	require.NoError(t, err)
	assert.Empty(t, commit, "pointer untouched")

	last := h.svc.bodies(501)
	assert.Contains(t, last[len(last)-1], "build exited 0", "build log inlined when no attachment host is set")
}

func TestProductionBuildNeedsDOI(t *testing.T) {
	h := newBuildHarness(t, `{"phase":"ready","message":"done"}`)
	job := pendingJob(t, h.svc, models.TypeBuildProduction, screening.Request{
		IssueID: 42, RepoURL: "owner/repo", CommitHash: "abc123", Production: true,
	})

	out := h.runner.Handle(context.Background(), job)
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindInput, failed.Kind)
	assert.Empty(t, h.runtime.calls)
}

func TestInvalidRequestNeverStarts(t *testing.T) {
	h := newBuildHarness(t)
	job := pendingJob(t, h.svc, models.TypeBuildPreview, screening.Request{IssueID: 42, RepoURL: "owner/repo"})

	out := h.runner.Handle(context.Background(), job)
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindInput, failed.Kind)
	assert.NotContains(t, h.states.states, models.StatusStarted)
	assert.Equal(t, []string{"Waiting for task assignment", "Failed"}, compact(statuses(h.svc.bodies(501))))
}

// depositor is an in-memory archival service.
type depositor struct {
	mu          sync.Mutex
	next        int64
	uploads     map[string]int
	failPublish map[int64]bool
	published   []int64
}

func newDepositor() *depositor {
	return &depositor{next: 10, uploads: map[string]int{}, failPublish: map[int64]bool{}}
}

func (d *depositor) CreateDeposition(context.Context, archive.Metadata) (archive.Deposition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return archive.Deposition{ID: d.next, BucketURL: fmt.Sprintf("https://archive.test/bucket/%d", d.next)}, nil
}

func (d *depositor) Upload(_ context.Context, bucketURL, filename string, content io.Reader, _ int64) (string, error) {
	n, err := io.Copy(io.Discard, content)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads[filename] = int(n)
	return "file-" + filename, nil
}

func (d *depositor) Publish(_ context.Context, id int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPublish[id] {
		return "", &archive.APIError{Op: "publish", StatusCode: 500, Body: `{"message":"internal"}`}
	}
	d.published = append(d.published, id)
	return fmt.Sprintf("10.5281/archive.%d", id), nil
}

func (d *depositor) Delete(context.Context, int64) (archive.DeleteResult, error) {
	return archive.Deleted, nil
}

func newArchiveRunner(t *testing.T) (*Runner, *depositor, *archive.MemoryStore, *threadService, screening.Layout) {
	t.Helper()
	layout := screening.Layout{BookRoot: t.TempDir(), DataRoot: t.TempDir()}
	dep := newDepositor()
	records := archive.NewMemoryStore()
	packager := archive.NewPackager(layout, "docker", nil)
	packager.TmpDir = t.TempDir()
	svc := newThreadService()
	svc.fields[TitleField] = "A reproducible preprint"
	runner := NewRunner(Deps{
		Thread:    thread.NewClient(svc, thread.Renderer{Location: time.UTC}, nil),
		Archive:   archive.NewPipeline(dep, records, packager, nil),
		Community: "neurolibre",
		SoftLimit: time.Minute,
	})
	return runner, dep, records, svc, layout
}

func archiveRequest() screening.Request {
	return screening.Request{IssueID: 7, RepoURL: "owner/repo", CommitHash: "abc123def", Extra: map[string]string{archive.DataDOIKey: "10.1/data"}}
}

func TestArchiveBucketsThenUploadBook(t *testing.T) {
	runner, dep, records, svc, layout := newArchiveRunner(t)
	ctx := context.Background()

	out := runner.Handle(ctx, pendingJob(t, svc, models.TypeArchiveBuckets, archiveRequest()))
	succeeded, ok := out.(task.Succeeded)
	require.True(t, ok, "got %#v", out)
	assert.Len(t, succeeded.Result["deposits"], 3, "data is archived elsewhere")

	html := layout.HTMLDir("owner", "repo", "abc123def")
	require.NoError(t, os.MkdirAll(html, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(html, "index.html"), []byte("<html/>"), 0o644))

	req := archiveRequest()
	req.Extra[AssetKey] = "book"
	out = runner.Handle(ctx, pendingJob(t, svc, models.TypeArchiveUpload, req))
	_, ok = out.(task.Succeeded)
	require.True(t, ok, "got %#v", out)
	assert.Contains(t, dep.uploads, "JupyterBook_repo_abc123d.zip")

	recs, err := records.Records(ctx, "owner/repo@abc123def")
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.Asset == archive.AssetBook {
			assert.Equal(t, "file-JupyterBook_repo_abc123d.zip", rec.FileID)
		}
	}
}

func TestPublishRequiresAllUploads(t *testing.T) {
	runner, dep, _, svc, _ := newArchiveRunner(t)
	ctx := context.Background()
	_ = runner.Handle(ctx, pendingJob(t, svc, models.TypeArchiveBuckets, archiveRequest()))

	out := runner.Handle(ctx, pendingJob(t, svc, models.TypeArchivePublish, archiveRequest()))
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindInput, failed.Kind)
	assert.Empty(t, dep.published)
}

func TestPublishStopsAtFirstFailure(t *testing.T) {
	runner, dep, records, svc, _ := newArchiveRunner(t)
	ctx := context.Background()
	sub := "owner/repo@abc123def"
	for i, a := range []archive.Asset{archive.AssetRepository, archive.AssetBook, archive.AssetDocker} {
		require.NoError(t, records.SaveRecord(ctx, archive.Record{Submission: sub, Asset: a, DepositID: int64(i + 1), BucketURL: "b", FileID: "f"}))
	}
	dep.failPublish[2] = true

	out := runner.Handle(ctx, pendingJob(t, svc, models.TypeArchivePublish, archiveRequest()))
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindUpstream, failed.Kind)
	assert.Contains(t, failed.Message, `{"message":"internal"}`)
	assert.Contains(t, failed.Message, "repository (10.5281/archive.1)")
	assert.Equal(t, []int64{1}, dep.published)
}

func TestUnknownAssetIsInputError(t *testing.T) {
	runner, _, _, svc, _ := newArchiveRunner(t)
	req := archiveRequest()
	req.Extra[AssetKey] = "slides"

	out := runner.Handle(context.Background(), pendingJob(t, svc, models.TypeArchiveUpload, req))
	failed, ok := out.(task.Failed)
	require.True(t, ok)
	assert.Equal(t, task.KindInput, failed.Kind)
	assert.Contains(t, failed.Message, "slides")
}
