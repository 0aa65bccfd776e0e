package build

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repro-screening/internal/lock"
	"repro-screening/internal/screening"
)

type staticTags map[string][]string

func (s staticTags) ListTags(_ context.Context, repo string) ([]string, error) {
	return s[repo], nil
}

// fakeRuntime records container calls. onExec runs as the build command.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    []string
	pulled   []string
	startErr error
	onExec   func() (string, error)
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) Pull(_ context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, spec ContainerSpec) error {
	f.record("start")
	return f.startErr
}

func (f *fakeRuntime) Exec(context.Context, string, []string) (string, error) {
	f.record("exec")
	if f.onExec == nil {
		return "", nil
	}
	return f.onExec()
}

func (f *fakeRuntime) Stop(context.Context, string) error {
	f.record("stop")
	return nil
}

func (f *fakeRuntime) Remove(context.Context, string) error {
	f.record("remove")
	return nil
}

type fixture struct {
	layout   screening.Layout
	runtime  *fakeRuntime
	resolver *Resolver
	req      *screening.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := screening.Layout{BookRoot: t.TempDir(), DataRoot: t.TempDir(), PublicRoot: t.TempDir(), ProductionOwner: "prodfork"}
	rt := &fakeRuntime{}
	images := &Images{
		Registry:    staticTags{},
		Runtime:     rt,
		RegistryURL: "registry.test",
		Prefix:      "binder-",
		BaseImage:   "base:latest",
		Layout:      layout,
	}
	return &fixture{
		layout:  layout,
		runtime: rt,
		resolver: &Resolver{
			Layout:   layout,
			Images:   images,
			Runtime:  rt,
			Command:  []string{"jupyter-book", "build"},
			BookPath: "/home/jovyan/book",
			DataPath: "/home/jovyan/data",
		},
		req: &screening.Request{RepoURL: "owner/repo", CommitHash: "abc123", BinderHash: "b1", IssueID: 42},
	}
}

// writesOutput makes the fake build produce the index page for commit.
func (fx *fixture) writesOutput(t *testing.T, owner, commit string) {
	fx.runtime.onExec = func() (string, error) {
		html := fx.layout.HTMLDir(owner, "repo", commit)
		require.NoError(t, os.MkdirAll(html, 0o755))
		return "build succeeded", os.WriteFile(filepath.Join(html, "index.html"), []byte("<html/>"), 0o644)
	}
}

func TestColdBuildUpdatesPointer(t *testing.T) {
	fx := newFixture(t)
	fx.writesOutput(t, "owner", "abc123")

	res, err := fx.resolver.Build(context.Background(), fx.req, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.SeededFrom)
	assert.Equal(t, "base:latest", res.Image.Ref)
	assert.NotEmpty(t, res.Image.Warning, "preview proceeds without a verified image")

	commit, err := ReadPointer(fx.layout.PointerPath("owner", "repo", false))
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)
	assert.FileExists(t, fx.layout.ArchivePath("owner", "repo", "abc123"))
	assert.Equal(t, []string{"start", "exec", "stop", "remove"}, fx.runtime.calls)
}

func TestSeedsFromPreviousBuild(t *testing.T) {
	fx := newFixture(t)
	prevDir := fx.layout.BuildDir("owner", "repo", "old111")
	require.NoError(t, os.MkdirAll(filepath.Join(prevDir, "_build", "html"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prevDir, "_build", "jupyter_execute.cache"), []byte("cells"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(prevDir, "_build", "html", "index.html"), []byte("old"), 0o644))
	require.NoError(t, WritePointer(fx.layout.PointerPath("owner", "repo", false), "old111"))

	var seeded bool
	fx.runtime.onExec = func() (string, error) {
		_, err := os.Stat(filepath.Join(fx.layout.BuildDir("owner", "repo", "abc123"), "_build", "jupyter_execute.cache"))
		seeded = err == nil
		html := fx.layout.HTMLDir("owner", "repo", "abc123")
		return "", os.WriteFile(filepath.Join(html, "index.html"), []byte("new"), 0o644)
	}

	res, err := fx.resolver.Build(context.Background(), fx.req, Options{})
	require.NoError(t, err)
	assert.True(t, seeded, "cache copied before the build runs")
	assert.Equal(t, "old111", res.SeededFrom)
}

func TestCleanExitWithoutOutputKeepsPointer(t *testing.T) {
	fx := newFixture(t)
	prevDir := fx.layout.HTMLDir("owner", "repo", "old111")
	require.NoError(t, os.MkdirAll(prevDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prevDir, "index.html"), []byte("old"), 0o644))
	pointer := fx.layout.PointerPath("owner", "repo", false)
	require.NoError(t, WritePointer(pointer, "old111"))
	fx.runtime.onExec = func() (string, error) { return "exit 0, nothing written", nil }

	_, err := fx.resolver.Build(context.Background(), fx.req, Options{ProvisionLog: "image built"})
	require.ErrorIs(t, err, ErrOutputMissing)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageVerify, failure.Stage)
	assert.Contains(t, failure.Logs(), "image built")
	assert.Contains(t, failure.Logs(), "exit 0, nothing written")

	commit, err := ReadPointer(pointer)
	require.NoError(t, err)
	assert.Equal(t, "old111", commit)
	assert.NoFileExists(t, fx.layout.ArchivePath("owner", "repo", "abc123"))
	assert.Equal(t, []string{"start", "exec", "stop", "remove"}, fx.runtime.calls)
}

func TestRebuildOfSameCommitWithoutOutputFails(t *testing.T) {
	fx := newFixture(t)
	fx.writesOutput(t, "owner", "abc123")
	_, err := fx.resolver.Build(context.Background(), fx.req, Options{})
	require.NoError(t, err)
	pointer := fx.layout.PointerPath("owner", "repo", false)
	require.NoError(t, WritePointer(pointer, "old111"))

	fx.runtime.onExec = func() (string, error) { return "exit 0, nothing written", nil }
	_, err = fx.resolver.Build(context.Background(), fx.req, Options{})
	require.ErrorIs(t, err, ErrOutputMissing)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageVerify, failure.Stage)

	commit, err := ReadPointer(pointer)
	require.NoError(t, err)
	assert.Equal(t, "old111", commit)
}

func TestPartialSpawnIsTornDown(t *testing.T) {
	fx := newFixture(t)
	fx.runtime.startErr = errors.New("port already allocated")

	_, err := fx.resolver.Build(context.Background(), fx.req, Options{})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageSpawn, failure.Stage)
	assert.Equal(t, []string{"start", "stop", "remove"}, fx.runtime.calls)
}

func TestProductionNeedsVerifiedImage(t *testing.T) {
	fx := newFixture(t)
	fx.req.Production = true

	_, err := fx.resolver.Build(context.Background(), fx.req, Options{DOI: "10.55458/neurolibre.00021"})
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Empty(t, fx.runtime.calls, "nothing is spawned without a verified image")
}

func TestProductionBuildPublishesUnderDOI(t *testing.T) {
	fx := newFixture(t)
	fx.req.Production = true
	fx.resolver.Images.Registry = staticTags{"registry.test/binder-prodfork-repo": {"b0", "b1"}}
	fx.writesOutput(t, "prodfork", "abc123")

	res, err := fx.resolver.Build(context.Background(), fx.req, Options{DOI: "10.55458/neurolibre.00021"})
	require.NoError(t, err)
	assert.Equal(t, "registry.test/binder-prodfork-repo:b1", res.Image.Ref)
	assert.True(t, res.Image.Verified)
	assert.Equal(t, []string{"registry.test/binder-prodfork-repo:b1"}, fx.runtime.pulled)
	assert.FileExists(t, filepath.Join(res.PublicDir, "_build", "html", "index.html"))

	commit, err := ReadPointer(fx.layout.PointerPath("prodfork", "repo", true))
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)
}

func TestNoCustomRuntimeUsesBaseImage(t *testing.T) {
	fx := newFixture(t)
	fx.req.NoCustomRuntime = true
	img, err := fx.resolver.Images.Resolve(context.Background(), fx.req)
	require.NoError(t, err)
	assert.Equal(t, Image{Ref: "base:latest", Verified: true}, img)
}

func TestCraneRegistryListsTags(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	img, err := random.Image(64, 1)
	require.NoError(t, err)
	require.NoError(t, crane.Push(img, host+"/binder-owner-repo:b1"))

	reg := NewCraneRegistry()
	tags, err := reg.ListTags(context.Background(), host+"/binder-owner-repo")
	require.NoError(t, err)
	assert.Contains(t, tags, "b1")

	tags, err = reg.ListTags(context.Background(), host+"/binder-unknown")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestPortsReleasesOnlyNewOnes(t *testing.T) {
	open := map[int]bool{8888: true}
	var released []int
	p := &Ports{
		Start:   8888,
		End:     8890,
		Probe:   func(port int) bool { return open[port] },
		Release: func(_ context.Context, port int) error { released = append(released, port); return nil },
	}
	before := p.Open()
	open[8889] = true
	got, err := p.ReleaseNew(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, []int{8889}, got)
	assert.Equal(t, []int{8889}, released)
}

func TestPointerWriteIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "o", "r", "latest_commit.txt")
	commit, err := ReadPointer(path)
	require.NoError(t, err)
	assert.Empty(t, commit)

	require.NoError(t, WritePointer(path, "abc123"))
	require.NoError(t, WritePointer(path, "def456"))
	commit, err = ReadPointer(path)
	require.NoError(t, err)
	assert.Equal(t, "def456", commit)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/build/gh/owner/repo/abc123", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLockRemovedWhateverTheStreamEndsWith(t *testing.T) {
	for _, tc := range []struct {
		name    string
		lines   []string
		wantErr error
	}{
		{"ready", []string{`data: {"phase":"building","message":"Step 1/9"}`, `data: {"phase":"ready","message":"done","imageName":"reg/img:b1"}`}, nil},
		{"failed", []string{`data: {"phase":"building","message":"Step 1/9"}`, `data: {"phase":"failed","message":"pip install error"}`}, ErrEnvironmentFailed},
		{"closed", []string{`: keepalive`, `data: {"phase":"building","message":"Step 1/9"}`}, ErrStreamClosed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := streamServer(t, tc.lines...)
			guard := lock.New(t.TempDir(), 0)
			p := &Provisioner{Client: NewStreamClient(srv.URL, srv.Client()), Guard: guard}
			req := &screening.Request{RepoURL: "owner/repo", CommitHash: "abc123"}

			var phases []string
			res, err := p.Provision(context.Background(), req, func(ev Event) {
				held, _ := guard.Held(req.RepoURL)
				assert.True(t, held, "marker exists while the stream is open")
				phases = append(phases, ev.Phase)
			})
			if tc.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "reg/img:b1", res.ImageName)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.Contains(t, res.Log, "Step 1/9")
			assert.Contains(t, phases, "building")

			held, err := guard.Held(req.RepoURL)
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestProvisionRejectsConcurrentRequest(t *testing.T) {
	guard := lock.New(t.TempDir(), 0)
	req := &screening.Request{RepoURL: "owner/repo", CommitHash: "abc123"}
	require.NoError(t, guard.Acquire(req.RepoURL))

	p := &Provisioner{Client: NewStreamClient("http://unused.invalid", nil), Guard: guard}
	_, err := p.Provision(context.Background(), req, nil)
	assert.ErrorIs(t, err, lock.ErrHeld)
	held, _ := guard.Held(req.RepoURL)
	assert.True(t, held, "someone else's marker is left alone")
}
