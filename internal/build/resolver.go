// Package build resolves an execution image, seeds a build directory from the
// previous successful build, runs the book build in an ephemeral container
// and archives verified output.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"repro-screening/internal/bundle"
	"repro-screening/internal/screening"
	"repro-screening/internal/telemetry"
)

// ErrOutputMissing is returned when the build exited without producing its
// top-level page.
var ErrOutputMissing = errors.New("build finished but the expected output page is missing")

const cleanupTimeout = 2 * time.Minute

// Stage names where a build failed.
type Stage string

const (
	StageImage   Stage = "image"
	StageSpawn   Stage = "spawn"
	StageBuild   Stage = "build"
	StageVerify  Stage = "verify"
	StageArchive Stage = "archive"
	StagePublish Stage = "publish"
)

// Failure carries the logs a failed build must forward.
type Failure struct {
	Stage        Stage
	Err          error
	ProvisionLog string
	BuildLog     string
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Stage, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Logs joins both logs for attachment.
func (f *Failure) Logs() string {
	var b strings.Builder
	if f.ProvisionLog != "" {
		b.WriteString("=== environment provisioning ===\n")
		b.WriteString(f.ProvisionLog)
		b.WriteString("\n")
	}
	if f.BuildLog != "" {
		b.WriteString("=== book build ===\n")
		b.WriteString(f.BuildLog)
		b.WriteString("\n")
	}
	return b.String()
}

// Mirror copies a verified archive to secondary storage.
type Mirror interface {
	MirrorArchive(ctx context.Context, key, path string) error
}

// Options are per-build inputs.
type Options struct {
	// ProvisionLog is forwarded with any failure.
	ProvisionLog string
	// DOI addresses the public copy of a production build.
	DOI string
	// Progress, when set, receives sub-step descriptions.
	Progress func(msg string)
}

// Result describes a verified build.
type Result struct {
	Commit      string
	Image       Image
	BuildDir    string
	ArchivePath string
	PublicDir   string
	SeededFrom  string
	Log         string
}

// Resolver runs builds.
type Resolver struct {
	Layout   screening.Layout
	Images   *Images
	Runtime  Runtime
	Ports    *Ports
	Mirror   Mirror
	Command  []string
	BookPath string
	DataPath string
	Logger   *slog.Logger
}

// Build runs one build of req.CommitHash. The container is torn down on every
// exit path, including a partially started one. The cache pointer moves only
// after the output page is verified on disk.
func (r *Resolver) Build(ctx context.Context, req *screening.Request, opts Options) (res Result, err error) {
	owner, repo := r.Layout.Target(req)
	commit := req.CommitHash
	logger := r.logger().With("owner", owner, "repo", repo, "commit", commit)
	progress := func(msg string) {
		if opts.Progress != nil {
			opts.Progress(msg)
		}
	}
	fail := func(stage Stage, err error, buildLog string) (Result, error) {
		return Result{}, &Failure{Stage: stage, Err: err, ProvisionLog: opts.ProvisionLog, BuildLog: buildLog}
	}
	res.Commit = commit

	img, err := r.Images.Resolve(ctx, req)
	if err != nil {
		return fail(StageImage, err, "")
	}
	res.Image = img
	if img.Warning != "" {
		progress(img.Warning)
	}

	buildDir := r.Layout.BuildDir(owner, repo, commit)
	res.BuildDir = buildDir
	pointerPath := r.Layout.PointerPath(owner, repo, req.Production)
	res.SeededFrom = r.seed(owner, repo, commit, pointerPath, logger)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fail(StageSpawn, err, "")
	}
	// Only a page written by this run may pass verification, whether it came
	// from a seed copy or an earlier build of the same commit.
	if err := os.Remove(r.Layout.IndexPage(owner, repo, commit)); err != nil && !os.IsNotExist(err) {
		return fail(StageSpawn, err, "")
	}

	before := r.Ports.Open()
	name := fmt.Sprintf("book-build-%s-%s", sanitize(repo), uuid.NewString()[:8])
	defer r.teardown(ctx, name, logger)

	spec := ContainerSpec{
		Name:   name,
		Image:  img.Ref,
		Mounts: []Mount{{Source: buildDir, Target: r.BookPath}},
		Env:    map[string]string{"BOOK_COMMIT": commit},
	}
	if data := r.Layout.DataDir(repo); dirExists(data) {
		spec.Mounts = append(spec.Mounts, Mount{Source: data, Target: r.DataPath, ReadOnly: true})
	}
	progress("Spawning build environment")
	if err := r.Runtime.Start(ctx, spec); err != nil {
		return fail(StageSpawn, err, "")
	}

	progress("Building book")
	buildLog, buildErr := r.Runtime.Exec(ctx, name, r.Command)
	res.Log = buildLog
	if released, err := r.Ports.ReleaseNew(ctx, before); err != nil {
		logger.Warn("ports left open by build", "released", released, "error", err)
	} else if len(released) > 0 {
		logger.Info("released ports opened by build", "ports", released)
	}

	if _, err := os.Stat(r.Layout.IndexPage(owner, repo, commit)); err != nil {
		if buildErr != nil {
			return fail(StageBuild, buildErr, buildLog)
		}
		return fail(StageVerify, ErrOutputMissing, buildLog)
	}
	if buildErr != nil {
		logger.Warn("build tool exited non-zero but output is present", "error", buildErr)
	}

	progress("Archiving build output")
	res.ArchivePath = r.Layout.ArchivePath(owner, repo, commit)
	if err := bundle.TarGz(buildDir, res.ArchivePath); err != nil {
		return fail(StageArchive, err, buildLog)
	}
	if err := WritePointer(pointerPath, commit); err != nil {
		return fail(StageArchive, err, buildLog)
	}

	if req.Production {
		dir, err := r.Layout.PublicDir(opts.DOI)
		if err != nil {
			return fail(StagePublish, err, buildLog)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fail(StagePublish, err, buildLog)
		}
		if err := bundle.ExtractTarGz(res.ArchivePath, dir); err != nil {
			return fail(StagePublish, err, buildLog)
		}
		res.PublicDir = dir
	}

	if r.Mirror != nil {
		key := fmt.Sprintf("%s/%s/%s.tar.gz", owner, repo, commit)
		if err := r.Mirror.MirrorArchive(ctx, key, res.ArchivePath); err != nil {
			logger.Warn("archive mirror failed", "key", key, "error", err)
		}
	}
	logger.Info("build verified", "archive", res.ArchivePath, "seededFrom", res.SeededFrom)
	return res, nil
}

// seed copies the previous successful build into the new build directory.
// Any failure leaves a cold build and is only logged.
func (r *Resolver) seed(owner, repo, commit, pointerPath string, logger *slog.Logger) string {
	prev, err := ReadPointer(pointerPath)
	if err != nil {
		logger.Warn("cache pointer unreadable, building cold", "error", err)
		telemetry.CacheSeeds.WithLabelValues("error").Inc()
		return ""
	}
	if prev == "" || prev == commit {
		telemetry.CacheSeeds.WithLabelValues("skipped").Inc()
		return ""
	}
	prevDir := r.Layout.BuildDir(owner, repo, prev)
	if !dirExists(prevDir) {
		telemetry.CacheSeeds.WithLabelValues("skipped").Inc()
		return ""
	}
	if err := copyTree(prevDir, r.Layout.BuildDir(owner, repo, commit)); err != nil {
		logger.Warn("seeding from previous build failed, building cold", "previous", prev, "error", err)
		telemetry.CacheSeeds.WithLabelValues("error").Inc()
		os.RemoveAll(r.Layout.BuildDir(owner, repo, commit))
		return ""
	}
	telemetry.CacheSeeds.WithLabelValues("seeded").Inc()
	logger.Info("seeded build directory", "previous", prev)
	return prev
}

// teardown stops and removes the container. It runs on a fresh context so a
// cancelled build still cleans up.
func (r *Resolver) teardown(ctx context.Context, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.Runtime.Stop(ctx, name); err != nil {
		logger.Warn("container stop failed", "container", name, "error", err)
	}
	if err := r.Runtime.Remove(ctx, name); err != nil {
		logger.Error("container not removed", "container", name, "error", err)
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func sanitize(s string) string {
	return strings.Trim(unsafeImageChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
