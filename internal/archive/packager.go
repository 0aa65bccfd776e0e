package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"repro-screening/internal/bundle"
	"repro-screening/internal/screening"
)

// Artifact is a packaged asset ready for upload.
type Artifact struct {
	Path     string
	Filename string
}

// Cloner checks out repoURL at commit into dir.
type Cloner func(ctx context.Context, repoURL, commit, dir string) error

// ImageSaver streams a container image as a tarball.
type ImageSaver func(ctx context.Context, image string, w io.Writer) error

// Packager builds the temporary archive for each asset.
type Packager struct {
	Layout screening.Layout
	// Image names the execution image of a request.
	Image  func(req *screening.Request) string
	Clone  Cloner
	Save   ImageSaver
	TmpDir string
}

// NewPackager returns a packager that clones with go-git and saves images
// with the docker CLI.
func NewPackager(layout screening.Layout, dockerBin string, image func(*screening.Request) string) *Packager {
	return &Packager{
		Layout: layout,
		Image:  image,
		Clone:  GitClone,
		Save:   DockerSave(dockerBin),
	}
}

// Package writes the asset's archive under a fresh temp directory. The
// returned cleanup removes it.
func (p *Packager) Package(ctx context.Context, req *screening.Request, asset Asset) (Artifact, func(), error) {
	tmp, err := os.MkdirTemp(p.TmpDir, "archive-"+string(asset)+"-")
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	art, err := p.pack(ctx, req, asset, tmp)
	if err != nil {
		cleanup()
		return Artifact{}, nil, err
	}
	return art, cleanup, nil
}

func (p *Packager) pack(ctx context.Context, req *screening.Request, asset Asset, tmp string) (Artifact, error) {
	owner, repo := p.Layout.Target(req)
	commit := req.CommitHash
	short := commit
	if len(short) > 7 {
		short = short[:7]
	}

	switch asset {
	case AssetBook:
		src := p.Layout.HTMLDir(owner, repo, commit)
		if err := requireDir(src); err != nil {
			return Artifact{}, err
		}
		art := Artifact{Path: filepath.Join(tmp, "book.zip"), Filename: fmt.Sprintf("JupyterBook_%s_%s.zip", repo, short)}
		return art, bundle.Zip(src, art.Path)

	case AssetData:
		src := p.Layout.DataDir(repo)
		if err := requireDir(src); err != nil {
			return Artifact{}, err
		}
		art := Artifact{Path: filepath.Join(tmp, "data.tar.gz"), Filename: fmt.Sprintf("Dataset_%s.tar.gz", repo)}
		return art, bundle.TarGz(src, art.Path)

	case AssetRepository:
		if p.Clone == nil {
			return Artifact{}, errors.New("no repository cloner configured")
		}
		checkout := filepath.Join(tmp, "src")
		if err := p.Clone(ctx, cloneURL(req.RepoURL), commit, checkout); err != nil {
			return Artifact{}, fmt.Errorf("%w: %s at %s: %v", ErrMissingArtifact, req.RepoURL, short, err)
		}
		if err := os.RemoveAll(filepath.Join(checkout, ".git")); err != nil {
			return Artifact{}, err
		}
		art := Artifact{Path: filepath.Join(tmp, "repository.tar.gz"), Filename: fmt.Sprintf("GitHubRepo_%s_%s.tar.gz", repo, short)}
		return art, bundle.TarGz(checkout, art.Path)

	case AssetDocker:
		if p.Save == nil || p.Image == nil {
			return Artifact{}, errors.New("no image saver configured")
		}
		image := p.Image(req)
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(p.Save(ctx, image, pw))
		}()
		art := Artifact{Path: filepath.Join(tmp, "image.tar.gz"), Filename: fmt.Sprintf("DockerImage_%s_%s.tar.gz", repo, short)}
		err := bundle.Gzip(pr, art.Path)
		pr.Close()
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: image %s: %v", ErrMissingArtifact, image, err)
		}
		return art, nil
	}
	return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
}

// GitClone clones repoURL with go-git and checks out commit.
func GitClone(ctx context.Context, repoURL, commit, dir string) error {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repoURL})
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit), Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", commit, err)
	}
	return nil
}

// DockerSave runs "docker save" for the image.
func DockerSave(dockerBin string) ImageSaver {
	if strings.TrimSpace(dockerBin) == "" {
		dockerBin = "docker"
	}
	return func(ctx context.Context, image string, w io.Writer) error {
		var stderr strings.Builder
		cmd := exec.CommandContext(ctx, dockerBin, "save", image)
		cmd.Stdout = w
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("docker save failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingArtifact, path)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrMissingArtifact, path)
	}
	return nil
}

func cloneURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	owner, repo, err := screening.SplitRepo(raw)
	if err != nil {
		return raw
	}
	return "https://github.com/" + owner + "/" + repo
}
