package screening

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Layout maps a request to its on-disk locations.
type Layout struct {
	BookRoot   string
	DataRoot   string
	PublicRoot string
	// ProductionOwner, when set, is the fork that production builds live under.
	ProductionOwner string
}

// Target is the (owner, repository) pair whose build state a request touches.
func (l Layout) Target(r *Request) (string, string) {
	owner, repo := r.Owner(), r.Repo()
	if r.Production && l.ProductionOwner != "" {
		owner = l.ProductionOwner
	}
	return owner, repo
}

// BuildDir is where commit's build output lives.
func (l Layout) BuildDir(owner, repo, commit string) string {
	return filepath.Join(l.BookRoot, owner, repo, commit)
}

// HTMLDir is the rendered book inside a build directory.
func (l Layout) HTMLDir(owner, repo, commit string) string {
	return filepath.Join(l.BuildDir(owner, repo, commit), "_build", "html")
}

// IndexPage is the top-level page whose presence marks a verified build.
func (l Layout) IndexPage(owner, repo, commit string) string {
	return filepath.Join(l.HTMLDir(owner, repo, commit), "index.html")
}

// ArchivePath is the tarball of a verified build directory.
func (l Layout) ArchivePath(owner, repo, commit string) string {
	return filepath.Join(l.BookRoot, owner, repo, commit+".tar.gz")
}

// PointerPath is the Build Cache Pointer for a target. Production pointers
// are kept apart from preview ones even when the owner is shared.
func (l Layout) PointerPath(owner, repo string, production bool) string {
	name := "latest_commit.txt"
	if production {
		name = "latest_production_commit.txt"
	}
	return filepath.Join(l.BookRoot, owner, repo, name)
}

// DataDir holds the dataset a repository's book was built against.
func (l Layout) DataDir(repo string) string {
	return filepath.Join(l.DataRoot, repo)
}

// PublicDir is the DOI-addressed location a production book is served from.
func (l Layout) PublicDir(doi string) (string, error) {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	clean := filepath.Clean(filepath.FromSlash(doi))
	if doi == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: unusable doi %q", ErrInvalidRequest, doi)
	}
	return filepath.Join(l.PublicRoot, clean), nil
}
