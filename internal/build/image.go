package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"repro-screening/internal/screening"
)

// ErrImageNotFound is returned for production builds whose execution image
// is not in the registry.
var ErrImageNotFound = errors.New("no execution image tagged with the requested environment version")

// TagLister lists the tags of an image repository.
type TagLister interface {
	ListTags(ctx context.Context, repository string) ([]string, error)
}

// CraneRegistry lists tags over the registry HTTP API.
type CraneRegistry struct {
	opts []crane.Option
}

func NewCraneRegistry(opts ...crane.Option) *CraneRegistry {
	return &CraneRegistry{opts: opts}
}

// ListTags returns nil for a repository the registry does not know.
func (r *CraneRegistry) ListTags(ctx context.Context, repository string) ([]string, error) {
	tags, err := crane.ListTags(repository, append([]crane.Option{crane.WithContext(ctx)}, r.opts...)...)
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list tags of %s: %w", repository, err)
	}
	return tags, nil
}

// Image is the execution image chosen for a build.
type Image struct {
	Ref string
	// Verified is false when a preview build fell back to the base image.
	Verified bool
	Warning  string
}

// Images resolves and pulls execution images.
type Images struct {
	Registry    TagLister
	Runtime     Runtime
	RegistryURL string
	Prefix      string
	BaseImage   string
	Layout      screening.Layout
	Logger      *slog.Logger
}

var unsafeImageChars = regexp.MustCompile(`[^a-z0-9]+`)

// Repository is the registry repository holding a target's images.
func (i *Images) Repository(req *screening.Request) string {
	owner, repo := i.Layout.Target(req)
	name := strings.Trim(unsafeImageChars.ReplaceAllString(strings.ToLower(owner+"-"+repo), "-"), "-")
	return strings.TrimRight(i.RegistryURL, "/") + "/" + i.Prefix + name
}

// Ref is the image a request runs in, without consulting the registry.
func (i *Images) Ref(req *screening.Request) string {
	if req.NoCustomRuntime || req.BinderHash == "" {
		return i.BaseImage
	}
	return i.Repository(req) + ":" + req.BinderHash
}

// Resolve picks and pulls the execution image. A submission without a custom
// runtime uses the base image. Otherwise the registry must hold a tag equal
// to the binder hash; production fails without it, preview warns and uses
// the base image.
func (i *Images) Resolve(ctx context.Context, req *screening.Request) (Image, error) {
	if req.NoCustomRuntime {
		return i.pull(ctx, Image{Ref: i.BaseImage, Verified: true})
	}

	repository := i.Repository(req)
	var found bool
	if req.BinderHash != "" {
		tags, err := i.Registry.ListTags(ctx, repository)
		if err != nil {
			return Image{}, err
		}
		found = slices.Contains(tags, req.BinderHash)
	}
	if found {
		return i.pull(ctx, Image{Ref: repository + ":" + req.BinderHash, Verified: true})
	}
	if req.Production {
		return Image{}, fmt.Errorf("%w: %s:%s", ErrImageNotFound, repository, req.BinderHash)
	}
	warning := fmt.Sprintf("No image tagged %q in %s; building with the base image %s.", req.BinderHash, repository, i.BaseImage)
	i.logger().Warn("execution image not found", "repository", repository, "tag", req.BinderHash)
	return i.pull(ctx, Image{Ref: i.BaseImage, Warning: warning})
}

func (i *Images) pull(ctx context.Context, img Image) (Image, error) {
	if err := i.Runtime.Pull(ctx, img.Ref); err != nil {
		return Image{}, err
	}
	return img, nil
}

func (i *Images) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}
