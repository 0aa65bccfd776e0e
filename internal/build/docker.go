package build

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ErrNoSuchImage is returned when the runtime cannot find or pull an image.
var ErrNoSuchImage = errors.New("image not available to the container runtime")

// Mount binds a host directory into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes an ephemeral build environment.
type ContainerSpec struct {
	Name    string
	Image   string
	Mounts  []Mount
	Env     map[string]string
	Network string
}

// Runtime manages build containers.
type Runtime interface {
	Pull(ctx context.Context, ref string) error
	Start(ctx context.Context, spec ContainerSpec) error
	Exec(ctx context.Context, name string, cmd []string) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// DockerCLI drives containers through the docker binary.
type DockerCLI struct {
	bin string
}

func NewDockerCLI(bin string) *DockerCLI {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "docker"
	}
	return &DockerCLI{bin: bin}
}

func (d *DockerCLI) Pull(ctx context.Context, ref string) error {
	out, err := d.run(ctx, "pull", ref)
	if err != nil {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "not found") || strings.Contains(lower, "manifest unknown") || strings.Contains(lower, "no such image") {
			return fmt.Errorf("%w: %s: %s", ErrNoSuchImage, ref, out)
		}
		return fmt.Errorf("docker pull failed: %w: %s", err, out)
	}
	return nil
}

// Start runs the container detached, kept alive so build commands can be exec'd into it.
func (d *DockerCLI) Start(ctx context.Context, spec ContainerSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.New("docker container name is required")
	}
	args := []string{"run", "--detach", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, "--entrypoint", "sleep", spec.Image, "infinity")
	if out, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, out)
	}
	return nil
}

func (d *DockerCLI) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	out, err := d.run(ctx, append([]string{"exec", name}, cmd...)...)
	if err != nil {
		return out, fmt.Errorf("docker exec failed: %w", err)
	}
	return out, nil
}

func (d *DockerCLI) Stop(ctx context.Context, name string) error {
	out, err := d.run(ctx, "stop", name)
	if err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("docker stop failed: %w: %s", err, out)
	}
	return nil
}

func (d *DockerCLI) Remove(ctx context.Context, name string) error {
	out, err := d.run(ctx, "rm", "--force", name)
	if err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("docker rm failed: %w: %s", err, out)
	}
	return nil
}

func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, d.bin, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func isNoSuchContainer(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no such object")
}
