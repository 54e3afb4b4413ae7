package runtime

import (
	"context"
	"io"
	"math"
	"slices"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// IsNotModified reports whether err says a container already was in the
// requested state. Not found containers count as removed.
func IsNotModified(err error) bool {
	return cerrdefs.IsNotModified(err) || cerrdefs.IsNotFound(err)
}

// DockerEngine is a DockerClient backed by the docker engine API.
type DockerEngine struct {
	api *client.Client
}

// NewDockerEngine connects to the engine at host, or to the one described
// by the DOCKER_* environment when host is empty.
func NewDockerEngine(host string, timeout time.Duration) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if timeout > 0 {
		opts = append(opts, client.WithTimeout(timeout))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerEngine{api: api}, nil
}

// Close releases the engine connection.
func (e *DockerEngine) Close() error { return e.api.Close() }

// ImageExists implements DockerClient.
func (e *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := e.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, err
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, ref) {
			return true, nil
		}
	}
	return false, nil
}

// PullImage implements DockerClient. It returns once the pull completed.
func (e *DockerEngine) PullImage(ctx context.Context, ref string) error {
	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// CreateContainer implements DockerClient.
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	stop := int(math.Ceil(spec.StopTimeout.Seconds()))
	resp, err := e.api.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  false,
		StopTimeout:  &stop,
	}, nil, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer implements DockerClient.
func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return e.api.ContainerStart(ctx, id, container.StartOptions{})
}

// AttachContainer implements DockerClient.
func (e *DockerEngine) AttachContainer(ctx context.Context, id string, stdout, stderr io.Writer) error {
	resp, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return err
	}
	defer resp.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-done:
		}
	}()

	_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	return err
}

// StopContainer implements DockerClient.
func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(math.Ceil(timeout.Seconds()))
	return e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// RemoveContainer implements DockerClient.
func (e *DockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	return e.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: force})
}
