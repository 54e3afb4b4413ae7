package runtime

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/registry"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name  string
	Image string
	Env   []string
	// StopTimeout is the grace period of a container stop.
	StopTimeout time.Duration
}

// DockerClient is the subset of the docker engine API the docker runtime
// needs. Implementations must be safe for concurrent use.
type DockerClient interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	// AttachContainer copies the container's output until the container
	// exits or ctx is done.
	AttachContainer(ctx context.Context, id string, stdout, stderr io.Writer) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Docker runs an agent in a container.
type Docker struct {
	Spec      registry.DockerSpec
	LookupEnv func(string) (string, bool)
}

// Spawn implements Runtime. It pulls the image when it is missing, then
// creates, starts and attaches to the container.
func (d *Docker) Spawn(ctx context.Context, params Params, bus *Bus, app *Application) (Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	client := app.Docker()
	if client == nil {
		return nil, errs.Unavailable("docker is not available")
	}

	logger := logging.With(app.Logger(), "session_id", params.Target.SessionID(), "agent_id", params.AgentName, "runtime", registry.RuntimeDocker)
	image := ImageRef(d.Spec.Image, params.AgentID, logger)

	exists, err := client.ImageExists(ctx, image)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeUnavailable, "list images")
	}
	if !exists {
		logger.Info("runtime.docker.pulling", "image", image)
		if err := client.PullImage(ctx, image); err != nil {
			return nil, errs.Wrap(err, errs.CodeUnavailable, "pull image "+image)
		}
	}

	system, err := SystemEnv(params, app.APIURL(ConsumerContainer), app.MCPURL(params, ConsumerContainer), registry.RuntimeDocker)
	if err != nil {
		return nil, err
	}
	env, err := Environment(params, d.Spec.Environment, d.LookupEnv, system)
	if err != nil {
		return nil, err
	}

	id, err := client.CreateContainer(ctx, ContainerSpec{
		Name:        ContainerName(params.Target.SessionID(), params.AgentName),
		Image:       image,
		Env:         env,
		StopTimeout: time.Second,
	})
	if err != nil {
		logger.Error("runtime.docker.create_failed", "image", image, "error", err.Error())
		return nil, errs.Wrap(err, errs.CodeUnavailable, "create container")
	}
	if err := client.StartContainer(ctx, id); err != nil {
		logger.Error("runtime.docker.start_failed", "container_id", id, "error", err.Error())
		_ = client.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, errs.Wrap(err, errs.CodeUnavailable, "start container")
	}
	logger.Info("runtime.docker.started", "container_id", id, "image", image)

	attachCtx, cancel := context.WithCancel(context.Background())
	h := &containerHandle{
		client:      client,
		id:          id,
		cancel:      cancel,
		attached:    make(chan struct{}),
		killTimeout: app.opts.KillTimeout,
		logger:      logger,
	}

	go func() {
		defer close(h.attached)
		stdout := &lineWriter{kind: LogStdout, bus: bus, logger: logger}
		stderr := &lineWriter{kind: LogStderr, bus: bus, logger: logger}
		if err := client.AttachContainer(attachCtx, id, stdout, stderr); err != nil && attachCtx.Err() == nil {
			logger.Warn("runtime.docker.attach_failed", "container_id", id, "error", err.Error())
		}
		stdout.Flush()
		stderr.Flush()
		bus.Publish(StoppedEvent())
	}()

	return h, nil
}

type containerHandle struct {
	client      DockerClient
	id          string
	cancel      context.CancelFunc
	attached    chan struct{}
	killTimeout time.Duration
	logger      logging.Logger
	once        sync.Once
}

// Destroy stops the container and removes it with its volumes. A removal
// that does not finish within the kill timeout, or follows a failed stop, is
// forced.
func (h *containerHandle) Destroy(ctx context.Context) error {
	var destroyErr error
	h.once.Do(func() { destroyErr = h.destroy(ctx) })
	return destroyErr
}

func (h *containerHandle) destroy(ctx context.Context) error {
	h.cancel()

	force := false
	if err := h.client.StopContainer(ctx, h.id, time.Second); err != nil {
		if IsNotModified(err) {
			h.logger.Warn("runtime.docker.not_modified", "container_id", h.id, "error", err.Error())
		} else {
			// A container that could not be stopped is killed by a forced remove.
			h.logger.Warn("runtime.docker.stop_failed", "container_id", h.id, "error", err.Error())
			force = true
		}
	}

	if !force {
		removeCtx, cancel := context.WithTimeout(ctx, h.killTimeout)
		err := h.client.RemoveContainer(removeCtx, h.id, false)
		cancel()
		if err != nil && !IsNotModified(err) {
			h.logger.Warn("runtime.docker.force_remove", "container_id", h.id, "error", err.Error())
			force = true
		}
	}
	if force {
		if err := h.client.RemoveContainer(ctx, h.id, true); err != nil && !IsNotModified(err) {
			return fmt.Errorf("remove container %s: %w", h.id, err)
		}
	}

	<-h.attached
	h.logger.Info("runtime.docker.removed", "container_id", h.id)
	return nil
}

var invalidContainerChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// ContainerName returns a network resolvable container name for an agent.
// Session ids are too long for container names, so a hash of the session id
// keeps names of different sessions apart.
func ContainerName(sessionID, agentName string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	suffix := fmt.Sprintf("%x", h.Sum64())
	if len(suffix) > 11 {
		suffix = suffix[:11]
	}

	name := agentName
	if len(name) > 52 {
		name = name[:52]
	}
	name = invalidContainerChars.ReplaceAllString(name+"_"+suffix, "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "_")
}

// ImageRef tags image with the agent version unless it is already tagged.
// A tag that differs from the agent version is allowed but logged.
func ImageRef(image string, id registry.Identifier, logger logging.Logger) string {
	if i := strings.LastIndex(image, ":"); i >= 0 && !strings.Contains(image[i:], "/") {
		if image[i+1:] != id.Version && logger != nil {
			logger.Warn("runtime.docker.version_mismatch", "image", image, "version", id.Version)
		}
		return image
	}
	version := id.Version
	if version == "" {
		version = "latest"
	}
	return image + ":" + version
}

// lineWriter turns container output into one log event per line.
type lineWriter struct {
	kind   LogKind
	bus    *Bus
	logger logging.Logger

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	w.bus.Publish(LogEvent(w.kind, line))
	logging.RuntimeOutput(w.logger, string(w.kind), line)
}
