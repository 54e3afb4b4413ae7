package runtime

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/session"
)

// Executable runs an agent as a child process in the agent's directory.
type Executable struct {
	Spec registry.ExecutableSpec
	// LookupEnv resolves {from} env entries. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// argv returns the command line. A single element command is split like a
// shell would split it.
func (e *Executable) argv() ([]string, error) {
	cmd := e.Spec.Command
	if len(cmd) == 1 {
		parts, err := shlex.Split(cmd[0])
		if err != nil {
			return nil, errs.InvalidArgument("invalid command %q: %v", cmd[0], err)
		}
		cmd = parts
	}
	if len(cmd) == 0 {
		return nil, errs.InvalidArgument("executable runtime has no command")
	}
	return cmd, nil
}

// Spawn implements Runtime.
func (e *Executable) Spawn(_ context.Context, params Params, bus *Bus, app *Application) (Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	argv, err := e.argv()
	if err != nil {
		return nil, err
	}

	system, err := SystemEnv(params, app.APIURL(ConsumerLocal), app.MCPURL(params, ConsumerLocal), registry.RuntimeExecutable)
	if err != nil {
		return nil, err
	}
	env, err := Environment(params, e.Spec.Environment, e.LookupEnv, system)
	if err != nil {
		return nil, err
	}

	logger := logging.With(app.Logger(), "session_id", params.Target.SessionID(), "agent_id", params.AgentName, "runtime", registry.RuntimeExecutable)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = params.Path
	cmd.Env = append(os.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	logger.Info("runtime.process.spawning", "command", argv[0], "dir", params.Path)
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(err, errs.CodeUnavailable, "start process")
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{}), killTimeout: app.opts.KillTimeout, logger: logger}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		forwardLines(stdout, LogStdout, bus, logger)
	}()
	go func() {
		defer pipes.Done()
		forwardLines(stderr, LogStderr, bus, logger)
	}()

	go func() {
		pipes.Wait()
		h.err = cmd.Wait()
		defer close(h.done)

		bus.Publish(StoppedEvent())
		logger.Warn("runtime.process.exited", "error", errString(h.err))

		// The importing server tracks the state of exported agents.
		if t, ok := params.Target.(LocalTarget); ok {
			_ = t.Session.SetAgentState(params.AgentName, session.StateDead)
		}
	}()

	return h, nil
}

func forwardLines(r io.Reader, kind LogKind, bus *Bus, logger logging.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		bus.Publish(LogEvent(kind, line))
		logging.RuntimeOutput(logger, string(kind), line)
	}
}

type processHandle struct {
	cmd         *exec.Cmd
	done        chan struct{}
	err         error
	killTimeout time.Duration
	logger      logging.Logger
	once        sync.Once
}

// Destroy terminates the process, waits up to the kill timeout and kills it
// if it is still running.
func (h *processHandle) Destroy(ctx context.Context) error {
	var destroyErr error
	h.once.Do(func() { destroyErr = h.destroy(ctx) })
	return destroyErr
}

func (h *processHandle) destroy(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Warn("runtime.process.signal_failed", "error", err.Error())
	}

	timer := time.NewTimer(h.killTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		h.logger.Info("runtime.process.stopped")
		return nil
	case <-timer.C:
		h.logger.Warn("runtime.process.kill", "timeout", h.killTimeout)
	case <-ctx.Done():
		h.logger.Warn("runtime.process.kill", "error", ctx.Err().Error())
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-h.done
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
