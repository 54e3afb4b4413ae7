package runtime

import (
	"context"
	"errors"

	"github.com/hupe1980/coralmesh/logging"
)

// Function runs an agent as a goroutine in this process.
type Function struct {
	Fn Func
}

// Spawn implements Runtime. Destroying the handle cancels the context
// passed to Fn and waits for it to return.
func (f *Function) Spawn(_ context.Context, params Params, bus *Bus, app *Application) (Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	logger := logging.With(app.Logger(), "session_id", params.Target.SessionID(), "agent_id", params.AgentName, "runtime", "function")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer bus.Publish(StoppedEvent())

		if err := f.Fn(ctx, params); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runtime.function.failed", "error", err.Error())
			return
		}
		logger.Info("runtime.function.returned")
	}()

	return &cancelHandle{cancel: cancel, done: done}, nil
}
