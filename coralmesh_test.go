package coralmesh

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/coralmesh/internal/testutil"
	"github.com/hupe1980/coralmesh/runtime"
)

func TestServer_Serve(t *testing.T) {
	var running atomic.Int32
	srv := New(func(o *Options) {
		o.Registry = testutil.Registry(testutil.NewAgentBuilder("worker").Function("work").Build())
		o.Functions = map[string]runtime.Func{
			"work": func(ctx context.Context, _ runtime.Params) error {
				running.Add(1)
				defer running.Add(-1)
				<-ctx.Done()
				return nil
			},
		}
		o.ShutdownTimeout = 5 * time.Second
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/v1/sessions", "application/json", strings.NewReader(`{
		"applicationId": "app",
		"privacyKey": "key",
		"agentGraphRequest": {
			"agents": [{"id": {"name": "worker", "version": "1.0.0"}, "name": "w", "provider": {"type": "local", "runtime": "function"}}]
		}
	}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Eventually(t, func() bool { return running.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, srv.Sessions().Sessions(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.Equal(t, int32(0), running.Load())
	assert.Empty(t, srv.Sessions().Sessions())
}

func TestServer_Defaults(t *testing.T) {
	srv := New(func(o *Options) { o.BindAddress = "127.0.0.1"; o.BindPort = 6000 })
	assert.Equal(t, "127.0.0.1:6000", srv.Addr())
	assert.NotNil(t, srv.Handler())
	assert.NotNil(t, srv.Remote())
	assert.NotNil(t, srv.Orchestrator())
}
