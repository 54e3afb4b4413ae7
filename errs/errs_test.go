package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NotFound("thread %s not found", "t-1")
	assert.Equal(t, "[NOT_FOUND] thread t-1 not found", err.Error())

	wrapped := Wrap(errors.New("connection refused"), CodeUpstream, "create claim")
	assert.Equal(t, "[UPSTREAM] create claim: connection refused", wrapped.Error())
}

func TestCodeOf_WrapChain(t *testing.T) {
	base := InvalidState("thread is closed")
	err := fmt.Errorf("send message: %w", base)

	assert.Equal(t, CodeInvalidState, CodeOf(err))
	assert.True(t, Is(err, CodeInvalidState))
	assert.False(t, Is(err, CodeNotFound))
	assert.False(t, Is(nil, CodeNotFound))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestSentinelMatching(t *testing.T) {
	sentinel := InvalidState("agent already registered")
	err := fmt.Errorf("register: %w", InvalidState("agent already registered"))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, NotFound("agent already registered")))
}

func TestWithContext(t *testing.T) {
	err := Unavailable("payment services are disabled").WithContext("session_id", "s-1")
	assert.Equal(t, "s-1", err.Context["session_id"])
}
