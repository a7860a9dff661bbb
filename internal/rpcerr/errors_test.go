package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsComparesByKind(t *testing.T) {
	err := Wrap(ActorNotFound, errors.New("boom"), "resolving A1")

	assert.True(t, errors.Is(err, ErrActorNotFound), "MUST match sentinel of same kind regardless of cause/message")
	assert.False(t, errors.Is(err, ErrMethodNotFound), "MUST NOT match a different kind")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("adapter exploded")
	err := Wrap(ConnectionFailed, cause, "dial failed")

	assert.Same(t, cause, errors.Unwrap(err))
}

func TestError_Recoverable(t *testing.T) {
	tests := []struct {
		kind           Kind
		wantRecover    bool
		wantAction     Action
	}{
		{RpcTimeout, true, ActionRetry},
		{PeerDisconnected, true, ActionReconnect},
		{PeripheralNotFound, true, ActionScan},
		{MethodNotFound, false, ActionNone},
		{ActorNotFound, false, ActionNone},
		{VersionMismatch, false, ActionNone},
		{InvalidEnvelope, false, ActionNone},
	}

	for _, tt := range tests {
		e := New(tt.kind, "")
		assert.Equal(t, tt.wantRecover, e.Recoverable(), "kind %s", tt.kind)
		assert.Equal(t, tt.wantAction, e.SuggestedAction(), "kind %s", tt.kind)
	}
}

func TestMethodFailedError_WrapsInner(t *testing.T) {
	inner := errors.New("divide by zero")
	err := MethodFailedError(inner)

	assert.Equal(t, MethodFailed, err.Kind)
	assert.Same(t, inner, err.Cause)
}

func TestError_NilReceiverIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "<nil>", e.Error())
	assert.False(t, e.Recoverable())
	assert.Equal(t, ActionNone, e.SuggestedAction())
	assert.Nil(t, e.Unwrap())
}
