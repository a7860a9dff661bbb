package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleactor/internal/rpcerr"
)

func TestMethodRegistry_RegisterAndExecute(t *testing.T) {
	r := NewMethodRegistry()
	actor := uuid.New()
	r.Register(actor, "ping", func(args []byte) ([]byte, error) {
		return []byte("pong"), nil
	})

	assert.True(t, r.Has(actor, "ping"))
	assert.Equal(t, []string{"ping"}, r.Methods(actor))

	out, err := r.Execute(actor, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), out)
}

func TestMethodRegistry_ExecuteUnknownActor(t *testing.T) {
	r := NewMethodRegistry()
	_, err := r.Execute(uuid.New(), "ping", nil)
	assert.ErrorIs(t, err, rpcerr.ErrActorNotFound)
}

func TestMethodRegistry_ExecuteUnknownMethod(t *testing.T) {
	r := NewMethodRegistry()
	actor := uuid.New()
	r.Register(actor, "ping", func([]byte) ([]byte, error) { return nil, nil })

	_, err := r.Execute(actor, "pong", nil)
	assert.ErrorIs(t, err, rpcerr.ErrMethodNotFound)
}

func TestMethodRegistry_HandlerFailureWrapsMethodFailed(t *testing.T) {
	r := NewMethodRegistry()
	actor := uuid.New()
	inner := errors.New("boom")
	r.Register(actor, "explode", func([]byte) ([]byte, error) { return nil, inner })

	_, err := r.Execute(actor, "explode", nil)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.MethodFailed, rpcErr.Kind)
	assert.ErrorIs(t, err, inner)
}

func TestMethodRegistry_Unregister(t *testing.T) {
	r := NewMethodRegistry()
	actor := uuid.New()
	r.Register(actor, "ping", func([]byte) ([]byte, error) { return nil, nil })

	r.Unregister(actor)

	assert.False(t, r.Has(actor, "ping"))
	_, err := r.Execute(actor, "ping", nil)
	assert.ErrorIs(t, err, rpcerr.ErrActorNotFound)
}

func TestMethodRegistry_ExecuteSerializedPerActor(t *testing.T) {
	r := NewMethodRegistry()
	actor := uuid.New()

	var active int
	var maxActive int
	var mu sync.Mutex

	r.Register(actor, "slow", func([]byte) ([]byte, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Execute(actor, "slow", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "executions against one actor MUST NOT interleave")
}
