package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type fakeActor struct{ id uuid.UUID }

func (a *fakeActor) ActorID() uuid.UUID { return a.id }

type fakeProxy struct{ id uuid.UUID }

func (p *fakeProxy) ActorID() uuid.UUID { return p.id }

func TestInstanceRegistry_LocalRoundTrip(t *testing.T) {
	r := NewInstanceRegistry()
	a := &fakeActor{id: uuid.New()}

	r.RegisterLocal(a)

	got, ok := r.GetLocal(a.id)
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.True(t, r.IsLocal(a.id))
	assert.Equal(t, 1, r.LocalCount())
}

func TestInstanceRegistry_RemoteRoundTrip(t *testing.T) {
	r := NewInstanceRegistry()
	p := &fakeProxy{id: uuid.New()}

	r.RegisterRemote(p)

	got, ok := r.GetRemote(p.id)
	assert.True(t, ok)
	assert.Same(t, p, got)
	assert.False(t, r.IsLocal(p.id), "a remote proxy MUST NOT be reported local")
}

func TestInstanceRegistry_UnregisterRemovesBoth(t *testing.T) {
	r := NewInstanceRegistry()
	id := uuid.New()
	r.RegisterLocal(&fakeActor{id: id})

	r.Unregister(id)

	_, ok := r.GetLocal(id)
	assert.False(t, ok)
}

func TestInstanceRegistry_UnknownActorIsAbsent(t *testing.T) {
	r := NewInstanceRegistry()
	_, ok := r.GetLocal(uuid.New())
	assert.False(t, ok)
}
