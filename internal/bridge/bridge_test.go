package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/envelope"
	"github.com/srg/bleactor/internal/rpcerr"
)

func TestBridge_RegisterCallCompletesOnSuccessResponse(t *testing.T) {
	b := New(nil)
	callID := uuid.New()
	peerID := uuid.New()

	await, _ := b.RegisterCall(context.Background(), callID, peerID, time.Second)

	b.CompletePendingCall(envelope.Response{CallID: callID, Kind: envelope.ResultSuccess, Value: []byte("pong")})

	val, err := await()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), val)
	assert.Equal(t, 0, b.PendingCallCount())
}

func TestBridge_RegisterCallTimesOut(t *testing.T) {
	b := New(nil)
	callID := uuid.New()

	await, _ := b.RegisterCall(context.Background(), callID, uuid.New(), 20*time.Millisecond)

	_, err := await()
	assert.ErrorIs(t, err, rpcerr.ErrRpcTimeout)
	assert.Equal(t, 0, b.PendingCallCount())
}

func TestBridge_CancelRemovesPendingEntryAndDropsLateResponse(t *testing.T) {
	b := New(nil)
	callID := uuid.New()

	await, cancel := b.RegisterCall(context.Background(), callID, uuid.New(), time.Second)
	cancel()

	_, err := await()
	assert.ErrorIs(t, err, rpcerr.ErrCancelled)
	assert.Equal(t, 0, b.PendingCallCount())

	// A response arriving after cancellation must be dropped without error.
	assert.NotPanics(t, func() {
		b.CompletePendingCall(envelope.Response{CallID: callID, Kind: envelope.ResultSuccess, Value: []byte("late")})
	})
}

func TestBridge_RegisterCallRejectsOnceMaxPendingReached(t *testing.T) {
	b := New(nil, WithMaxPendingCalls(1))
	callID1 := uuid.New()

	_, cancel1 := b.RegisterCall(context.Background(), callID1, uuid.New(), time.Second)
	defer cancel1()

	await2, _ := b.RegisterCall(context.Background(), uuid.New(), uuid.New(), time.Second)

	_, err := await2()
	assert.ErrorIs(t, err, rpcerr.ErrTooManyPendingCalls)
	assert.Equal(t, 1, b.PendingCallCount())
}

func TestBridge_FailPeerCompletesOnlyThatPeersCalls(t *testing.T) {
	b := New(nil)
	peerA, peerB := uuid.New(), uuid.New()
	callA, callB := uuid.New(), uuid.New()

	awaitA, _ := b.RegisterCall(context.Background(), callA, peerA, time.Second)
	awaitB, _ := b.RegisterCall(context.Background(), callB, peerB, time.Second)

	b.FailPeer(peerA)

	_, errA := awaitA()
	assert.ErrorIs(t, errA, rpcerr.ErrPeerDisconnected)

	go func() {
		b.CompletePendingCall(envelope.Response{CallID: callB, Kind: envelope.ResultVoid})
	}()
	_, errB := awaitB()
	assert.NoError(t, errB)
}

func TestBridge_DistributeInvokesRequestCallbackForRPCCharacteristic(t *testing.T) {
	b := New(nil)
	actor := uuid.New()
	char := uuid.New()
	b.MarkRPCCharacteristic(actor, char)

	called := make(chan envelope.Invocation, 1)
	b.SetRequestCallback(func(ctx context.Context, peerID, charUUID uuid.UUID, inv envelope.Invocation) envelope.Response {
		called <- inv
		return envelope.Response{CallID: inv.CallID, Kind: envelope.ResultVoid}
	})

	inv := envelope.Invocation{CallID: uuid.New(), RecipientID: actor, Target: "ping"}
	wire, err := envelope.EncodeInvocation(inv)
	require.NoError(t, err)

	b.Distribute(context.Background(), adapter.Event{
		Kind:           adapter.EventWriteRequestReceived,
		Characteristic: adapter.CharacteristicMetadata{UUID: char},
		Value:          wire,
	})

	select {
	case got := <-called:
		assert.Equal(t, inv.CallID, got.CallID)
		assert.Equal(t, actor, got.RecipientID)
	case <-time.After(time.Second):
		t.Fatal("request callback was not invoked")
	}
}

func TestBridge_DistributeIgnoresNonRPCCharacteristic(t *testing.T) {
	b := New(nil)
	invoked := false
	b.SetRequestCallback(func(ctx context.Context, peerID, charUUID uuid.UUID, inv envelope.Invocation) envelope.Response {
		invoked = true
		return envelope.Response{}
	})

	b.Distribute(context.Background(), adapter.Event{
		Kind:           adapter.EventWriteRequestReceived,
		Characteristic: adapter.CharacteristicMetadata{UUID: uuid.New()},
		Value:          []byte("whatever"),
	})

	assert.False(t, invoked)
}

func TestBridge_DistributeCompletesCallFromValueUpdatedEvent(t *testing.T) {
	b := New(nil)
	char := uuid.New()
	b.MarkRPCCharacteristic(uuid.New(), char)

	callID := uuid.New()
	await, _ := b.RegisterCall(context.Background(), callID, uuid.New(), time.Second)

	wire, err := envelope.EncodeSuccess(callID, []byte("result"))
	require.NoError(t, err)

	b.Distribute(context.Background(), adapter.Event{
		Kind:           adapter.EventCharacteristicValueUpdated,
		Characteristic: adapter.CharacteristicMetadata{UUID: char},
		Value:          wire,
	})

	val, err := await()
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), val)
}
