// Package bridge implements C6: the per-runtime event dispatcher that
// fans out adapter events to subscribers, routes write requests on RPC
// characteristics to the C8-supplied invocation callback, and correlates
// responses to their pending call by call-id (spec §4.6).
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/adapter"
	"github.com/srg/bleactor/internal/envelope"
	"github.com/srg/bleactor/internal/rpcerr"
)

// EventHandler receives every adapter event forwarded to a subscribed
// actor-id.
type EventHandler func(adapter.Event)

// RequestCallback is C8's hook for executing an incoming invocation. peerID
// identifies the central that sent the write and charUUID the
// characteristic it arrived on, so the callback can address its response
// notification back to the caller even when the target actor-id turns out
// to be unknown. It always runs inside the runtime that registered the
// target actor, guaranteeing instance isolation (spec §4.8 "Event
// handlers").
type RequestCallback func(ctx context.Context, peerID, charUUID uuid.UUID, inv envelope.Invocation) envelope.Response

// waiter is the pending-call bookkeeping (spec §3 "Pending call").
type waiter struct {
	peerID   uuid.UUID
	deadline time.Time
	result   chan waitResult
	once     sync.Once
}

type waitResult struct {
	value []byte
	err   error
}

func (w *waiter) complete(res waitResult) {
	w.once.Do(func() {
		w.result <- res
	})
}

// Bridge is the per-runtime event bridge. It must not be shared across
// runtimes: spec invariant "Pending-calls are owned by exactly one runtime
// instance; no .shared singleton is consulted for dispatch."
type Bridge struct {
	mu sync.Mutex

	subscribers  map[uuid.UUID]EventHandler
	rpcChar      map[uuid.UUID]uuid.UUID // actor-id -> RPC characteristic uuid
	rpcCharSet   map[uuid.UUID]bool      // RPC characteristic uuid -> registered, across all actors
	pendingCalls *orderedmap.OrderedMap[uuid.UUID, *waiter]
	requestFn    RequestCallback
	maxPending   int // 0 means unbounded

	logger *logrus.Logger
}

// Option configures a Bridge at construction.
type Option func(*Bridge)

// WithMaxPendingCalls caps the number of calls RegisterCall will admit at
// once; beyond it, RegisterCall's await immediately reports
// TooManyPendingCalls (spec §6 "max-pending-calls-per-runtime"). n<=0 means
// unbounded.
func WithMaxPendingCalls(n int) Option {
	return func(b *Bridge) { b.maxPending = n }
}

// New constructs an empty Bridge.
func New(logger *logrus.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		subscribers:  make(map[uuid.UUID]EventHandler),
		rpcChar:      make(map[uuid.UUID]uuid.UUID),
		rpcCharSet:   make(map[uuid.UUID]bool),
		pendingCalls: orderedmap.New[uuid.UUID, *waiter](),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetRequestCallback installs C8's invocation executor. Must be called
// exactly once, at runtime construction (spec §4.8).
func (b *Bridge) SetRequestCallback(fn RequestCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestFn = fn
}

// Subscribe registers handler to receive every event the bridge
// distributes for actorID.
func (b *Bridge) Subscribe(actorID uuid.UUID, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[actorID] = handler
}

// Unsubscribe removes actorID's subscriber.
func (b *Bridge) Unsubscribe(actorID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, actorID)
}

// MarkRPCCharacteristic records which characteristic carries RPC envelopes
// for actorID (spec §4.8 "mark the RPC characteristic in C6").
func (b *Bridge) MarkRPCCharacteristic(actorID, charUUID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpcChar[actorID] = charUUID
	b.rpcCharSet[charUUID] = true
}

// RPCCharacteristicFor returns the characteristic registered for actorID.
func (b *Bridge) RPCCharacteristicFor(actorID uuid.UUID) (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.rpcChar[actorID]
	return c, ok
}

// RegisterCall creates a pending-call entry for callID and returns a
// function that blocks until the response arrives, the deadline elapses
// (RpcTimeout), the peer disconnects (PeerDisconnected via FailPeer), or
// the returned cancel function is invoked (Cancelled) — spec §4.6
// "Register call".
func (b *Bridge) RegisterCall(ctx context.Context, callID, peerID uuid.UUID, timeout time.Duration) (await func() ([]byte, error), cancel func()) {
	w := &waiter{
		peerID:   peerID,
		deadline: time.Now().Add(timeout),
		result:   make(chan waitResult, 1),
	}

	b.mu.Lock()
	if b.maxPending > 0 && b.pendingCalls.Len() >= b.maxPending {
		b.mu.Unlock()
		return func() ([]byte, error) { return nil, rpcerr.ErrTooManyPendingCalls }, func() {}
	}
	b.pendingCalls.Set(callID, w)
	b.mu.Unlock()

	cancelled := make(chan struct{})
	var cancelOnce sync.Once
	cancel = func() {
		cancelOnce.Do(func() {
			close(cancelled)
			b.mu.Lock()
			b.pendingCalls.Delete(callID)
			b.mu.Unlock()
			w.complete(waitResult{err: rpcerr.ErrCancelled})
		})
	}

	await = func() ([]byte, error) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res := <-w.result:
			b.mu.Lock()
			b.pendingCalls.Delete(callID)
			b.mu.Unlock()
			return res.value, res.err
		case <-timer.C:
			b.mu.Lock()
			b.pendingCalls.Delete(callID)
			b.mu.Unlock()
			return nil, rpcerr.ErrRpcTimeout
		case <-cancelled:
			return nil, rpcerr.ErrCancelled
		case <-ctx.Done():
			b.mu.Lock()
			b.pendingCalls.Delete(callID)
			b.mu.Unlock()
			return nil, rpcerr.ErrCancelled
		}
	}

	return await, cancel
}

// PendingCallCount reports the number of calls currently awaiting a
// response, used by tests (spec §8 scenario 3: "pending-calls size is 0
// after").
func (b *Bridge) PendingCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCalls.Len()
}

// FailPeer completes every pending call addressed to peerID with
// PeerDisconnected (spec §4.6 "fails with ... PeerDisconnected if C7
// reports a failure for that peer before completion").
func (b *Bridge) FailPeer(peerID uuid.UUID) {
	b.mu.Lock()
	var toFail []*waiter
	for pair := b.pendingCalls.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.peerID == peerID {
			toFail = append(toFail, pair.Value)
		}
	}
	b.mu.Unlock()

	for _, w := range toFail {
		w.complete(waitResult{err: rpcerr.ErrPeerDisconnected})
	}
}

// Distribute fans out evt to every registered subscriber, and for traffic
// on a characteristic previously marked RPC-capable via
// MarkRPCCharacteristic, decodes invocation/response envelopes and either
// invokes the request callback or completes a pending call (spec §4.6
// "Distribute"). evt.Value MUST already be one fully reassembled message
// (C8 runs every raw adapter event through the transport's reassembler
// before calling Distribute); Distribute itself never fragments or
// reassembles.
func (b *Bridge) Distribute(ctx context.Context, evt adapter.Event) {
	b.mu.Lock()
	subs := make([]EventHandler, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	isRPCChar := b.rpcCharSet[evt.Characteristic.UUID]
	requestFn := b.requestFn
	b.mu.Unlock()

	for _, sub := range subs {
		sub(evt)
	}

	if !isRPCChar {
		return
	}

	switch evt.Kind {
	case adapter.EventWriteRequestReceived:
		inv, err := envelope.DecodeInvocation(evt.Value)
		if err != nil {
			b.logger.WithError(err).Warn("dropping malformed invocation envelope")
			return
		}
		if requestFn == nil {
			return
		}
		requestFn(ctx, evt.PeerID, evt.Characteristic.UUID, inv) // C8's callback owns encoding+sending the response

	case adapter.EventCharacteristicValueUpdated:
		resp, err := envelope.DecodeResponse(evt.Value)
		if err != nil {
			b.logger.WithError(err).Warn("dropping malformed response envelope")
			return
		}
		b.completeCall(resp)
	}
}

// CompletePendingCall resolves the waiter for resp.CallID with resp, for
// callers that decode the response envelope themselves. The runtime does
// not call it: reassembled responses reach completeCall through Distribute.
func (b *Bridge) CompletePendingCall(resp envelope.Response) {
	b.completeCall(resp)
}

func (b *Bridge) completeCall(resp envelope.Response) {
	b.mu.Lock()
	w, ok := b.pendingCalls.Get(resp.CallID)
	b.mu.Unlock()
	if !ok {
		return // already cancelled/timed out: dropped without error (spec §8 "Cancellation")
	}

	switch resp.Kind {
	case envelope.ResultSuccess:
		w.complete(waitResult{value: resp.Value})
	case envelope.ResultVoid:
		w.complete(waitResult{value: nil})
	case envelope.ResultFailure:
		w.complete(waitResult{err: rpcerr.New(resp.ErrorKind, resp.ErrorMsg)})
	}
}
