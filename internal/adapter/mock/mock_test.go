package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleactor/internal/adapter"
)

func drainOne(t *testing.T, ch <-chan adapter.Event) adapter.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return adapter.Event{}
	}
}

func TestAdapter_ConnectEmitsConnectedEvent(t *testing.T) {
	a := New("central", nil)
	peer := uuid.New()

	err := a.Connect(context.Background(), peer, time.Second)
	require.NoError(t, err)
	assert.True(t, a.IsConnected(peer))

	evt := drainOne(t, a.Events())
	assert.Equal(t, adapter.EventPeripheralConnected, evt.Kind)
	assert.Equal(t, peer, evt.PeerID)
}

func TestAdapter_ConnectFaultIsSurfaced(t *testing.T) {
	a := New("central", nil)
	peer := uuid.New()
	wantErr := errors.New("connection refused")
	a.WithFaults(Faults{ConnectErr: map[uuid.UUID]error{peer: wantErr}})

	err := a.Connect(context.Background(), peer, time.Second)
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, a.IsConnected(peer))
}

func TestAdapter_ScanReportsOnlyMatchingServiceFilter(t *testing.T) {
	a := New("central", nil)
	wantedSvc := uuid.New()
	otherSvc := uuid.New()

	match := adapter.DiscoveredPeripheral{PeerID: uuid.New(), Advertisement: adapter.AdvertisementData{ServiceUUIDs: []uuid.UUID{wantedSvc}}}
	noMatch := adapter.DiscoveredPeripheral{PeerID: uuid.New(), Advertisement: adapter.AdvertisementData{ServiceUUIDs: []uuid.UUID{otherSvc}}}
	a.AddDiscoverable(match, nil)
	a.AddDiscoverable(noMatch, nil)

	err := a.Scan(context.Background(), []uuid.UUID{wantedSvc}, time.Second)
	require.NoError(t, err)

	evt := drainOne(t, a.Events())
	assert.Equal(t, adapter.EventPeripheralDiscovered, evt.Kind)
	assert.Equal(t, match.PeerID, evt.Discovered.PeerID)

	select {
	case extra := <-a.Events():
		t.Fatalf("unexpected extra event for filtered-out peripheral: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdapter_WriteValueLoopsBackAsWriteRequest(t *testing.T) {
	a := New("solo", nil)
	peer := uuid.New()
	char := uuid.New()

	err := a.WriteValue(context.Background(), []byte("ping"), char, peer, adapter.WithoutResponse)
	require.NoError(t, err)

	completed := drainOne(t, a.Events())
	assert.Equal(t, adapter.EventCharacteristicWriteCompleted, completed.Kind)

	received := drainOne(t, a.Events())
	assert.Equal(t, adapter.EventWriteRequestReceived, received.Kind)
	assert.Equal(t, []byte("ping"), received.Value)
}

func TestAdapter_WriteValueCallsOnCentralWriteHookWhenSet(t *testing.T) {
	a := New("central", nil)
	char := uuid.New()
	peer := uuid.New()

	var gotData []byte
	a.OnCentralWrite = func(c, p uuid.UUID, data []byte, wt adapter.WriteType) error {
		gotData = data
		return nil
	}

	err := a.WriteValue(context.Background(), []byte("routed"), char, peer, adapter.WithResponse)
	require.NoError(t, err)
	assert.Equal(t, []byte("routed"), gotData)
}

func TestAdapter_SimulateDisconnectEmitsEvent(t *testing.T) {
	a := New("central", nil)
	peer := uuid.New()
	_ = a.Connect(context.Background(), peer, time.Second)
	drainOne(t, a.Events()) // connected event

	cause := errors.New("link dropped")
	a.SimulateDisconnect(peer, cause)

	evt := drainOne(t, a.Events())
	assert.Equal(t, adapter.EventPeripheralDisconnected, evt.Kind)
	assert.Equal(t, cause, evt.Err)
	assert.False(t, a.IsConnected(peer))
}

func TestAdapter_MaxWriteLengthDefaultsUnset(t *testing.T) {
	a := New("central", nil)
	_, ok := a.MaximumWriteLength(uuid.New(), adapter.WithoutResponse)
	assert.False(t, ok)

	peer := uuid.New()
	a.SetMaxWriteLength(peer, 185)
	n, ok := a.MaximumWriteLength(peer, adapter.WithoutResponse)
	assert.True(t, ok)
	assert.Equal(t, 185, n)
}
