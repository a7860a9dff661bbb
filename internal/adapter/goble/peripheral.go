package goble

import (
	"context"
	"fmt"
	"sync"

	gble "github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/adapter"
)

// Peripheral implements adapter.Peripheral over github.com/go-ble/ble's
// GATT-server API. The teacher's internal/device/go-ble package never plays
// the peripheral role (blecli is a central/scanner-only CLI), so this file
// has no direct teacher analogue; it is built against the same go-ble/ble
// import the teacher already depends on, reusing its Characteristic
// write/notify handler shape (ble.WriteHandlerFunc, ble.NotifyHandlerFunc)
// the way the library's own server examples wire a GATT service.
type Peripheral struct {
	adapter.BaseStream

	logger *logrus.Logger

	mu          sync.Mutex
	dev         gble.Device
	advertising bool
	notifiers   map[uuid.UUID]map[uuid.UUID]gble.Notifier // char -> central -> live notifier
	values      map[uuid.UUID][]byte
	conns       map[uuid.UUID]gble.Conn // central id -> its live link, for MaximumWriteLength
}

// NewPeripheral constructs a Peripheral ready for Initialize.
func NewPeripheral(logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	return &Peripheral{
		BaseStream: adapter.NewBaseStream(adapter.DefaultEventBuffer),
		logger:     logger,
		notifiers:  make(map[uuid.UUID]map[uuid.UUID]gble.Notifier),
		values:     make(map[uuid.UUID][]byte),
		conns:      make(map[uuid.UUID]gble.Conn),
	}
}

func (p *Peripheral) Initialize(ctx context.Context) error {
	factory := DeviceFactory
	if factory == nil {
		return fmt.Errorf("goble: no DeviceFactory configured for this platform")
	}
	dev, err := factory()
	if err != nil {
		return normalizeError(err)
	}
	gble.SetDefaultDevice(dev)

	p.mu.Lock()
	p.dev = dev
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) WaitForPoweredOn(ctx context.Context) (adapter.ManagerState, error) {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return adapter.StateUnknown, fmt.Errorf("goble: Initialize not called")
	}
	p.Emit(adapter.Event{Kind: adapter.EventStateChanged, State: adapter.StatePoweredOn})
	return adapter.StatePoweredOn, nil
}

// AddService registers one GATT service whose characteristics dispatch
// write/read/subscribe callbacks back into this Peripheral's event stream,
// the same read-request/write-request/subscription-change vocabulary C6
// (internal/bridge) and the RPC layer already expect from adapter.Event.
func (p *Peripheral) AddService(ctx context.Context, service adapter.ServiceMetadata) error {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("goble: Initialize not called")
	}

	svc := gble.NewService(gble.MustParse(service.UUID.String()))

	for _, chMeta := range service.Characteristics {
		chMeta := chMeta
		props := blePropertiesFrom(chMeta.Properties)
		char := gble.NewCharacteristic(gble.MustParse(chMeta.UUID.String()))
		char.Property = props

		if chMeta.Properties&(adapter.PropWrite|adapter.PropWriteWithoutResponse) != 0 {
			char.HandleWrite(gble.WriteHandlerFunc(func(req gble.Request, rsp gble.ResponseWriter) {
				centralID := centralIDForConn(req.Conn())
				p.rememberConn(centralID, req.Conn())
				p.Emit(adapter.Event{
					Kind:           adapter.EventWriteRequestReceived,
					PeerID:         centralID,
					Characteristic: adapter.CharacteristicMetadata{UUID: chMeta.UUID},
					Value:          append([]byte(nil), req.Data()...),
				})
			}))
		}

		if chMeta.Properties&adapter.PropRead != 0 {
			char.HandleRead(gble.ReadHandlerFunc(func(req gble.Request, rsp gble.ResponseWriter) {
				p.mu.Lock()
				val := p.values[chMeta.UUID]
				p.mu.Unlock()
				p.Emit(adapter.Event{
					Kind:           adapter.EventReadRequestReceived,
					PeerID:         centralIDForConn(req.Conn()),
					Characteristic: adapter.CharacteristicMetadata{UUID: chMeta.UUID},
				})
				_, _ = rsp.Write(val)
			}))
		}

		if chMeta.Properties&(adapter.PropNotify|adapter.PropIndicate) != 0 {
			char.HandleNotify(gble.NotifyHandlerFunc(func(req gble.Request, n gble.Notifier) {
				centralID := centralIDForConn(req.Conn())
				p.rememberConn(centralID, req.Conn())
				p.mu.Lock()
				if p.notifiers[chMeta.UUID] == nil {
					p.notifiers[chMeta.UUID] = make(map[uuid.UUID]gble.Notifier)
				}
				p.notifiers[chMeta.UUID][centralID] = n
				p.mu.Unlock()

				p.Emit(adapter.Event{Kind: adapter.EventCentralSubscribed, PeerID: centralID, Characteristic: adapter.CharacteristicMetadata{UUID: chMeta.UUID}})

				<-n.Context().Done()

				p.mu.Lock()
				delete(p.notifiers[chMeta.UUID], centralID)
				p.mu.Unlock()
				p.Emit(adapter.Event{Kind: adapter.EventCentralUnsubscribed, PeerID: centralID, Characteristic: adapter.CharacteristicMetadata{UUID: chMeta.UUID}})
			}))
		}

		svc.AddCharacteristic(char)
	}

	return normalizeError(dev.AddService(svc))
}

func (p *Peripheral) StartAdvertising(ctx context.Context, data adapter.AdvertisementData) error {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("goble: Initialize not called")
	}

	uuids := make([]gble.UUID, 0, len(data.ServiceUUIDs))
	for _, u := range data.ServiceUUIDs {
		uuids = append(uuids, gble.MustParse(u.String()))
	}

	err := dev.AdvertiseNameAndServices(ctx, data.LocalName, uuids...)
	if err != nil {
		return normalizeError(err)
	}
	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	p.Emit(adapter.Event{Kind: adapter.EventAdvertisingStarted})
	return nil
}

func (p *Peripheral) StopAdvertising(ctx context.Context) error {
	p.mu.Lock()
	dev := p.dev
	p.advertising = false
	p.mu.Unlock()
	if dev == nil {
		return nil
	}
	return normalizeError(dev.Stop())
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) UpdateValue(ctx context.Context, data []byte, charUUID uuid.UUID, centrals []uuid.UUID) (bool, error) {
	p.mu.Lock()
	p.values[charUUID] = data
	targets := p.notifiers[charUUID]
	p.mu.Unlock()

	if len(targets) == 0 {
		return false, nil
	}

	delivered := false
	for centralID, n := range targets {
		if len(centrals) > 0 && !containsUUID(centrals, centralID) {
			continue
		}
		if _, err := n.Write(data); err != nil {
			p.logger.WithError(err).WithField("central", centralID).Warn("notify write failed")
			continue
		}
		delivered = true
	}
	if delivered {
		p.Emit(adapter.Event{Kind: adapter.EventCharacteristicValueUpdated, Characteristic: adapter.CharacteristicMetadata{UUID: charUUID}, Value: data})
	}
	return delivered, nil
}

// rememberConn records the live link for centralID so MaximumWriteLength
// can later report its negotiated ATT_MTU.
func (p *Peripheral) rememberConn(centralID uuid.UUID, conn gble.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[centralID] = conn
	p.mu.Unlock()
}

// MaximumWriteLength reports the negotiated ATT_MTU minus the 3-byte ATT
// header for centralID, the peripheral-role mirror of Central's method of
// the same name: a notify write is capped by the same link MTU as a
// central's characteristic write.
func (p *Peripheral) MaximumWriteLength(centralID uuid.UUID, writeType adapter.WriteType) (int, bool) {
	p.mu.Lock()
	conn, ok := p.conns[centralID]
	p.mu.Unlock()
	if !ok || conn == nil {
		return 0, false
	}
	if n := conn.TxMTU(); n > 3 {
		return n - 3, true
	}
	return 20, true
}

func (p *Peripheral) SubscribedCentrals(charUUID uuid.UUID) []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []uuid.UUID
	for id := range p.notifiers[charUUID] {
		ids = append(ids, id)
	}
	return ids
}

func blePropertiesFrom(props adapter.CharacteristicProperty) gble.Property {
	var out gble.Property
	if props&adapter.PropRead != 0 {
		out |= gble.CharRead
	}
	if props&adapter.PropWrite != 0 {
		out |= gble.CharWrite
	}
	if props&adapter.PropWriteWithoutResponse != 0 {
		out |= gble.CharWriteNR
	}
	if props&adapter.PropNotify != 0 {
		out |= gble.CharNotify
	}
	if props&adapter.PropIndicate != 0 {
		out |= gble.CharIndicate
	}
	return out
}

// centralIDForConn derives a stable peer-id for an inbound central
// connection from its link-layer remote address, the peripheral-role
// mirror of central.go's peerIDForAddress.
func centralIDForConn(conn gble.Conn) uuid.UUID {
	if conn == nil {
		return uuid.Nil
	}
	return peerIDForAddress(conn.RemoteAddr().String())
}

var _ adapter.Peripheral = (*Peripheral)(nil)
