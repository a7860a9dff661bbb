// Package transport implements C2: MTU-aware fragmentation and reassembly
// of opaque messages into wire packets, with per-peer sequence windows
// (spec §4.2). A Transport is scoped to one process and is safe for
// concurrent use; all per-peer state is guarded by a single mutex, mirroring
// the teacher's BLEConnection (single logical owner, RWMutex-guarded maps).
package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleactor/internal/rpcerr"
)

// DefaultMaxWriteLength is the conservative default MTU assumed before a
// peer's link negotiates a larger one (spec §4.2).
const DefaultMaxWriteLength = 20

// DefaultReassemblyTimeout bounds how long an incomplete fragmented message
// is retained before being dropped (spec §4.2, §5 "Timeouts").
const DefaultReassemblyTimeout = 30 * time.Second

type incomingMessage struct {
	total    uint16
	chunks   map[uint16][]byte
	deadline time.Time
}

type peerState struct {
	maxWriteLength int
	nextMessageID  uint64
	incoming       map[uint64]*incomingMessage
}

// Transport tracks per-peer MTU and reassembly state for one runtime.
type Transport struct {
	mu               sync.Mutex
	peers            map[string]*peerState
	reassemblyWindow time.Duration
	logger           *logrus.Logger
}

// Option configures a Transport at construction.
type Option func(*Transport)

// WithReassemblyTimeout overrides DefaultReassemblyTimeout.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(t *Transport) { t.reassemblyWindow = d }
}

// WithLogger attaches a structured logger; if l is nil the default
// logrus.New() logger is kept.
func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New constructs an empty Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		peers:            make(map[string]*peerState),
		reassemblyWindow: DefaultReassemblyTimeout,
		logger:           logrus.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) peer(peerID string) *peerState {
	p, ok := t.peers[peerID]
	if !ok {
		p = &peerState{
			maxWriteLength: DefaultMaxWriteLength,
			incoming:       make(map[uint64]*incomingMessage),
		}
		t.peers[peerID] = p
	}
	return p
}

// SetMaxWriteLength records a renegotiated MTU for peerID (spec §4.2,
// "updated when peer renegotiates MTU").
func (t *Transport) SetMaxWriteLength(peerID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer(peerID).maxWriteLength = n
}

// MaxWriteLength returns the currently tracked MTU for peerID, or the
// default if the peer is unknown.
func (t *Transport) MaxWriteLength(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peerID]; ok {
		return p.maxWriteLength
	}
	return DefaultMaxWriteLength
}

// Fragment splits data into a sequence of wire-ready packets addressed to
// peerID, each sized so header+payload fits within the peer's current
// write-MTU (spec §4.2 "Fragmentation"). A fresh message-id is allocated
// for every call. N=1 messages still carry a full sequence header.
func (t *Transport) Fragment(peerID string, data []byte) ([]Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.peer(peerID)
	payloadMax := p.maxWriteLength - HeaderSize
	if payloadMax <= 0 {
		return nil, rpcerr.ErrMtuTooSmall
	}

	messageID := p.nextMessageID
	p.nextMessageID++

	if len(data) == 0 {
		return []Packet{{MessageID: messageID, Sequence: 0, Total: 1, Payload: nil}}, nil
	}

	total := (len(data) + payloadMax - 1) / payloadMax
	packets := make([]Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * payloadMax
		end := start + payloadMax
		if end > len(data) {
			end = len(data)
		}
		packets = append(packets, Packet{
			MessageID: messageID,
			Sequence:  uint16(i),
			Total:     uint16(total),
			Payload:   data[start:end],
		})
	}
	return packets, nil
}

// Receive feeds one wire packet from peerID into the transport's
// reassembly state. It returns (message, true, nil) once every sequence
// 0..total-1 for that (peer, message-id) has arrived; otherwise it returns
// (nil, false, nil) while reassembly is still pending.
//
// Per invariant 2, a Total=1 packet is self-contained and never allocates
// reassembly state.
func (t *Transport) Receive(peerID string, pkt Packet) ([]byte, bool, error) {
	if pkt.Total == 1 {
		return pkt.Payload, true, nil
	}
	if pkt.Total == 0 {
		return nil, false, rpcerr.New(rpcerr.InvalidEnvelope, "packet declares total=0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(peerID)

	p := t.peer(peerID)
	msg, ok := p.incoming[pkt.MessageID]
	if !ok {
		msg = &incomingMessage{
			total:  pkt.Total,
			chunks: make(map[uint16][]byte),
		}
		p.incoming[pkt.MessageID] = msg
	}
	msg.deadline = time.Now().Add(t.reassemblyWindow)

	if msg.total != pkt.Total {
		// A message whose total changes mid-flight is corrupt; discard it
		// entirely (spec §4.2 "Edge-case policies").
		delete(p.incoming, pkt.MessageID)
		return nil, false, rpcerr.New(rpcerr.InvalidEnvelope, "message total changed between sequences")
	}

	msg.chunks[pkt.Sequence] = pkt.Payload // duplicate sequences overwrite, idempotent

	if len(msg.chunks) < int(msg.total) {
		return nil, false, nil
	}

	assembled := make([]byte, 0, int(msg.total)*len(pkt.Payload))
	for seq := uint16(0); seq < msg.total; seq++ {
		chunk, have := msg.chunks[seq]
		if !have {
			return nil, false, nil
		}
		assembled = append(assembled, chunk...)
	}

	delete(p.incoming, pkt.MessageID)
	return assembled, true, nil
}

// expireLocked drops reassembly entries past their deadline. Must be
// called with t.mu held.
func (t *Transport) expireLocked(peerID string) {
	p, ok := t.peers[peerID]
	if !ok {
		return
	}
	now := time.Now()
	for id, msg := range p.incoming {
		if now.After(msg.deadline) {
			delete(p.incoming, id)
			t.logger.WithFields(logrus.Fields{"peer_id": peerID, "message_id": id}).
				Debug("reassembly window expired, dropping partial message")
		}
	}
}

// ForgetPeer releases all per-peer transport state, e.g. on disconnect.
func (t *Transport) ForgetPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}
