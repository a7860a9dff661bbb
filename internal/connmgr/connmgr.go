// Package connmgr implements C7: a per-peer connection state machine,
// quality metrics, and backoff-based automatic reconnection (spec §4.7).
package connmgr

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/srg/bleactor/internal/groutine"
	"github.com/srg/bleactor/internal/rpcerr"
)

// State is one node of the connection state machine (spec §4.7).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// QualityBucket buckets a numeric quality score (spec §4.7).
type QualityBucket string

const (
	Excellent QualityBucket = "excellent"
	Good      QualityBucket = "good"
	Fair      QualityBucket = "fair"
	Poor      QualityBucket = "poor"
)

// Quality holds the raw and derived link-quality metrics for one peer.
type Quality struct {
	RSSI        int
	PacketLoss  float64 // 0..1
	Latency     time.Duration
	Throughput  float64 // bytes/sec, advisory
	UpdatedAt   time.Time
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score computes quality-score = mean(rssi-score, 1-loss, latency-score)
// per spec §4.7.
func (q Quality) Score() float64 {
	rssiScore := clamp01((float64(q.RSSI) + 100) / 70)
	latencyScore := clamp01(1 - (q.Latency.Seconds()-0.01)/0.5)
	lossScore := clamp01(1 - q.PacketLoss)
	return (rssiScore + lossScore + latencyScore) / 3
}

// Bucket classifies Score() into the thresholds of spec §4.7.
func (q Quality) Bucket() QualityBucket {
	score := q.Score()
	switch {
	case score >= 0.8:
		return Excellent
	case score >= 0.6:
		return Good
	case score >= 0.4:
		return Fair
	default:
		return Poor
	}
}

// Policy is the reconnection policy (spec §3 "Reconnection policy").
type Policy struct {
	Enabled          bool
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	JitterFactor     float64
}

// DefaultPolicy mirrors common BLE reconnection defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:           true,
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// minDelay is the lower bound of DelayForAttempt regardless of policy; the
// upper bound is the policy's MaxDelay (spec §4.7/§8 "delayForAttempt(k)
// lies within [0.1, max-delay]").
const minDelay = 100 * time.Millisecond

// DelayForAttempt computes delay at attempt k (0-indexed), ignoring
// jitter, then applies uniform jitter in [-jitter*d, jitter*d].
func (p Policy) DelayForAttempt(k int, rng *rand.Rand) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(k))
	d := time.Duration(base)
	if d < minDelay {
		d = minDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFactor <= 0 {
		return d
	}
	jitterRange := float64(d) * p.JitterFactor
	jitter := (rng.Float64()*2 - 1) * jitterRange
	withJitter := time.Duration(float64(d) + jitter)
	if withJitter < minDelay {
		withJitter = minDelay
	}
	if withJitter > p.MaxDelay {
		withJitter = p.MaxDelay
	}
	return withJitter
}

const errorRingCapacity = 10

// Record is the per-peer connection bookkeeping (spec §3 "Connection record").
type Record struct {
	PeerID            uuid.UUID
	State             State
	Quality           Quality
	ConnectedAt       time.Time
	LastSeen          time.Time
	ReconnectAttempts int
	TotalReconnects   int

	mu     sync.Mutex
	errors mpmc.RichOverlappedRingBuffer[error]
}

func newRecord(peerID uuid.UUID) *Record {
	return &Record{
		PeerID: peerID,
		State:  Disconnected,
		errors: mpmc.NewOverlappedRingBuffer[error](errorRingCapacity),
	}
}

// RecordError appends err to the bounded last-10 error ring (spec §3).
func (r *Record) RecordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.errors.EnqueueM(err)
}

// Errors returns the currently retained errors, oldest first.
func (r *Record) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for !r.errors.IsEmpty() {
		e, err := r.errors.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	if len(out) > errorRingCapacity {
		out = out[len(out)-errorRingCapacity:]
	}
	for _, e := range out {
		_, _ = r.errors.EnqueueM(e)
	}
	return out
}

// Connector performs the adapter-level connect attempt a reconnection loop
// drives; supplied by C8 so this package never imports the adapter package
// directly.
type Connector func(ctx context.Context, peerID uuid.UUID) error

// Observer receives best-effort state transition notifications (spec §4.7
// "Observers"). Delivery is not guaranteed.
type Observer func(peerID uuid.UUID, from, to State)

// Manager owns one Record per peer plus the reconnection/backoff machinery
// and quality-monitoring tasks for all of them.
type Manager struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*Record
	breakers  map[uuid.UUID]*gobreaker.CircuitBreaker[struct{}]
	limiters  map[uuid.UUID]*rate.Limiter
	observers map[string]Observer

	defaultPolicy Policy
	perPeerPolicy map[uuid.UUID]Policy

	connector Connector
	logger    *logrus.Logger
	rng       *rand.Rand
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDefaultPolicy overrides the reconnection policy applied to peers
// without a per-peer override.
func WithDefaultPolicy(p Policy) Option {
	return func(m *Manager) { m.defaultPolicy = p }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New constructs a Manager. connector performs the actual adapter connect
// call for one reconnection attempt.
func New(connector Connector, opts ...Option) *Manager {
	m := &Manager{
		records:       make(map[uuid.UUID]*Record),
		breakers:      make(map[uuid.UUID]*gobreaker.CircuitBreaker[struct{}]),
		limiters:      make(map[uuid.UUID]*rate.Limiter),
		observers:     make(map[string]Observer),
		defaultPolicy: DefaultPolicy(),
		perPeerPolicy: make(map[uuid.UUID]Policy),
		connector:     connector,
		logger:        logrus.New(),
		rng:           rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) recordFor(peerID uuid.UUID) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[peerID]
	if !ok {
		r = newRecord(peerID)
		m.records[peerID] = r
		m.breakers[peerID] = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        peerID.String(),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		m.limiters[peerID] = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return r
}

// Record returns the connection record for peerID, creating one in the
// Disconnected state if this is the first time it is seen.
func (m *Manager) Record(peerID uuid.UUID) *Record {
	return m.recordFor(peerID)
}

// SetPolicy overrides the reconnection policy used for peerID.
func (m *Manager) SetPolicy(peerID uuid.UUID, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perPeerPolicy[peerID] = p
}

func (m *Manager) policyFor(peerID uuid.UUID) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.perPeerPolicy[peerID]; ok {
		return p
	}
	return m.defaultPolicy
}

// AddObserver registers an observer under id, replacing any existing
// observer with the same id.
func (m *Manager) AddObserver(id string, obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[id] = obs
}

// RemoveObserver drops the observer registered under id.
func (m *Manager) RemoveObserver(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, id)
}

func (m *Manager) notify(peerID uuid.UUID, from, to State) {
	m.mu.Lock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.mu.Unlock()
	for _, o := range obs {
		func() {
			defer func() { _ = recover() }() // best-effort, not delivery-guaranteed
			o(peerID, from, to)
		}()
	}
}

func (m *Manager) transition(r *Record, to State) {
	r.mu.Lock()
	from := r.State
	r.State = to
	if to == Connected {
		r.ConnectedAt = time.Now()
		r.ReconnectAttempts = 0
	}
	r.LastSeen = time.Now()
	r.mu.Unlock()

	m.notify(r.PeerID, from, to)
}

// MarkConnecting transitions peerID to Connecting.
func (m *Manager) MarkConnecting(peerID uuid.UUID) {
	m.transition(m.recordFor(peerID), Connecting)
}

// MarkConnected transitions peerID to Connected and resets its backoff
// counter.
func (m *Manager) MarkConnected(peerID uuid.UUID) {
	m.transition(m.recordFor(peerID), Connected)
}

// UpdateQuality records fresh metrics for peerID.
func (m *Manager) UpdateQuality(peerID uuid.UUID, q Quality) {
	r := m.recordFor(peerID)
	q.UpdatedAt = time.Now()
	r.mu.Lock()
	r.Quality = q
	r.mu.Unlock()
}

// HandleDisconnect transitions peerID to Disconnected, records cause, and
// — if the policy is enabled and cause is non-nil — spawns a reconnection
// loop (spec §4.7 "Reconnection"). A disconnect with a nil cause is not
// followed by reconnection.
func (m *Manager) HandleDisconnect(ctx context.Context, peerID uuid.UUID, cause error) {
	r := m.recordFor(peerID)
	if cause != nil {
		r.RecordError(cause)
	}
	m.transition(r, Disconnected)

	policy := m.policyFor(peerID)
	if !policy.Enabled || cause == nil {
		return
	}
	groutine.Go(ctx, "reconnect-"+peerID.String(), func(ctx context.Context) {
		m.reconnectLoop(ctx, peerID, policy)
	})
}

func (m *Manager) reconnectLoop(ctx context.Context, peerID uuid.UUID, policy Policy) {
	r := m.recordFor(peerID)
	m.transition(r, Reconnecting)

	m.mu.Lock()
	breaker := m.breakers[peerID]
	m.mu.Unlock()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		r.mu.Lock()
		r.ReconnectAttempts = attempt + 1
		r.mu.Unlock()

		delay := policy.DelayForAttempt(attempt, m.rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		_, err := breaker.Execute(func() (struct{}, error) {
			return struct{}{}, m.connector(ctx, peerID)
		})
		if err == nil {
			r.mu.Lock()
			r.TotalReconnects++
			r.mu.Unlock()
			m.transition(r, Connected)
			return
		}

		m.logger.WithFields(logrus.Fields{"peer_id": peerID, "attempt": attempt + 1}).
			WithError(err).Debug("reconnection attempt failed")
		r.RecordError(err)
	}

	r.RecordError(rpcerr.New(rpcerr.ConnectionFailed, "max reconnect attempts reached"))
	m.transition(r, Failed)
}

// StartQualityMonitor spawns a periodic quality-sampling task for peerID
// until ctx is cancelled or the peer transitions away from Connected
// (spec §4.7 "Quality monitoring"); sample is called at most once per
// tick allowed by the peer's rate limiter.
func (m *Manager) StartQualityMonitor(ctx context.Context, peerID uuid.UUID, interval time.Duration, sample func() Quality) {
	m.mu.Lock()
	limiter := m.limiters[peerID]
	m.mu.Unlock()

	groutine.Go(ctx, "quality-"+peerID.String(), func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := m.recordFor(peerID)
				r.mu.Lock()
				state := r.State
				r.mu.Unlock()
				if state != Connected {
					return
				}
				if !limiter.Allow() {
					continue
				}
				m.UpdateQuality(peerID, sample())
			}
		}
	})
}
