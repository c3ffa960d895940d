// Package admission bounds the number of concurrent inbound sync sessions
// per named pool.
package admission

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
)

// ReservationType tells whether a reservation expires
type ReservationType int

const (
	// Hard reservations last until released
	Hard ReservationType = iota
	// Soft reservations expire after the pool's reservation timeout
	Soft
)

func (t ReservationType) String() string {
	if t == Hard {
		return "HARD"
	}
	return "SOFT"
}

// Statistic names, also used as the event label of the admission metric
const (
	StatRequested           = "requested"
	StatReserved            = "reserved"
	StatRejectedTooBusy     = "rejected_too_busy"
	StatReservationTimedOut = "reservation_timed_out"
)

// PoolConfig limits one pool
type PoolConfig struct {
	MaxSize            int
	ReservationTimeout time.Duration
}

// DefaultPoolConfig applies to pools without their own configuration
var DefaultPoolConfig = PoolConfig{MaxSize: 10, ReservationTimeout: 30 * time.Second}

// Reservation is a granted session slot
type Reservation struct {
	NodeID       string
	Type         ReservationType
	CreateTime   time.Time
	TimeToLiveMs int64
}

// Expired reports whether the reservation has outlived its TTL at now
func (r Reservation) Expired(now time.Time) bool {
	if r.TimeToLiveMs == math.MaxInt64 {
		return false
	}
	return now.Sub(r.CreateTime).Milliseconds() >= r.TimeToLiveMs
}

// Stats holds the admission counters
type Stats struct {
	Requested           int64
	Reserved            int64
	RejectedTooBusy     int64
	ReservationTimedOut int64
}

// Manager grants reservations. Every method takes the manager lock.
type Manager struct {
	mu           sync.Mutex
	pools        map[string]PoolConfig
	defaults     PoolConfig
	reservations map[string]map[string]Reservation
	whitelist    map[string]bool
	stats        Stats
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDefaults sets the configuration of pools that have none
func WithDefaults(c PoolConfig) Option {
	return func(m *Manager) {
		m.defaults = c
	}
}

// NewManager creates a manager with the given pool configurations
func NewManager(pools map[string]PoolConfig, opts ...Option) *Manager {
	m := &Manager{
		pools:        make(map[string]PoolConfig, len(pools)),
		defaults:     DefaultPoolConfig,
		reservations: make(map[string]map[string]Reservation),
		whitelist:    make(map[string]bool),
		now:          time.Now,
		log:          logging.New("admission"),
	}
	for name, c := range pools {
		m.pools[name] = c
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPool replaces the configuration of a pool. Existing reservations are
// kept even when they exceed the new size.
func (m *Manager) SetPool(name string, c PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = c
}

// SetPools replaces all pool configurations, for config reload
func (m *Manager) SetPools(pools map[string]PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = make(map[string]PoolConfig, len(pools))
	for name, c := range pools {
		m.pools[name] = c
	}
}

func (m *Manager) config(pool string) PoolConfig {
	if c, ok := m.pools[pool]; ok {
		return c
	}
	return m.defaults
}

func (m *Manager) count(pool, stat string) {
	switch stat {
	case StatRequested:
		m.stats.Requested++
	case StatReserved:
		m.stats.Reserved++
	case StatRejectedTooBusy:
		m.stats.RejectedTooBusy++
	case StatReservationTimedOut:
		m.stats.ReservationTimedOut++
	}
	metrics.AdmissionTotal.WithLabelValues(pool, stat).Inc()
}

// sweep removes expired reservations of a pool
func (m *Manager) sweep(pool string, now time.Time) {
	for node, r := range m.reservations[pool] {
		if r.Expired(now) {
			delete(m.reservations[pool], node)
			m.count(pool, StatReservationTimedOut)
			m.log.Info().Str("pool", pool).Str("node_id", node).Msg("Reservation timed out")
		}
	}
}

// ReserveConnection grants nodeID a slot in pool. It admits when the pool
// has room, when the node already holds a reservation or when the node is
// whitelisted. It never blocks.
func (m *Manager) ReserveConnection(nodeID, pool string, t ReservationType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(pool, now)
	m.count(pool, StatRequested)

	c := m.config(pool)
	reservations := m.reservations[pool]
	if reservations == nil {
		reservations = make(map[string]Reservation)
		m.reservations[pool] = reservations
	}
	_, held := reservations[nodeID]
	if !held && !m.whitelist[nodeID] && len(reservations) >= c.MaxSize {
		m.count(pool, StatRejectedTooBusy)
		m.log.Debug().Str("pool", pool).Str("node_id", nodeID).Int("max", c.MaxSize).Msg("Pool too busy")
		return false
	}

	ttl := int64(math.MaxInt64)
	if t == Soft {
		ttl = c.ReservationTimeout.Milliseconds()
	}
	reservations[nodeID] = Reservation{NodeID: nodeID, Type: t, CreateTime: now, TimeToLiveMs: ttl}
	m.count(pool, StatReserved)
	return true
}

// ReleaseConnection drops the reservation of nodeID and reports whether it had one
func (m *Manager) ReleaseConnection(nodeID, pool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[pool][nodeID]
	if !ok {
		return false
	}
	delete(m.reservations[pool], nodeID)
	metrics.ConnectedDuration.WithLabelValues(pool).Observe(m.now().Sub(r.CreateTime).Seconds())
	return true
}

// AddToWhitelist lets nodeID bypass pool limits
func (m *Manager) AddToWhitelist(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[nodeID] = true
}

// RemoveFromWhitelist subjects nodeID to pool limits again
func (m *Manager) RemoveFromWhitelist(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.whitelist, nodeID)
}

// SetWhitelist replaces the whitelist, for config reload
func (m *Manager) SetWhitelist(nodeIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist = make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		m.whitelist[id] = true
	}
}

// Whitelist returns the whitelisted node ids in sorted order
func (m *Manager) Whitelist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.whitelist))
	for id := range m.whitelist {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReservationCount returns the number of reservations held in pool,
// expired ones included until the next reserve sweeps them
func (m *Manager) ReservationCount(pool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations[pool])
}

// Reservations returns the reservations of pool ordered by node id
func (m *Manager) Reservations(pool string) []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reservation, 0, len(m.reservations[pool]))
	for _, r := range m.reservations[pool] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Stats returns a copy of the counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
