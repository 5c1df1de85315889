package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

// ErrUnavailable wraps any backend failure surfaced through the Manager.
var ErrUnavailable = errors.New("lease store unavailable")

// Manager drives the lease store for the allocation engine. It records
// metrics, publishes lease events and never holds a lock across store calls.
type Manager struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
	clock  clock.Clock
}

// NewManager creates a new lease manager. bus may be nil.
func NewManager(store Store, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    bus,
		logger: logger,
		clock:  clock.NewClock(),
	}
}

// WithClock replaces the clock driving the GC ticker and event timestamps.
func (m *Manager) WithClock(clk clock.Clock) *Manager {
	m.clock = clk
	return m
}

// IsLeased reports whether ip currently holds a lease in partition.
func (m *Manager) IsLeased(ctx context.Context, partition int, ip net.IP) (bool, error) {
	defer m.observe("exists", time.Now())
	ok, err := m.store.Exists(ctx, partition, ip)
	if err != nil {
		return false, m.storeError("exists", ip, err)
	}
	return ok, nil
}

// Lookup returns the lease for ip in partition, or nil.
func (m *Manager) Lookup(ctx context.Context, partition int, ip net.IP) (*Lease, error) {
	defer m.observe("get", time.Now())
	l, err := m.store.Get(ctx, partition, ip)
	if err != nil {
		return nil, m.storeError("get", ip, err)
	}
	return l, nil
}

// List returns the active leases of partition.
func (m *Manager) List(ctx context.Context, partition int) ([]*Lease, error) {
	defer m.observe("list", time.Now())
	leases, err := m.store.List(ctx, partition)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("%w: listing %s: %w", ErrUnavailable, partitionName(partition), err)
	}
	return leases, nil
}

// Offer tentatively claims l.IP for l.MAC. It returns false when a concurrent
// allocator already holds the address. An unarmed expiry is logged, not returned.
func (m *Manager) Offer(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	defer m.observe("claim", time.Now())
	ok, err := m.store.Claim(ctx, partition, l, ttl)
	if err != nil {
		if !errors.Is(err, ErrTTLNotArmed) {
			return false, m.storeError("claim", l.IP, err)
		}
		m.ttlNotArmed(l, err)
		ok = true
	}
	if !ok {
		metrics.ClaimConflicts.WithLabelValues(strconv.Itoa(partition)).Inc()
		m.logger.Debug("claim lost to concurrent allocator",
			"ip", l.IP.String(),
			"mac", l.MAC,
			"partition", partition)
		return false, nil
	}

	metrics.LeaseOperations.WithLabelValues("offer").Inc()
	m.logger.Debug("lease offered",
		"ip", l.IP.String(),
		"mac", l.MAC,
		"partition", partition,
		"msg_type", "DHCPOFFER")
	m.publish(events.EventLeaseOffer, partition, l, ttl)
	return true, nil
}

// Confirm writes l, creating or refreshing it, and re-arms its expiry. It
// returns false, writing nothing, when another client holds the address.
func (m *Manager) Confirm(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	defer m.observe("renew", time.Now())
	ok, err := m.store.Renew(ctx, partition, l, ttl)
	if err != nil {
		if !errors.Is(err, ErrTTLNotArmed) {
			return false, m.storeError("renew", l.IP, err)
		}
		m.ttlNotArmed(l, err)
		ok = true
	}
	if !ok {
		metrics.ClaimConflicts.WithLabelValues(strconv.Itoa(partition)).Inc()
		m.logger.Debug("renewal lost to another client",
			"ip", l.IP.String(),
			"mac", l.MAC,
			"partition", partition)
		return false, nil
	}

	metrics.LeaseOperations.WithLabelValues("ack").Inc()
	m.logger.Info("lease confirmed",
		"ip", l.IP.String(),
		"mac", l.MAC,
		"partition", partition,
		"msg_type", "DHCPACK")
	m.publish(events.EventLeaseAck, partition, l, ttl)
	return true, nil
}

// ExpireLeases purges expired leases from stores that expire lazily.
// Stores with native expiry are left alone.
func (m *Manager) ExpireLeases(ctx context.Context) int {
	sw, ok := m.store.(Sweeper)
	if !ok {
		return 0
	}
	defer m.observe("sweep", time.Now())
	n, err := sw.Sweep(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sweep").Inc()
		m.logger.Error("lease sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		metrics.LeaseOperations.WithLabelValues("expire").Add(float64(n))
	}
	return n
}

// StartGC starts the lease garbage collection goroutine. It is a no-op for
// stores that are not Sweepers.
func (m *Manager) StartGC(ctx context.Context, interval time.Duration) {
	if _, ok := m.store.(Sweeper); !ok {
		return
	}
	go m.gcLoop(ctx, interval)
}

func (m *Manager) gcLoop(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := m.ExpireLeases(ctx); n > 0 {
				m.logger.Info("lease GC completed", "expired_count", n)
			}
		}
	}
}

func (m *Manager) storeError(op string, ip net.IP, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, ip, err)
}

func (m *Manager) ttlNotArmed(l *Lease, err error) {
	metrics.TTLArmFailures.Inc()
	m.logger.Warn("lease stored without expiry",
		"ip", l.IP.String(),
		"mac", l.MAC,
		"error", err)
}

func (m *Manager) observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Manager) publish(t events.EventType, partition int, l *Lease, ttl time.Duration) {
	now := m.clock.Now()
	m.bus.Publish(events.Event{
		Type:      t,
		Timestamp: now,
		Lease: &events.LeaseData{
			IP:        l.IP,
			MAC:       l.MAC,
			Hostname:  l.Hostname,
			Partition: partition,
			LeaseTime: int64(ttl / time.Second),
			Expiry:    now.Add(ttl).Unix(),
		},
	})
}
