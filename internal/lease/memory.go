package lease

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

// MemoryStore keeps leases in process memory. Expired leases are invisible
// immediately and purged by Sweep.
type MemoryStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	partitions map[int]map[string]*Lease
}

// NewMemoryStore creates an empty in-memory store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &MemoryStore{
		clock:      clk,
		partitions: make(map[int]map[string]*Lease),
	}
}

// live returns the unexpired lease for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) live(partition int, key string) *Lease {
	p := s.partitions[partition]
	if p == nil {
		return nil
	}
	l, ok := p[key]
	if !ok {
		return nil
	}
	if l.IsExpired(s.clock.Now()) {
		delete(p, key)
		return nil
	}
	return l
}

// Exists reports whether ip holds an unexpired lease.
func (s *MemoryStore) Exists(_ context.Context, partition int, ip net.IP) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(partition, ip.String()) != nil, nil
}

// Get returns a copy of the lease for ip, or nil.
func (s *MemoryStore) Get(_ context.Context, partition int, ip net.IP) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live(partition, ip.String())
	if l == nil {
		return nil, nil
	}
	return l.Clone(), nil
}

// Claim stores l if its address is free.
func (s *MemoryStore) Claim(_ context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	if err := validIP(l.IP); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(partition, l.Key()) != nil {
		return false, nil
	}
	s.write(partition, l, ttl)
	return true, nil
}

// Renew stores l unless another client holds its address.
func (s *MemoryStore) Renew(_ context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	if err := validIP(l.IP); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.live(partition, l.Key()); cur != nil && !cur.OwnedBy(l.MAC) {
		return false, nil
	}
	s.write(partition, l, ttl)
	return true, nil
}

func (s *MemoryStore) write(partition int, l *Lease, ttl time.Duration) {
	p := s.partitions[partition]
	if p == nil {
		p = make(map[string]*Lease)
		s.partitions[partition] = p
	}
	c := l.Clone()
	c.IP = c.IP.To4()
	c.Expiry = s.clock.Now().Add(ttl)
	p[c.Key()] = c
}

// List returns the unexpired leases of a partition in address order.
func (s *MemoryStore) List(_ context.Context, partition int) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var leases []*Lease
	for _, l := range s.partitions[partition] {
		if !l.IsExpired(now) {
			leases = append(leases, l.Clone())
		}
	}
	sortByIP(leases)
	return leases, nil
}

// Sweep removes expired leases from every partition.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, p := range s.partitions {
		for key, l := range p {
			if l.IsExpired(now) {
				delete(p, key)
				n++
			}
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByIP(leases []*Lease) {
	sort.Slice(leases, func(i, j int) bool {
		return dhcpv4.IPToUint32(leases[i].IP) < dhcpv4.IPToUint32(leases[j].IP)
	})
}
