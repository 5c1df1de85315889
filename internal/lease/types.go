// Package lease manages lease persistence: the partitioned Store abstraction,
// its memory, BoltDB and Redis adapters, and the Manager the allocation engine drives.
package lease

import (
	"net"
	"strings"
	"time"
)

// Lease binds an IP address to a client for a bounded time.
// The JSON field names match the hash fields of the Redis layout.
type Lease struct {
	IP       net.IP    `json:"ip"`
	MAC      string    `json:"client_mac"`
	Hostname string    `json:"client_hostname"`
	Expiry   time.Time `json:"expiry"`
}

// Key returns the store key for this lease (dotted-quad IP).
func (l *Lease) Key() string {
	return l.IP.String()
}

// IsExpired reports whether the lease has expired at now.
// A zero Expiry never expires.
func (l *Lease) IsExpired(now time.Time) bool {
	return !l.Expiry.IsZero() && !now.Before(l.Expiry)
}

// Remaining returns the time left on the lease at now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	if l.Expiry.IsZero() {
		return 0
	}
	r := l.Expiry.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// OwnedBy reports whether the lease belongs to mac. MACs are compared in
// canonical form when both parse, case-insensitively otherwise.
func (l *Lease) OwnedBy(mac string) bool {
	return SameMAC(l.MAC, mac)
}

// Clone returns a deep copy of the lease.
func (l *Lease) Clone() *Lease {
	c := *l
	c.IP = make(net.IP, len(l.IP))
	copy(c.IP, l.IP)
	return &c
}

// SameMAC compares two client hardware addresses.
func SameMAC(a, b string) bool {
	ha, errA := net.ParseMAC(a)
	hb, errB := net.ParseMAC(b)
	if errA == nil && errB == nil {
		return ha.String() == hb.String()
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
