package lease

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTTLNotArmed is returned when a lease was written but its expiry could not be armed.
// The lease itself is valid; callers report this at warning level and carry on.
var ErrTTLNotArmed = errors.New("lease expiry not armed")

// Store persists leases partitioned by subnet. Partition is the 1-based subnet
// index. Each call is atomic with respect to a single key; no call spans keys.
type Store interface {
	// Exists reports whether ip currently holds an unexpired lease.
	Exists(ctx context.Context, partition int, ip net.IP) (bool, error)
	// Get returns the lease for ip, or nil if there is none.
	Get(ctx context.Context, partition int, ip net.IP) (*Lease, error)
	// Claim writes l only if its address holds no lease, arming expiry after ttl.
	// It returns false when another client holds the address.
	Claim(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error)
	// Renew writes l when its address is free or already held by l.MAC, re-arming
	// expiry after ttl. It returns false, writing nothing, when another client
	// holds the address.
	Renew(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error)
	// List returns the unexpired leases of a partition.
	List(ctx context.Context, partition int) ([]*Lease, error)
	Close() error
}

// Sweeper is implemented by stores that expire keys lazily and need a periodic purge.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// partitionName returns the namespace name for a subnet partition.
func partitionName(partition int) string {
	return fmt.Sprintf("subnet%d", partition)
}

func validIP(ip net.IP) error {
	if ip.To4() == nil {
		return fmt.Errorf("invalid lease address %v", ip)
	}
	return nil
}
