package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	bolt "go.etcd.io/bbolt"
)

// BoltStore persists leases in BoltDB, one bucket per subnet partition.
// Values are JSON leases carrying an absolute expiry; expired values read as
// absent and are purged by Sweep.
type BoltStore struct {
	db    *bolt.DB
	clock clock.Clock
}

// NewBoltStore opens or creates a BoltDB lease database. A nil clock uses wall time.
func NewBoltStore(path string, clk clock.Clock) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &BoltStore{db: db, clock: clk}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// read decodes the unexpired lease under key, or returns nil.
func (s *BoltStore) read(b *bolt.Bucket, key []byte) (*Lease, error) {
	if b == nil {
		return nil, nil
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	l := &Lease{}
	if err := json.Unmarshal(v, l); err != nil {
		return nil, fmt.Errorf("unmarshalling lease %s: %w", key, err)
	}
	if l.IsExpired(s.clock.Now()) {
		return nil, nil
	}
	return l, nil
}

func (s *BoltStore) write(tx *bolt.Tx, partition int, l *Lease, ttl time.Duration) error {
	b, err := tx.CreateBucketIfNotExists([]byte(partitionName(partition)))
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", partitionName(partition), err)
	}
	c := l.Clone()
	c.IP = c.IP.To4()
	c.Expiry = s.clock.Now().Add(ttl)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling lease for %s: %w", c.IP, err)
	}
	if err := b.Put([]byte(c.Key()), data); err != nil {
		return fmt.Errorf("writing lease for %s: %w", c.IP, err)
	}
	return nil
}

// Exists reports whether ip holds an unexpired lease.
func (s *BoltStore) Exists(ctx context.Context, partition int, ip net.IP) (bool, error) {
	l, err := s.Get(ctx, partition, ip)
	return l != nil, err
}

// Get returns the lease for ip, or nil.
func (s *BoltStore) Get(_ context.Context, partition int, ip net.IP) (*Lease, error) {
	var l *Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		l, err = s.read(tx.Bucket([]byte(partitionName(partition))), []byte(ip.String()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Claim stores l if its address is free. The check and the write share one transaction.
func (s *BoltStore) Claim(_ context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	return s.writeIf(partition, l, ttl, func(cur *Lease) bool { return cur == nil })
}

// Renew stores l unless another client holds its address.
func (s *BoltStore) Renew(_ context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	return s.writeIf(partition, l, ttl, func(cur *Lease) bool { return cur == nil || cur.OwnedBy(l.MAC) })
}

// writeIf writes l when allow accepts the current unexpired lease (nil if none),
// inside a single Update transaction.
func (s *BoltStore) writeIf(partition int, l *Lease, ttl time.Duration, allow func(cur *Lease) bool) (bool, error) {
	if err := validIP(l.IP); err != nil {
		return false, err
	}
	written := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := s.read(tx.Bucket([]byte(partitionName(partition))), []byte(l.Key()))
		if err != nil {
			return err
		}
		if !allow(cur) {
			return nil
		}
		if err := s.write(tx, partition, l, ttl); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// List returns the unexpired leases of a partition in key order.
func (s *BoltStore) List(_ context.Context, partition int) ([]*Lease, error) {
	var leases []*Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partitionName(partition)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			l, err := s.read(b, k)
			if err != nil {
				return err
			}
			if l != nil {
				leases = append(leases, l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByIP(leases)
	return leases, nil
}

// Sweep deletes expired leases from every partition bucket.
func (s *BoltStore) Sweep(_ context.Context) (int, error) {
	now := s.clock.Now()
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if !strings.HasPrefix(string(name), "subnet") {
				return nil
			}
			var expired [][]byte
			err := b.ForEach(func(k, v []byte) error {
				l := &Lease{}
				if err := json.Unmarshal(v, l); err != nil {
					return fmt.Errorf("unmarshalling lease %s: %w", k, err)
				}
				if l.IsExpired(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("deleting expired lease %s: %w", k, err)
				}
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DB returns the underlying BoltDB instance.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}
