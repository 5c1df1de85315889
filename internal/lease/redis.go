package lease

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	hashFieldMAC      = "client_mac"
	hashFieldHostname = "client_hostname"
	scanCount         = 256
	renewRetries      = 3
)

// claimScript writes the lease hash and its expiry only when the key is absent.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'client_mac', ARGV[1], 'client_hostname', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisStore keeps each lease in a hash keyed <prefix>:subnet<N>:<ip> and
// relies on native key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(partition int, ip net.IP) string {
	return s.prefix + ":" + partitionName(partition) + ":" + ip.String()
}

// Exists reports whether ip holds an unexpired lease.
func (s *RedisStore) Exists(ctx context.Context, partition int, ip net.IP) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(partition, ip)).Result()
	if err != nil {
		return false, fmt.Errorf("checking lease %s: %w", ip, err)
	}
	return n == 1, nil
}

// Get returns the lease for ip, or nil.
func (s *RedisStore) Get(ctx context.Context, partition int, ip net.IP) (*Lease, error) {
	return s.get(ctx, s.key(partition, ip), ip)
}

func (s *RedisStore) get(ctx context.Context, key string, ip net.IP) (*Lease, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading lease %s: %w", ip, err)
	}
	h := fields.Val()
	if len(h) == 0 {
		return nil, nil
	}
	l := &Lease{
		IP:       ip.To4(),
		MAC:      h[hashFieldMAC],
		Hostname: h[hashFieldHostname],
	}
	if d := ttl.Val(); d > 0 {
		l.Expiry = time.Now().Add(d)
	}
	return l, nil
}

// Claim stores l if its address is free, atomically on the server.
func (s *RedisStore) Claim(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	if err := validIP(l.IP); err != nil {
		return false, err
	}
	n, err := claimScript.Run(ctx, s.client,
		[]string{s.key(partition, l.IP)},
		l.MAC, l.Hostname, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("claiming lease %s: %w", l.IP, err)
	}
	return n == 1, nil
}

// Renew writes the lease hash unless another client owns it, then arms its
// expiry. The owner check and the write share one WATCH transaction. A failure
// arming the expiry leaves a valid lease and is reported as ErrTTLNotArmed.
func (s *RedisStore) Renew(ctx context.Context, partition int, l *Lease, ttl time.Duration) (bool, error) {
	if err := validIP(l.IP); err != nil {
		return false, err
	}
	key := s.key(partition, l.IP)
	renewed := false
	txf := func(tx *redis.Tx) error {
		renewed = false
		owner, err := tx.HGet(ctx, key, hashFieldMAC).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case !SameMAC(owner, l.MAC):
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashFieldMAC, l.MAC, hashFieldHostname, l.Hostname)
			return nil
		})
		renewed = err == nil
		return err
	}

	var err error
	for range renewRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("writing lease %s: %w", l.IP, err)
	}
	if !renewed {
		return false, nil
	}
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return true, fmt.Errorf("%w for %s: %v", ErrTTLNotArmed, l.IP, err)
	}
	return true, nil
}

// List scans the partition's keys and returns their leases in address order.
func (s *RedisStore) List(ctx context.Context, partition int) ([]*Lease, error) {
	base := s.prefix + ":" + partitionName(partition) + ":"
	var leases []*Lease
	iter := s.client.Scan(ctx, 0, base+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ip := net.ParseIP(strings.TrimPrefix(key, base))
		if ip == nil {
			continue
		}
		l, err := s.get(ctx, key, ip)
		if err != nil {
			return nil, err
		}
		if l != nil {
			leases = append(leases, l)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", partitionName(partition), err)
	}
	sortByIP(leases)
	return leases, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
