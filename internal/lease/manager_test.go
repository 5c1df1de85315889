package lease

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// faultyStore wraps a Store and injects errors into selected calls.
type faultyStore struct {
	Store
	existsErr error
	claimErr  error
	renewErr  error
}

func (f *faultyStore) Exists(ctx context.Context, p int, ip net.IP) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Store.Exists(ctx, p, ip)
}

func (f *faultyStore) Claim(ctx context.Context, p int, l *Lease, ttl time.Duration) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	return f.Store.Claim(ctx, p, l, ttl)
}

func (f *faultyStore) Renew(ctx context.Context, p int, l *Lease, ttl time.Duration) (bool, error) {
	if f.renewErr != nil {
		if errors.Is(f.renewErr, ErrTTLNotArmed) {
			f.Store.Renew(ctx, p, l, ttl)
		}
		return false, f.renewErr
	}
	return f.Store.Renew(ctx, p, l, ttl)
}

func TestManagerOfferAndConfirm(t *testing.T) {
	bus := events.NewBus(10, testLogger())
	m := NewManager(NewMemoryStore(nil), bus, testLogger())
	ctx := context.Background()
	l := testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", "host1")

	ok, err := m.Offer(ctx, 1, l, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Offer = %v, %v; want true", ok, err)
	}
	ok, err = m.Offer(ctx, 1, testLease("10.0.0.2", "11:22:33:44:55:66", ""), time.Hour)
	if err != nil || ok {
		t.Fatalf("second Offer = %v, %v; want false", ok, err)
	}

	if ok, err := m.Confirm(ctx, 1, l, time.Hour); err != nil || !ok {
		t.Fatalf("Confirm = %v, %v; want true", ok, err)
	}
	got, err := m.Lookup(ctx, 1, l.IP)
	if err != nil || got == nil || got.MAC != l.MAC {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
	leased, err := m.IsLeased(ctx, 1, l.IP)
	if err != nil || !leased {
		t.Errorf("IsLeased = %v, %v", leased, err)
	}
	all, err := m.List(ctx, 1)
	if err != nil || len(all) != 1 {
		t.Errorf("List = %v, %v", all, err)
	}

	// The bus is not started, so published events sit in its buffer.
	if bus.Drops() != 0 {
		t.Errorf("unexpected drops: %d", bus.Drops())
	}
}

func TestManagerClaimConflictMetric(t *testing.T) {
	m := NewManager(NewMemoryStore(nil), nil, testLogger())
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.ClaimConflicts.WithLabelValues("4"))

	m.Offer(ctx, 4, testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", ""), time.Hour)
	m.Offer(ctx, 4, testLease("10.0.0.2", "11:22:33:44:55:66", ""), time.Hour)

	if got := testutil.ToFloat64(metrics.ClaimConflicts.WithLabelValues("4")) - before; got != 1 {
		t.Errorf("claim conflicts delta = %v, want 1", got)
	}
}

func TestManagerConfirmRefusesOtherOwner(t *testing.T) {
	store := NewMemoryStore(nil)
	m := NewManager(store, nil, testLogger())
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.ClaimConflicts.WithLabelValues("5"))
	acksBefore := testutil.ToFloat64(metrics.LeaseOperations.WithLabelValues("ack"))

	if ok, _ := m.Offer(ctx, 5, testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", ""), time.Hour); !ok {
		t.Fatal("Offer lost on an empty store")
	}
	ok, err := m.Confirm(ctx, 5, testLease("10.0.0.2", "11:22:33:44:55:66", ""), time.Hour)
	if err != nil || ok {
		t.Fatalf("Confirm = %v, %v; want false, nil", ok, err)
	}
	if got, _ := m.Lookup(ctx, 5, net.IPv4(10, 0, 0, 2)); got == nil || got.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("lease after refused confirm = %+v", got)
	}
	if got := testutil.ToFloat64(metrics.ClaimConflicts.WithLabelValues("5")) - before; got != 1 {
		t.Errorf("claim conflicts delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LeaseOperations.WithLabelValues("ack")) - acksBefore; got != 0 {
		t.Errorf("ack counted for a refused confirm")
	}
}

func TestManagerWrapsStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	fs := &faultyStore{Store: NewMemoryStore(nil), existsErr: boom, claimErr: boom, renewErr: boom}
	m := NewManager(fs, nil, testLogger())
	ctx := context.Background()
	l := testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", "")

	if _, err := m.IsLeased(ctx, 1, l.IP); !errors.Is(err, ErrUnavailable) || !errors.Is(err, boom) {
		t.Errorf("IsLeased error = %v", err)
	}
	if _, err := m.Offer(ctx, 1, l, time.Hour); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Offer error = %v", err)
	}
	if _, err := m.Confirm(ctx, 1, l, time.Hour); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Confirm error = %v", err)
	}
}

func TestManagerToleratesUnarmedTTL(t *testing.T) {
	fs := &faultyStore{Store: NewMemoryStore(nil), renewErr: ErrTTLNotArmed}
	m := NewManager(fs, nil, testLogger())
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.TTLArmFailures)

	l := testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", "")
	if ok, err := m.Confirm(ctx, 1, l, time.Hour); err != nil || !ok {
		t.Fatalf("Confirm = %v, %v; want true, nil", ok, err)
	}
	if got := testutil.ToFloat64(metrics.TTLArmFailures) - before; got != 1 {
		t.Errorf("ttl arm failures delta = %v, want 1", got)
	}
	if ok, _ := m.IsLeased(ctx, 1, l.IP); !ok {
		t.Error("lease should stand despite unarmed expiry")
	}
}

func TestManagerGC(t *testing.T) {
	fc := fakeclock.NewFakeClock(epoch)
	store := NewMemoryStore(fc)
	m := NewManager(store, nil, testLogger()).WithClock(fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Renew(ctx, 1, testLease("10.0.0.2", "aa:bb:cc:dd:ee:ff", ""), 30*time.Second)
	m.StartGC(ctx, time.Minute)
	fc.WaitForWatcherAndIncrement(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.partitions[1])
		store.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired lease not swept, %d remain", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerExpireLeasesNonSweeper(t *testing.T) {
	m := NewManager(&faultyStore{Store: NewMemoryStore(nil)}, nil, testLogger())
	if n := m.ExpireLeases(context.Background()); n != 0 {
		t.Errorf("ExpireLeases = %d, want 0 for a store without Sweep", n)
	}
}
