package audit

import (
	"bytes"
	"encoding/csv"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"

	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/logging"
	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(100, logging.Discard())
	go bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func TestAuditAppendAndQuery(t *testing.T) {
	al, err := NewLog(testDB(t), testBus(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339Nano), Event: "lease.offer", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:01", Partition: 1},
		{Timestamp: now.Add(-1 * time.Hour).Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:01", Partition: 1, LeaseExpiry: now.Add(time.Hour).Unix()},
		{Timestamp: now.Add(-30 * time.Minute).Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.101", MAC: "aa:bb:cc:dd:ee:02", Partition: 1, LeaseExpiry: now.Add(time.Hour).Unix()},
		{Timestamp: now.Format(time.RFC3339Nano), Event: "lease.nak", IP: "10.0.0.100", MAC: "aa:bb:cc:dd:ee:03", Reason: "lease owned by another client"},
	}
	for _, r := range records {
		if err := al.append(r); err != nil {
			t.Fatal(err)
		}
	}

	if al.Count() != 4 {
		t.Errorf("expected 4 records, got %d", al.Count())
	}

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 4},
		{"by ip", QueryParams{IP: "10.0.0.100"}, 3},
		{"by mac", QueryParams{MAC: "aa:bb:cc:dd:ee:02"}, 1},
		{"by event", QueryParams{Event: "lease.ack"}, 2},
		{"by ip and event", QueryParams{IP: "10.0.0.100", Event: "lease.nak"}, 1},
		{"by range", QueryParams{From: now.Add(-90 * time.Minute), To: now.Add(-15 * time.Minute)}, 2},
		{"unknown ip", QueryParams{IP: "10.9.9.9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := al.Query(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAuditPointInTimeQuery(t *testing.T) {
	al, err := NewLog(testDB(t), testBus(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	// Offered at 13:59, acked at 14:00 with a one hour lease.
	offered := time.Date(2025, 2, 15, 13, 59, 0, 0, time.UTC)
	acked := time.Date(2025, 2, 15, 14, 0, 0, 0, time.UTC)
	expiry := acked.Add(time.Hour)
	al.append(Record{Timestamp: offered.Format(time.RFC3339Nano), Event: "lease.offer", IP: "10.0.0.50", MAC: "aa:bb:cc:dd:ee:ff", LeaseExpiry: expiry.Unix()})
	al.append(Record{Timestamp: acked.Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.50", MAC: "aa:bb:cc:dd:ee:ff", Hostname: "device-1", LeaseExpiry: expiry.Unix()})

	results, err := al.Query(QueryParams{IP: "10.0.0.50", At: acked.Add(30 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Hostname != "device-1" {
		t.Fatalf("point-in-time query = %+v, want the ack only", results)
	}

	results, err = al.Query(QueryParams{IP: "10.0.0.50", At: expiry.Add(30 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("after-expiry query: expected 0, got %d", len(results))
	}
}

func TestAuditEventBusIntegration(t *testing.T) {
	bus := testBus(t)
	al, err := NewLog(testDB(t), bus, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	go al.Start()
	defer al.Stop()

	bus.Publish(events.Event{
		Type:      events.EventLeaseAck,
		Timestamp: time.Now(),
		Lease: &events.LeaseData{
			IP:        net.ParseIP("192.168.1.10"),
			MAC:       "aa:bb:cc:dd:ee:01",
			Hostname:  "test-device",
			Partition: 2,
			LeaseTime: 600,
			Expiry:    time.Now().Add(10 * time.Minute).Unix(),
		},
	})
	bus.Publish(events.Event{
		Type:      events.EventPoolExhausted,
		Timestamp: time.Now(),
		Lease:     &events.LeaseData{MAC: "aa:bb:cc:dd:ee:02", Subnet: "192.168.1.0/24"},
	})

	time.Sleep(200 * time.Millisecond)

	if al.Count() != 1 {
		t.Fatalf("expected 1 audit record from event bus, got %d", al.Count())
	}
	results, err := al.Query(QueryParams{IP: "192.168.1.10"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 record for 192.168.1.10, got %d", len(results))
	}
	if r := results[0]; r.Hostname != "test-device" || r.Partition != 2 || r.LeaseTime != 600 {
		t.Errorf("record = %+v", r)
	}
}

func TestAuditStopRightAfterStart(t *testing.T) {
	bus := testBus(t)
	before := testutil.ToFloat64(metrics.EventSubscribers)

	for i := 0; i < 20; i++ {
		al, err := OpenLog(filepath.Join(t.TempDir(), "audit.db"), bus, logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		go al.Start()
		al.Stop()
	}

	// Stop before Start: Start must return without attaching anything.
	al, err := NewLog(testDB(t), bus, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	al.Stop()
	returned := make(chan struct{})
	go func() {
		al.Start()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Start after Stop did not return")
	}

	if got := testutil.ToFloat64(metrics.EventSubscribers) - before; got != 0 {
		t.Errorf("subscribers left attached = %v, want 0", got)
	}
}

func TestAuditLimit(t *testing.T) {
	al, err := NewLog(testDB(t), testBus(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		al.append(Record{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			Event:     "lease.ack",
			IP:        "10.0.0.1",
			MAC:       "aa:bb:cc:dd:ee:ff",
		})
	}

	results, err := al.Query(QueryParams{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 results with limit, got %d", len(results))
	}
	if results[0].ID < results[4].ID {
		t.Error("expected results ordered newest first")
	}
}

func TestOpenLogOwnsDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	al, err := OpenLog(path, testBus(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	al.append(Record{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "lease.ack", IP: "10.0.0.2"})
	al.Stop()

	// The file lock is released on Stop, so reopening does not time out.
	al2, err := OpenLog(path, testBus(t), logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer al2.Stop()
	if al2.Count() != 1 {
		t.Errorf("records after reopen = %d, want 1", al2.Count())
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Record{
		{ID: 7, Timestamp: "2025-02-15T14:00:00Z", Event: "lease.ack", IP: "10.0.0.2", MAC: "aa:bb:cc:dd:ee:ff", Partition: 1, LeaseTime: 3600},
	})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != 2 || len(rows[1]) != len(CSVHeaders) {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1][0] != "7" || rows[1][3] != "10.0.0.2" || rows[1][9] != "3600" || rows[1][10] != "" {
		t.Errorf("row = %v", rows[1])
	}
}
