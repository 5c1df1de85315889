// Package audit keeps a persistent trail of lease events: every offer, ack and
// nak with the client, subnet and relay involved. Records live in their own
// BoltDB buckets, apart from the lease data, and answer "who held this IP when".
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hivemind-dhcp/hivemind/internal/events"
)

var (
	bucketAudit   = []byte("audit_log")
	bucketAuditIP = []byte("audit_ip_index") // ip → list of audit record keys
)

const (
	defaultQueryLimit = 1000
	subscriberBuffer  = 2000
)

// Record is a single audit log entry.
type Record struct {
	ID          uint64 `json:"id"`
	Timestamp   string `json:"timestamp"`
	Event       string `json:"event"`
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	Hostname    string `json:"hostname,omitempty"`
	Subnet      string `json:"subnet,omitempty"`
	Partition   int    `json:"partition,omitempty"`
	RelayIP     string `json:"relay_ip,omitempty"`
	LeaseTime   int64  `json:"lease_time,omitempty"`
	LeaseExpiry int64  `json:"lease_expiry,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	IP    string
	MAC   string
	At    time.Time // point-in-time: who held IP at this moment?
	From  time.Time
	To    time.Time
	Event string
	Limit int // 0 means defaultQueryLimit
}

// Log records lease events from the bus into BoltDB.
type Log struct {
	db     *bolt.DB
	ownsDB bool
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}

	running  atomic.Bool // claimed by the first of Start or Stop
	stopOnce sync.Once
	finished chan struct{}
}

// NewLog creates an audit log in db, which may be shared with the lease store.
// It subscribes to bus immediately so no event between construction and Start is lost.
func NewLog(db *bolt.DB, bus *events.Bus, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditIP); err != nil {
			return fmt.Errorf("creating audit IP index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Log{
		db:       db,
		bus:      bus,
		logger:   logger,
		ch:       bus.Subscribe(subscriberBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// OpenLog opens a dedicated database at path. Stop closes it.
func OpenLog(path string, bus *events.Bus, logger *slog.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}
	l, err := NewLog(db, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// Start records entries until Stop. Call in a goroutine. It returns at once
// if Stop already ran.
func (l *Log) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.finished)
	l.logger.Info("audit log started")

	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-l.done:
			return
		}
	}
}

// Stop detaches from the bus and waits for a running Start to return before
// closing a database the log owns.
func (l *Log) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.bus.Unsubscribe(l.ch)
		if !l.running.CompareAndSwap(false, true) {
			<-l.finished
		}
		if l.ownsDB {
			l.db.Close()
		}
		l.logger.Info("audit log stopped")
	})
}

// handleEvent converts a bus event into an audit record and persists it.
func (l *Log) handleEvent(evt events.Event) {
	switch evt.Type {
	case events.EventLeaseOffer, events.EventLeaseAck, events.EventLeaseNak:
	default:
		return
	}
	if evt.Lease == nil {
		return
	}

	ld := evt.Lease
	rec := Record{
		Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:       string(evt.Type),
		IP:          ipStr(ld.IP),
		MAC:         ld.MAC,
		Hostname:    ld.Hostname,
		Subnet:      ld.Subnet,
		Partition:   ld.Partition,
		RelayIP:     ipStr(ld.RelayIP),
		LeaseTime:   ld.LeaseTime,
		LeaseExpiry: ld.Expiry,
		Reason:      evt.Reason,
	}
	if err := l.append(rec); err != nil {
		l.logger.Error("failed to write audit record",
			"event", rec.Event, "ip", rec.IP, "mac", rec.MAC, "error", err)
	}
}

// append persists one record with an auto-increment ID and indexes it by IP.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.IP == "" {
			return nil
		}
		idx := tx.Bucket(bucketAuditIP)
		var ids []uint64
		if existing := idx.Get([]byte(rec.IP)); existing != nil {
			if err := json.Unmarshal(existing, &ids); err != nil {
				return fmt.Errorf("decoding IP index for %s: %w", rec.IP, err)
			}
		}
		idData, err := json.Marshal(append(ids, id))
		if err != nil {
			return err
		}
		return idx.Put([]byte(rec.IP), idData)
	})
}

// Query searches the audit log, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if params.IP != "" {
		return l.queryByIP(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

func (l *Log) queryByIP(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		idsData := tx.Bucket(bucketAuditIP).Get([]byte(params.IP))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return fmt.Errorf("decoding IP index for %s: %w", params.IP, err)
		}

		b := tx.Bucket(bucketAudit)
		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return count
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && rec.MAC != params.MAC {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}

	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}

	if !params.At.IsZero() {
		// Only acks bind an address; the binding ran from the ack to its expiry.
		if rec.Event != string(events.EventLeaseAck) || recTime.After(params.At) {
			return false
		}
		return rec.LeaseExpiry == 0 || rec.LeaseExpiry >= params.At.Unix()
	}

	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func ipStr(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
