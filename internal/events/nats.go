package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/hivemind-dhcp/hivemind/internal/metrics"
)

const sinkNATS = "nats"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink forwards bus events as JSON to <prefix>.<event type>.
// Publish failures are logged and counted; they never reach the protocol path.
type NATSSink struct {
	bus    *Bus
	pub    Publisher
	prefix string
	types  []string
	logger *slog.Logger
	conn   *nats.Conn

	ch       chan Event
	done     chan struct{}
	finished chan struct{}
	running  atomic.Bool // claimed by the first of Start or Stop
	stopOnce sync.Once
}

// NewNATSSink creates a sink that publishes through pub and subscribes it to
// bus right away, so events published before Start are kept. types filters
// event types (exact or "prefix.*"); empty forwards everything.
func NewNATSSink(bus *Bus, pub Publisher, prefix string, types []string, logger *slog.Logger) *NATSSink {
	return &NATSSink{
		bus:      bus,
		pub:      pub,
		prefix:   prefix,
		types:    types,
		logger:   logger,
		ch:       bus.Subscribe(defaultSubscriberBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url string, bus *Bus, prefix string, types []string, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("hivemind"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	s := NewNATSSink(bus, nc, prefix, types, logger)
	s.conn = nc
	return s, nil
}

// Start forwards events until Stop. Call in a goroutine. It returns at once
// if Stop already ran.
func (s *NATSSink) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.finished)
	s.logger.Info("nats event sink started", "subject_prefix", s.prefix)

	for {
		select {
		case evt, ok := <-s.ch:
			if !ok {
				return
			}
			s.forward(evt)
		case <-s.done:
			return
		}
	}
}

// Stop detaches from the bus, waits for a running Start to return, then
// drains the connection if the sink owns one.
func (s *NATSSink) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.bus.Unsubscribe(s.ch)
		if !s.running.CompareAndSwap(false, true) {
			<-s.finished
		}
		if s.conn != nil {
			if err := s.conn.Drain(); err != nil {
				s.conn.Close()
			}
		}
		s.logger.Info("nats event sink stopped")
	})
}

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(t EventType) string {
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "." + string(t)
}

func (s *NATSSink) forward(evt Event) {
	if !matchesEvent(s.types, string(evt.Type)) {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		metrics.EventSinkErrors.WithLabelValues(sinkNATS).Inc()
		s.logger.Error("encoding event", "event_type", string(evt.Type), "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(evt.Type), data); err != nil {
		metrics.EventSinkErrors.WithLabelValues(sinkNATS).Inc()
		s.logger.Warn("publishing event to nats failed",
			"event_type", string(evt.Type),
			"error", err)
	}
}

// matchesEvent checks if the event type matches any of the configured patterns.
// Supports exact match and wildcard patterns (e.g., "lease.*", "*").
func matchesEvent(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == eventType {
			return true
		}
		if strings.HasSuffix(p, ".*") {
			prefix := strings.TrimSuffix(p, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}
