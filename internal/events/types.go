// Package events provides the lease event bus and its external sinks.
package events

import (
	"net"
	"time"
)

// EventType names a lease lifecycle event. It is also the subject suffix used by sinks.
type EventType string

const (
	EventLeaseDiscover EventType = "lease.discover"
	EventLeaseOffer    EventType = "lease.offer"
	EventLeaseAck      EventType = "lease.ack"
	EventLeaseNak      EventType = "lease.nak"
	EventPoolExhausted EventType = "pool.exhausted"
	EventNoSubnet      EventType = "pool.no_subnet"
)

// Event is the payload passed through the event bus.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Lease     *LeaseData `json:"lease,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// LeaseData carries lease information in events.
type LeaseData struct {
	IP        net.IP `json:"ip,omitempty"`
	MAC       string `json:"mac"`
	Hostname  string `json:"hostname,omitempty"`
	Subnet    string `json:"subnet,omitempty"`
	Partition int    `json:"partition,omitempty"`
	RelayIP   net.IP `json:"relay_ip,omitempty"`
	LeaseTime int64  `json:"lease_time,omitempty"`
	Expiry    int64  `json:"expiry,omitempty"`
}
