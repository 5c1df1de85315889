package config

import (
	"time"

	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

// Default configuration values.
const (
	DefaultHostname           = "hivemind"
	DefaultInterface          = "127.0.0.1"
	DefaultPort               = dhcpv4.DefaultPort
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultStoreBackend       = BackendBolt
	DefaultLeaseDB            = "/var/lib/hivemind/leases.db"
	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultKeyPrefix          = "hivemind"
	DefaultGCInterval         = 30 * time.Second
	DefaultRateLimitDiscovers = 100
	DefaultRateLimitPerMAC    = 5
	DefaultEventBufferSize    = 10000
	DefaultSubjectPrefix      = "hivemind.events"
)
