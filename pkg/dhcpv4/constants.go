// Package dhcpv4 provides message-type names and IPv4 helpers for the JSON lease protocol.
package dhcpv4

// MessageType is the value of the msg_type field on the wire.
type MessageType string

const (
	MessageTypeDiscover MessageType = "DHCPDISCOVER"
	MessageTypeOffer    MessageType = "DHCPOFFER"
	MessageTypeRequest  MessageType = "DHCPREQUEST"
	MessageTypeAck      MessageType = "DHCPACK"
	MessageTypeNack     MessageType = "DHCPNACK"
)

func (m MessageType) String() string {
	return string(m)
}

// IsClientMessage reports whether clients may send this message type.
func (m MessageType) IsClientMessage() bool {
	return m == MessageTypeDiscover || m == MessageTypeRequest
}

// Wire field names.
const (
	FieldMsgType    = "msg_type"
	FieldClientIP   = "client_ip"
	FieldClientMAC  = "client_mac"
	FieldHostname   = "hostname"
	FieldRelayIP    = "relay_ip"
	FieldSubnetMask = "subnet_mask"
	FieldRouter     = "router"
)

// DefaultPort is the TCP port the server listens on when none is configured.
const DefaultPort = 6767
