package dhcp

import (
	"encoding/json"
	"fmt"

	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

// Request is a validated inbound message: *Discover or *RequestMsg.
// Field values are kept exactly as received; the engine interprets IPs and MACs.
type Request interface {
	MessageType() dhcpv4.MessageType
	MAC() string
	isRequest()
}

// Discover asks for any free address in the relay's subnet.
type Discover struct {
	ClientMAC string
	Hostname  string
	RelayIP   string
}

func (*Discover) MessageType() dhcpv4.MessageType { return dhcpv4.MessageTypeDiscover }
func (d *Discover) MAC() string                   { return d.ClientMAC }
func (*Discover) isRequest()                      {}

// RequestMsg asks to confirm or renew a specific address.
type RequestMsg struct {
	ClientIP  string
	ClientMAC string
	Hostname  string
	RelayIP   string
}

func (*RequestMsg) MessageType() dhcpv4.MessageType { return dhcpv4.MessageTypeRequest }
func (r *RequestMsg) MAC() string                   { return r.ClientMAC }
func (*RequestMsg) isRequest()                      {}

var (
	discoverFields = []string{dhcpv4.FieldMsgType, dhcpv4.FieldClientMAC, dhcpv4.FieldHostname, dhcpv4.FieldRelayIP}
	requestFields  = []string{dhcpv4.FieldMsgType, dhcpv4.FieldClientIP, dhcpv4.FieldClientMAC, dhcpv4.FieldHostname, dhcpv4.FieldRelayIP}
)

// Validate parses raw as a DISCOVER or REQUEST. The object's key set must equal
// one of the two canonical sets exactly, every value must be a JSON string, and
// msg_type must name the matching kind. Anything else is ErrMalformedMessage.
func Validate(raw []byte) (Request, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		var s *string
		if err := json.Unmarshal(v, &s); err != nil || s == nil {
			return nil, fmt.Errorf("%w: field %q is not a string", ErrMalformedMessage, k)
		}
		fields[k] = *s
	}

	msgType := dhcpv4.MessageType(fields[dhcpv4.FieldMsgType])
	if !msgType.IsClientMessage() {
		return nil, fmt.Errorf("%w: msg_type %q is not sent by clients", ErrMalformedMessage, msgType)
	}
	switch {
	case sameKeys(fields, discoverFields):
		if msgType != dhcpv4.MessageTypeDiscover {
			return nil, fmt.Errorf("%w: discover field set with msg_type %q", ErrMalformedMessage, msgType)
		}
		return &Discover{
			ClientMAC: fields[dhcpv4.FieldClientMAC],
			Hostname:  fields[dhcpv4.FieldHostname],
			RelayIP:   fields[dhcpv4.FieldRelayIP],
		}, nil
	case sameKeys(fields, requestFields):
		if msgType != dhcpv4.MessageTypeRequest {
			return nil, fmt.Errorf("%w: request field set with msg_type %q", ErrMalformedMessage, msgType)
		}
		return &RequestMsg{
			ClientIP:  fields[dhcpv4.FieldClientIP],
			ClientMAC: fields[dhcpv4.FieldClientMAC],
			Hostname:  fields[dhcpv4.FieldHostname],
			RelayIP:   fields[dhcpv4.FieldRelayIP],
		}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected field set", ErrMalformedMessage)
	}
}

func sameKeys(m map[string]string, keys []string) bool {
	if len(m) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}
