package dhcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

// Response is the engine's decision: *Offer, *Ack or *Nack.
type Response interface {
	MessageType() dhcpv4.MessageType
	MAC() string
	isResponse()
}

// Binding is the payload shared by Offer and Ack.
type Binding struct {
	ClientIP   net.IP
	ClientMAC  string
	ServerIP   net.IP
	RelayIP    net.IP
	LeaseTime  time.Duration
	SubnetMask string
	Router     net.IP
}

// Offer proposes a claimed address to a discovering client.
type Offer struct{ Binding }

// Ack confirms a lease.
type Ack struct{ Binding }

// Nack refuses a REQUEST. ClientIP is echoed as received. The subnet fields are
// filled when the relay resolved to a subnet.
type Nack struct {
	ClientIP   string
	ClientMAC  string
	ServerIP   net.IP
	RelayIP    net.IP
	SubnetMask string
	Router     net.IP
	Reason     string
}

func (*Offer) MessageType() dhcpv4.MessageType { return dhcpv4.MessageTypeOffer }
func (o *Offer) MAC() string                   { return o.ClientMAC }
func (*Offer) isResponse()                     {}

func (*Ack) MessageType() dhcpv4.MessageType { return dhcpv4.MessageTypeAck }
func (a *Ack) MAC() string                   { return a.ClientMAC }
func (*Ack) isResponse()                     {}

func (*Nack) MessageType() dhcpv4.MessageType { return dhcpv4.MessageTypeNack }
func (n *Nack) MAC() string                   { return n.ClientMAC }
func (*Nack) isResponse()                     {}

// Format selects the reply encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
	// FormatText writes the human-readable summary lines.
	FormatText Format = "text"
)

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown reply format %q", s)
}

const lineEnd = "\r\n"

// wireReply is the JSON form of every response. All fields are always present.
type wireReply struct {
	MsgType    string `json:"msg_type"`
	ClientIP   string `json:"client_ip"`
	ClientMAC  string `json:"client_mac"`
	ServerIP   string `json:"server_ip"`
	RelayIP    string `json:"relay_ip"`
	LeaseTime  int64  `json:"lease_time"`
	SubnetMask string `json:"subnet_mask"`
	Router     string `json:"router"`
	Reason     string `json:"reason,omitempty"`
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func toWire(resp Response) (wireReply, error) {
	w := wireReply{MsgType: resp.MessageType().String()}
	var b *Binding
	switch r := resp.(type) {
	case *Offer:
		b = &r.Binding
	case *Ack:
		b = &r.Binding
	case *Nack:
		w.ClientIP = r.ClientIP
		w.ClientMAC = r.ClientMAC
		w.ServerIP = ipString(r.ServerIP)
		w.RelayIP = ipString(r.RelayIP)
		w.SubnetMask = r.SubnetMask
		w.Router = ipString(r.Router)
		w.Reason = r.Reason
		return w, nil
	default:
		return w, fmt.Errorf("unsupported response %T", resp)
	}
	w.ClientIP = ipString(b.ClientIP)
	w.ClientMAC = b.ClientMAC
	w.ServerIP = ipString(b.ServerIP)
	w.RelayIP = ipString(b.RelayIP)
	w.LeaseTime = int64(b.LeaseTime / time.Second)
	w.SubnetMask = b.SubnetMask
	w.Router = ipString(b.Router)
	return w, nil
}

// Render encodes resp as a single CRLF-terminated line.
func Render(resp Response, f Format) ([]byte, error) {
	w, err := toWire(resp)
	if err != nil {
		return nil, err
	}

	if f == FormatText {
		var line string
		switch resp.(type) {
		case *Ack:
			line = fmt.Sprintf("%s on %s to %s -- lease length %d seconds", w.MsgType, w.ClientIP, w.ClientMAC, w.LeaseTime)
		default:
			line = fmt.Sprintf("%s on %s to %s", w.MsgType, w.ClientIP, w.ClientMAC)
		}
		return []byte(line + lineEnd), nil
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", w.MsgType, err)
	}
	return append(data, lineEnd...), nil
}

// ParseReply decodes one JSON-format reply line back into a Response.
func ParseReply(line []byte) (Response, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(line)))
	dec.DisallowUnknownFields()
	var w wireReply
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}

	switch dhcpv4.MessageType(w.MsgType) {
	case dhcpv4.MessageTypeOffer:
		return &Offer{Binding: fromWire(w)}, nil
	case dhcpv4.MessageTypeAck:
		return &Ack{Binding: fromWire(w)}, nil
	case dhcpv4.MessageTypeNack:
		return &Nack{
			ClientIP:   w.ClientIP,
			ClientMAC:  w.ClientMAC,
			ServerIP:   net.ParseIP(w.ServerIP),
			RelayIP:    net.ParseIP(w.RelayIP),
			SubnetMask: w.SubnetMask,
			Router:     net.ParseIP(w.Router),
			Reason:     w.Reason,
		}, nil
	}
	return nil, fmt.Errorf("decoding reply: unknown msg_type %q", w.MsgType)
}

func fromWire(w wireReply) Binding {
	return Binding{
		ClientIP:   net.ParseIP(w.ClientIP),
		ClientMAC:  w.ClientMAC,
		ServerIP:   net.ParseIP(w.ServerIP),
		RelayIP:    net.ParseIP(w.RelayIP),
		LeaseTime:  time.Duration(w.LeaseTime) * time.Second,
		SubnetMask: w.SubnetMask,
		Router:     net.ParseIP(w.Router),
	}
}
