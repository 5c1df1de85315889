package dhcpv4

import (
	"encoding/binary"
	"net"
)

// IPToUint32 converts a net.IP to a uint32.
func IPToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Uint32ToIP converts a uint32 to a 4-byte net.IP.
func Uint32ToIP(n uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// BroadcastAddr returns the last address of an IPv4 network.
func BroadcastAddr(n *net.IPNet) net.IP {
	base := n.IP.To4()
	if base == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	return Uint32ToIP(IPToUint32(base) | ^binary.BigEndian.Uint32(n.Mask))
}

// MaskString renders a mask in dotted-quad form ("255.255.255.0").
func MaskString(m net.IPMask) string {
	if len(m) != net.IPv4len {
		return m.String()
	}
	return net.IP(m).String()
}
