package dhcpv4

import (
	"net"
	"testing"
)

func TestIPToUint32(t *testing.T) {
	tests := []struct {
		ip   net.IP
		want uint32
	}{
		{net.IPv4(0, 0, 0, 0), 0},
		{net.IPv4(255, 255, 255, 255), 0xFFFFFFFF},
		{net.IPv4(192, 168, 1, 1), 0xC0A80101},
		{net.IPv4(10, 0, 0, 1), 0x0A000001},
		{net.IPv4(172, 16, 0, 1), 0xAC100001},
	}
	for _, tt := range tests {
		got := IPToUint32(tt.ip)
		if got != tt.want {
			t.Errorf("IPToUint32(%s) = 0x%08X, want 0x%08X", tt.ip, got, tt.want)
		}
	}
}

func TestUint32ToIP(t *testing.T) {
	tests := []struct {
		u    uint32
		want net.IP
	}{
		{0, net.IPv4(0, 0, 0, 0)},
		{0xFFFFFFFF, net.IPv4(255, 255, 255, 255)},
		{0xC0A80101, net.IPv4(192, 168, 1, 1)},
	}
	for _, tt := range tests {
		got := Uint32ToIP(tt.u)
		if !got.Equal(tt.want) {
			t.Errorf("Uint32ToIP(0x%08X) = %s, want %s", tt.u, got, tt.want)
		}
	}
}

func TestBroadcastAddr(t *testing.T) {
	tests := []struct {
		cidr string
		want string
	}{
		{"10.0.0.0/30", "10.0.0.3"},
		{"192.168.1.0/24", "192.168.1.255"},
		{"172.16.0.0/12", "172.31.255.255"},
		{"10.1.2.3/32", "10.1.2.3"},
	}
	for _, tt := range tests {
		_, n, err := net.ParseCIDR(tt.cidr)
		if err != nil {
			t.Fatalf("ParseCIDR(%s): %v", tt.cidr, err)
		}
		if got := BroadcastAddr(n); got.String() != tt.want {
			t.Errorf("BroadcastAddr(%s) = %s, want %s", tt.cidr, got, tt.want)
		}
	}
}

func TestMaskString(t *testing.T) {
	if got := MaskString(net.CIDRMask(30, 32)); got != "255.255.255.252" {
		t.Errorf("MaskString(/30) = %q, want 255.255.255.252", got)
	}
}

func TestMessageTypeIsClientMessage(t *testing.T) {
	for _, m := range []MessageType{MessageTypeDiscover, MessageTypeRequest} {
		if !m.IsClientMessage() {
			t.Errorf("%s should be a client message", m)
		}
	}
	for _, m := range []MessageType{MessageTypeOffer, MessageTypeAck, MessageTypeNack} {
		if m.IsClientMessage() {
			t.Errorf("%s should not be a client message", m)
		}
	}
}
