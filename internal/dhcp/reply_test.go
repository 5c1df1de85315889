package dhcp

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleBinding() Binding {
	return Binding{
		ClientIP:   net.IPv4(10, 0, 0, 2).To4(),
		ClientMAC:  "aa:bb:cc:dd:ee:ff",
		ServerIP:   net.IPv4(192, 168, 0, 10).To4(),
		RelayIP:    net.IPv4(10, 0, 0, 1).To4(),
		LeaseTime:  time.Hour,
		SubnetMask: "255.255.255.252",
		Router:     net.IPv4(10, 0, 0, 1).To4(),
	}
}

func TestRenderJSONFields(t *testing.T) {
	data, err := Render(&Offer{Binding: sampleBinding()}, FormatJSON)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\r\n")) {
		t.Errorf("reply not CRLF terminated: %q", data)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	want := map[string]any{
		"msg_type":    "DHCPOFFER",
		"client_ip":   "10.0.0.2",
		"client_mac":  "aa:bb:cc:dd:ee:ff",
		"server_ip":   "192.168.0.10",
		"relay_ip":    "10.0.0.1",
		"lease_time":  float64(3600),
		"subnet_mask": "255.255.255.252",
		"router":      "10.0.0.1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderText(t *testing.T) {
	tests := []struct {
		resp Response
		want string
	}{
		{&Offer{Binding: sampleBinding()}, "DHCPOFFER on 10.0.0.2 to aa:bb:cc:dd:ee:ff\r\n"},
		{&Ack{Binding: sampleBinding()}, "DHCPACK on 10.0.0.2 to aa:bb:cc:dd:ee:ff -- lease length 3600 seconds\r\n"},
		{&Nack{ClientIP: "10.0.0.9", ClientMAC: "aa:bb:cc:dd:ee:ff"}, "DHCPNACK on 10.0.0.9 to aa:bb:cc:dd:ee:ff\r\n"},
	}
	for _, tt := range tests {
		got, err := Render(tt.resp, FormatText)
		if err != nil {
			t.Fatalf("Render error: %v", err)
		}
		if string(got) != tt.want {
			t.Errorf("Render(%s) = %q, want %q", tt.resp.MessageType(), got, tt.want)
		}
	}
}

func TestParseReplyRoundTrip(t *testing.T) {
	responses := []Response{
		&Offer{Binding: sampleBinding()},
		&Ack{Binding: sampleBinding()},
		&Nack{
			ClientIP:   "10.0.0.2",
			ClientMAC:  "aa:bb:cc:dd:ee:ff",
			ServerIP:   net.IPv4(192, 168, 0, 10),
			RelayIP:    net.IPv4(10, 0, 0, 1),
			SubnetMask: "255.255.255.252",
			Router:     net.IPv4(10, 0, 0, 1),
			Reason:     ErrLeaseNotFound.Error(),
		},
	}
	ipEqual := cmp.Comparer(func(a, b net.IP) bool { return a.Equal(b) })

	for _, resp := range responses {
		data, err := Render(resp, FormatJSON)
		if err != nil {
			t.Fatalf("Render error: %v", err)
		}
		got, err := ParseReply(data)
		if err != nil {
			t.Fatalf("ParseReply error: %v", err)
		}
		if diff := cmp.Diff(resp, got, ipEqual); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", resp.MessageType(), diff)
		}
	}
}

func TestParseReplyRejects(t *testing.T) {
	for _, raw := range []string{
		`nope`,
		`{"msg_type":"DHCPDISCOVER"}`,
		`{"msg_type":"DHCPACK","surprise":1}`,
	} {
		if _, err := ParseReply([]byte(raw)); err == nil {
			t.Errorf("ParseReply(%s) should fail", raw)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %q, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(\"\") = %q, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}
