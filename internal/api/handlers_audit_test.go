package api

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hivemind-dhcp/hivemind/internal/audit"
	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/logging"
)

func newAuditServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(100, logging.Discard())
	go bus.Start()
	t.Cleanup(bus.Stop)

	al, err := audit.OpenLog(filepath.Join(t.TempDir(), "audit.db"), bus, logging.Discard())
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	go al.Start()
	t.Cleanup(al.Stop)

	srv, _ := newTestServer(t)
	WithAuditLog(al)(srv)
	return srv, bus
}

func TestAuditEndpoints(t *testing.T) {
	srv, bus := newAuditServer(t)
	for _, mac := range []string{"aa:aa:aa:aa:aa:aa", "bb:bb:bb:bb:bb:bb"} {
		bus.Publish(events.Event{
			Type:      events.EventLeaseAck,
			Timestamp: time.Now(),
			Lease:     &events.LeaseData{IP: net.ParseIP("10.0.0.2"), MAC: mac, Partition: 1},
		})
	}
	time.Sleep(200 * time.Millisecond)
	h := srv.Routes()

	w := get(t, h, "/api/v1/audit?ip=10.0.0.2&mac=bb:bb:bb:bb:bb:bb")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
		Total   int            `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 1 || resp.Total != 2 || resp.Records[0].MAC != "bb:bb:bb:bb:bb:bb" {
		t.Errorf("audit response = %+v", resp)
	}

	w = get(t, h, "/api/v1/audit/export?ip=10.0.0.2")
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if lines := strings.Count(w.Body.String(), "\n"); lines != 3 {
		t.Errorf("CSV has %d lines, want header plus 2 rows:\n%s", lines, w.Body.String())
	}

	if w := get(t, h, "/api/v1/audit?limit=-1"); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}
	if w := get(t, h, "/api/v1/audit?at=yesterday"); w.Code != http.StatusBadRequest {
		t.Errorf("bad time status = %d, want 400", w.Code)
	}
}

func TestAuditRoutesAbsentWithoutLog(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := get(t, srv.Routes(), "/api/v1/audit"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
