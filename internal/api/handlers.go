package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hivemind-dhcp/hivemind/internal/lease"
	"github.com/hivemind-dhcp/hivemind/internal/pool"
)

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"subnets":   s.catalog.Len(),
		"timestamp": time.Now().Unix(),
	})
}

type subnetResponse struct {
	Index     int    `json:"index"`
	Subnet    string `json:"subnet"`
	Mask      string `json:"subnet_mask"`
	First     string `json:"first,omitempty"`
	Last      string `json:"last,omitempty"`
	Size      uint32 `json:"size"`
	LeaseTime int64  `json:"lease_time"`
}

func (s *Server) handleListSubnets(w http.ResponseWriter, r *http.Request) {
	subnets := s.catalog.Subnets()
	result := make([]subnetResponse, 0, len(subnets))
	for _, sub := range subnets {
		sr := subnetResponse{
			Index:     sub.Index,
			Subnet:    sub.String(),
			Mask:      sub.MaskString(),
			Size:      sub.Size(),
			LeaseTime: int64(sub.LeaseTime.Seconds()),
		}
		if sub.First != nil {
			sr.First = sub.First.String()
			sr.Last = sub.Last.String()
		}
		result = append(result, sr)
	}
	JSONResponse(w, http.StatusOK, result)
}

// leaseResponse is the JSON representation of a lease.
type leaseResponse struct {
	IP        string `json:"ip"`
	MAC       string `json:"client_mac"`
	Hostname  string `json:"client_hostname,omitempty"`
	Expiry    int64  `json:"expiry"`
	Remaining int64  `json:"remaining_seconds"`
}

func toLeaseResponse(l *lease.Lease, now time.Time) leaseResponse {
	return leaseResponse{
		IP:        l.IP.String(),
		MAC:       l.MAC,
		Hostname:  l.Hostname,
		Expiry:    l.Expiry.Unix(),
		Remaining: int64(l.Remaining(now).Seconds()),
	}
}

// handleListLeases returns the live leases of one subnet in address order.
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subnetParam(w, r)
	if !ok {
		return
	}
	leases, err := s.leases.List(r.Context(), sub.Index)
	if err != nil {
		s.logger.Error("listing leases", "subnet", sub.String(), "error", err)
		JSONError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	now := time.Now()
	result := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		result = append(result, toLeaseResponse(l, now))
	}
	JSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subnetParam(w, r)
	if !ok {
		return
	}
	ip := net.ParseIP(chi.URLParam(r, "ip")).To4()
	if ip == nil || !sub.Contains(ip) {
		JSONError(w, http.StatusBadRequest, "invalid_ip", "IP address is not in subnet "+sub.String())
		return
	}

	l, err := s.leases.Lookup(r.Context(), sub.Index, ip)
	if err != nil {
		s.logger.Error("looking up lease", "ip", ip.String(), "error", err)
		JSONError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	if l == nil {
		JSONError(w, http.StatusNotFound, "not_found", "no lease for "+ip.String())
		return
	}
	JSONResponse(w, http.StatusOK, toLeaseResponse(l, time.Now()))
}

// subnetParam resolves the {index} path parameter, writing the error response itself.
func (s *Server) subnetParam(w http.ResponseWriter, r *http.Request) (*pool.Subnet, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_index", "subnet index must be an integer")
		return nil, false
	}
	sub, ok := s.catalog.Get(idx)
	if !ok {
		JSONError(w, http.StatusNotFound, "not_found", "no subnet with index "+strconv.Itoa(idx))
		return nil, false
	}
	return sub, true
}
