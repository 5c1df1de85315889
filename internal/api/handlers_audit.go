package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hivemind-dhcp/hivemind/internal/audit"
)

// parseAuditQuery reads filters from the query string.
// Times accept RFC 3339 or unix seconds.
func parseAuditQuery(r *http.Request) (audit.QueryParams, error) {
	q := r.URL.Query()
	params := audit.QueryParams{
		IP:    q.Get("ip"),
		MAC:   q.Get("mac"),
		Event: q.Get("event"),
	}

	for name, dst := range map[string]*time.Time{"at": &params.At, "from": &params.From, "to": &params.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return params, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return params, fmt.Errorf("invalid limit %q", v)
		}
		params.Limit = n
	}
	return params, nil
}

func parseTime(v string) (time.Time, error) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	params, err := parseAuditQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	records, err := s.auditLog.Query(params)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		JSONError(w, http.StatusInternalServerError, "audit_failed", err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	JSONResponse(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
		"total":   s.auditLog.Count(),
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	params, err := parseAuditQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	records, err := s.auditLog.Query(params)
	if err != nil {
		s.logger.Error("audit export failed", "error", err)
		JSONError(w, http.StatusInternalServerError, "audit_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=hivemind-audit.csv")
	if err := audit.WriteCSV(w, records); err != nil {
		s.logger.Warn("writing audit CSV", "error", err)
	}
}
