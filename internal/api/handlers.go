package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/bridge"
	"github.com/rb3e-bridge/rb3e-bridge/internal/journal"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

type statusResponse struct {
	Version  string            `json:"version"`
	Mode     string            `json:"mode"`
	Uptime   int64             `json:"uptime_seconds"`
	Link     *linkStatus       `json:"link,omitempty"`
	Listener *listenerStatus   `json:"listener,omitempty"`
	Leases   *leaseTableStatus `json:"leases,omitempty"`
}

type linkStatus struct {
	State      string `json:"state"`
	FailReason string `json:"fail_reason"`
	SSID       string `json:"ssid"`
	IP         string `json:"ip"`
	MAC        string `json:"mac"`
	RSSI       int    `json:"rssi"`
}

type listenerStatus struct {
	Running bool                 `json:"running"`
	Stats   bridge.StatsSnapshot `json:"stats"`
	Peer    *peerStatus          `json:"peer,omitempty"`
}

type peerStatus struct {
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

type leaseTableStatus struct {
	Size      int           `json:"size"`
	Allocated int           `json:"allocated"`
	Slots     []leaseStatus `json:"slots"`
}

type leaseStatus struct {
	Index int    `json:"index"`
	MAC   string `json:"mac"`
	IP    string `json:"ip"`
}

// handleStatus reports the link, listener and lease table state of the
// components this server was wired with.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: s.version,
		Mode:    s.cfg.Server.Mode,
		Uptime:  int64(time.Since(s.startTime).Seconds()),
	}

	if m := s.manager; m != nil {
		resp.Link = &linkStatus{
			State:      m.State().String(),
			FailReason: m.FailReason().String(),
			SSID:       m.SSID(),
			IP:         m.IPString(),
			MAC:        m.MACString(),
			RSSI:       m.RSSI(),
		}
	}

	if l := s.listener; l != nil {
		ls := &listenerStatus{
			Running: l.Running(),
			Stats:   l.Stats().Snapshot(),
		}
		if p, ok := l.Peer(); ok {
			ls.Peer = &peerStatus{Addr: p.Addr.String(), LastSeen: p.LastSeen.Unix()}
		}
		resp.Listener = ls
	}

	if h := s.dhcp; h != nil {
		table := h.Leases()
		lt := &leaseTableStatus{
			Size:      table.Size(),
			Allocated: table.Allocated(),
			Slots:     []leaseStatus{},
		}
		for _, e := range table.Snapshot() {
			lt.Slots = append(lt.Slots, leaseStatus{
				Index: e.Index,
				MAC:   e.MAC.String(),
				IP:    h.ClientIP(e.Index).String(),
			})
		}
		resp.Leases = lt
	}

	JSONResponse(w, http.StatusOK, resp)
}

// handleJournal queries the event journal.
// Query params: mac, event, from, to (RFC3339), limit, format=csv
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		JSONError(w, http.StatusServiceUnavailable, "journal_disabled", "event journal is not enabled")
		return
	}

	q := r.URL.Query()
	params := journal.QueryParams{
		MAC:   q.Get("mac"),
		Event: q.Get("event"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		params.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}
		params.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			JSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		params.Limit = n
	}

	records, err := s.journal.Query(params)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=journal.csv")
		if err := journal.WriteCSV(w, records); err != nil {
			s.logger.Error("writing journal CSV", "error", err)
		}
		return
	}

	if records == nil {
		records = []journal.Record{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(len(records)))
	JSONResponse(w, http.StatusOK, records)
}
