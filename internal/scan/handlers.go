package scan

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an RFC 7807 problem detail response.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://github.com/HerbHall/wlancm/problems/" + strconv.Itoa(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/bss", Handler: m.handleListBSS},
		{Method: "POST", Path: "/bss", Handler: m.handleSeedBSS},
		{Method: "DELETE", Path: "/bss", Handler: m.handleFlushBSS},
		{Method: "GET", Path: "/rejects", Handler: m.handleListRejects},
		{Method: "POST", Path: "/rejects", Handler: m.handleReject},
	}
}

// RejectRequest is the request body for POST /rejects.
type RejectRequest struct {
	BSSID  models.MACAddr `json:"bssid"`
	Reason string         `json:"reason"`
	// TTL is a Go duration string such as "5m".
	TTL string `json:"ttl"`
}

// handleListBSS returns cached entries. Query parameters ssid and freq
// narrow the result.
func (m *Module) handleListBSS(w http.ResponseWriter, r *http.Request) {
	f := cm.ScanFilter{SSID: models.SSID(r.URL.Query().Get("ssid"))}
	if v := r.URL.Query().Get("freq"); v != "" {
		freq, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid freq")
			return
		}
		f.Freqs = []int{freq}
	}
	writeJSON(w, http.StatusOK, m.cache.Query(f))
}

// handleSeedBSS stores entries in the cache, as a scan would.
func (m *Module) handleSeedBSS(w http.ResponseWriter, r *http.Request) {
	var entries []*models.BSS
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for i, b := range entries {
		if b == nil || b.BSSID.IsZero() {
			writeError(w, http.StatusBadRequest, "entry "+strconv.Itoa(i)+": bssid is required")
			return
		}
		if !b.SSID.Valid() {
			writeError(w, http.StatusBadRequest, "entry "+strconv.Itoa(i)+": ssid too long")
			return
		}
	}
	m.cache.Put(entries...)
	writeJSON(w, http.StatusCreated, map[string]int{"stored": len(entries)})
}

func (m *Module) handleFlushBSS(w http.ResponseWriter, _ *http.Request) {
	m.cache.Flush()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleListRejects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.cache.Rejects())
}

func (m *Module) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BSSID.IsZero() {
		writeError(w, http.StatusBadRequest, "bssid is required")
		return
	}
	ttl, err := time.ParseDuration(req.TTL)
	if err != nil || ttl <= 0 {
		writeError(w, http.StatusBadRequest, "ttl must be a positive duration")
		return
	}
	if req.Reason == "" {
		req.Reason = "user"
	}
	m.Reject(req.BSSID, req.Reason, ttl)
	w.WriteHeader(http.StatusNoContent)
}
