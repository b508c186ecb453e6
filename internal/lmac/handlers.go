package lmac

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/HerbHall/wlancm/internal/cm"
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
		{Method: "GET", Path: "/links", Handler: m.handleLinks},
		{Method: "POST", Path: "/vdevs/{vdev}/roam-sync", Handler: m.handleRoamSync},
	}
}

func (m *Module) handleLinks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Links())
}

// handleRoamSync injects a firmware-initiated roam.
func (m *Module) handleRoamSync(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("vdev"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vdev id")
		return
	}
	var info cm.RoamSyncInfo
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if info.BSSID.IsZero() {
		writeError(w, http.StatusBadRequest, "bssid is required")
		return
	}
	if err := m.SimulateRoamSync(cm.VdevID(n), info); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
