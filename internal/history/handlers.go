package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
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

// maxLimit caps the page size a client can request.
const maxLimit = 1000

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/{vdev}", Handler: m.handleList},
	}
}

// handleList returns the journal of a vdev, newest first.
func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("vdev"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vdev id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
			return
		}
	}
	records, err := m.List(r.Context(), cm.VdevID(n), limit)
	if errors.Is(err, ErrNoStore) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		m.logger.Error("list history failed", zap.Uint64("vdev", n), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
