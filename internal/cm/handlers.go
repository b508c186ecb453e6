package cm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/HerbHall/wlancm/pkg/models"
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

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/vdevs", Handler: m.handleListVdevs},
		{Method: "POST", Path: "/vdevs", Handler: m.handleVdevUp},
		{Method: "GET", Path: "/vdevs/{vdev}", Handler: m.handleGetVdev},
		{Method: "DELETE", Path: "/vdevs/{vdev}", Handler: m.handleVdevDown},
		{Method: "POST", Path: "/vdevs/{vdev}/connect", Handler: m.handleConnect},
		{Method: "POST", Path: "/vdevs/{vdev}/disconnect", Handler: m.handleDisconnect},
		{Method: "POST", Path: "/vdevs/{vdev}/roam", Handler: m.handleRoam},
		{Method: "GET", Path: "/serialization", Handler: m.handleSerialization},
	}
}

// ConnectRequest is the request body for POST /vdevs/{vdev}/connect.
type ConnectRequest struct {
	SSID      models.SSID     `json:"ssid"`
	BSSID     models.MACAddr  `json:"bssid"`
	BSSIDHint models.MACAddr  `json:"bssid_hint"`
	PrevBSSID models.MACAddr  `json:"prev_bssid"`
	Freq      int             `json:"freq"`
	FreqHint  int             `json:"freq_hint"`
	AuthModes models.AuthMode `json:"auth_modes"`
	AKMs      []models.AKM    `json:"akms"`
	Ciphers   []models.Cipher `json:"ciphers"`
	RSNCaps   uint16          `json:"rsn_caps"`
	Allow6G   bool            `json:"allow_6g"`
}

func (c ConnectRequest) params() ConnectParams {
	return ConnectParams{
		SSID:      c.SSID,
		BSSID:     c.BSSID,
		BSSIDHint: c.BSSIDHint,
		PrevBSSID: c.PrevBSSID,
		Freq:      c.Freq,
		FreqHint:  c.FreqHint,
		Crypto: models.CryptoParams{
			AuthModes: c.AuthModes,
			AKMs:      c.AKMs,
			Pairwise:  c.Ciphers,
			RSNCaps:   c.RSNCaps,
		},
		Allow6G: c.Allow6G,
	}
}

// DisconnectRequest is the request body for POST /vdevs/{vdev}/disconnect.
type DisconnectRequest struct {
	ReasonCode ReasonCode     `json:"reason_code"`
	BSSID      models.MACAddr `json:"bssid"`
}

// RoamRequest is the request body for POST /vdevs/{vdev}/roam.
type RoamRequest struct {
	BSSID     models.MACAddr `json:"bssid"`
	BSSIDHint models.MACAddr `json:"bssid_hint"`
	Freq      int            `json:"freq"`
}

// VdevRequest is the request body for POST /vdevs.
type VdevRequest struct {
	ID  uint8          `json:"id"`
	MAC models.MACAddr `json:"mac"`
}

type acceptedResponse struct {
	ID ID `json:"cm_id"`
}

// statusFor maps entry point errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrListFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInterfaceDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSyncTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// managerFor resolves {vdev}, writing the error response itself.
func (m *Module) managerFor(w http.ResponseWriter, r *http.Request) (*Manager, bool) {
	n, err := strconv.ParseUint(r.PathValue("vdev"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vdev id")
		return nil, false
	}
	mgr, ok := m.Manager(VdevID(n))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("vdev %d not found", n))
		return nil, false
	}
	return mgr, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (m *Module) handleListVdevs(w http.ResponseWriter, _ *http.Request) {
	mgrs := m.Managers()
	out := make([]Status, 0, len(mgrs))
	for _, mgr := range mgrs {
		out = append(out, mgr.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *Module) handleGetVdev(w http.ResponseWriter, r *http.Request) {
	mgr, ok := m.managerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mgr.Status())
}

func (m *Module) handleVdevUp(w http.ResponseWriter, r *http.Request) {
	var req VdevRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MAC.IsZero() {
		writeError(w, http.StatusBadRequest, "mac is required")
		return
	}
	mgr, err := m.VdevUp(VdevID(req.ID), req.MAC)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, mgr.Status())
}

func (m *Module) handleVdevDown(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("vdev"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vdev id")
		return
	}
	if err := m.VdevDown(r.Context(), VdevID(n)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleConnect(w http.ResponseWriter, r *http.Request) {
	mgr, ok := m.managerFor(w, r)
	if !ok {
		return
	}
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := mgr.StartConnect(req.params())
	if err != nil {
		m.logger.Debug("connect rejected", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

func (m *Module) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	mgr, ok := m.managerFor(w, r)
	if !ok {
		return
	}
	var req DisconnectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	p := DisconnectParams{Source: SourceUser, ReasonCode: req.ReasonCode, BSSID: req.BSSID}

	if r.URL.Query().Get("sync") == "true" {
		res, err := mgr.Disconnect(r.Context(), p)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	id, err := mgr.StartDisconnect(p)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

func (m *Module) handleRoam(w http.ResponseWriter, r *http.Request) {
	mgr, ok := m.managerFor(w, r)
	if !ok {
		return
	}
	var req RoamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := mgr.StartRoam(RoamParams{
		BSSID:     req.BSSID,
		BSSIDHint: req.BSSIDHint,
		Freq:      req.Freq,
		Source:    RoamSourceUser,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

func (m *Module) handleSerialization(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.sched.Stats())
}
