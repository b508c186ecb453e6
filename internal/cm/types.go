package cm

import (
	"time"

	"github.com/HerbHall/wlancm/pkg/models"
)

// ConnectParams are the caller's constraints for a connect request.
type ConnectParams struct {
	SSID      models.SSID         `json:"ssid"`
	BSSID     models.MACAddr      `json:"bssid"`
	BSSIDHint models.MACAddr      `json:"bssid_hint"`
	PrevBSSID models.MACAddr      `json:"prev_bssid"`
	Freq      int                 `json:"freq,omitempty"`
	FreqHint  int                 `json:"freq_hint,omitempty"`
	Crypto    models.CryptoParams `json:"crypto"`
	AssocIE   []byte              `json:"assoc_ie,omitempty"`
	ScanIE    []byte              `json:"scan_ie,omitempty"`
	WEPKey    []byte              `json:"-"`
	// Allow6G lets 6 GHz entries through even when Crypto is not valid
	// for 6 GHz operation.
	Allow6G bool `json:"allow_6g,omitempty"`
}

func (p ConnectParams) freq() int {
	if p.Freq != 0 {
		return p.Freq
	}
	return p.FreqHint
}

func (p ConnectParams) target() models.MACAddr {
	if !p.BSSID.IsZero() {
		return p.BSSID
	}
	return p.BSSIDHint
}

// DisconnectSource says who asked for a disconnect.
type DisconnectSource int

const (
	SourceUser DisconnectSource = iota
	SourceInternal
	SourceRoamDisconnect
	SourcePeer
	SourceMLME
)

func (s DisconnectSource) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceInternal:
		return "internal"
	case SourceRoamDisconnect:
		return "roam_disconnect"
	case SourcePeer:
		return "peer"
	case SourceMLME:
		return "mlme"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s DisconnectSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ReasonCode is an IEEE 802.11 reason code, extended with driver codes.
type ReasonCode uint16

const (
	ReasonUnspecified      ReasonCode = 1
	ReasonPrevAuthInvalid  ReasonCode = 2
	ReasonDeauthLeaving    ReasonCode = 3
	ReasonDisassocLeaving  ReasonCode = 8
	ReasonUserRoamFailure  ReasonCode = 0xFF01
	ReasonFWRoamFailure    ReasonCode = 0xFF02
	ReasonVdevTeardown     ReasonCode = 0xFF03
	ReasonSerializationEnd ReasonCode = 0xFF04
)

// DisconnectParams describe a disconnect request.
type DisconnectParams struct {
	Source     DisconnectSource `json:"source"`
	ReasonCode ReasonCode       `json:"reason_code"`
	BSSID      models.MACAddr   `json:"bssid"`
}

// RoamSource says what started a roam.
type RoamSource int

const (
	RoamSourceHost RoamSource = iota
	RoamSourceUser
	RoamSourceFW
)

func (s RoamSource) String() string {
	switch s {
	case RoamSourceHost:
		return "host"
	case RoamSourceUser:
		return "user"
	case RoamSourceFW:
		return "fw"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s RoamSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RoamParams describe a roam (reassociation) request.
type RoamParams struct {
	SSID      models.SSID         `json:"ssid"`
	BSSID     models.MACAddr      `json:"bssid"`
	BSSIDHint models.MACAddr      `json:"bssid_hint"`
	PrevBSSID models.MACAddr      `json:"prev_bssid"`
	Freq      int                 `json:"freq,omitempty"`
	Crypto    models.CryptoParams `json:"crypto"`
	Source    RoamSource          `json:"source"`
	FTIEs     []byte              `json:"-"`
}

// ConnectResult is delivered exactly once per accepted connect request.
type ConnectResult struct {
	Vdev      VdevID         `json:"vdev"`
	ID        ID             `json:"cm_id"`
	SSID      models.SSID    `json:"ssid"`
	BSSID     models.MACAddr `json:"bssid"`
	Freq      int            `json:"freq,omitempty"`
	Reason    FailReason     `json:"reason"`
	Attempts  int            `json:"attempts"`
	Completed time.Time      `json:"completed_at"`
}

// OK reports success.
func (r ConnectResult) OK() bool { return r.Reason == ReasonNone }

// DisconnectResult is delivered exactly once per accepted disconnect.
type DisconnectResult struct {
	Vdev       VdevID           `json:"vdev"`
	ID         ID               `json:"cm_id"`
	BSSID      models.MACAddr   `json:"bssid"`
	Source     DisconnectSource `json:"source"`
	ReasonCode ReasonCode       `json:"reason_code"`
	// Reason is SerializationTimeout when the lower layer never answered.
	Reason    FailReason `json:"reason"`
	Completed time.Time  `json:"completed_at"`
}

// RoamResult is delivered exactly once per accepted roam request.
type RoamResult struct {
	Vdev      VdevID         `json:"vdev"`
	ID        ID             `json:"cm_id"`
	SSID      models.SSID    `json:"ssid"`
	BSSID     models.MACAddr `json:"bssid"`
	PrevBSSID models.MACAddr `json:"prev_bssid"`
	Freq      int            `json:"freq,omitempty"`
	Source    RoamSource     `json:"source"`
	Reason    FailReason     `json:"reason"`
	// FromConnect is set when a connect request was converted into this roam.
	FromConnect bool      `json:"from_connect,omitempty"`
	SelfReassoc bool      `json:"self_reassoc,omitempty"`
	Completed   time.Time `json:"completed_at"`
}

// OK reports success.
func (r RoamResult) OK() bool { return r.Reason == ReasonNone }

// StateChange is published on every transition.
type StateChange struct {
	Vdev  VdevID    `json:"vdev"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	ID    ID        `json:"cm_id"`
	At    time.Time `json:"at"`
}

// ConnectResponse is the lower layer's answer to a connect or reassoc
// request.
type ConnectResponse struct {
	ID     ID             `json:"cm_id"`
	BSSID  models.MACAddr `json:"bssid"`
	SSID   models.SSID    `json:"ssid"`
	Freq   int            `json:"freq"`
	Reason FailReason     `json:"reason"`
}

// DisconnectResponse is the lower layer's answer to a disconnect.
type DisconnectResponse struct {
	ID    ID             `json:"cm_id"`
	BSSID models.MACAddr `json:"bssid"`
	// Reason is filled when the response is synthesized locally.
	Reason FailReason `json:"reason"`
}

// PreauthResponse is the lower layer's answer to a preauth request.
type PreauthResponse struct {
	ID     ID             `json:"cm_id"`
	BSSID  models.MACAddr `json:"bssid"`
	Reason FailReason     `json:"reason"`
}

// RoamSyncInfo describes a roam firmware already completed over the air.
type RoamSyncInfo struct {
	BSSID models.MACAddr `json:"bssid"`
	SSID  models.SSID    `json:"ssid"`
	Freq  int            `json:"freq"`
	RSSI  int            `json:"rssi"`
	// Kickout marks roams triggered by the AP dropping the station; the
	// previous AP is then avoid-listed.
	Kickout bool `json:"kickout,omitempty"`
	// MLOLink marks a link interface brought up by the roam of its
	// partner; it is accepted while disconnected.
	MLOLink bool `json:"mlo_link,omitempty"`
}

// ConnectSnapshot is a copy of the active connect request.
type ConnectSnapshot struct {
	ID               ID            `json:"cm_id"`
	Params           ConnectParams `json:"params"`
	Candidate        *models.BSS   `json:"candidate,omitempty"`
	Candidates       int           `json:"candidates"`
	Attempts         int           `json:"connect_attempts"`
	CandidateRetries int           `json:"cur_candidate_retries"`
	ScanID           uint32        `json:"scan_id,omitempty"`
	Failed           bool          `json:"failed_req,omitempty"`
}

// ReassocSnapshot is a copy of the active roam request.
type ReassocSnapshot struct {
	ID           ID          `json:"cm_id"`
	Params       RoamParams  `json:"params"`
	Candidate    *models.BSS `json:"candidate,omitempty"`
	Candidates   int         `json:"candidates"`
	PreauthRetry int         `json:"num_preauth_retry"`
	SelfReassoc  bool        `json:"self_reassoc"`
}

// DisconnectSnapshot is a copy of the active disconnect request.
type DisconnectSnapshot struct {
	ID     ID               `json:"cm_id"`
	Params DisconnectParams `json:"params"`
}
