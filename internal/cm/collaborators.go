package cm

import (
	"context"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
)

// ScanFilter narrows scan results to entries usable for a request.
type ScanFilter struct {
	SSID   models.SSID      `json:"ssid,omitempty"`
	BSSIDs []models.MACAddr `json:"bssids,omitempty"`
	Freqs  []int            `json:"freqs,omitempty"`
	// Security constraints; empty slices match anything.
	AuthModes models.AuthMode `json:"auth_modes,omitempty"`
	AKMs      []models.AKM    `json:"akms,omitempty"`
	Ciphers   []models.Cipher `json:"ciphers,omitempty"`
	// PMFRequired drops entries that are not MFP capable.
	PMFRequired bool `json:"pmf_required,omitempty"`
	// Ignore6G drops 6 GHz entries.
	Ignore6G bool `json:"ignore_6g,omitempty"`
}

// ScanRequest asks the scan service for an active scan.
type ScanRequest struct {
	SSID    models.SSID
	Freqs   []int
	ExtraIE []byte
	Timeout time.Duration
}

// ScanService is the scan result store and scan trigger.
type ScanService interface {
	// Results returns entries matching f, in no particular order.
	Results(ctx context.Context, vdev VdevID, f ScanFilter) ([]*models.BSS, error)
	// StartScan triggers a scan. Completion is reported to the manager's
	// ScanDone with the returned id, after StartScan has returned.
	StartScan(ctx context.Context, vdev VdevID, req ScanRequest) (uint32, error)
	CancelScan(vdev VdevID)
	// Verdict reports the reject-list action for an entry.
	Verdict(b *models.BSS) scoring.Action
	// Reject avoid-lists bssid for ttl.
	Reject(bssid models.MACAddr, reason string, ttl time.Duration)
}

// Scheduler arbitrates serialized commands; serialization.Scheduler
// satisfies it.
type Scheduler interface {
	Submit(cmd serialization.Command) (serialization.Status, error)
	Remove(vdev uint8, id uint32, typ serialization.CmdType) serialization.RemoveStatus
	CancelPending(vdev uint8, id uint32, typ serialization.CmdType) bool
	FlushVdev(vdev uint8)
}

// JoinRequest asks the lower layer to associate with a candidate.
type JoinRequest struct {
	ID      ID
	BSS     *models.BSS
	SSID    models.SSID
	Crypto  models.CryptoParams
	AssocIE []byte
	WEPKey  []byte
}

// LinkDownRequest asks the lower layer to leave the current BSS.
type LinkDownRequest struct {
	ID         ID
	BSSID      models.MACAddr
	Source     DisconnectSource
	ReasonCode ReasonCode
}

// ReassocRequest asks the lower layer to reassociate to a roam target.
type ReassocRequest struct {
	ID          ID
	BSS         *models.BSS
	PrevBSSID   models.MACAddr
	Crypto      models.CryptoParams
	FTIEs       []byte
	SelfReassoc bool
}

// PreauthRequest asks the lower layer to preauthenticate with a target.
type PreauthRequest struct {
	ID  ID
	BSS *models.BSS
}

// RoamInvokeRequest asks firmware to roam.
type RoamInvokeRequest struct {
	ID    ID
	BSSID models.MACAddr
	Freq  int
}

// LowerMAC issues vdev and peer actions. Methods only report send
// failures; outcomes come back through the Manager's response methods
// and must not be reported before the call returns.
type LowerMAC interface {
	PeerCreate(vdev VdevID, id ID, bssid models.MACAddr) error
	PeerDelete(vdev VdevID) error
	Connect(vdev VdevID, req JoinRequest) error
	Disconnect(vdev VdevID, req LinkDownRequest) error
	Reassoc(vdev VdevID, req ReassocRequest) error
	Preauth(vdev VdevID, req PreauthRequest) error
	RoamInvoke(vdev VdevID, req RoamInvokeRequest) error
	// BSSSelectInd tells the interface manager which candidate is about
	// to be used. An error vetoes the candidate.
	BSSSelectInd(vdev VdevID, id ID, bss *models.BSS) error
}

// PolicyManager arbitrates concurrency between interfaces.
type PolicyManager interface {
	// PCL returns the preferred channel weights (freq -> 0..255).
	PCL(vdev VdevID) map[int]int
	// AllowConcurrent reports whether freq can be used alongside the
	// other active interfaces.
	AllowConcurrent(vdev VdevID, freq int) bool
	// HWModeChange starts a hardware mode change when freq needs one.
	// started=true means the caller must wait for HWModeChangeResponse.
	HWModeChange(vdev VdevID, freq int, id ID) (started bool, err error)
}

// Recovery escalates fatal conditions.
type Recovery interface {
	Trigger(vdev VdevID, reason string)
}

// Notifier receives completions and transitions.
type Notifier interface {
	ConnectComplete(ConnectResult)
	DisconnectComplete(DisconnectResult)
	RoamComplete(RoamResult)
	StateChanged(StateChange)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) ConnectComplete(ConnectResult)       {}
func (NopNotifier) DisconnectComplete(DisconnectResult) {}
func (NopNotifier) RoamComplete(RoamResult)             {}
func (NopNotifier) StateChanged(StateChange)            {}

// openPolicy allows everything and never needs a mode change.
type openPolicy struct{}

func (openPolicy) PCL(VdevID) map[int]int                     { return nil }
func (openPolicy) AllowConcurrent(VdevID, int) bool           { return true }
func (openPolicy) HWModeChange(VdevID, int, ID) (bool, error) { return false, nil }
