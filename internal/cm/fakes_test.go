package cm

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap/zaptest"
)

var (
	macSTA = models.MustParseMAC("02:00:00:00:00:01")
	macA   = models.MustParseMAC("00:11:22:33:44:01")
	macB   = models.MustParseMAC("00:11:22:33:44:02")
	macC   = models.MustParseMAC("00:11:22:33:44:03")
)

// manualExec queues posted work until the test drains it.
type manualExec struct {
	mu    sync.Mutex
	queue []func()
}

func (e *manualExec) Post(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
}

// Drain runs queued work, including work queued while draining.
func (e *manualExec) Drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

type fakeScan struct {
	mu       sync.Mutex
	entries  []*models.BSS
	nextID   uint32
	scans    []ScanRequest
	cancels  int
	rejected map[models.MACAddr]string
	scanErr  error
}

func newFakeScan(entries ...*models.BSS) *fakeScan {
	return &fakeScan{entries: entries, nextID: 100, rejected: make(map[models.MACAddr]string)}
}

func (s *fakeScan) set(entries ...*models.BSS) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

func (s *fakeScan) Results(_ context.Context, _ VdevID, f ScanFilter) ([]*models.BSS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BSS
	for _, b := range s.entries {
		if f.SSID != "" && b.SSID != f.SSID {
			continue
		}
		if len(f.BSSIDs) > 0 && !slices.Contains(f.BSSIDs, b.BSSID) {
			continue
		}
		if len(f.Freqs) > 0 && !slices.Contains(f.Freqs, b.Freq) {
			continue
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

func (s *fakeScan) StartScan(_ context.Context, _ VdevID, req ScanRequest) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErr != nil {
		return 0, s.scanErr
	}
	s.nextID++
	s.scans = append(s.scans, req)
	return s.nextID, nil
}

func (s *fakeScan) CancelScan(VdevID) {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *fakeScan) Verdict(*models.BSS) scoring.Action { return scoring.ActionNone }

func (s *fakeScan) Reject(bssid models.MACAddr, reason string, _ time.Duration) {
	s.mu.Lock()
	s.rejected[bssid] = reason
	s.mu.Unlock()
}

func (s *fakeScan) rejectReason(bssid models.MACAddr) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[bssid]
}

// fakeLMAC records every request. Responses are driven by the test.
type fakeLMAC struct {
	mu          sync.Mutex
	calls       []string
	peers       []models.MACAddr
	joins       []JoinRequest
	linkDowns   []LinkDownRequest
	reassocs    []ReassocRequest
	preauths    []PreauthRequest
	invokes     []RoamInvokeRequest
	failPeer    bool
	failConnect bool
	vetoBSS     models.MACAddr
}

var errSend = errors.New("send failed")

func (l *fakeLMAC) record(call string) {
	l.calls = append(l.calls, call)
}

func (l *fakeLMAC) PeerCreate(_ VdevID, _ ID, bssid models.MACAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("peer_create")
	l.peers = append(l.peers, bssid)
	if l.failPeer {
		return errSend
	}
	return nil
}

func (l *fakeLMAC) PeerDelete(VdevID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("peer_delete")
	return nil
}

func (l *fakeLMAC) Connect(_ VdevID, req JoinRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("connect")
	l.joins = append(l.joins, req)
	if l.failConnect {
		return errSend
	}
	return nil
}

func (l *fakeLMAC) Disconnect(_ VdevID, req LinkDownRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("disconnect")
	l.linkDowns = append(l.linkDowns, req)
	return nil
}

func (l *fakeLMAC) Reassoc(_ VdevID, req ReassocRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("reassoc")
	l.reassocs = append(l.reassocs, req)
	return nil
}

func (l *fakeLMAC) Preauth(_ VdevID, req PreauthRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("preauth")
	l.preauths = append(l.preauths, req)
	return nil
}

func (l *fakeLMAC) RoamInvoke(_ VdevID, req RoamInvokeRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("roam_invoke")
	l.invokes = append(l.invokes, req)
	return nil
}

func (l *fakeLMAC) BSSSelectInd(_ VdevID, _ ID, bss *models.BSS) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("bss_select")
	if bss.BSSID == l.vetoBSS {
		return errSend
	}
	return nil
}

func (l *fakeLMAC) lastLinkDown() (LinkDownRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.linkDowns) == 0 {
		return LinkDownRequest{}, false
	}
	return l.linkDowns[len(l.linkDowns)-1], true
}

func (l *fakeLMAC) callCount(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == call {
			n++
		}
	}
	return n
}

type recorder struct {
	mu          sync.Mutex
	connects    []ConnectResult
	disconnects []DisconnectResult
	roams       []RoamResult
	states      []StateChange
	// order holds completed ids of every kind.
	order []ID
}

func (r *recorder) ConnectComplete(res ConnectResult) {
	r.mu.Lock()
	r.connects = append(r.connects, res)
	r.order = append(r.order, res.ID)
	r.mu.Unlock()
}

func (r *recorder) DisconnectComplete(res DisconnectResult) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, res)
	r.order = append(r.order, res.ID)
	r.mu.Unlock()
}

func (r *recorder) RoamComplete(res RoamResult) {
	r.mu.Lock()
	r.roams = append(r.roams, res)
	r.order = append(r.order, res.ID)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(s StateChange) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) connectResults() []ConnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.connects)
}

func (r *recorder) disconnectResults() []DisconnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.disconnects)
}

func (r *recorder) completionOrder() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

func (r *recorder) roamResults() []RoamResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.roams)
}

// harness wires a Manager to fakes and the real scheduler, with every
// deferred callback held on a manual executor.
type harness struct {
	t     *testing.T
	m     *Manager
	exec  *manualExec
	scan  *fakeScan
	lmac  *fakeLMAC
	rec   *recorder
	sched *serialization.Scheduler
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Timers are driven by the tests.
	cfg.ReassocTimer = time.Hour
	cfg.ScanTimeout = time.Hour
	cfg.ConnectTimeout = time.Hour
	cfg.DisconnectTimeout = time.Hour
	cfg.RoamTimeout = time.Hour
	cfg.PreauthTimeout = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg Config, entries ...*models.BSS) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		exec:  &manualExec{},
		scan:  newFakeScan(entries...),
		lmac:  &fakeLMAC{},
		rec:   &recorder{},
		sched: serialization.New(zaptest.NewLogger(t)),
	}
	m, err := NewManager(0, macSTA, cfg, Deps{
		Scheduler: h.sched,
		Scan:      h.scan,
		LowerMAC:  h.lmac,
		Notifier:  h.rec,
		Executor:  h.exec,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h.m = m
	return h
}

func testBSS(mac models.MACAddr, ssid string, freq, rssi int) *models.BSS {
	return &models.BSS{
		BSSID:        mac,
		SSID:         models.SSID(ssid),
		Freq:         freq,
		RSSI:         rssi,
		ChannelWidth: models.Width80,
		NSS:          2,
		HT:           true,
		VHT:          true,
		Security: models.Security{
			AuthModes: models.AuthRSNA,
			AKMs:      []models.AKM{models.AKMPSK},
			Ciphers:   []models.Cipher{models.CipherCCMP128},
		},
	}
}

// connectTo drives a connect to bssid through to CONNECTED.
func (h *harness) connectTo(ssid string, bssid models.MACAddr) ID {
	h.t.Helper()
	id, err := h.m.StartConnect(ConnectParams{SSID: models.SSID(ssid), BSSID: bssid})
	if err != nil {
		h.t.Fatalf("StartConnect() error = %v", err)
	}
	h.exec.Drain()
	if err := h.m.BSSPeerCreateResponse(bssid, true); err != nil {
		h.t.Fatalf("BSSPeerCreateResponse() error = %v", err)
	}
	if err := h.m.ConnectResponse(ConnectResponse{ID: id, BSSID: bssid}); err != nil {
		h.t.Fatalf("ConnectResponse() error = %v", err)
	}
	h.exec.Drain()
	if !h.m.IsConnected() {
		h.t.Fatalf("state = %v, want CONNECTED", stateName(h.m.State()))
	}
	return id
}
