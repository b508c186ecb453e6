// Package lmac simulates the lower MAC for hosts without a driver binding.
// Every request is acknowledged immediately and answered later through the
// connection manager's response entry points.
package lmac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
	_ cm.LowerMAC          = (*Module)(nil)
	_ Responder            = (*cm.Manager)(nil)
)

// ErrNotRunning is returned for requests made outside Start/Stop.
var ErrNotRunning = errors.New("lower mac not running")

// Responder receives the simulated outcomes of one vdev.
type Responder interface {
	BSSPeerCreateResponse(bssid models.MACAddr, ok bool) error
	ConnectResponse(resp cm.ConnectResponse) error
	DisconnectResponse(resp cm.DisconnectResponse) error
	PreauthResponse(resp cm.PreauthResponse) error
	RoamSyncIndication(info cm.RoamSyncInfo) error
	RoamInvokeFailure() error
}

// ResponderFunc looks up the responder of a vdev.
type ResponderFunc func(vdev cm.VdevID) (Responder, bool)

// Config holds the simulator configuration.
type Config struct {
	ResponseDelay  time.Duration `mapstructure:"response_delay"`
	FailPeerCreate bool          `mapstructure:"fail_peer_create"`
	FailJoin       bool          `mapstructure:"fail_join"`
	// FailPreauth lists BSSIDs whose preauthentication fails.
	FailPreauth []string `mapstructure:"fail_preauth"`
	// VetoFreqs are refused by BSSSelectInd.
	VetoFreqs []int `mapstructure:"veto_freqs"`
}

// DefaultConfig returns the default configuration for the simulator.
func DefaultConfig() Config {
	return Config{ResponseDelay: 20 * time.Millisecond}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.ResponseDelay < 0 {
		return fmt.Errorf("response_delay must not be negative, got %v", c.ResponseDelay)
	}
	for _, s := range c.FailPreauth {
		if _, err := models.ParseMAC(s); err != nil {
			return fmt.Errorf("fail_preauth: %w", err)
		}
	}
	return nil
}

// Link is the simulated association state of a vdev.
type Link struct {
	Vdev  cm.VdevID      `json:"vdev"`
	Peer  models.MACAddr `json:"peer"`
	BSSID models.MACAddr `json:"bssid"`
	SSID  models.SSID    `json:"ssid,omitempty"`
	Freq  int            `json:"freq,omitempty"`
}

type job struct {
	vdev cm.VdevID
	what string
	due  time.Time
	fn   func(Responder) error
}

// Module is the lmac plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	plugins plugin.PluginResolver

	responders  ResponderFunc
	scan        cm.ScanService
	failPreauth map[models.MACAddr]struct{}

	mu      sync.Mutex
	links   map[cm.VdevID]*Link
	queue   []job
	running bool
	sent    map[string]int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Module.
type Option func(*Module)

// WithResponders bypasses plugin resolution of the connection manager.
func WithResponders(fn ResponderFunc) Option {
	return func(m *Module) { m.responders = fn }
}

// WithScanService sets the scan results firmware roams pick targets from.
func WithScanService(s cm.ScanService) Option {
	return func(m *Module) { m.scan = s }
}

// New creates the lmac plugin.
func New(opts ...Option) *Module {
	m := &Module{
		links: make(map[cm.VdevID]*Link),
		sent:  make(map[string]int),
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "lmac",
		Version:     "0.1.0",
		Description: "Simulated lower MAC answering connection manager requests",
		Roles:       []string{cm.RoleLowerMAC},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.plugins = deps.Plugins

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("lmac config: %w", err)
		}
	}
	m.failPreauth = make(map[models.MACAddr]struct{}, len(m.cfg.FailPreauth))
	for _, s := range m.cfg.FailPreauth {
		// Bad entries are reported by ValidateConfig.
		if mac, err := models.ParseMAC(s); err == nil {
			m.failPreauth[mac] = struct{}{}
		}
	}

	m.logger.Info("lmac module initialized",
		zap.Duration("response_delay", m.cfg.ResponseDelay),
		zap.Bool("fail_peer_create", m.cfg.FailPeerCreate),
		zap.Bool("fail_join", m.cfg.FailJoin),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliverLoop()
	m.logger.Info("lmac module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	m.running = false
	dropped := len(m.queue)
	m.queue = nil
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("lmac module stopped", zap.Int("dropped_responses", dropped))
	return nil
}

// enqueue schedules a response. Responses of one module are delivered in
// request order.
func (m *Module) enqueue(vdev cm.VdevID, what string, fn func(Responder) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	m.queue = append(m.queue, job{vdev: vdev, what: what, due: time.Now().Add(m.cfg.ResponseDelay), fn: fn})
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Module) deliverLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		var (
			j  job
			ok bool
		)
		if len(m.queue) > 0 {
			j, ok = m.queue[0], true
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()

		if !ok {
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
			}
			continue
		}
		if d := time.Until(j.due); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-m.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		m.deliver(j)
	}
}

func (m *Module) deliver(j job) {
	r, ok := m.responder(j.vdev)
	if !ok {
		m.logger.Warn("no responder for vdev, dropping response",
			zap.Uint8("vdev", uint8(j.vdev)),
			zap.String("response", j.what),
		)
		return
	}
	m.mu.Lock()
	m.sent[j.what]++
	m.mu.Unlock()
	if err := j.fn(r); err != nil {
		m.logger.Debug("response not accepted",
			zap.Uint8("vdev", uint8(j.vdev)),
			zap.String("response", j.what),
			zap.Error(err),
		)
	}
}

type managerSource interface {
	Manager(id cm.VdevID) (*cm.Manager, bool)
}

// responder resolves the connection manager lazily; it registers after
// this plugin resolves as its lower MAC.
func (m *Module) responder(vdev cm.VdevID) (Responder, bool) {
	if m.responders != nil {
		return m.responders(vdev)
	}
	if m.plugins == nil {
		return nil, false
	}
	for _, p := range m.plugins.ResolveByRole(cm.RoleConnectionManager) {
		if src, ok := p.(managerSource); ok {
			if mgr, found := src.Manager(vdev); found {
				return mgr, true
			}
		}
	}
	return nil, false
}

func (m *Module) scanService() cm.ScanService {
	if m.scan != nil || m.plugins == nil {
		return m.scan
	}
	for _, p := range m.plugins.ResolveByRole(cm.RoleScanService) {
		if s, ok := p.(cm.ScanService); ok {
			return s
		}
	}
	return nil
}

func (m *Module) link(vdev cm.VdevID) *Link {
	l, ok := m.links[vdev]
	if !ok {
		l = &Link{Vdev: vdev}
		m.links[vdev] = l
	}
	return l
}

// PeerCreate implements cm.LowerMAC.
func (m *Module) PeerCreate(vdev cm.VdevID, _ cm.ID, bssid models.MACAddr) error {
	ok := !m.cfg.FailPeerCreate
	if err := m.enqueue(vdev, "peer_create", func(r Responder) error {
		return r.BSSPeerCreateResponse(bssid, ok)
	}); err != nil {
		return err
	}
	if ok {
		m.mu.Lock()
		m.link(vdev).Peer = bssid
		m.mu.Unlock()
	}
	return nil
}

// PeerDelete implements cm.LowerMAC. It has no response.
func (m *Module) PeerDelete(vdev cm.VdevID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	if l, ok := m.links[vdev]; ok {
		l.Peer = models.MACAddr{}
	}
	return nil
}

// Connect implements cm.LowerMAC.
func (m *Module) Connect(vdev cm.VdevID, req cm.JoinRequest) error {
	if req.BSS == nil {
		return errors.New("join request without bss")
	}
	resp := cm.ConnectResponse{ID: req.ID, BSSID: req.BSS.BSSID, SSID: req.SSID, Freq: req.BSS.Freq}
	if m.cfg.FailJoin {
		resp.Reason = cm.JoinFailed
	}
	return m.join(vdev, "connect", resp)
}

// Reassoc implements cm.LowerMAC. The outcome arrives through
// ConnectResponse, which routes roam ids to the reassoc handling.
func (m *Module) Reassoc(vdev cm.VdevID, req cm.ReassocRequest) error {
	if req.BSS == nil {
		return errors.New("reassoc request without bss")
	}
	resp := cm.ConnectResponse{ID: req.ID, BSSID: req.BSS.BSSID, SSID: req.BSS.SSID, Freq: req.BSS.Freq}
	if m.cfg.FailJoin {
		resp.Reason = cm.JoinFailed
	}
	return m.join(vdev, "reassoc", resp)
}

func (m *Module) join(vdev cm.VdevID, what string, resp cm.ConnectResponse) error {
	if err := m.enqueue(vdev, what, func(r Responder) error { return r.ConnectResponse(resp) }); err != nil {
		return err
	}
	if resp.Reason == cm.ReasonNone {
		m.mu.Lock()
		l := m.link(vdev)
		l.BSSID, l.SSID, l.Freq = resp.BSSID, resp.SSID, resp.Freq
		m.mu.Unlock()
	}
	return nil
}

// Disconnect implements cm.LowerMAC.
func (m *Module) Disconnect(vdev cm.VdevID, req cm.LinkDownRequest) error {
	if err := m.enqueue(vdev, "disconnect", func(r Responder) error {
		return r.DisconnectResponse(cm.DisconnectResponse{ID: req.ID, BSSID: req.BSSID})
	}); err != nil {
		return err
	}
	m.mu.Lock()
	if l, ok := m.links[vdev]; ok {
		l.BSSID, l.SSID, l.Freq = models.MACAddr{}, "", 0
	}
	m.mu.Unlock()
	return nil
}

// Preauth implements cm.LowerMAC.
func (m *Module) Preauth(vdev cm.VdevID, req cm.PreauthRequest) error {
	if req.BSS == nil {
		return errors.New("preauth request without bss")
	}
	resp := cm.PreauthResponse{ID: req.ID, BSSID: req.BSS.BSSID}
	if _, fail := m.failPreauth[req.BSS.BSSID]; fail {
		resp.Reason = cm.GenericFailure
	}
	return m.enqueue(vdev, "preauth", func(r Responder) error { return r.PreauthResponse(resp) })
}

// RoamInvoke implements cm.LowerMAC. A broadcast target roams to the
// strongest other BSS of the current ESS known to the scan service.
func (m *Module) RoamInvoke(vdev cm.VdevID, req cm.RoamInvokeRequest) error {
	m.mu.Lock()
	cur := Link{}
	if l, ok := m.links[vdev]; ok {
		cur = *l
	}
	m.mu.Unlock()

	info, ok := m.roamTarget(vdev, cur, req)
	if !ok || m.cfg.FailJoin {
		return m.enqueue(vdev, "roam_invoke_failure", func(r Responder) error { return r.RoamInvokeFailure() })
	}
	if err := m.enqueue(vdev, "roam_sync", func(r Responder) error { return r.RoamSyncIndication(info) }); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.link(vdev)
	l.BSSID, l.Peer, l.Freq = info.BSSID, info.BSSID, info.Freq
	if info.SSID != "" {
		l.SSID = info.SSID
	}
	m.mu.Unlock()
	return nil
}

func (m *Module) roamTarget(vdev cm.VdevID, cur Link, req cm.RoamInvokeRequest) (cm.RoamSyncInfo, bool) {
	if req.BSSID != models.BroadcastMAC && !req.BSSID.IsZero() {
		return cm.RoamSyncInfo{BSSID: req.BSSID, SSID: cur.SSID, Freq: req.Freq}, true
	}
	s := m.scanService()
	if s == nil || cur.SSID == "" {
		return cm.RoamSyncInfo{}, false
	}
	entries, err := s.Results(context.Background(), vdev, cm.ScanFilter{SSID: cur.SSID})
	if err != nil {
		return cm.RoamSyncInfo{}, false
	}
	var best *models.BSS
	for _, b := range entries {
		if b.BSSID == cur.BSSID {
			continue
		}
		if best == nil || b.RSSI > best.RSSI {
			best = b
		}
	}
	if best == nil {
		return cm.RoamSyncInfo{}, false
	}
	return cm.RoamSyncInfo{BSSID: best.BSSID, SSID: best.SSID, Freq: best.Freq, RSSI: best.RSSI}, true
}

// BSSSelectInd implements cm.LowerMAC. It answers synchronously.
func (m *Module) BSSSelectInd(vdev cm.VdevID, id cm.ID, bss *models.BSS) error {
	if bss == nil {
		return errors.New("bss select without bss")
	}
	if slices.Contains(m.cfg.VetoFreqs, bss.Freq) {
		m.logger.Debug("candidate vetoed",
			zap.Uint8("vdev", uint8(vdev)),
			zap.Stringer("cm_id", id),
			zap.Int("freq", bss.Freq),
		)
		return fmt.Errorf("freq %d vetoed", bss.Freq)
	}
	return nil
}

// SimulateRoamSync reports a roam firmware performed on its own.
func (m *Module) SimulateRoamSync(vdev cm.VdevID, info cm.RoamSyncInfo) error {
	if info.BSSID.IsZero() {
		return errors.New("bssid is required")
	}
	if err := m.enqueue(vdev, "roam_sync", func(r Responder) error { return r.RoamSyncIndication(info) }); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.link(vdev)
	l.BSSID, l.Peer, l.Freq = info.BSSID, info.BSSID, info.Freq
	if info.SSID != "" {
		l.SSID = info.SSID
	}
	m.mu.Unlock()
	return nil
}

// Links returns the simulated association state of every vdev seen.
func (m *Module) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, *l)
	}
	slices.SortFunc(out, func(a, b Link) int { return int(a.Vdev) - int(b.Vdev) })
	return out
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not running"}
	}
	details := map[string]string{
		"pending": strconv.Itoa(len(m.queue)),
		"links":   strconv.Itoa(len(m.links)),
	}
	for what, n := range m.sent {
		details["sent_"+what] = strconv.Itoa(n)
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}
