package cm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/HerbHall/wlancm/internal/cm"

// Deps are the collaborators of one Manager. Scheduler, Scan and
// LowerMAC are required; the rest have working defaults.
type Deps struct {
	Scheduler Scheduler
	Scan      ScanService
	LowerMAC  LowerMAC
	Policy    PolicyManager
	Recovery  Recovery
	Notifier  Notifier
	// Executor runs notifications and scheduler activations outside the
	// caller's stack. Nil starts a dedicated goroutine.
	Executor Executor
	Scorer   *scoring.Scorer
	Metrics  *Metrics
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Manager is the connection manager of one station vdev. All methods are
// safe for concurrent use.
type Manager struct {
	vdev  VdevID
	iface *Interface
	cfg   Config

	sched    Scheduler
	scan     ScanService
	lmac     LowerMAC
	policy   PolicyManager
	recovery Recovery
	notify   Notifier
	exec     Executor
	ownExec  *queueExecutor
	scorer   *scoring.Scorer
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *zap.Logger

	reqs     *reqList
	activeID atomic.Uint32
	packed   atomic.Uint32

	mu        sync.Mutex
	state     State
	sub       SubState
	connected *models.BSS
	work      []smEvent
	outbox    []func()
	curEvent  event
	closed    bool
}

// NewManager creates the manager of vdev in state INIT.
func NewManager(vdev VdevID, mac models.MACAddr, cfg Config, deps Deps) (*Manager, error) {
	if deps.Scheduler == nil || deps.Scan == nil || deps.LowerMAC == nil {
		return nil, errors.New("cm: scheduler, scan service and lower MAC are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cm: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Uint8("vdev", uint8(vdev)))

	m := &Manager{
		vdev:     vdev,
		iface:    NewInterface(vdev, mac),
		cfg:      cfg,
		sched:    deps.Scheduler,
		scan:     deps.Scan,
		lmac:     deps.LowerMAC,
		policy:   deps.Policy,
		recovery: deps.Recovery,
		notify:   deps.Notifier,
		exec:     deps.Executor,
		scorer:   deps.Scorer,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   logger,
		reqs:     newReqList(vdev, cfg.MaxRequests),
	}
	if m.policy == nil {
		m.policy = openPolicy{}
	}
	if m.recovery == nil {
		m.recovery = logRecovery{logger: logger}
	}
	if m.notify == nil {
		m.notify = NopNotifier{}
	}
	if m.exec == nil {
		m.ownExec = newQueueExecutor()
		m.exec = m.ownExec
	}
	if m.scorer == nil {
		m.scorer = scoring.New(cfg.Scoring, scoring.DefaultCapabilities(), logger.Named("scoring"))
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	m.activeID.Store(uint32(InvalidID))
	m.packed.Store(packState(StateInit, SubNone))
	return m, nil
}

type logRecovery struct{ logger *zap.Logger }

func (r logRecovery) Trigger(vdev VdevID, reason string) {
	r.logger.Error("recovery requested", zap.String("reason", reason))
}

// Vdev returns the managed interface id.
func (m *Manager) Vdev() VdevID { return m.vdev }

// MAC returns the interface address.
func (m *Manager) MAC() models.MACAddr { return m.iface.MAC }

// StartConnect queues a connect. The returned id is the one reported in
// the completion; it is a roam id when the request was converted into a
// reassociation.
func (m *Manager) StartConnect(p ConnectParams) (ID, error) {
	if p.SSID == "" || !p.SSID.Valid() {
		return InvalidID, fmt.Errorf("connect: %w: invalid ssid %q", ErrRejected, p.SSID)
	}
	if m.iface.IsDown() {
		return InvalidID, fmt.Errorf("connect: %w", ErrInterfaceDown)
	}
	cmd := &connectCmd{params: p, res: newStartResult()}
	m.deliver(evConnectReq, cmd, nil)
	return cmd.res.id, cmd.res.err
}

// StartDisconnect queues a disconnect.
func (m *Manager) StartDisconnect(p DisconnectParams) (ID, error) {
	return m.startDisconnect(p, nil)
}

func (m *Manager) startDisconnect(p DisconnectParams, done chan DisconnectResult) (ID, error) {
	if m.iface.IsDown() {
		return InvalidID, fmt.Errorf("disconnect: %w", ErrInterfaceDown)
	}
	if p.ReasonCode == 0 {
		p.ReasonCode = ReasonUnspecified
	}
	cmd := &disconnectCmd{params: p, done: done, res: newStartResult()}
	m.deliver(evDisconnectReq, cmd, nil)
	return cmd.res.id, cmd.res.err
}

// Disconnect queues a disconnect and waits up to sync_disconnect_wait for
// its completion.
func (m *Manager) Disconnect(ctx context.Context, p DisconnectParams) (DisconnectResult, error) {
	done := make(chan DisconnectResult, 1)
	id, err := m.startDisconnect(p, done)
	if err != nil {
		return DisconnectResult{}, err
	}
	timer := time.NewTimer(m.cfg.SyncDisconnectWait)
	defer timer.Stop()
	select {
	case res := <-done:
		return res, nil
	case <-timer.C:
		return DisconnectResult{Vdev: m.vdev, ID: id}, fmt.Errorf("disconnect %s: %w", id, ErrSyncTimeout)
	case <-ctx.Done():
		return DisconnectResult{Vdev: m.vdev, ID: id}, ctx.Err()
	}
}

// StartRoam queues a host roam to a BSS of the connected ESS.
func (m *Manager) StartRoam(p RoamParams) (ID, error) {
	if m.iface.IsDown() {
		return InvalidID, fmt.Errorf("roam: %w", ErrInterfaceDown)
	}
	cmd := &roamCmd{params: p, res: newStartResult()}
	m.deliver(evRoamReq, cmd, nil)
	return cmd.res.id, cmd.res.err
}

// ScanDone reports the end of a scan started for a connect.
func (m *Manager) ScanDone(scanID uint32, ok bool) {
	ev := evScanSuccess
	if !ok {
		ev = evScanFailure
	}
	m.deliver(ev, scanDone{scanID: scanID}, nil)
}

// HWModeChangeResponse reports the outcome of a mode change requested for
// the connect or roam id.
func (m *Manager) HWModeChangeResponse(id ID, ok bool) error {
	var err error
	m.run(func() {
		r := m.reqs.find(id)
		if r == nil {
			err = fmt.Errorf("hw mode response %s: %w", id, ErrNotFound)
			return
		}
		if !m.reqs.isHead(id) {
			m.staleResponse(r, "hw_mode_change")
			return
		}
		if ok {
			m.post(evHWModeSuccess, id, m.dropTo(id, HwModeFailure))
			return
		}
		m.post(evHWModeFailure, id, m.dropTo(id, HwModeFailure))
	})
	return err
}

// BSSPeerCreateResponse reports the peer created for the active connect
// or reassoc.
func (m *Manager) BSSPeerCreateResponse(bssid models.MACAddr, ok bool) error {
	var err error
	m.run(func() {
		id := ID(m.activeID.Load())
		r := m.reqs.find(id)
		if r == nil || r.kind == KindDisconnect {
			err = fmt.Errorf("peer create response %s: %w", id, ErrNotFound)
			return
		}
		pc := peerCreated{id: id, bssid: bssid}
		switch r.kind {
		case KindConnect:
			if !m.reqs.isHead(id) {
				if ok {
					m.deletePeer()
				}
				m.staleResponse(r, "peer_create")
				return
			}
			if ok {
				drop := m.dropTo(id, GenericFailure)
				m.post(evBSSPeerCreateSuccess, pc, func() {
					m.deletePeer()
					drop()
				})
				return
			}
			m.post(evConnectFailure, connectFail{id: id, reason: PeerCreateFailed}, m.dropTo(id, PeerCreateFailed))
		case KindRoam:
			if ok {
				m.post(evBSSPeerCreateSuccess, pc, m.dropTo(id, GenericFailure))
				return
			}
			m.post(evReassocFailure, roamFail{id: id, reason: PeerCreateFailed}, m.dropTo(id, PeerCreateFailed))
		}
	})
	return err
}

// staleResponse completes a request whose response arrived after a newer
// request superseded it.
func (m *Manager) staleResponse(r *request, what string) {
	m.metrics.staleResponse(m.vdev, r.kind)
	m.logger.Info("stale response, aborting superseded request",
		zap.Stringer("cm_id", r.id),
		zap.String("response", what),
	)
	m.completeAny(r, AbortDueToNewRequest)
}

// dropTo returns an onDrop handler completing id with reason if it is
// still outstanding.
func (m *Manager) dropTo(id ID, reason FailReason) func() {
	return func() {
		if r := m.reqs.find(id); r != nil {
			m.completeAny(r, reason)
		}
	}
}

func (m *Manager) deletePeer() {
	if err := m.lmac.PeerDelete(m.vdev); err != nil {
		m.logger.Warn("peer delete failed", zap.Error(err))
	}
}

// Shutdown completes every outstanding request, removes the vdev from the
// scheduler and waits for command references to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.iface.Down()
	m.run(func() {
		if m.closed {
			return
		}
		m.closed = true
		if r := m.reqs.head(); r != nil && r.kind == KindConnect && r.connect.scanTimer != nil {
			m.scan.CancelScan(m.vdev)
		}
		m.flushExcept(KindNone, false, InvalidID)
		m.transition(StateInit, SubNone)
	})
	m.sched.FlushVdev(uint8(m.vdev))
	err := m.iface.Shutdown(ctx)
	if m.ownExec != nil {
		m.ownExec.Close()
	}
	if err != nil {
		return fmt.Errorf("vdev %d shutdown: %w", m.vdev, err)
	}
	return nil
}

// State returns the current state pair without taking the SM lock.
func (m *Manager) State() (State, SubState) { return unpackState(m.packed.Load()) }

func (m *Manager) top() State {
	s, _ := m.State()
	return s
}

func (m *Manager) IsConnecting() bool    { return m.top() == StateConnecting }
func (m *Manager) IsConnected() bool     { return m.top() == StateConnected }
func (m *Manager) IsDisconnecting() bool { return m.top() == StateDisconnecting }
func (m *Manager) IsDisconnected() bool  { return m.top() == StateInit }
func (m *Manager) IsRoaming() bool       { return m.top() == StateRoaming }

// IsActive reports whether the vdev has a usable association.
func (m *Manager) IsActive() bool {
	s := m.top()
	return s == StateConnected || s == StateRoaming
}

// ActiveID returns the request the scheduler has activated, or InvalidID.
func (m *Manager) ActiveID() ID { return ID(m.activeID.Load()) }

// ActiveRequestType returns the kind of the active request.
func (m *Manager) ActiveRequestType() Kind {
	id := m.ActiveID()
	if !id.Valid() {
		return KindNone
	}
	return id.Kind()
}

// activeRequest returns the active request of kind. Caller holds m.mu.
func (m *Manager) activeRequest(kind Kind) *request {
	r := m.reqs.find(m.ActiveID())
	if r == nil || r.kind != kind {
		return nil
	}
	return r
}

// ActiveConnectRequest returns a copy of the active connect request.
func (m *Manager) ActiveConnectRequest() (ConnectSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.activeRequest(KindConnect)
	if r == nil {
		return ConnectSnapshot{}, false
	}
	c := r.connect
	return ConnectSnapshot{
		ID:               r.id,
		Params:           c.params,
		Candidate:        c.candidate().Clone(),
		Candidates:       len(c.candidates),
		Attempts:         c.attempts,
		CandidateRetries: c.candidateRetries,
		ScanID:           c.scanID,
		Failed:           r.failed,
	}, true
}

// ActiveReassocRequest returns a copy of the active roam request.
func (m *Manager) ActiveReassocRequest() (ReassocSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.activeRequest(KindRoam)
	if r == nil {
		return ReassocSnapshot{}, false
	}
	rr := r.roam
	return ReassocSnapshot{
		ID:           r.id,
		Params:       rr.params,
		Candidate:    rr.candidate().Clone(),
		Candidates:   len(rr.candidates),
		PreauthRetry: rr.preauthRetry,
		SelfReassoc:  rr.selfReassoc,
	}, true
}

// ActiveDisconnectRequest returns a copy of the active disconnect request.
func (m *Manager) ActiveDisconnectRequest() (DisconnectSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.activeRequest(KindDisconnect)
	if r == nil {
		return DisconnectSnapshot{}, false
	}
	return DisconnectSnapshot{ID: r.id, Params: r.disconnect.params}, true
}

// ConnectedBSS returns a copy of the associated BSS, or nil.
func (m *Manager) ConnectedBSS() *models.BSS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected.Clone()
}

// Status is the JSON view of one vdev.
type Status struct {
	Vdev       VdevID              `json:"vdev"`
	MAC        models.MACAddr      `json:"mac"`
	State      State               `json:"state"`
	SubState   SubState            `json:"sub_state,omitempty"`
	ActiveID   ID                  `json:"active_cm_id"`
	ActiveKind Kind                `json:"active_kind"`
	Requests   []ID                `json:"requests"`
	Connected  *models.BSS         `json:"connected_bss,omitempty"`
	Connect    *ConnectSnapshot    `json:"connect,omitempty"`
	Reassoc    *ReassocSnapshot    `json:"reassoc,omitempty"`
	Disconnect *DisconnectSnapshot `json:"disconnect,omitempty"`
}

// Status returns a consistent snapshot of the vdev.
func (m *Manager) Status() Status {
	st := Status{
		Vdev:       m.vdev,
		MAC:        m.iface.MAC,
		ActiveID:   m.ActiveID(),
		ActiveKind: m.ActiveRequestType(),
		Requests:   m.reqs.ids(),
		Connected:  m.ConnectedBSS(),
	}
	st.State, st.SubState = m.State()
	if c, ok := m.ActiveConnectRequest(); ok {
		st.Connect = &c
	}
	if r, ok := m.ActiveReassocRequest(); ok {
		st.Reassoc = &r
	}
	if d, ok := m.ActiveDisconnectRequest(); ok {
		st.Disconnect = &d
	}
	return st
}
