package cm

import (
	"time"

	"go.uber.org/zap"
)

// State is the top-level connection state.
type State uint8

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateRoaming
)

var stateNames = [...]string{
	StateInit:          "INIT",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
	StateDisconnecting: "DISCONNECTING",
	StateRoaming:       "ROAMING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SubState refines CONNECTING and ROAMING. Every other state uses SubNone.
type SubState uint8

const (
	SubNone SubState = iota
	SubJoinPending
	SubScan
	SubJoinActive
	SubPreauth
	SubReassoc
	SubRoamStarted
	SubRoamSync
)

var subStateNames = [...]string{
	SubNone:        "",
	SubJoinPending: "JOIN_PENDING",
	SubScan:        "SCAN",
	SubJoinActive:  "JOIN_ACTIVE",
	SubPreauth:     "PREAUTH",
	SubReassoc:     "REASSOC",
	SubRoamStarted: "ROAM_STARTED",
	SubRoamSync:    "ROAM_SYNC",
}

func (s SubState) String() string {
	if int(s) < len(subStateNames) {
		return subStateNames[s]
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (s SubState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// parent returns the only top state sub may be nested in.
func (s SubState) parent() State {
	switch s {
	case SubJoinPending, SubScan, SubJoinActive:
		return StateConnecting
	case SubPreauth, SubReassoc, SubRoamStarted, SubRoamSync:
		return StateRoaming
	}
	return StateInit
}

func stateName(s State, sub SubState) string {
	if sub == SubNone {
		return s.String()
	}
	return s.String() + "/" + sub.String()
}

func packState(s State, sub SubState) uint32 { return uint32(s)<<8 | uint32(sub) }

func unpackState(v uint32) (State, SubState) { return State(v >> 8), SubState(v) }

type event uint8

const (
	evConnectReq event = iota
	evConnectStart
	evConnectScan
	evScanSuccess
	evScanFailure
	evHWModeSuccess
	evHWModeFailure
	evConnectActive
	evConnectNextCandidate
	evBSSPeerCreateSuccess
	evConnectSuccess
	evConnectFailure

	evDisconnectReq
	evDisconnectStart
	evDisconnectActive
	evDisconnectDone

	evRoamReq
	evRoamStart
	evPreauthActive
	evPreauthSuccess
	evPreauthFailure
	evStartReassoc
	evUpdateFTIEs
	evReassocActive
	evHORoamDisconnectDone
	evReassocDone
	evReassocFailure

	evFWRoamStart
	evFWRoamActive
	evRoamSync
	evRoamInvokeFail
	evRoamAbort
	evRoamHOFail
	evRoamDone
)

var eventNames = [...]string{
	evConnectReq:           "CONNECT_REQ",
	evConnectStart:         "CONNECT_START",
	evConnectScan:          "CONNECT_SCAN",
	evScanSuccess:          "SCAN_SUCCESS",
	evScanFailure:          "SCAN_FAILURE",
	evHWModeSuccess:        "HW_MODE_SUCCESS",
	evHWModeFailure:        "HW_MODE_FAILURE",
	evConnectActive:        "CONNECT_ACTIVE",
	evConnectNextCandidate: "CONNECT_NEXT_CANDIDATE",
	evBSSPeerCreateSuccess: "BSS_CREATE_PEER_SUCCESS",
	evConnectSuccess:       "CONNECT_SUCCESS",
	evConnectFailure:       "CONNECT_FAILURE",
	evDisconnectReq:        "DISCONNECT_REQ",
	evDisconnectStart:      "DISCONNECT_START",
	evDisconnectActive:     "DISCONNECT_ACTIVE",
	evDisconnectDone:       "DISCONNECT_DONE",
	evRoamReq:              "ROAM_REQ",
	evRoamStart:            "ROAM_START",
	evPreauthActive:        "PREAUTH_ACTIVE",
	evPreauthSuccess:       "PREAUTH_SUCCESS",
	evPreauthFailure:       "PREAUTH_FAILURE",
	evStartReassoc:         "START_REASSOC",
	evUpdateFTIEs:          "UPDATE_FT_IES",
	evReassocActive:        "REASSOC_ACTIVE",
	evHORoamDisconnectDone: "HO_ROAM_DISCONNECT_DONE",
	evReassocDone:          "REASSOC_DONE",
	evReassocFailure:       "REASSOC_FAILURE",
	evFWRoamStart:          "ROAM_FW_START",
	evFWRoamActive:         "ROAM_ACTIVE",
	evRoamSync:             "ROAM_SYNC",
	evRoamInvokeFail:       "ROAM_INVOKE_FAIL",
	evRoamAbort:            "ROAM_ABORT",
	evRoamHOFail:           "ROAM_HO_FAIL",
	evRoamDone:             "ROAM_DONE",
}

func (e event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return "EV_UNKNOWN"
}

// smEvent is one queued delivery. onDrop runs when no state handles it.
type smEvent struct {
	ev     event
	data   any
	onDrop func()
}

// run executes fn under the SM lock, then drains follow-up events and
// hands collected notifications to the executor in order.
func (m *Manager) run(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
	for len(m.work) > 0 {
		e := m.work[0]
		m.work = m.work[1:]
		m.step(e)
	}
	m.work = nil
	out := m.outbox
	m.outbox = nil
	for _, f := range out {
		m.exec.Post(f)
	}
}

// step dispatches one event. Follow-ups it posts run before events that
// were already queued, matching nested synchronous delivery.
func (m *Manager) step(e smEvent) bool {
	rest := m.work
	m.work = nil
	prev := m.curEvent
	m.curEvent = e.ev
	handled := m.dispatch(e.ev, e.data)
	if !handled {
		m.logger.Debug("event not handled",
			zap.String("state", stateName(m.state, m.sub)),
			zap.Stringer("event", e.ev),
		)
		if e.onDrop != nil {
			e.onDrop()
		}
	}
	m.curEvent = prev
	m.work = append(m.work, rest...)
	return handled
}

// deliver processes ev synchronously and reports whether a state handled it.
func (m *Manager) deliver(ev event, data any, onDrop func()) bool {
	var handled bool
	m.run(func() { handled = m.step(smEvent{ev: ev, data: data, onDrop: onDrop}) })
	return handled
}

// post queues a follow-up event. Only valid while the SM lock is held.
func (m *Manager) post(ev event, data any, onDrop func()) {
	m.work = append(m.work, smEvent{ev: ev, data: data, onDrop: onDrop})
}

// later queues fn for the executor once the SM lock is released.
func (m *Manager) later(fn func()) {
	m.outbox = append(m.outbox, fn)
}

// dispatch gives the sub-state handler the first chance, then the parent.
func (m *Manager) dispatch(ev event, data any) bool {
	switch m.sub {
	case SubJoinPending:
		if m.joinPendingEvent(ev, data) {
			return true
		}
	case SubScan:
		if m.scanEvent(ev, data) {
			return true
		}
	case SubJoinActive:
		if m.joinActiveEvent(ev, data) {
			return true
		}
	case SubPreauth:
		if m.preauthEvent(ev, data) {
			return true
		}
	case SubReassoc:
		if m.reassocEvent(ev, data) {
			return true
		}
	case SubRoamStarted:
		if m.roamStartedEvent(ev, data) {
			return true
		}
	case SubRoamSync:
		if m.roamSyncEvent(ev, data) {
			return true
		}
	}

	switch m.state {
	case StateInit:
		return m.initEvent(ev, data)
	case StateConnecting:
		return m.connectingEvent(ev, data)
	case StateConnected:
		return m.connectedEvent(ev, data)
	case StateDisconnecting:
		return m.disconnectingEvent(ev, data)
	case StateRoaming:
		return m.roamingEvent(ev, data)
	}
	return false
}

// transition moves to (to, sub). sub must be nested in to.
func (m *Manager) transition(to State, sub SubState) {
	if sub != SubNone && sub.parent() != to {
		m.logger.Error("invalid sub-state for state",
			zap.Stringer("state", to), zap.Stringer("sub_state", sub))
		sub = SubNone
	}
	if m.state == to && m.sub == sub {
		return
	}
	from := stateName(m.state, m.sub)
	m.state, m.sub = to, sub
	m.packed.Store(packState(to, sub))
	if to == StateInit {
		m.connected = nil
	}

	toName := stateName(to, sub)
	m.metrics.transition(m.vdev, from, toName)
	m.logger.Debug("state transition",
		zap.String("from", from),
		zap.String("to", toName),
		zap.Stringer("event", m.curEvent),
	)

	id := InvalidID
	if h := m.reqs.head(); h != nil {
		id = h.id
	}
	sc := StateChange{
		Vdev:  m.vdev,
		From:  from,
		To:    toName,
		Event: m.curEvent.String(),
		ID:    id,
		At:    time.Now(),
	}
	m.later(func() { m.notify.StateChanged(sc) })
}
