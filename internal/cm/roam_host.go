package cm

import (
	"fmt"
	"time"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/internal/serialization"
	"go.uber.org/zap"
)

type roamCmd struct {
	params      RoamParams
	fromConnect bool
	res         *startResult
}

type roamFail struct {
	id     ID
	reason FailReason
}

type ftIEs struct {
	ies []byte
}

// roamFromConnect converts a reassociation request that arrived as a
// connect.
func roamFromConnect(p ConnectParams) RoamParams {
	return RoamParams{
		SSID:      p.SSID,
		BSSID:     p.BSSID,
		BSSIDHint: p.BSSIDHint,
		PrevBSSID: p.PrevBSSID,
		Freq:      p.freq(),
		Crypto:    p.Crypto,
		Source:    RoamSourceUser,
	}
}

// isReassocRequest reports whether a connect names the current AP as its
// previous BSSID on the same ESS, which makes it a roam.
func (m *Manager) isReassocRequest(p ConnectParams) bool {
	if m.connected == nil || p.freq() == 0 {
		return false
	}
	return !p.PrevBSSID.IsZero() &&
		p.PrevBSSID == m.connected.BSSID &&
		!p.target().IsZero() &&
		p.SSID == m.connected.SSID
}

// roamRequest accepts a host roam while CONNECTED.
func (m *Manager) roamRequest(cmd *roamCmd) {
	p := cmd.params
	if p.SSID == "" {
		p.SSID = m.connected.SSID
	}
	p.PrevBSSID = m.connected.BSSID
	r := &request{kind: KindRoam, roam: &roamReq{params: p, cur: -1, fromConnect: cmd.fromConnect}}
	id, err := m.addRequest(r)
	if err != nil {
		cmd.res.reject(err)
		return
	}
	cmd.res.accept(id)

	if m.cfg.RoamOffload {
		m.transition(StateRoaming, SubRoamStarted)
		if err := m.serialize(r, serialization.CmdRoam, m.cfg.RoamTimeout, false); err != nil {
			m.logger.Warn("roam serialization failed", zap.Stringer("cm_id", id), zap.Error(err))
			m.roamFailToConnected(r, SerializationFailure)
		}
		return
	}
	m.transition(StateRoaming, SubPreauth)
	m.post(evRoamStart, id, m.dropTo(id, GenericFailure))
}

// roamFailToConnected ends a roam that never touched the association.
func (m *Manager) roamFailToConnected(r *request, reason FailReason) {
	m.transition(StateConnected, SubNone)
	m.roamComplete(r, reason)
}

// roamStart ranks reassociation targets. A roam to the connected BSSID
// skips preauth.
func (m *Manager) roamStart(id ID) bool {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	rr := r.roam
	if m.connected != nil && rr.params.BSSID == m.connected.BSSID {
		m.logger.Info("self reassociation", zap.Stringer("cm_id", id), zap.Stringer("bssid", rr.params.BSSID))
		rr.selfReassoc = true
		rr.candidates = []scoring.Candidate{{BSS: m.connected.Clone()}}
		rr.cur = 0
		m.transition(StateRoaming, SubReassoc)
		m.post(evStartReassoc, id, nil)
		return true
	}
	_, ranked := m.candidates(roamFilter(rr.params), rr.params.BSSIDHint)
	rr.candidates, rr.cur = ranked, -1
	if len(ranked) == 0 {
		m.roamFailToConnected(r, NoCandidateFound)
		return true
	}
	m.preauthNext(r)
	return true
}

// preauthNext serializes a preauth for the next candidate.
func (m *Manager) preauthNext(r *request) {
	b := m.nextPreauthCandidate(r.roam)
	if b == nil {
		m.logger.Info("preauth candidates exhausted", zap.Stringer("cm_id", r.id))
		m.roamFailToConnected(r, NoCandidateFound)
		return
	}
	m.logger.Debug("preauth candidate",
		zap.Stringer("cm_id", r.id),
		zap.Stringer("bssid", b.BSSID),
		zap.Int("num_preauth_retry", r.roam.preauthRetry),
	)
	if err := m.serialize(r, serialization.CmdPreauth, m.cfg.PreauthTimeout, false); err != nil {
		m.logger.Warn("preauth serialization failed", zap.Stringer("cm_id", r.id), zap.Error(err))
		m.roamFailToConnected(r, SerializationFailure)
	}
}

func (m *Manager) preauthActive(id ID) bool {
	if !m.reqs.isHead(id) {
		return false
	}
	r := m.reqs.find(id)
	if r.kind != KindRoam {
		return false
	}
	m.activeID.Store(uint32(id))
	b := r.roam.candidate()
	if err := m.lmac.Preauth(m.vdev, PreauthRequest{ID: id, BSS: b}); err != nil {
		m.logger.Info("preauth request failed", zap.Stringer("bssid", b.BSSID), zap.Error(err))
		m.post(evPreauthFailure, PreauthResponse{ID: id, BSSID: b.BSSID, Reason: JoinFailed}, m.dropTo(id, JoinFailed))
	}
	return true
}

// preauthDone moves a successful preauth on to REASSOC and gives FT IEs a
// short window before the reassociation starts.
func (m *Manager) preauthDone(resp PreauthResponse) bool {
	r := m.reqs.find(resp.ID)
	if r == nil || r.kind != KindRoam || !m.reqs.isHead(resp.ID) {
		return false
	}
	m.unserialize(r)
	if resp.Reason != ReasonNone {
		if resp.Reason == SerializationTimeout {
			m.roamFailToConnected(r, SerializationTimeout)
			return true
		}
		m.preauthNext(r)
		return true
	}
	m.transition(StateRoaming, SubReassoc)
	id := r.id
	r.roam.reassocTimer = time.AfterFunc(m.cfg.ReassocTimer, func() {
		m.deliver(evStartReassoc, id, nil)
	})
	return true
}

// startReassoc runs once per roam, from the reassoc timer, an FT IE
// update or a self reassociation.
func (m *Manager) startReassoc(id ID) bool {
	if !m.reqs.isHead(id) {
		return false
	}
	r := m.reqs.find(id)
	rr := r.roam
	if rr == nil {
		return false
	}
	if rr.started {
		return true
	}
	stopTimer(rr.reassocTimer)
	rr.reassocTimer = nil
	rr.started = true
	if !rr.selfReassoc {
		started, err := m.policy.HWModeChange(m.vdev, rr.candidate().Freq, id)
		if err != nil {
			m.logger.Warn("hw mode change failed", zap.Stringer("cm_id", id), zap.Error(err))
			m.post(evReassocFailure, roamFail{id: id, reason: HwModeFailure}, m.dropTo(id, HwModeFailure))
			return true
		}
		if started {
			m.logger.Info("waiting for hw mode change", zap.Stringer("cm_id", id))
			return true
		}
	}
	m.reassocSerialize(r)
	return true
}

func (m *Manager) reassocSerialize(r *request) {
	if err := m.serialize(r, serialization.CmdReassoc, m.cfg.RoamTimeout, false); err != nil {
		m.logger.Warn("reassoc serialization failed", zap.Stringer("cm_id", r.id), zap.Error(err))
		m.post(evReassocFailure, roamFail{id: r.id, reason: SerializationFailure}, m.dropTo(r.id, SerializationFailure))
	}
}

// reassocActive leaves the current AP before joining the target, unless
// the target is the current AP.
func (m *Manager) reassocActive(id ID) bool {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	m.activeID.Store(uint32(id))
	rr := r.roam
	if rr.selfReassoc {
		m.sendReassoc(r)
		return true
	}
	rr.prevBSS = m.connected.Clone()
	err := m.lmac.Disconnect(m.vdev, LinkDownRequest{
		ID:         id,
		BSSID:      m.connectedBSSID(),
		Source:     SourceRoamDisconnect,
		ReasonCode: ReasonUnspecified,
	})
	if err != nil {
		m.logger.Warn("roam disconnect failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.post(evReassocFailure, roamFail{id: id, reason: GenericFailure}, m.dropTo(id, GenericFailure))
	}
	return true
}

// roamPeerCreate creates the target's peer once the old link is down.
func (m *Manager) roamPeerCreate(id ID) bool {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	b := r.roam.candidate()
	if err := m.lmac.PeerCreate(m.vdev, id, b.BSSID); err != nil {
		m.logger.Warn("roam peer create failed", zap.Stringer("bssid", b.BSSID), zap.Error(err))
		m.post(evReassocFailure, roamFail{id: id, reason: PeerCreateFailed}, m.dropTo(id, PeerCreateFailed))
	}
	return true
}

func (m *Manager) sendReassoc(r *request) {
	rr := r.roam
	rr.peer = !rr.selfReassoc
	req := ReassocRequest{
		ID:          r.id,
		BSS:         rr.candidate(),
		PrevBSSID:   rr.params.PrevBSSID,
		Crypto:      rr.params.Crypto,
		FTIEs:       rr.params.FTIEs,
		SelfReassoc: rr.selfReassoc,
	}
	if err := m.lmac.Reassoc(m.vdev, req); err != nil {
		m.logger.Warn("reassoc request failed", zap.Stringer("cm_id", r.id), zap.Error(err))
		if !rr.selfReassoc {
			m.deletePeer()
			rr.peer = false
		}
		m.post(evReassocFailure, roamFail{id: r.id, reason: JoinFailed}, m.dropTo(r.id, JoinFailed))
	}
}

func (m *Manager) reassocDone(resp ConnectResponse) bool {
	r := m.reqs.find(resp.ID)
	if r == nil || r.kind != KindRoam {
		return false
	}
	b := r.roam.candidate().Clone()
	m.transition(StateConnected, SubNone)
	m.connected = b
	m.roamComplete(r, ReasonNone)
	return true
}

// reassocFailed ends a roam that already left the old AP; the link is
// torn down the rest of the way.
func (m *Manager) reassocFailed(rf roamFail) bool {
	r := m.reqs.find(rf.id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	m.roamComplete(r, rf.reason)
	m.post(evDisconnectReq, &disconnectCmd{
		params: DisconnectParams{
			Source:     SourceRoamDisconnect,
			ReasonCode: ReasonUnspecified,
			BSSID:      m.connectedBSSID(),
		},
		res: newStartResult(),
	}, nil)
	return true
}

// PreauthResponse reports the outcome of a preauthentication.
func (m *Manager) PreauthResponse(resp PreauthResponse) error {
	var err error
	m.run(func() {
		r := m.reqs.find(resp.ID)
		if r == nil || r.kind != KindRoam {
			m.metrics.staleResponse(m.vdev, KindRoam)
			err = fmt.Errorf("preauth response %s: %w", resp.ID, ErrNotFound)
			return
		}
		if !m.reqs.isHead(resp.ID) {
			m.staleResponse(r, "preauth")
			return
		}
		ev := evPreauthSuccess
		if resp.Reason != ReasonNone {
			ev = evPreauthFailure
		}
		m.post(ev, resp, m.dropTo(resp.ID, GenericFailure))
	})
	return err
}

// ReassocResponse reports the outcome of a reassociation. ConnectResponse
// forwards roam ids here.
func (m *Manager) ReassocResponse(resp ConnectResponse) error {
	var err error
	m.run(func() {
		r := m.reqs.find(resp.ID)
		if r == nil {
			m.metrics.staleResponse(m.vdev, KindRoam)
			err = fmt.Errorf("reassoc response %s: %w", resp.ID, ErrNotFound)
			return
		}
		if r.kind != KindRoam || resp.ID != m.ActiveID() {
			m.metrics.staleResponse(m.vdev, r.kind)
			m.logger.Info("reassoc response for inactive request", zap.Stringer("cm_id", resp.ID))
			return
		}
		if resp.Reason == ReasonNone {
			m.post(evReassocDone, resp, m.dropTo(resp.ID, GenericFailure))
			return
		}
		m.post(evReassocFailure, roamFail{id: resp.ID, reason: resp.Reason}, m.dropTo(resp.ID, resp.Reason))
	})
	return err
}

// UpdateFTIEs hands over fast transition IEs for the pending reassoc and
// starts it without waiting for the reassoc timer.
func (m *Manager) UpdateFTIEs(ies []byte) error {
	if !m.deliver(evUpdateFTIEs, ftIEs{ies: append([]byte(nil), ies...)}, nil) {
		return fmt.Errorf("update ft ies: %w", ErrInvalidState)
	}
	return nil
}

func (m *Manager) updateFTIEs(d ftIEs) bool {
	r := m.reqs.head()
	if r == nil || r.kind != KindRoam || r.roam.started {
		return false
	}
	r.roam.params.FTIEs = d.ies
	m.post(evStartReassoc, r.id, nil)
	return true
}
