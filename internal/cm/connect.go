package cm

import (
	"context"
	"time"

	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap"
)

// startResult carries the outcome of a start request back to the caller.
// It starts out rejected; the accepting handler fills in the id.
type startResult struct {
	id  ID
	err error
}

func newStartResult() *startResult { return &startResult{id: InvalidID, err: ErrInvalidState} }

func (s *startResult) accept(id ID)     { s.id, s.err = id, nil }
func (s *startResult) reject(err error) { s.id, s.err = InvalidID, err }

type connectCmd struct {
	params ConnectParams
	res    *startResult
}

type connectFail struct {
	id     ID
	reason FailReason
}

type scanDone struct {
	scanID uint32
}

type peerCreated struct {
	id    ID
	bssid models.MACAddr
}

// acceptConnect stores the connect and moves to JOIN_PENDING.
func (m *Manager) acceptConnect(cmd *connectCmd) {
	r := &request{kind: KindConnect, connect: &connectReq{params: cmd.params, cur: -1}}
	id, err := m.addRequest(r)
	if err != nil {
		cmd.res.reject(err)
		return
	}
	cmd.res.accept(id)
	m.transition(StateConnecting, SubJoinPending)
	m.post(evConnectStart, id, nil)
}

// reconnect tears the current link down before accepting cmd. The
// disconnect is queued first so the connect becomes the head.
func (m *Manager) reconnect(cmd *connectCmd) {
	if !m.reqs.room(2) {
		cmd.res.reject(ErrListFull)
		return
	}
	if err := m.internalDisconnect(SourceInternal, ReasonUnspecified); err != nil {
		cmd.res.reject(err)
		return
	}
	m.acceptConnect(cmd)
}

// connectStart looks up candidates for the head connect. An empty cache
// triggers one scan; an empty ranking fails the request.
func (m *Manager) connectStart(id ID) {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindConnect {
		m.logger.Error("connect start for unknown request", zap.Stringer("cm_id", id))
		return
	}
	c := r.connect
	entries, ranked := m.candidates(connectFilter(c.params), c.params.BSSIDHint)
	if len(entries) == 0 && !c.scanned {
		m.post(evConnectScan, id, nil)
		return
	}
	c.candidates, c.cur = ranked, -1
	if len(ranked) == 0 {
		m.logger.Info("no connect candidate",
			zap.Stringer("cm_id", id),
			zap.String("ssid", string(c.params.SSID)),
			zap.Int("scan_entries", len(entries)),
		)
		m.connectStartFail(r, NoCandidateFound)
		return
	}
	m.logger.Debug("connect candidates ranked",
		zap.Stringer("cm_id", id),
		zap.Int("candidates", len(ranked)),
		zap.Stringer("best", ranked[0].BSS.BSSID),
		zap.Int("best_score", ranked[0].Score),
	)

	started, err := m.policy.HWModeChange(m.vdev, ranked[0].BSS.Freq, id)
	switch {
	case err != nil:
		m.logger.Warn("hw mode change failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.connectStartFail(r, HwModeFailure)
	case started:
		m.logger.Info("waiting for hw mode change", zap.Stringer("cm_id", id))
	default:
		m.connectSerialize(r)
	}
}

func (m *Manager) connectSerialize(r *request) {
	if err := m.serialize(r, serialization.CmdConnect, m.cfg.ConnectTimeout, false); err != nil {
		m.logger.Warn("connect serialization failed", zap.Stringer("cm_id", r.id), zap.Error(err))
		m.connectStartFail(r, SerializationFailure)
	}
}

// connectStartFail fails a connect that never became active.
func (m *Manager) connectStartFail(r *request, reason FailReason) {
	m.post(evConnectFailure, connectFail{id: r.id, reason: reason}, m.dropTo(r.id, reason))
}

// connectScan starts a scan for the head connect and guards it with a
// timer in case the scan service never reports back.
func (m *Manager) connectScan(id ID) {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindConnect {
		m.logger.Error("connect scan for unknown request", zap.Stringer("cm_id", id))
		return
	}
	c := r.connect
	m.transition(StateConnecting, SubScan)

	req := ScanRequest{SSID: c.params.SSID, ExtraIE: c.params.ScanIE, Timeout: m.cfg.ScanTimeout}
	if f := c.params.freq(); f != 0 {
		req.Freqs = []int{f}
	}
	scanID, err := m.scan.StartScan(context.Background(), m.vdev, req)
	if err != nil {
		m.logger.Warn("scan for ssid failed to start", zap.Stringer("cm_id", id), zap.Error(err))
		c.scanID = 0
		m.post(evScanFailure, scanDone{scanID: 0}, nil)
		return
	}
	c.scanID = scanID
	c.scanTimer = time.AfterFunc(m.cfg.ScanTimeout, func() {
		m.logger.Warn("scan guard expired", zap.Uint32("scan_id", scanID))
		m.ScanDone(scanID, false)
	})
	m.logger.Info("scanning for ssid",
		zap.Stringer("cm_id", id),
		zap.String("ssid", string(c.params.SSID)),
		zap.Uint32("scan_id", scanID),
	)
}

// scanComplete resumes the head connect after its scan. Results for other
// scans are ignored.
func (m *Manager) scanComplete(d scanDone, ok bool) {
	r := m.reqs.head()
	if r == nil || r.kind != KindConnect || r.connect.scanID != d.scanID {
		m.logger.Debug("scan result for another request", zap.Uint32("scan_id", d.scanID))
		return
	}
	c := r.connect
	stopTimer(c.scanTimer)
	c.scanTimer = nil
	c.scanned = true
	m.logger.Debug("scan for connect finished", zap.Stringer("cm_id", r.id), zap.Bool("ok", ok))
	m.transition(StateConnecting, SubJoinPending)
	m.post(evConnectStart, r.id, nil)
}

// cancelScan aborts the scan owned by the head connect.
func (m *Manager) cancelScan() {
	if r := m.reqs.newest(KindConnect); r != nil && r.connect.scanTimer != nil {
		stopTimer(r.connect.scanTimer)
		r.connect.scanTimer = nil
	}
	m.scan.CancelScan(m.vdev)
}

// connectActive runs when the scheduler grants the connect.
func (m *Manager) connectActive(id ID) bool {
	if !m.reqs.isHead(id) {
		return false
	}
	r := m.reqs.find(id)
	m.activeID.Store(uint32(id))
	m.transition(StateConnecting, SubJoinActive)
	m.connectTry(r, false, ReasonNone)
	return true
}

// connectTry selects the next candidate, or the same one again, and
// starts joining it. Exhaustion completes the request with last.
func (m *Manager) connectTry(r *request, same bool, last FailReason) {
	c := r.connect
	b := m.nextConnectCandidate(c, same)
	if b == nil {
		if last == ReasonNone {
			last = NoCandidateFound
		}
		m.logger.Info("connect candidates exhausted",
			zap.Stringer("cm_id", r.id),
			zap.Int("connect_attempts", c.attempts),
			zap.Stringer("last_reason", last),
		)
		m.transition(StateInit, SubNone)
		m.connectComplete(r, last)
		return
	}
	m.logger.Info("trying candidate",
		zap.Stringer("cm_id", r.id),
		zap.Stringer("bssid", b.BSSID),
		zap.Int("freq", b.Freq),
		zap.Int("connect_attempts", c.attempts),
		zap.Bool("same_candidate", same),
	)
	m.post(evConnectNextCandidate, r.id, nil)
}

// joinCandidate indicates the candidate upward and creates its peer.
func (m *Manager) joinCandidate(r *request) {
	b := r.connect.candidate()
	if err := m.lmac.BSSSelectInd(m.vdev, r.id, b); err != nil {
		m.logger.Info("candidate vetoed", zap.Stringer("bssid", b.BSSID), zap.Error(err))
		m.post(evConnectFailure, connectFail{id: r.id, reason: BssSelectIndFailed}, nil)
		return
	}
	if err := m.lmac.PeerCreate(m.vdev, r.id, b.BSSID); err != nil {
		m.logger.Info("peer create failed", zap.Stringer("bssid", b.BSSID), zap.Error(err))
		m.post(evConnectFailure, connectFail{id: r.id, reason: PeerCreateFailed}, nil)
	}
}

// joinSend sends the association request once the peer exists.
func (m *Manager) joinSend(r *request) {
	c := r.connect
	c.peer = true
	b := c.candidate()
	err := m.lmac.Connect(m.vdev, JoinRequest{
		ID:      r.id,
		BSS:     b,
		SSID:    c.params.SSID,
		Crypto:  c.params.Crypto,
		AssocIE: c.params.AssocIE,
		WEPKey:  c.params.WEPKey,
	})
	if err != nil {
		m.logger.Info("join request failed", zap.Stringer("bssid", b.BSSID), zap.Error(err))
		m.deletePeer()
		c.peer = false
		m.post(evConnectFailure, connectFail{id: r.id, reason: JoinFailed}, nil)
	}
}

// connectFailed handles a failure of the active head connect: retryable
// reasons move on to the same or the next candidate.
func (m *Manager) connectFailed(r *request, reason FailReason) {
	c := r.connect
	c.failReason = reason
	if !reason.retryable() {
		m.transition(StateInit, SubNone)
		m.connectComplete(r, reason)
		return
	}
	if c.peer {
		c.peer = false
		if err := m.lmac.PeerDelete(m.vdev); err != nil {
			m.logger.Warn("peer delete failed", zap.Stringer("cm_id", r.id), zap.Error(err))
			m.transition(StateInit, SubNone)
			m.connectComplete(r, PeerDeleteFailed)
			return
		}
	}
	same := reason == JoinTimeout && c.candidateRetries < m.cfg.MaxCandidateRetries
	if same {
		c.candidateRetries++
	}
	m.connectTry(r, same, reason)
}

// connectSucceeded records the association and completes the request.
func (m *Manager) connectSucceeded(r *request, resp ConnectResponse) {
	b := r.connect.candidate().Clone()
	if b == nil {
		b = &models.BSS{BSSID: resp.BSSID, SSID: resp.SSID, Freq: resp.Freq}
	}
	if b.SSID == "" {
		b.SSID = r.connect.params.SSID
	}
	m.transition(StateConnected, SubNone)
	m.connected = b
	m.connectComplete(r, ReasonNone)
}

// pendingConnectFailed fails a connect that was never activated. While a
// disconnect is outstanding the completion waits for it, so callers see
// the disconnect complete first.
func (m *Manager) pendingConnectFailed(r *request, reason FailReason) {
	if m.reqs.count(KindDisconnect) > 0 {
		r.failed = true
		r.connect.failReason = reason
		m.unserialize(r)
		m.logger.Info("connect failed behind outstanding disconnect",
			zap.Stringer("cm_id", r.id), zap.Stringer("reason", reason))
		m.transition(StateDisconnecting, SubNone)
		return
	}
	m.transition(StateInit, SubNone)
	m.connectComplete(r, reason)
}

// ConnectResponse reports the lower layer's connect outcome. Roam ids are
// routed to ReassocResponse.
func (m *Manager) ConnectResponse(resp ConnectResponse) error {
	if resp.ID.Kind() == KindRoam {
		return m.ReassocResponse(resp)
	}
	var err error
	m.run(func() {
		r := m.reqs.find(resp.ID)
		if r == nil || r.kind != KindConnect {
			m.metrics.staleResponse(m.vdev, KindConnect)
			err = ErrNotFound
			return
		}
		if !m.reqs.isHead(resp.ID) {
			m.staleResponse(r, "connect")
			return
		}
		if resp.Reason == ReasonNone {
			m.post(evConnectSuccess, resp, m.dropTo(resp.ID, GenericFailure))
			return
		}
		m.post(evConnectFailure, connectFail{id: resp.ID, reason: resp.Reason}, m.dropTo(resp.ID, resp.Reason))
	})
	return err
}
