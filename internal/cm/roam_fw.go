package cm

import (
	"context"
	"fmt"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap"
)

// fwRoamStart records a roam firmware decided on its own. The roam
// command blocks the vdev until the roam syncs or aborts.
func (m *Manager) fwRoamStart(cmd *roamCmd) {
	p := cmd.params
	p.Source = RoamSourceFW
	if m.connected != nil {
		if p.SSID == "" {
			p.SSID = m.connected.SSID
		}
		p.PrevBSSID = m.connected.BSSID
	}
	r := &request{kind: KindRoam, roam: &roamReq{params: p, cur: -1}}
	id, err := m.addRequest(r)
	if err != nil {
		cmd.res.reject(err)
		return
	}
	cmd.res.accept(id)
	m.transition(StateRoaming, SubRoamStarted)
	if err := m.serialize(r, serialization.CmdRoam, m.cfg.RoamTimeout, true); err != nil {
		m.logger.Warn("firmware roam serialization failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.roamFailToConnected(r, SerializationFailure)
	}
}

// roamSyncWithoutStart accepts a sync for a roam firmware never announced.
func (m *Manager) roamSyncWithoutStart(info *RoamSyncInfo) bool {
	p := RoamParams{SSID: info.SSID, BSSID: info.BSSID, Freq: info.Freq, Source: RoamSourceFW}
	if m.connected != nil {
		p.PrevBSSID = m.connected.BSSID
	}
	r := &request{kind: KindRoam, roam: &roamReq{params: p, cur: -1}}
	if !m.reqs.room(1) {
		// The link already moved; a queued request gives way.
		m.evictOldest()
	}
	if _, err := m.addRequest(r); err != nil {
		m.logger.Error("roam sync dropped", zap.Stringer("bssid", info.BSSID), zap.Error(err))
		return false
	}
	if err := m.serialize(r, serialization.CmdRoam, m.cfg.RoamTimeout, true); err != nil {
		// The roam already happened over the air; only the bookkeeping
		// command is missing.
		m.logger.Warn("roam sync serialization failed", zap.Stringer("cm_id", r.id), zap.Error(err))
	}
	m.roamSync(r, info)
	return true
}

// evictOldest completes the oldest connect or roam that is not active.
func (m *Manager) evictOldest() {
	r := m.reqs.evictable(ID(m.activeID.Load()))
	if r == nil {
		return
	}
	m.logger.Warn("request evicted by firmware roam",
		zap.Stringer("cm_id", r.id), zap.Stringer("kind", r.kind))
	m.completeAny(r, AbortDueToNewRequest)
}

// roamSync adopts the BSS firmware roamed to.
func (m *Manager) roamSync(r *request, info *RoamSyncInfo) {
	m.transition(StateRoaming, SubRoamSync)
	m.reconcile(r, info)
	m.post(evRoamDone, r.id, m.dropTo(r.id, GenericFailure))
}

// reconcile points the roam request and the connected BSS at the entry
// firmware synced to.
func (m *Manager) reconcile(r *request, info *RoamSyncInfo) {
	var b *models.BSS
	entries, err := m.scan.Results(context.Background(), m.vdev, ScanFilter{BSSIDs: []models.MACAddr{info.BSSID}})
	if err == nil && len(entries) > 0 {
		b = entries[0].Clone()
	} else {
		b = &models.BSS{BSSID: info.BSSID, Freq: info.Freq, RSSI: info.RSSI}
	}
	if info.SSID != "" {
		b.SSID = info.SSID
	} else if b.SSID == "" {
		b.SSID = r.roam.params.SSID
	}

	rr := r.roam
	rr.prevBSS = m.connected.Clone()
	if info.Kickout && rr.prevBSS != nil {
		m.scan.Reject(rr.prevBSS.BSSID, "kickout", m.cfg.RejectTTL)
	}
	rr.candidates = []scoring.Candidate{{BSS: b}}
	rr.cur = 0
	rr.params.BSSID = b.BSSID
	rr.params.Freq = b.Freq
	if rr.params.SSID == "" {
		rr.params.SSID = b.SSID
	}
	m.connected = b.Clone()
	m.logger.Info("roam synced",
		zap.Stringer("cm_id", r.id),
		zap.Stringer("bssid", b.BSSID),
		zap.Int("freq", b.Freq),
		zap.Bool("kickout", info.Kickout),
	)
}

// invokeTarget is the BSSID handed to firmware; broadcast lets firmware
// choose.
func invokeTarget(p RoamParams) models.MACAddr {
	switch {
	case !p.BSSID.IsZero():
		return p.BSSID
	case !p.BSSIDHint.IsZero():
		return p.BSSIDHint
	}
	return models.BroadcastMAC
}

// fwRoamActive asks firmware to roam for host and user requests once the
// roam command is granted.
func (m *Manager) fwRoamActive(id ID) bool {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	m.activeID.Store(uint32(id))
	p := r.roam.params
	if p.Source == RoamSourceFW {
		return true
	}
	err := m.lmac.RoamInvoke(m.vdev, RoamInvokeRequest{ID: id, BSSID: invokeTarget(p), Freq: p.Freq})
	if err != nil {
		m.logger.Warn("roam invoke failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.post(evRoamInvokeFail, roamFail{id: id, reason: JoinFailed}, m.dropTo(id, JoinFailed))
	}
	return true
}

// roamInvokeFailed keeps the link when firmware was free to pick the
// target. A failed roam to a named BSSID requested by the host tears the
// link down.
func (m *Manager) roamInvokeFailed(rf roamFail) bool {
	r := m.reqs.find(rf.id)
	if r == nil || r.kind != KindRoam {
		return false
	}
	p := r.roam.params
	reason := rf.reason
	if reason == ReasonNone {
		reason = JoinFailed
	}
	m.roamFailToConnected(r, reason)
	if invokeTarget(p).IsBroadcast() || p.Source == RoamSourceFW {
		return true
	}
	m.post(evDisconnectReq, &disconnectCmd{
		params: DisconnectParams{
			Source:     SourceRoamDisconnect,
			ReasonCode: ReasonUserRoamFailure,
			BSSID:      m.connectedBSSID(),
		},
		res: newStartResult(),
	}, nil)
	return true
}

// RoamStartIndication reports that firmware started a roam on its own.
func (m *Manager) RoamStartIndication(p RoamParams) (ID, error) {
	cmd := &roamCmd{params: p, res: newStartResult()}
	if !m.deliver(evFWRoamStart, cmd, nil) {
		return InvalidID, fmt.Errorf("roam start indication: %w", ErrInvalidState)
	}
	if cmd.res.err != nil {
		return InvalidID, fmt.Errorf("roam start indication: %w", cmd.res.err)
	}
	return cmd.res.id, nil
}

// RoamSyncIndication reports that firmware completed a roam.
func (m *Manager) RoamSyncIndication(info RoamSyncInfo) error {
	if !m.deliver(evRoamSync, &info, nil) {
		return fmt.Errorf("roam sync indication: %w", ErrRejected)
	}
	return nil
}

// RoamInvokeFailure reports that firmware could not carry out a roam
// invoke.
func (m *Manager) RoamInvokeFailure() error {
	var err error
	m.run(func() {
		r := m.activeRequest(KindRoam)
		if r == nil {
			r = m.reqs.oldest(KindRoam)
		}
		if r == nil {
			err = fmt.Errorf("roam invoke failure: %w", ErrNotFound)
			return
		}
		m.post(evRoamInvokeFail, roamFail{id: r.id, reason: JoinFailed}, m.dropTo(r.id, JoinFailed))
	})
	return err
}

// RoamAbortIndication reports that firmware gave up a roam before the
// handoff; the current association is kept.
func (m *Manager) RoamAbortIndication() error {
	var err error
	m.run(func() {
		r := m.reqs.oldest(KindRoam)
		if r == nil {
			err = fmt.Errorf("roam abort: %w", ErrNotFound)
			return
		}
		m.post(evRoamAbort, roamFail{id: r.id, reason: RoamAborted}, m.dropTo(r.id, RoamAborted))
	})
	return err
}

// HOFailIndication reports that firmware failed the handoff to bssid. The
// target is avoid-listed and the station disconnects.
func (m *Manager) HOFailIndication(bssid models.MACAddr) {
	if m.iface.IsDown() {
		m.logger.Debug("handoff failure ignored, interface down", zap.Stringer("bssid", bssid))
		return
	}
	m.run(func() {
		if r := m.reqs.oldest(KindRoam); r != nil {
			m.post(evRoamHOFail, r.id, m.dropTo(r.id, HandoffFailed))
		}
		m.scan.Reject(bssid, "ho_fail", m.cfg.RejectTTL)
		m.post(evDisconnectReq, &disconnectCmd{
			params: DisconnectParams{
				Source:     SourceMLME,
				ReasonCode: ReasonFWRoamFailure,
				BSSID:      m.connectedBSSID(),
			},
			res: newStartResult(),
		}, nil)
	})
	m.logger.Warn("firmware handoff failed", zap.Stringer("bssid", bssid))
}
