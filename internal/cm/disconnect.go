package cm

import (
	"fmt"

	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap"
)

type disconnectCmd struct {
	params DisconnectParams
	done   chan DisconnectResult
	res    *startResult
}

func (m *Manager) addDisconnect(cmd *disconnectCmd) *request {
	r := &request{kind: KindDisconnect, disconnect: &disconnectReq{params: cmd.params, done: cmd.done}}
	id, err := m.addRequest(r)
	if err != nil {
		cmd.res.reject(err)
		return nil
	}
	cmd.res.accept(id)
	return r
}

// acceptDisconnect stores the disconnect and moves to DISCONNECTING.
func (m *Manager) acceptDisconnect(cmd *disconnectCmd) {
	r := m.addDisconnect(cmd)
	if r == nil {
		return
	}
	m.transition(StateDisconnecting, SubNone)
	m.post(evDisconnectStart, r.id, nil)
}

// internalDisconnect queues a disconnect the manager needs before a new
// connect can run. The caller moves the state on.
func (m *Manager) internalDisconnect(src DisconnectSource, code ReasonCode) error {
	cmd := &disconnectCmd{
		params: DisconnectParams{Source: src, ReasonCode: code, BSSID: m.connectedBSSID()},
		res:    newStartResult(),
	}
	r := m.addDisconnect(cmd)
	if r == nil {
		return fmt.Errorf("internal disconnect: %w", cmd.res.err)
	}
	m.disconnectStart(r.id)
	return nil
}

// disconnectStart serializes the disconnect. Peer and MLME initiated
// disconnects jump the pending queue.
func (m *Manager) disconnectStart(id ID) {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindDisconnect {
		m.logger.Error("disconnect start for unknown request", zap.Stringer("cm_id", id))
		return
	}
	src := r.disconnect.params.Source
	high := src == SourcePeer || src == SourceMLME
	if err := m.serialize(r, serialization.CmdDisconnect, m.cfg.DisconnectTimeout, high); err != nil {
		m.logger.Warn("disconnect serialization failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.post(evDisconnectDone, DisconnectResponse{ID: id, Reason: SerializationFailure},
			m.dropTo(id, SerializationFailure))
	}
}

// disconnectActive sends the link down request once the disconnect is
// granted.
func (m *Manager) disconnectActive(id ID) bool {
	r := m.reqs.find(id)
	if r == nil || r.kind != KindDisconnect {
		return false
	}
	m.activeID.Store(uint32(id))
	p := r.disconnect.params
	bssid := p.BSSID
	if bssid.IsZero() {
		bssid = m.connectedBSSID()
	}
	m.logger.Info("disconnecting",
		zap.Stringer("cm_id", id),
		zap.Stringer("bssid", bssid),
		zap.Stringer("source", p.Source),
		zap.Uint16("reason_code", uint16(p.ReasonCode)),
	)
	err := m.lmac.Disconnect(m.vdev, LinkDownRequest{
		ID:         id,
		BSSID:      bssid,
		Source:     p.Source,
		ReasonCode: p.ReasonCode,
	})
	if err != nil {
		// The link is treated as down either way.
		m.logger.Warn("link down request failed", zap.Stringer("cm_id", id), zap.Error(err))
		m.post(evDisconnectDone, DisconnectResponse{ID: id, BSSID: bssid}, m.dropTo(id, ReasonNone))
	}
	return true
}

// disconnectDone completes the disconnect named by resp.
func (m *Manager) disconnectDone(resp DisconnectResponse) bool {
	r := m.reqs.find(resp.ID)
	if r == nil || r.kind != KindDisconnect {
		return false
	}
	m.disconnectComplete(r, resp.Reason)
	m.connected = nil
	return true
}

func (m *Manager) connectedBSSID() models.MACAddr {
	if m.connected != nil {
		return m.connected.BSSID
	}
	return models.MACAddr{}
}

// DisconnectResponse reports that the lower layer left the BSS. Responses
// for the reassoc's roam disconnect continue the roam.
func (m *Manager) DisconnectResponse(resp DisconnectResponse) error {
	var err error
	m.run(func() {
		r := m.reqs.find(resp.ID)
		if r == nil {
			m.metrics.staleResponse(m.vdev, resp.ID.Kind())
			err = fmt.Errorf("disconnect response %s: %w", resp.ID, ErrNotFound)
			return
		}
		switch r.kind {
		case KindRoam:
			if resp.ID != m.ActiveID() {
				m.staleResponse(r, "roam_disconnect")
				return
			}
			m.post(evHORoamDisconnectDone, resp.ID, m.dropTo(resp.ID, GenericFailure))
		case KindDisconnect:
			m.post(evDisconnectDone, resp, m.dropTo(resp.ID, resp.Reason))
		default:
			m.metrics.staleResponse(m.vdev, r.kind)
			err = fmt.Errorf("disconnect response %s: %w", resp.ID, ErrNotFound)
		}
	})
	return err
}
