package cm

import (
	"fmt"
	"time"

	"github.com/HerbHall/wlancm/internal/serialization"
	"go.uber.org/zap"
)

// serialize submits a command for r. Must be called with the SM lock held:
// a direct activation posts its active event onto the current work list.
func (m *Manager) serialize(r *request, typ serialization.CmdType, timeout time.Duration, high bool) error {
	ref, err := m.iface.Acquire()
	if err != nil {
		return fmt.Errorf("serialize %s %s: %w", typ, r.id, err)
	}
	id := r.id
	r.serType = typ
	cmd := serialization.Command{
		ID:           uint32(id),
		Type:         typ,
		Vdev:         uint8(m.vdev),
		Timeout:      timeout,
		HighPriority: high,
		Callback: func(cmd serialization.Command, reason serialization.Reason) error {
			return m.serCallback(id, ref, cmd, reason)
		},
	}
	status, err := m.sched.Submit(cmd)
	if err != nil {
		r.serType = ""
		ref.Release()
		return fmt.Errorf("serialize %s %s: %w", typ, id, err)
	}
	m.logger.Debug("command submitted",
		zap.Stringer("cm_id", id),
		zap.String("type", string(typ)),
		zap.Stringer("status", status),
	)
	return nil
}

// unserialize removes whatever command r has in the scheduler.
func (m *Manager) unserialize(r *request) {
	if r.serType == "" {
		return
	}
	m.sched.Remove(uint8(m.vdev), uint32(r.id), r.serType)
	r.serType = ""
}

func (m *Manager) serCallback(id ID, ref *InterfaceRef, cmd serialization.Command, reason serialization.Reason) error {
	switch reason {
	case serialization.ReasonActivate:
		if ref.iface.IsDown() {
			return ErrInterfaceDown
		}
		ev := activeEvent(cmd.Type)
		drop := func() { m.activationDropped(id, cmd.Type) }
		if cmd.Activation == serialization.ActivationDirect {
			m.post(ev, id, drop)
			return nil
		}
		m.exec.Post(func() { m.deliver(ev, id, drop) })
	case serialization.ReasonCancel:
		m.logger.Debug("pending command cancelled",
			zap.Stringer("cm_id", id), zap.String("type", string(cmd.Type)))
	case serialization.ReasonActiveTimeout:
		m.logger.Warn("active command timed out",
			zap.Stringer("cm_id", id),
			zap.String("type", string(cmd.Type)),
			zap.Duration("timeout", cmd.Timeout),
		)
		if m.cfg.PanicOnCmdTimeout {
			m.recovery.Trigger(m.vdev, fmt.Sprintf("%s command %s timed out", cmd.Type, id))
		}
		m.exec.Post(func() { m.cmdTimeout(id, cmd.Type) })
	case serialization.ReasonReleaseMemory:
		m.activeID.CompareAndSwap(uint32(id), uint32(InvalidID))
		ref.Release()
	}
	return nil
}

func activeEvent(typ serialization.CmdType) event {
	switch typ {
	case serialization.CmdConnect:
		return evConnectActive
	case serialization.CmdDisconnect:
		return evDisconnectActive
	case serialization.CmdPreauth:
		return evPreauthActive
	case serialization.CmdReassoc:
		return evReassocActive
	}
	return evFWRoamActive
}

// activationDropped completes a request whose active event no state
// accepted. A request that is already gone only needs its command removed.
func (m *Manager) activationDropped(id ID, typ serialization.CmdType) {
	r := m.reqs.find(id)
	if r == nil {
		m.sched.Remove(uint8(m.vdev), uint32(id), typ)
		return
	}
	m.logger.Info("activation not accepted in current state",
		zap.Stringer("cm_id", id),
		zap.String("state", stateName(m.state, m.sub)),
	)
	switch r.kind {
	case KindConnect:
		m.connectComplete(r, AbortDueToNewRequest)
	case KindDisconnect:
		m.disconnectComplete(r, ReasonNone)
	case KindRoam:
		m.roamComplete(r, RoamAborted)
	}
}

// cmdTimeout turns an active-command timeout into the failure event of
// the matching flow. Runs on the executor.
func (m *Manager) cmdTimeout(id ID, typ serialization.CmdType) {
	switch typ {
	case serialization.CmdConnect:
		m.deliver(evConnectFailure, connectFail{id: id, reason: SerializationTimeout}, m.dropTo(id, SerializationTimeout))
	case serialization.CmdDisconnect:
		m.deliver(evDisconnectDone, DisconnectResponse{ID: id, Reason: SerializationTimeout}, m.dropTo(id, SerializationTimeout))
	case serialization.CmdPreauth:
		m.deliver(evPreauthFailure, PreauthResponse{ID: id, Reason: SerializationTimeout}, m.dropTo(id, SerializationTimeout))
	case serialization.CmdReassoc:
		m.deliver(evReassocFailure, roamFail{id: id, reason: SerializationTimeout}, m.dropTo(id, SerializationTimeout))
	case serialization.CmdRoam:
		m.deliver(evRoamAbort, roamFail{id: id, reason: SerializationTimeout}, m.dropTo(id, SerializationTimeout))
	}
}
