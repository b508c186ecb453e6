package cm

// roamingEvent handles what every ROAMING sub-state shares. A new
// connect or disconnect ends every roam, the active one included.
func (m *Manager) roamingEvent(ev event, data any) bool {
	switch ev {
	case evConnectReq:
		m.flushExcept(KindRoam, false, InvalidID)
		m.reconnect(data.(*connectCmd))
		return true
	case evDisconnectReq:
		m.flushExcept(KindRoam, false, InvalidID)
		m.acceptDisconnect(data.(*disconnectCmd))
		return true
	case evRoamHOFail:
		r := m.reqs.find(data.(ID))
		if r == nil || r.kind != KindRoam {
			return false
		}
		m.roamFailToConnected(r, HandoffFailed)
		return true
	case evRoamAbort:
		rf := data.(roamFail)
		r := m.reqs.find(rf.id)
		if r == nil || r.kind != KindRoam {
			return false
		}
		m.roamFailToConnected(r, rf.reason)
		return true
	}
	return false
}

func (m *Manager) preauthEvent(ev event, data any) bool {
	switch ev {
	case evRoamStart:
		return m.roamStart(data.(ID))
	case evPreauthActive:
		return m.preauthActive(data.(ID))
	case evPreauthSuccess, evPreauthFailure:
		return m.preauthDone(data.(PreauthResponse))
	}
	return false
}

func (m *Manager) reassocEvent(ev event, data any) bool {
	switch ev {
	case evStartReassoc:
		return m.startReassoc(data.(ID))
	case evUpdateFTIEs:
		return m.updateFTIEs(data.(ftIEs))
	case evHWModeSuccess, evHWModeFailure:
		id := data.(ID)
		r := m.reqs.find(id)
		if r == nil || r.kind != KindRoam || !m.reqs.isHead(id) {
			return false
		}
		if ev == evHWModeFailure {
			m.post(evReassocFailure, roamFail{id: id, reason: HwModeFailure}, m.dropTo(id, HwModeFailure))
			return true
		}
		m.reassocSerialize(r)
		return true
	case evReassocActive:
		return m.reassocActive(data.(ID))
	case evHORoamDisconnectDone:
		return m.roamPeerCreate(data.(ID))
	case evBSSPeerCreateSuccess:
		pc := data.(peerCreated)
		r := m.reqs.find(pc.id)
		if r == nil || r.kind != KindRoam {
			return false
		}
		m.sendReassoc(r)
		return true
	case evReassocDone:
		return m.reassocDone(data.(ConnectResponse))
	case evReassocFailure:
		return m.reassocFailed(data.(roamFail))
	}
	return false
}

func (m *Manager) roamStartedEvent(ev event, data any) bool {
	switch ev {
	case evFWRoamActive:
		return m.fwRoamActive(data.(ID))
	case evRoamSync:
		r := m.reqs.newest(KindRoam)
		if r == nil {
			return false
		}
		m.roamSync(r, data.(*RoamSyncInfo))
		return true
	case evRoamInvokeFail:
		return m.roamInvokeFailed(data.(roamFail))
	}
	return false
}

func (m *Manager) roamSyncEvent(ev event, data any) bool {
	switch ev {
	case evFWRoamActive:
		id := data.(ID)
		if r := m.reqs.find(id); r == nil || r.kind != KindRoam {
			return false
		}
		m.activeID.Store(uint32(id))
		return true
	case evRoamDone:
		r := m.reqs.find(data.(ID))
		if r == nil || r.kind != KindRoam {
			return false
		}
		m.transition(StateConnected, SubNone)
		m.roamComplete(r, ReasonNone)
		return true
	}
	return false
}
