package cm

func (m *Manager) connectedEvent(ev event, data any) bool {
	switch ev {
	case evConnectReq:
		cmd := data.(*connectCmd)
		if m.isReassocRequest(cmd.params) {
			m.post(evRoamReq, &roamCmd{
				params:      roamFromConnect(cmd.params),
				fromConnect: true,
				res:         cmd.res,
			}, nil)
			return true
		}
		m.reconnect(cmd)
		return true
	case evDisconnectReq:
		m.acceptDisconnect(data.(*disconnectCmd))
		return true
	case evRoamReq:
		m.roamRequest(data.(*roamCmd))
		return true
	case evFWRoamStart:
		m.fwRoamStart(data.(*roamCmd))
		return true
	case evRoamSync:
		return m.roamSyncWithoutStart(data.(*RoamSyncInfo))
	}
	return false
}

func (m *Manager) disconnectingEvent(ev event, data any) bool {
	switch ev {
	case evConnectReq:
		m.flush(KindConnect, false)
		m.acceptConnect(data.(*connectCmd))
		return true
	case evDisconnectReq:
		m.flush(KindConnect, true)
		m.flush(KindDisconnect, false)
		if r := m.addDisconnect(data.(*disconnectCmd)); r != nil {
			m.disconnectStart(r.id)
		}
		return true
	case evDisconnectStart:
		m.disconnectStart(data.(ID))
		return true
	case evDisconnectActive:
		return m.disconnectActive(data.(ID))
	case evDisconnectDone:
		if !m.disconnectDone(data.(DisconnectResponse)) {
			return false
		}
		m.flush(KindConnect, true)
		if m.reqs.count(KindDisconnect) == 0 {
			m.transition(StateInit, SubNone)
		}
		return true
	case evConnectFailure:
		cf := data.(connectFail)
		r := m.reqs.find(cf.id)
		if r == nil || r.kind != KindConnect {
			return false
		}
		m.connectComplete(r, cf.reason)
		return true
	}
	return false
}
