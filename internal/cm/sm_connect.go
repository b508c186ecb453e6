package cm

func (m *Manager) initEvent(ev event, data any) bool {
	switch ev {
	case evConnectReq:
		m.acceptConnect(data.(*connectCmd))
		return true
	case evDisconnectReq:
		// Nothing to tear down.
		if r := m.addDisconnect(data.(*disconnectCmd)); r != nil {
			m.disconnectComplete(r, ReasonNone)
		}
		return true
	case evRoamSync:
		info := data.(*RoamSyncInfo)
		if !info.MLOLink {
			return false
		}
		return m.roamSyncWithoutStart(info)
	}
	return false
}

// connectingEvent handles what every CONNECTING sub-state shares:
// failures of superseded connects and the disconnect that precedes a
// reconnect.
func (m *Manager) connectingEvent(ev event, data any) bool {
	switch ev {
	case evConnectFailure:
		cf := data.(connectFail)
		r := m.reqs.find(cf.id)
		if r == nil || r.kind != KindConnect {
			return false
		}
		if m.reqs.isHead(cf.id) {
			m.pendingConnectFailed(r, cf.reason)
			return true
		}
		m.connectComplete(r, cf.reason)
		return true
	case evDisconnectActive:
		return m.disconnectActive(data.(ID))
	case evDisconnectDone:
		return m.disconnectDone(data.(DisconnectResponse))
	}
	return false
}

func (m *Manager) joinPendingEvent(ev event, data any) bool {
	switch ev {
	case evConnectReq:
		m.flush(KindConnect, false)
		m.acceptConnect(data.(*connectCmd))
		return true
	case evConnectStart:
		m.connectStart(data.(ID))
		return true
	case evConnectScan:
		m.connectScan(data.(ID))
		return true
	case evHWModeSuccess, evHWModeFailure:
		id := data.(ID)
		r := m.reqs.find(id)
		if r == nil || r.kind != KindConnect || !m.reqs.isHead(id) {
			return false
		}
		if ev == evHWModeFailure {
			m.connectStartFail(r, HwModeFailure)
			return true
		}
		m.connectSerialize(r)
		return true
	case evConnectActive:
		return m.connectActive(data.(ID))
	case evConnectFailure:
		cf := data.(connectFail)
		if !m.reqs.isHead(cf.id) {
			return false
		}
		m.pendingConnectFailed(m.reqs.find(cf.id), cf.reason)
		return true
	case evDisconnectReq:
		m.flush(KindConnect, false)
		m.acceptDisconnect(data.(*disconnectCmd))
		return true
	}
	return false
}

func (m *Manager) scanEvent(ev event, data any) bool {
	switch ev {
	case evScanSuccess, evScanFailure:
		m.scanComplete(data.(scanDone), ev == evScanSuccess)
		return true
	case evConnectReq:
		m.cancelScan()
		m.flush(KindConnect, false)
		m.acceptConnect(data.(*connectCmd))
		return true
	case evDisconnectReq:
		m.cancelScan()
		m.flush(KindConnect, false)
		m.acceptDisconnect(data.(*disconnectCmd))
		return true
	}
	return false
}

func (m *Manager) joinActiveEvent(ev event, data any) bool {
	switch ev {
	case evConnectNextCandidate:
		id := data.(ID)
		r := m.reqs.find(id)
		if r == nil || !m.reqs.isHead(id) {
			return false
		}
		m.joinCandidate(r)
		return true
	case evBSSPeerCreateSuccess:
		pc := data.(peerCreated)
		r := m.reqs.find(pc.id)
		if r == nil || r.kind != KindConnect || !m.reqs.isHead(pc.id) {
			return false
		}
		m.joinSend(r)
		return true
	case evConnectSuccess:
		resp := data.(ConnectResponse)
		if !m.reqs.isHead(resp.ID) {
			return false
		}
		m.connectSucceeded(m.reqs.find(resp.ID), resp)
		return true
	case evConnectFailure:
		cf := data.(connectFail)
		r := m.reqs.find(cf.id)
		if r == nil || r.kind != KindConnect || !m.reqs.isHead(cf.id) {
			return false
		}
		m.connectFailed(r, cf.reason)
		return true
	case evConnectReq:
		m.flush(KindConnect, false)
		m.reconnect(data.(*connectCmd))
		return true
	case evDisconnectReq:
		// Queues behind the active connect.
		m.acceptDisconnect(data.(*disconnectCmd))
		return true
	}
	return false
}
