package cm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// addRequest stores r and opens its span.
func (m *Manager) addRequest(r *request) (ID, error) {
	r.created = time.Now()
	id, err := m.reqs.add(r)
	if err != nil {
		m.logger.Warn("request rejected",
			zap.Stringer("kind", r.kind),
			zap.Int("outstanding", m.reqs.size()),
			zap.Error(err),
		)
		return InvalidID, err
	}
	_, r.span = m.tracer.Start(context.Background(), "cm."+r.kind.String(),
		trace.WithAttributes(
			attribute.String("cm.id", id.String()),
			attribute.Int("cm.vdev", int(m.vdev)),
		),
	)
	m.metrics.requestAdded(m.vdev, r.kind)
	m.logger.Info("request queued",
		zap.Stringer("cm_id", id),
		zap.Stringer("kind", r.kind),
		zap.String("state", stateName(m.state, m.sub)),
	)
	return id, nil
}

// finish releases everything r holds: its scheduler command, its list
// entry and its span.
func (m *Manager) finish(r *request, reason FailReason) {
	m.unserialize(r)
	m.reqs.remove(r.id)
	m.metrics.completed(m.vdev, r.kind, reason)

	fields := []zap.Field{
		zap.Stringer("cm_id", r.id),
		zap.Stringer("kind", r.kind),
		zap.Stringer("reason", reason),
		zap.Duration("elapsed", time.Since(r.created)),
	}
	switch {
	case reason == ReasonNone:
		m.logger.Info("request completed", fields...)
	case reason.unexpected():
		m.logger.Error("request failed", fields...)
	default:
		m.logger.Warn("request failed", fields...)
	}

	if r.span != nil {
		r.span.SetAttributes(attribute.String("cm.reason", reason.String()))
		if reason != ReasonNone {
			r.span.RecordError(reason)
			r.span.SetStatus(codes.Error, reason.String())
		}
		r.span.End()
		r.span = nil
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// connectComplete reports r and then completes connects that failed
// earlier while a disconnect was outstanding.
func (m *Manager) connectComplete(r *request, reason FailReason) {
	m.completeConnect(r, reason)
	m.flush(KindConnect, true)
}

func (m *Manager) completeConnect(r *request, reason FailReason) {
	c := r.connect
	stopTimer(c.scanTimer)
	res := ConnectResult{
		Vdev:      m.vdev,
		ID:        r.id,
		SSID:      c.params.SSID,
		BSSID:     c.params.BSSID,
		Reason:    reason,
		Attempts:  c.attempts,
		Completed: time.Now(),
	}
	if b := c.candidate(); b != nil {
		res.BSSID = b.BSSID
		res.Freq = b.Freq
	}
	m.finish(r, reason)
	m.later(func() { m.notify.ConnectComplete(res) })
}

func (m *Manager) disconnectComplete(r *request, reason FailReason) {
	d := r.disconnect
	res := DisconnectResult{
		Vdev:       m.vdev,
		ID:         r.id,
		BSSID:      d.params.BSSID,
		Source:     d.params.Source,
		ReasonCode: d.params.ReasonCode,
		Reason:     reason,
		Completed:  time.Now(),
	}
	m.finish(r, reason)
	if d.done != nil {
		select {
		case d.done <- res:
		default:
		}
	}
	m.later(func() { m.notify.DisconnectComplete(res) })
}

func (m *Manager) roamComplete(r *request, reason FailReason) {
	rr := r.roam
	stopTimer(rr.reassocTimer)
	res := RoamResult{
		Vdev:        m.vdev,
		ID:          r.id,
		SSID:        rr.params.SSID,
		BSSID:       rr.params.BSSID,
		PrevBSSID:   rr.params.PrevBSSID,
		Freq:        rr.params.Freq,
		Source:      rr.params.Source,
		Reason:      reason,
		FromConnect: rr.fromConnect,
		SelfReassoc: rr.selfReassoc,
		Completed:   time.Now(),
	}
	if b := rr.candidate(); b != nil {
		res.BSSID = b.BSSID
		res.Freq = b.Freq
	}
	m.finish(r, reason)
	m.later(func() { m.notify.RoamComplete(res) })
}

func (m *Manager) completeAny(r *request, reason FailReason) {
	switch r.kind {
	case KindConnect:
		m.connectComplete(r, reason)
	case KindDisconnect:
		m.disconnectComplete(r, reason)
	case KindRoam:
		m.roamComplete(r, reason)
	}
}

// flush completes every request of kind except the active one. Flushed
// connects and roams report AbortDueToNewRequest, or the failure they
// were parked with; flushed disconnects report success.
func (m *Manager) flush(kind Kind, onlyFailed bool) {
	m.flushExcept(kind, onlyFailed, ID(m.activeID.Load()))
}

func (m *Manager) flushExcept(kind Kind, onlyFailed bool, skip ID) {
	for _, r := range m.reqs.take(kind, onlyFailed, skip) {
		m.logger.Debug("flushing request",
			zap.Stringer("cm_id", r.id), zap.Bool("failed_req", r.failed))
		switch r.kind {
		case KindConnect:
			reason := AbortDueToNewRequest
			if r.failed && r.connect.failReason != ReasonNone {
				reason = r.connect.failReason
			}
			m.completeConnect(r, reason)
		case KindDisconnect:
			m.disconnectComplete(r, ReasonNone)
		case KindRoam:
			m.roamComplete(r, AbortDueToNewRequest)
		}
	}
}
