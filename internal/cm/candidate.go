package cm

import (
	"context"
	"slices"

	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap"
)

// connectFilter translates connect constraints into a scan filter.
func connectFilter(p ConnectParams) ScanFilter {
	f := ScanFilter{
		SSID:        p.SSID,
		AuthModes:   p.Crypto.AuthModes,
		AKMs:        p.Crypto.AKMs,
		Ciphers:     p.Crypto.Pairwise,
		PMFRequired: p.Crypto.PMFRequired(),
	}
	if !p.BSSID.IsZero() {
		f.BSSIDs = []models.MACAddr{p.BSSID}
	}
	if p.Freq != 0 {
		f.Freqs = []int{p.Freq}
	}
	f.Ignore6G = !p.Allow6G && !valid6GCrypto(p.Crypto)
	return f
}

// roamFilter selects reassociation targets on the connected ESS.
func roamFilter(p RoamParams) ScanFilter {
	f := ScanFilter{
		SSID:        p.SSID,
		AuthModes:   p.Crypto.AuthModes,
		AKMs:        p.Crypto.AKMs,
		Ciphers:     p.Crypto.Pairwise,
		PMFRequired: p.Crypto.PMFRequired(),
		Ignore6G:    !valid6GCrypto(p.Crypto),
	}
	if !p.BSSID.IsZero() && !p.BSSID.IsBroadcast() {
		f.BSSIDs = []models.MACAddr{p.BSSID}
	}
	if p.Freq != 0 {
		f.Freqs = []int{p.Freq}
	}
	return f
}

// valid6GCrypto mirrors models.Security.Valid6G for request parameters.
func valid6GCrypto(c models.CryptoParams) bool {
	return models.Security{AKMs: c.AKMs, RSNCaps: c.RSNCaps}.Valid6G()
}

// candidates queries the scan store and returns the ranked list.
func (m *Manager) candidates(f ScanFilter, hint models.MACAddr) ([]*models.BSS, []scoring.Candidate) {
	entries, err := m.scan.Results(context.Background(), m.vdev, f)
	if err != nil {
		m.logger.Warn("scan results unavailable", zap.Error(err))
		return nil, nil
	}
	ranked := m.scorer.Rank(entries, scoring.RankOptions{
		PCL:       m.policy.PCL(m.vdev),
		BSSIDHint: hint,
		Verdict:   m.scan.Verdict,
	})
	return entries, ranked
}

// nextConnectCandidate advances c to the next usable candidate, or keeps
// the current one when same is set. It returns nil when the list or the
// attempt budget is exhausted.
func (m *Manager) nextConnectCandidate(c *connectReq, same bool) *models.BSS {
	if c.attempts >= m.cfg.MaxConnectAttempts {
		return nil
	}
	if same && c.candidate() != nil {
		c.attempts++
		return c.candidate()
	}
	c.candidateRetries = 0
	for i := c.cur + 1; i < len(c.candidates); i++ {
		b := c.candidates[i].BSS
		if !m.policy.AllowConcurrent(m.vdev, b.Freq) {
			m.logger.Debug("candidate skipped, concurrency not allowed",
				zap.Stringer("bssid", b.BSSID), zap.Int("freq", b.Freq))
			continue
		}
		c.cur = i
		c.attempts++
		return b
	}
	c.cur = len(c.candidates)
	return nil
}

// filterPreauthCandidates drops the connected BSS and, when concurrency is
// restricted, entries whose channel cannot run alongside other vdevs.
func (m *Manager) filterPreauthCandidates(r *roamReq) {
	if r.filtered {
		return
	}
	r.filtered = true
	var connected models.MACAddr
	if m.connected != nil {
		connected = m.connected.BSSID
	}
	r.candidates = slices.DeleteFunc(r.candidates, func(c scoring.Candidate) bool {
		if c.BSS.BSSID == connected {
			return true
		}
		return m.cfg.MCCRestricted && !m.policy.AllowConcurrent(m.vdev, c.BSS.Freq)
	})
}

// nextPreauthCandidate retries the current candidate until the per
// candidate budget is spent, then moves to the next one.
func (m *Manager) nextPreauthCandidate(r *roamReq) *models.BSS {
	m.filterPreauthCandidates(r)
	if r.candidate() != nil && r.preauthRetry < m.cfg.MaxPreauthRetries {
		r.preauthRetry++
		return r.candidate()
	}
	r.cur++
	if r.cur >= len(r.candidates) {
		return nil
	}
	r.preauthRetry = 1
	return r.candidate()
}
