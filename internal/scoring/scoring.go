// Package scoring ranks scan entries for station-mode candidate selection.
package scoring

import (
	"cmp"
	"slices"

	"github.com/HerbHall/wlancm/pkg/models"
	"go.uber.org/zap"
)

const (
	maxPct = 100

	// BestCandidateScore is given to the entry matching the BSSID hint.
	BestCandidateScore = 200 * maxPct
	// AvoidScore keeps avoid-listed entries at the tail of the ranking.
	AvoidScore = 1

	pclRSSIThreshold         = -75
	maxPCLWeight             = 255
	pclGroupWeightDifference = 20
	congestionThresholdBand  = 75
	maxScoreIndex            = 15
)

// Action is the reject-list verdict for one entry.
type Action int

const (
	ActionNone Action = iota
	ActionAvoid
	ActionRemove
)

// Candidate is a scored scan entry.
type Candidate struct {
	BSS   *models.BSS `json:"bss"`
	Score int         `json:"score"`
}

// RankOptions carries the per-request inputs to Rank.
type RankOptions struct {
	// PCL maps frequency (MHz) to the policy manager's channel weight (0-255).
	PCL       map[int]int
	BSSIDHint models.MACAddr
	// Verdict reports the reject-list action for an entry. Nil means none.
	Verdict func(*models.BSS) Action
}

// Scorer computes BSS scores for one station capability set.
type Scorer struct {
	cfg    Config
	caps   Capabilities
	logger *zap.Logger
}

// New creates a Scorer. A nil logger disables debug output.
func New(cfg Config, caps Capabilities, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CongestionSlots > maxScoreIndex {
		cfg.CongestionSlots = maxScoreIndex
	}
	if cfg.OCEWANSlots > maxScoreIndex {
		cfg.OCEWANSlots = maxScoreIndex
	}
	return &Scorer{cfg: cfg, caps: caps, logger: logger}
}

// Rank scores every entry, drops removed ones and returns the rest
// ordered best first. Equal scores are ordered by stronger RSSI.
func (s *Scorer) Rank(entries []*models.BSS, opts RankOptions) []Candidate {
	out := make([]Candidate, 0, len(entries))
	for _, b := range entries {
		action := ActionNone
		if opts.Verdict != nil {
			action = opts.Verdict(b)
		}
		switch action {
		case ActionRemove:
			s.logger.Debug("candidate reject-listed, removed",
				zap.Stringer("bssid", b.BSSID), zap.Int("freq", b.Freq))
			continue
		case ActionAvoid:
			out = append(out, Candidate{BSS: b, Score: AvoidScore})
			continue
		}

		pclWeight := 0
		if len(opts.PCL) > 0 && b.RSSI > pclRSSIThreshold && s.cfg.Weights.PCL > 0 {
			pclWeight = opts.PCL[b.Freq]
		}
		out = append(out, Candidate{BSS: b, Score: s.Score(b, pclWeight, opts.BSSIDHint)})
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.BSS.RSSI, a.BSS.RSSI)
	})
	return out
}

// Score computes the score of one entry.
func (s *Scorer) Score(b *models.BSS, pclWeight int, hint models.MACAddr) int {
	w := s.cfg.Weights
	if s.cfg.BSSIDHintPriority && !hint.IsZero() && hint == b.BSSID {
		return BestCandidateScore
	}

	band := b.Band()
	is6G := band == models.Band6G
	is2G := band == models.Band2G

	rssiScore := s.rssiScore(b.RSSI)
	pclScore := pclScore(pclWeight, w.PCL)
	prorated := s.proratedPct(b.RSSI)

	var htScore, vhtScore, heScore int
	if s.caps.HT && (b.HT || is6G) {
		htScore = prorated * w.HT
	}
	isVHT := s.caps.VHT
	if is2G {
		isVHT = s.caps.VHT24G
	}
	if isVHT && (b.VHT || is6G) {
		vhtScore = prorated * w.VHT
	}
	if s.caps.HE && b.HE {
		heScore = prorated * w.HE
	}

	widthScore := s.widthScore(b, isVHT, prorated)

	sameBucket := false
	if b.RSSI < s.cfg.RSSI.Good {
		sameBucket = sameRSSIBucket(s.cfg.RSSI.Good, b.RSSI, s.cfg.RSSI.Pref5G, s.cfg.RSSI.BadBucket)
	}
	strong := b.RSSI > s.cfg.RSSI.Pref5G && !sameBucket

	var bfScore int
	if s.caps.Beamformee && isVHT && b.Beamformee && strong {
		bfScore = maxPct * w.Beamforming
	}

	congestionScore := s.congestionScore(b)

	var bandScore, oceScore int
	if b.ChannelCongestion < congestionThresholdBand {
		if strong {
			if !is2G {
				bandScore = s.bandScore(band)
			}
		} else if is2G {
			bandScore = s.bandScore(band)
		}
		oceScore = s.oceWANScore(b)
	}

	nssScore := s.nssScore(b, prorated)

	total := rssiScore + pclScore + htScore + vhtScore + heScore + widthScore +
		bfScore + congestionScore + bandScore + oceScore + nssScore

	s.logger.Debug("candidate scored",
		zap.Stringer("bssid", b.BSSID),
		zap.Int("freq", b.Freq),
		zap.Int("rssi", b.RSSI),
		zap.Int("rssi_score", rssiScore),
		zap.Int("pcl_score", pclScore),
		zap.Int("width_score", widthScore),
		zap.Int("nss_score", nssScore),
		zap.Int("congestion_score", congestionScore),
		zap.Int("total", total),
	)
	return total
}

// RSSIPct returns the RSSI percentage for a level, used by Score and
// exposed for diagnostics.
func (s *Scorer) RSSIPct(rssi int) int {
	r := s.cfg.RSSI
	switch {
	case rssi > r.Best:
		return maxPct
	case rssi <= r.Bad:
		return r.BadPct
	case rssi > r.Good:
		return pctForSlot(r.Best, r.Good, maxPct, r.GoodPct, r.GoodBucket, rssi)
	default:
		return pctForSlot(r.Good, r.Bad, r.GoodPct, r.BadPct, r.BadBucket, rssi)
	}
}

func (s *Scorer) rssiScore(rssi int) int {
	return s.cfg.Weights.RSSI * s.RSSIPct(rssi)
}

// pctForSlot walks down from highPct toward lowPct one step per bucket
// below the window's top threshold.
func pctForSlot(high, low, highPct, lowPct, bucket, rssi int) int {
	if bucket <= 0 {
		return lowPct
	}
	numSlot := (high-low)/bucket + 1
	slotSize := ((highPct - lowPct) + numSlot/2) / numSlot
	slotIndex := (high-rssi)/bucket + 1
	pct := highPct - slotSize*slotIndex
	if pct < lowPct {
		pct = lowPct
	}
	return pct
}

func sameRSSIBucket(top, ref1, ref2, bucket int) bool {
	if bucket <= 0 {
		return false
	}
	return (top-ref1)/bucket == (top-ref2)/bucket
}

// proratedPct scales the capability components so a weak entry does not
// win on capabilities alone.
func (s *Scorer) proratedPct(rssi int) int {
	r := s.cfg.RSSI
	if rssi > r.Good {
		return maxPct
	}
	if sameRSSIBucket(r.Good, rssi, r.Pref5G, r.BadBucket) || rssi < r.Pref5G {
		return 0
	}
	if rssi <= r.Bad {
		return 0
	}
	return pctForSlot(r.Good, r.Bad, r.GoodPct, r.BadPct, r.BadBucket, rssi)
}

func pclScore(pclWeight, weight int) int {
	if pclWeight == 0 {
		return 0
	}
	score := weight - (maxPCLWeight-pclWeight)/pclGroupWeightDifference
	if score < 0 {
		score = 0
	}
	return score * maxPct
}

func (s *Scorer) widthScore(b *models.BSS, isVHT bool, prorated int) int {
	idx := 0
	switch {
	case b.ChannelWidth >= models.Width160:
		idx = 3
	case b.ChannelWidth >= models.Width80:
		idx = 2
	case b.ChannelWidth >= models.Width40:
		idx = 1
	}
	if !s.caps.HT && idx > 0 {
		idx = 0
	}
	if !isVHT && idx > 1 {
		idx = 1
	}
	above20 := s.caps.BWAbove20In5G
	if b.Band() == models.Band2G {
		above20 = s.caps.BWAbove20In2G
	}
	if !above20 {
		idx = 0
	}
	return prorated * s.cfg.WidthPct[idx] * s.cfg.Weights.ChanWidth / maxPct
}

func (s *Scorer) bandScore(band models.Band) int {
	var idx int
	switch band {
	case models.Band2G:
		idx = 0
	case models.Band5G:
		idx = 1
	case models.Band6G:
		idx = 2
	default:
		return 0
	}
	return s.cfg.Weights.Band * s.cfg.BandPct[idx]
}

func (s *Scorer) congestionScore(b *models.BSS) int {
	slots := s.cfg.CongestionSlots
	if slots <= 0 {
		return 0
	}
	w := s.cfg.Weights.ChanCongestion
	if b.RSSI <= s.cfg.RSSI.Good {
		return w * s.cfg.CongestionPct[slots]
	}
	if b.ChannelCongestion <= 0 {
		return w * s.cfg.CongestionPct[0]
	}
	window := maxPct / slots
	idx := b.ChannelCongestion/window + 1
	if idx > slots {
		idx = slots
	}
	return w * s.cfg.CongestionPct[idx]
}

func (s *Scorer) oceWANScore(b *models.BSS) int {
	slots := s.cfg.OCEWANSlots
	if slots <= 0 {
		return 0
	}
	idx := 0
	if b.OCEWANMetric > 0 {
		idx = b.OCEWANMetric / (maxScoreIndex / slots)
	}
	if idx > slots {
		idx = slots
	}
	return s.cfg.Weights.OCEWAN * s.cfg.OCEWANPct[idx]
}

func (s *Scorer) nssScore(b *models.BSS, prorated int) int {
	sta := s.caps.NSS5G
	if b.Band() == models.Band2G {
		sta = s.caps.NSS2G
	}
	nss := b.NSS
	if sta < nss {
		nss = sta
	}
	idx := 0
	switch {
	case nss >= 4:
		idx = 3
	case nss == 3:
		idx = 2
	case nss == 2:
		idx = 1
	}
	return s.cfg.Weights.NSS * s.cfg.NSSPct[idx] * prorated / maxPct
}
