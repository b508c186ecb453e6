package scoring

import (
	"testing"

	"github.com/HerbHall/wlancm/pkg/models"
)

func newTestScorer() *Scorer {
	return New(DefaultConfig(), DefaultCapabilities(), nil)
}

func bss(mac string, freq, rssi int) *models.BSS {
	return &models.BSS{
		BSSID:        models.MustParseMAC(mac),
		SSID:         "Net1",
		Freq:         freq,
		RSSI:         rssi,
		ChannelWidth: models.Width80,
		NSS:          2,
		HT:           true,
		VHT:          true,
		HE:           true,
		Beamformee:   true,
	}
}

func TestRSSIPct(t *testing.T) {
	s := newTestScorer()
	tests := []struct {
		rssi int
		want int
	}{
		{-40, 100},
		{-54, 100},
		{-55, 95},
		{-60, 90},
		{-69, 85},
		{-70, 52},
		{-75, 52},
		{-79, 52},
		{-80, 25},
		{-95, 25},
	}
	for _, tt := range tests {
		if got := s.RSSIPct(tt.rssi); got != tt.want {
			t.Errorf("RSSIPct(%d) = %d, want %d", tt.rssi, got, tt.want)
		}
	}
}

func TestScore_ReferenceEntry(t *testing.T) {
	s := newTestScorer()
	b := bss("02:00:00:00:00:01", 5180, -50)

	// rssi 2000, ht 200, vht 100, he 200, width 600, beamforming 200,
	// congestion 250, band 200, oce 100, nss 400.
	if got := s.Score(b, 0, models.MACAddr{}); got != 4250 {
		t.Errorf("Score() = %d, want 4250", got)
	}
}

func TestScore_BSSIDHint(t *testing.T) {
	s := newTestScorer()
	b := bss("02:00:00:00:00:01", 2412, -90)
	if got := s.Score(b, 0, b.BSSID); got != BestCandidateScore {
		t.Errorf("Score() with hint = %d, want %d", got, BestCandidateScore)
	}
}

func TestScore_PCLBonus(t *testing.T) {
	s := newTestScorer()
	b := bss("02:00:00:00:00:01", 5180, -60)
	base := s.Score(b, 0, models.MACAddr{})
	with := s.Score(b, 255, models.MACAddr{})
	if with-base != 1000 {
		t.Errorf("PCL bonus = %d, want 1000", with-base)
	}
}

func TestRank_OrderAndTieBreak(t *testing.T) {
	s := newTestScorer()
	weak := bss("02:00:00:00:00:01", 5180, -78)
	strongA := bss("02:00:00:00:00:02", 5180, -50)
	strongB := bss("02:00:00:00:00:03", 5180, -40)

	got := s.Rank([]*models.BSS{weak, strongA, strongB}, RankOptions{})
	if len(got) != 3 {
		t.Fatalf("Rank() returned %d entries, want 3", len(got))
	}
	if got[0].Score != got[1].Score {
		t.Fatalf("expected equal scores for strong entries, got %d and %d", got[0].Score, got[1].Score)
	}
	if got[0].BSS != strongB || got[1].BSS != strongA || got[2].BSS != weak {
		t.Errorf("unexpected order: %s %s %s", got[0].BSS.BSSID, got[1].BSS.BSSID, got[2].BSS.BSSID)
	}
}

func TestRank_RejectList(t *testing.T) {
	s := newTestScorer()
	avoid := bss("02:00:00:00:00:01", 5180, -40)
	remove := bss("02:00:00:00:00:02", 5180, -40)
	ok := bss("02:00:00:00:00:03", 5180, -85)

	got := s.Rank([]*models.BSS{avoid, remove, ok}, RankOptions{
		Verdict: func(b *models.BSS) Action {
			switch b {
			case avoid:
				return ActionAvoid
			case remove:
				return ActionRemove
			}
			return ActionNone
		},
	})
	if len(got) != 2 {
		t.Fatalf("Rank() returned %d entries, want 2", len(got))
	}
	if got[0].BSS != ok {
		t.Errorf("first candidate = %s, want %s", got[0].BSS.BSSID, ok.BSSID)
	}
	if got[1].BSS != avoid || got[1].Score != AvoidScore {
		t.Errorf("avoid-listed entry = %+v, want score %d at tail", got[1], AvoidScore)
	}
}

func TestRank_PCLIgnoredForWeakEntries(t *testing.T) {
	s := newTestScorer()
	weak := bss("02:00:00:00:00:01", 5180, -78)
	pcl := map[int]int{5180: 255}

	without := s.Rank([]*models.BSS{weak}, RankOptions{})
	with := s.Rank([]*models.BSS{weak}, RankOptions{PCL: pcl})
	if with[0].Score != without[0].Score {
		t.Errorf("PCL applied below threshold: %d vs %d", with[0].Score, without[0].Score)
	}
}
