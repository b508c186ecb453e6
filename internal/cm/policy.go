package cm

import (
	"maps"
	"sync"

	"github.com/HerbHall/wlancm/pkg/models"
)

// PolicyConfig is the "policy" section: the channel rules between station
// vdevs and the preferred channel list used for ranking.
type PolicyConfig struct {
	// PCL weights preferred frequencies (MHz) from 0 to 255.
	PCL map[int]int `mapstructure:"pcl"`
	// AllowMCC permits vdevs on different channels of one band.
	AllowMCC bool `mapstructure:"allow_mcc"`
	// AllowDBS permits vdevs on different bands at the same time.
	AllowDBS bool `mapstructure:"allow_dbs"`
}

// ConfigPolicy is the PolicyManager the module runs with unless one is
// supplied. It learns the operating frequency of every vdev from the
// completions it is notified of and never calls back into a Manager.
type ConfigPolicy struct {
	cfg PolicyConfig

	mu    sync.Mutex
	freqs map[VdevID]int
}

var (
	_ PolicyManager = (*ConfigPolicy)(nil)
	_ Notifier      = (*ConfigPolicy)(nil)
)

// NewConfigPolicy returns a policy that knows of no associated vdev yet.
func NewConfigPolicy(cfg PolicyConfig) *ConfigPolicy {
	return &ConfigPolicy{cfg: cfg, freqs: make(map[VdevID]int)}
}

func (p *ConfigPolicy) PCL(VdevID) map[int]int { return maps.Clone(p.cfg.PCL) }

// AllowConcurrent reports whether vdev may use freq given the frequencies
// the other vdevs are associated on. Sharing a channel is always allowed.
func (p *ConfigPolicy) AllowConcurrent(vdev VdevID, freq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	band := models.BandFromFreq(freq)
	for other, f := range p.freqs {
		if other == vdev || f == freq {
			continue
		}
		if models.BandFromFreq(f) == band {
			if !p.cfg.AllowMCC {
				return false
			}
			continue
		}
		if !p.cfg.AllowDBS {
			return false
		}
	}
	return true
}

// HWModeChange never defers a request; the lower MAC switches modes as
// part of the join.
func (p *ConfigPolicy) HWModeChange(VdevID, int, ID) (bool, error) { return false, nil }

// OperatingFreq returns the frequency vdev is associated on, or 0.
func (p *ConfigPolicy) OperatingFreq(vdev VdevID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freqs[vdev]
}

func (p *ConfigPolicy) set(vdev VdevID, freq int) {
	if freq == 0 {
		return
	}
	p.mu.Lock()
	p.freqs[vdev] = freq
	p.mu.Unlock()
}

func (p *ConfigPolicy) forget(vdev VdevID) {
	p.mu.Lock()
	delete(p.freqs, vdev)
	p.mu.Unlock()
}

func (p *ConfigPolicy) ConnectComplete(r ConnectResult) {
	if r.OK() {
		p.set(r.Vdev, r.Freq)
	}
}

func (p *ConfigPolicy) DisconnectComplete(r DisconnectResult) { p.forget(r.Vdev) }

func (p *ConfigPolicy) RoamComplete(r RoamResult) {
	if r.OK() {
		p.set(r.Vdev, r.Freq)
	}
}

func (p *ConfigPolicy) StateChanged(s StateChange) {
	if s.To == StateInit.String() {
		p.forget(s.Vdev)
	}
}
