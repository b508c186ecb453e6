package scan

import (
	"slices"
	"sync"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/pkg/models"
)

// Reject reasons with a softer verdict than removal.
const (
	ReasonKickout = "kickout"
)

type rejectEntry struct {
	reason  string
	expires time.Time
}

// Reject is one avoid-list entry as reported by Cache.Rejects.
type Reject struct {
	BSSID   models.MACAddr `json:"bssid"`
	Reason  string         `json:"reason"`
	Expires time.Time      `json:"expires_at"`
}

// Cache holds the most recent scan entry per BSSID and the avoid list.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[models.MACAddr]*models.BSS
	rejects map[models.MACAddr]rejectEntry
	maxAge  time.Duration
	now     func() time.Time
}

// NewCache creates a cache. Entries older than maxAge are not returned;
// zero keeps them forever.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		entries: make(map[models.MACAddr]*models.BSS),
		rejects: make(map[models.MACAddr]rejectEntry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Put stores copies of entries, replacing older entries of the same BSSID.
// Entries without SeenAt are stamped with the current time.
func (c *Cache) Put(entries ...*models.BSS) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range entries {
		if b == nil || b.BSSID.IsZero() {
			continue
		}
		e := b.Clone()
		if e.SeenAt.IsZero() {
			e.SeenAt = now
		}
		c.entries[e.BSSID] = e
	}
}

// Delete removes the entry of bssid.
func (c *Cache) Delete(bssid models.MACAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[bssid]
	delete(c.entries, bssid)
	return ok
}

// Flush drops every entry. The avoid list is kept.
func (c *Cache) Flush() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of fresh entries.
func (c *Cache) Len() int {
	return len(c.Query(cm.ScanFilter{}))
}

// Query returns copies of the fresh entries matching f, strongest first.
func (c *Cache) Query(f cm.ScanFilter) []*models.BSS {
	now := c.now()
	c.mu.RLock()
	out := make([]*models.BSS, 0, len(c.entries))
	for _, b := range c.entries {
		if c.maxAge > 0 && now.Sub(b.SeenAt) > c.maxAge {
			continue
		}
		if Match(b, f) {
			out = append(out, b.Clone())
		}
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.BSS) int {
		if a.RSSI != b.RSSI {
			return b.RSSI - a.RSSI
		}
		return slices.Compare(a.BSSID[:], b.BSSID[:])
	})
	return out
}

// Prune drops entries older than maxAge and expired rejects, returning how
// many entries went away.
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	if c.maxAge > 0 {
		for k, b := range c.entries {
			if now.Sub(b.SeenAt) > c.maxAge {
				delete(c.entries, k)
				n++
			}
		}
	}
	for k, r := range c.rejects {
		if !now.Before(r.expires) {
			delete(c.rejects, k)
		}
	}
	return n
}

// Reject avoid-lists bssid for ttl.
func (c *Cache) Reject(bssid models.MACAddr, reason string, ttl time.Duration) {
	c.mu.Lock()
	c.rejects[bssid] = rejectEntry{reason: reason, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Rejects lists the active avoid-list entries.
func (c *Cache) Rejects() []Reject {
	now := c.now()
	c.mu.RLock()
	out := make([]Reject, 0, len(c.rejects))
	for k, r := range c.rejects {
		if now.Before(r.expires) {
			out = append(out, Reject{BSSID: k, Reason: r.reason, Expires: r.expires})
		}
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Reject) int { return slices.Compare(a.BSSID[:], b.BSSID[:]) })
	return out
}

// Verdict reports how the ranking treats b. A kicked-out BSS is only
// deprioritized; any other reject removes it from the candidate list.
func (c *Cache) Verdict(b *models.BSS) scoring.Action {
	c.mu.RLock()
	r, ok := c.rejects[b.BSSID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(r.expires) {
		return scoring.ActionNone
	}
	if r.reason == ReasonKickout {
		return scoring.ActionAvoid
	}
	return scoring.ActionRemove
}

// Match reports whether b satisfies f.
func Match(b *models.BSS, f cm.ScanFilter) bool {
	if f.SSID != "" && b.SSID != f.SSID {
		return false
	}
	if len(f.BSSIDs) > 0 && !slices.Contains(f.BSSIDs, b.BSSID) {
		return false
	}
	if len(f.Freqs) > 0 && !slices.Contains(f.Freqs, b.Freq) {
		return false
	}
	if f.Ignore6G && b.Band() == models.Band6G {
		return false
	}
	sec := b.Security
	if f.AuthModes != 0 {
		modes := sec.AuthModes
		if sec.IsOpen() {
			modes |= models.AuthOpen
		}
		if modes&f.AuthModes == 0 {
			return false
		}
	}
	if len(f.AKMs) > 0 && !intersects(sec.AKMs, f.AKMs) {
		return false
	}
	if len(f.Ciphers) > 0 && !intersects(sec.Ciphers, f.Ciphers) {
		return false
	}
	if f.PMFRequired && sec.RSNCaps&(models.RSNCapMFPCapable|models.RSNCapMFPRequired) == 0 {
		return false
	}
	return true
}

func intersects[T comparable](have, want []T) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
