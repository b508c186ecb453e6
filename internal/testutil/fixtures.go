// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/store"
	"github.com/HerbHall/wlancm/pkg/models"
)

// NewBSS returns a scan entry with sensible defaults, suitable for test
// fixtures: an open 5 GHz HT/VHT access point on channel 36.
func NewBSS(opts ...func(*models.BSS)) *models.BSS {
	b := &models.BSS{
		BSSID:        models.MustParseMAC("00:11:22:33:44:55"),
		SSID:         "test-ssid",
		Freq:         5180,
		RSSI:         -55,
		ChannelWidth: models.Width80,
		NSS:          2,
		HT:           true,
		VHT:          true,
		SeenAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithBSSID sets the entry's BSSID.
func WithBSSID(mac models.MACAddr) func(*models.BSS) {
	return func(b *models.BSS) { b.BSSID = mac }
}

// WithSSID sets the entry's SSID.
func WithSSID(ssid string) func(*models.BSS) {
	return func(b *models.BSS) { b.SSID = models.SSID(ssid) }
}

// WithFreq sets the operating frequency in MHz.
func WithFreq(freq int) func(*models.BSS) {
	return func(b *models.BSS) { b.Freq = freq }
}

// WithRSSI sets the signal strength in dBm.
func WithRSSI(rssi int) func(*models.BSS) {
	return func(b *models.BSS) { b.RSSI = rssi }
}

// WithSecurity sets the advertised security.
func WithSecurity(s models.Security) func(*models.BSS) {
	return func(b *models.BSS) { b.Security = s }
}

// NewStore opens an in-memory SQLite store closed at test cleanup.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
