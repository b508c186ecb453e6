package scan

import (
	"context"
	"errors"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/models"
)

// Backend names accepted in the plugin configuration.
const (
	BackendMemory  = "memory"
	BackendNL80211 = "nl80211"
)

// ErrBackendUnavailable is returned when the configured backend cannot run
// on this host.
var ErrBackendUnavailable = errors.New("scan backend unavailable")

// Backend performs the radio side of a scan.
type Backend interface {
	Name() string
	// Scan runs one scan and returns what it found. A nil result with a
	// nil error means the cache already holds the answer.
	Scan(ctx context.Context, vdev cm.VdevID, req cm.ScanRequest) ([]*models.BSS, error)
	Close() error
}

// memoryBackend completes every scan at once. Entries come from Put or the
// seeding API.
type memoryBackend struct{}

func (memoryBackend) Name() string { return BackendMemory }

func (memoryBackend) Scan(ctx context.Context, _ cm.VdevID, _ cm.ScanRequest) ([]*models.BSS, error) {
	return nil, ctx.Err()
}

func (memoryBackend) Close() error { return nil }
