//go:build !linux

package scan

import (
	"fmt"

	"go.uber.org/zap"
)

// NewNL80211Backend is not available on this platform.
func NewNL80211Backend(_ string, _ *zap.Logger) (Backend, error) {
	return nil, fmt.Errorf("nl80211: %w", ErrBackendUnavailable)
}
