package cm

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/config"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.ReassocTimer)
	assert.Equal(t, DefaultMaxRequests, cfg.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.SyncDisconnectWait)
	assert.True(t, cfg.Policy.AllowMCC)
	assert.True(t, cfg.Policy.AllowDBS)
	assert.Empty(t, cfg.Policy.PCL)
}

func TestConfig_ReassocTimerFromSection(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want time.Duration
	}{
		{name: "unset keeps default", want: 60 * time.Second},
		{name: "duration string", set: map[string]any{"reassoc_timer": "250ms"}, want: 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			mod := New(WithScanService(newFakeScan()), WithLowerMAC(&fakeLMAC{}))
			require.NoError(t, mod.Init(context.Background(), plugin.Dependencies{
				Config: config.New(v),
				Logger: zaptest.NewLogger(t),
			}))
			assert.Equal(t, tt.want, mod.cfg.ReassocTimer)
		})
	}
}

func TestConfig_ValidateRejectsPCLWeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.PCL = map[int]int{5180: 256}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy.pcl")
}
