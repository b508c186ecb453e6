package cm

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPolicy_AllowConcurrent(t *testing.T) {
	tests := []struct {
		name  string
		cfg   PolicyConfig
		other int
		freq  int
		want  bool
	}{
		{name: "no other vdev", cfg: PolicyConfig{}, freq: 5180, want: true},
		{name: "same channel", cfg: PolicyConfig{}, other: 5180, freq: 5180, want: true},
		{name: "mcc refused", cfg: PolicyConfig{AllowDBS: true}, other: 5180, freq: 5200, want: false},
		{name: "mcc allowed", cfg: PolicyConfig{AllowMCC: true}, other: 5180, freq: 5200, want: true},
		{name: "dbs refused", cfg: PolicyConfig{AllowMCC: true}, other: 2437, freq: 5180, want: false},
		{name: "dbs allowed", cfg: PolicyConfig{AllowDBS: true}, other: 2437, freq: 5180, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewConfigPolicy(tt.cfg)
			p.ConnectComplete(ConnectResult{Vdev: 1, Freq: tt.other})
			assert.Equal(t, tt.want, p.AllowConcurrent(0, tt.freq))
			assert.True(t, p.AllowConcurrent(1, tt.freq), "a vdev never conflicts with itself")
		})
	}
}

func TestConfigPolicy_TracksOperatingFreq(t *testing.T) {
	p := NewConfigPolicy(PolicyConfig{})

	p.ConnectComplete(ConnectResult{Vdev: 0, Freq: 5180, Reason: JoinTimeout})
	assert.Zero(t, p.OperatingFreq(0), "failed connects are ignored")

	p.ConnectComplete(ConnectResult{Vdev: 0, Freq: 5180})
	assert.Equal(t, 5180, p.OperatingFreq(0))

	p.RoamComplete(RoamResult{Vdev: 0, Freq: 5500, Reason: RoamAborted})
	assert.Equal(t, 5180, p.OperatingFreq(0))
	p.RoamComplete(RoamResult{Vdev: 0, Freq: 5500})
	assert.Equal(t, 5500, p.OperatingFreq(0))

	p.StateChanged(StateChange{Vdev: 0, To: stateName(StateConnected, SubNone)})
	assert.Equal(t, 5500, p.OperatingFreq(0))
	p.StateChanged(StateChange{Vdev: 0, To: stateName(StateInit, SubNone)})
	assert.Zero(t, p.OperatingFreq(0))

	p.ConnectComplete(ConnectResult{Vdev: 0, Freq: 2412})
	p.DisconnectComplete(DisconnectResult{Vdev: 0})
	assert.Zero(t, p.OperatingFreq(0))
}

func TestConfigPolicy_PCLIsACopy(t *testing.T) {
	p := NewConfigPolicy(PolicyConfig{PCL: map[int]int{5180: 200}})
	pcl := p.PCL(0)
	pcl[5180] = 0
	assert.Equal(t, map[int]int{5180: 200}, p.PCL(0))
	assert.Nil(t, NewConfigPolicy(PolicyConfig{}).PCL(0))
}

func TestModule_PolicyFromConfig(t *testing.T) {
	v := viper.New()
	v.Set("policy.pcl", map[string]any{"5180": 200})
	v.Set("policy.allow_mcc", false)
	f := newModule(t, v)

	p, ok := f.mod.policy.(*ConfigPolicy)
	require.True(t, ok, "module runs with the config policy")
	assert.Equal(t, map[int]int{5180: 200}, p.PCL(0))
	assert.False(t, p.cfg.AllowMCC)
	assert.True(t, p.cfg.AllowDBS, "unset keys keep defaults")
}

func TestModule_PolicyGatesMCCAcrossVdevs(t *testing.T) {
	tests := []struct {
		name      string
		allowMCC  bool
		wantPeers []models.MACAddr
	}{
		{name: "refused", allowMCC: false, wantPeers: []models.MACAddr{macA}},
		{name: "allowed", allowMCC: true, wantPeers: []models.MACAddr{macA, macB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set("policy.allow_mcc", tt.allowMCC)
			f := newModule(t, v,
				testBSS(macA, "home", 5180, -50),
				testBSS(macB, "lab", 5200, -40),
			)
			p := f.mod.policy.(*ConfigPolicy)

			var mu sync.Mutex
			results := map[VdevID][]ConnectResult{}
			f.bus.Subscribe(TopicConnectCompleted, func(_ context.Context, e plugin.Event) {
				res := e.Payload.(ConnectResult)
				mu.Lock()
				results[res.Vdev] = append(results[res.Vdev], res)
				mu.Unlock()
			})

			first, err := f.mod.VdevUp(0, macSTA)
			require.NoError(t, err)
			id, err := first.StartConnect(ConnectParams{SSID: "home"})
			require.NoError(t, err)
			require.Eventually(t, func() bool { return f.lmac.callCount("peer_create") == 1 }, time.Second, time.Millisecond)
			require.NoError(t, first.BSSPeerCreateResponse(macA, true))
			require.Eventually(t, func() bool { return f.lmac.callCount("connect") == 1 }, time.Second, time.Millisecond)
			require.NoError(t, first.ConnectResponse(ConnectResponse{ID: id, BSSID: macA}))
			require.Eventually(t, func() bool { return p.OperatingFreq(0) == 5180 }, time.Second, time.Millisecond)

			second, err := f.mod.VdevUp(1, models.MustParseMAC("02:00:00:00:00:02"))
			require.NoError(t, err)
			_, err = second.StartConnect(ConnectParams{SSID: "lab"})
			require.NoError(t, err)

			if !tt.allowMCC {
				require.Eventually(t, func() bool {
					mu.Lock()
					defer mu.Unlock()
					return len(results[1]) == 1
				}, time.Second, time.Millisecond)
				mu.Lock()
				res := results[1][0]
				mu.Unlock()
				assert.Equal(t, NoCandidateFound, res.Reason, "5200 MHz would need mcc next to 5180 MHz")
				assert.True(t, second.IsDisconnected())
			}

			require.Eventually(t, func() bool {
				return f.lmac.callCount("peer_create") == len(tt.wantPeers) && f.lmac.callCount("bss_select") == len(tt.wantPeers)
			}, time.Second, time.Millisecond)
			f.lmac.mu.Lock()
			peers := slices.Clone(f.lmac.peers)
			f.lmac.mu.Unlock()
			assert.Equal(t, tt.wantPeers, peers)

			require.NoError(t, f.mod.VdevDown(context.Background(), 0))
			assert.Zero(t, p.OperatingFreq(0))
		})
	}
}
