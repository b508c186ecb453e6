package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/config"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/HerbHall/wlancm/pkg/plugin/plugintest"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func newModule(t *testing.T, settings map[string]any) *Module {
	t.Helper()
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Config: config.New(v)}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.ValidateConfig(); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestSubscriptions_ReturnsExpectedTopics(t *testing.T) {
	tests := []struct {
		name        string
		transitions bool
		want        []string
	}{
		{"completions only", false, []string{cm.TopicConnectCompleted, cm.TopicDisconnectCompleted, cm.TopicRoamCompleted}},
		{"with transitions", true, []string{cm.TopicConnectCompleted, cm.TopicDisconnectCompleted, cm.TopicRoamCompleted, cm.TopicStateChanged}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModule(t, map[string]any{"transitions": tt.transitions})
			subs := m.Subscriptions()
			if len(subs) != len(tt.want) {
				t.Fatalf("Subscriptions() returned %d, want %d", len(subs), len(tt.want))
			}
			for i, s := range subs {
				if s.Topic != tt.want[i] {
					t.Errorf("subs[%d] = %q, want %q", i, s.Topic, tt.want[i])
				}
			}
		})
	}
}

func TestHandleEvent_DeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookPayload
	got := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "wlancm-webhook/") {
			t.Errorf("User-Agent = %q, want wlancm-webhook/<version>", ua)
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		got <- struct{}{}
	}))
	defer srv.Close()

	m := newModule(t, map[string]any{"url": srv.URL, "timeout": "5s"})

	m.handleEvent(context.Background(), plugin.Event{
		Topic:     cm.TopicConnectCompleted,
		Source:    "cm",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: cm.ConnectResult{
			Vdev:  0,
			ID:    cm.NewID(cm.KindConnect, 0, 3),
			SSID:  "corp",
			BSSID: models.MustParseMAC("00:11:22:33:44:01"),
		},
	})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Event != cm.TopicConnectCompleted {
		t.Errorf("event = %q, want %q", received[0].Event, cm.TopicConnectCompleted)
	}
	if received[0].Source != "cm" {
		t.Errorf("source = %q, want cm", received[0].Source)
	}
	data, _ := received[0].Data.(map[string]any)
	if data["cm_id"] != "CM-0C-0-3" {
		t.Errorf("cm_id = %v, want CM-0C-0-3", data["cm_id"])
	}
}

func TestHandleEvent_SkipsWhenDisabled(t *testing.T) {
	var mu sync.Mutex
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		called = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newModule(t, map[string]any{"url": srv.URL, "enabled": false})

	m.handleEvent(context.Background(), plugin.Event{Topic: cm.TopicConnectCompleted, Source: "cm", Timestamp: time.Now()})

	if len(m.queue) != 0 {
		t.Error("expected nothing queued when disabled")
	}
	_ = m.Stop(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected webhook NOT to be called when disabled")
	}
}

func TestHandleEvent_SkipsWhenNoURL(t *testing.T) {
	m := newModule(t, nil)

	m.handleEvent(context.Background(), plugin.Event{Topic: cm.TopicConnectCompleted, Source: "cm", Timestamp: time.Now()})

	if len(m.queue) != 0 {
		t.Error("expected nothing queued without a URL")
	}
	if hs := m.Health(context.Background()); hs.Status != "healthy" {
		t.Errorf("Health = %q, want healthy", hs.Status)
	}
}

func TestHandleEvent_ServerErrorDegradesHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newModule(t, map[string]any{"url": srv.URL})

	m.handleEvent(context.Background(), plugin.Event{
		Topic:     cm.TopicDisconnectCompleted,
		Source:    "cm",
		Timestamp: time.Now(),
		Payload:   cm.DisconnectResult{Vdev: 1},
	})

	deadline := time.Now().Add(2 * time.Second)
	for m.failed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hs := m.Health(context.Background()); hs.Status != "degraded" {
		t.Errorf("Health = %q, want degraded", hs.Status)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"https url", func(c *Config) { c.URL = "https://hooks.example.com/wlan" }, false},
		{"non-http scheme", func(c *Config) { c.URL = "ftp://example.com" }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
