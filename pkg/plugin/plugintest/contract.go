// Package plugintest holds the behaviour every wlancm plugin must share.
package plugintest

import (
	"context"
	"strings"
	"testing"

	"github.com/HerbHall/wlancm/internal/config"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
)

var healthStates = map[string]bool{"healthy": true, "degraded": true, "unhealthy": true}

var routeMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// TestPluginContract checks a plugin against the registry's expectations.
// The plugin runs with an empty config section and without a store or a
// bus, the way it does when persistence and events are switched off.
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return cm.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	initialized := func(t *testing.T) plugin.Plugin {
		t.Helper()
		p := factory()
		if err := p.Init(context.Background(), bareDeps(p.Info().Name)); err != nil {
			t.Fatalf("Init() = %v", err)
		}
		return p
	}

	t.Run("info", func(t *testing.T) {
		p := factory()
		info := p.Info()
		switch {
		case info.Name == "" || strings.ContainsAny(info.Name, " /"):
			t.Errorf("Info().Name = %q, want a non-empty path segment", info.Name)
		case info.Version == "":
			t.Error("Info().Version is empty")
		case info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent:
			t.Errorf("Info().APIVersion = %d, want %d..%d", info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
		}
		for _, dep := range info.Dependencies {
			if dep == info.Name {
				t.Errorf("plugin %q depends on itself", info.Name)
			}
		}
		if again := p.Info(); again.Name != info.Name || again.Version != info.Version {
			t.Error("Info() changed between calls")
		}
	})

	t.Run("defaults_validate", func(t *testing.T) {
		p := initialized(t)
		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				t.Errorf("ValidateConfig() with defaults = %v", err)
			}
		}
	})

	t.Run("start_stop", func(t *testing.T) {
		p := initialized(t)
		ctx := context.Background()
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() = %v", err)
		}
		if hc, ok := p.(plugin.HealthChecker); ok {
			if got := hc.Health(ctx).Status; !healthStates[got] {
				t.Errorf("Health().Status = %q while running", got)
			}
		}
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("Stop() = %v", err)
		}
	})

	t.Run("stop_without_start", func(t *testing.T) {
		p := initialized(t)
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() before Start = %v", err)
		}
	})

	t.Run("routes", func(t *testing.T) {
		hp, ok := initialized(t).(plugin.HTTPProvider)
		if !ok {
			t.Skip("no HTTP routes")
		}
		seen := make(map[string]bool)
		for _, r := range hp.Routes() {
			key := r.Method + " " + r.Path
			switch {
			case !routeMethods[r.Method]:
				t.Errorf("route %q: unsupported method", key)
			case !strings.HasPrefix(r.Path, "/"):
				t.Errorf("route %q: path must start with /", key)
			case r.Handler == nil:
				t.Errorf("route %q: nil handler", key)
			case seen[key]:
				t.Errorf("route %q declared twice", key)
			}
			seen[key] = true
		}
	})

	t.Run("subscriptions", func(t *testing.T) {
		es, ok := initialized(t).(plugin.EventSubscriber)
		if !ok {
			t.Skip("no event subscriptions")
		}
		for i, s := range es.Subscriptions() {
			if s.Topic == "" || s.Handler == nil {
				t.Errorf("subscription %d: topic %q, handler set %t", i, s.Topic, s.Handler != nil)
			}
		}
	})
}

func bareDeps(name string) plugin.Dependencies {
	return plugin.Dependencies{
		Config: config.New(nil),
		Logger: zap.NewNop().Named(name),
	}
}
