// Package registry composes the wlancmd plugins: it orders them by their
// declared dependencies, runs their lifecycle and wires their bus
// subscriptions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
)

// ErrCycle is returned by Validate when plugin dependencies form a cycle.
var ErrCycle = errors.New("plugin dependency cycle")

type entry struct {
	p    plugin.Plugin
	info plugin.PluginInfo
	// disabled holds the reason the plugin was switched off; empty while active.
	disabled string
	unsubs   []func()
}

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // dependency order of the active plugins, set by Validate
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a plugin. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return errors.New("plugin has empty name")
	}
	if _, exists := r.entries[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}
	r.entries[info.Name] = &entry{p: p, info: info}
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Strings("roles", info.Roles),
	)
	return nil
}

// disable switches a plugin off, or fails when the plugin is required.
// Callers hold r.mu.
func (r *Registry) disable(name, reason string) error {
	e := r.entries[name]
	if e.info.Required {
		return fmt.Errorf("required plugin %q: %s", name, reason)
	}
	e.disabled = reason
	r.logger.Warn("plugin disabled", zap.String("name", name), zap.String("reason", reason))
	return nil
}

// names returns every registered name in lexical order so that logs and
// the start order are stable across runs.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks API versions and dependencies, disabling optional plugins
// that cannot run (and, transitively, their dependents), then computes the
// start order.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.names()
	for _, name := range names {
		if reason := apiVersionProblem(r.entries[name].info.APIVersion); reason != "" {
			if err := r.disable(name, reason); err != nil {
				return err
			}
		}
	}

	// Repeat until no plugin changes state so disables cascade.
	for changed := true; changed; {
		changed = false
		for _, name := range names {
			e := r.entries[name]
			if e.disabled != "" {
				continue
			}
			for _, dep := range e.info.Dependencies {
				d, ok := r.entries[dep]
				reason := ""
				switch {
				case !ok:
					reason = fmt.Sprintf("dependency %q is not registered", dep)
				case d.disabled != "":
					reason = fmt.Sprintf("dependency %q is disabled", dep)
				}
				if reason == "" {
					continue
				}
				if err := r.disable(name, reason); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.sortActive(names)
	if err != nil {
		return err
	}
	r.order = order
	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", order),
		zap.Int("disabled", len(r.entries)-len(order)),
	)
	return nil
}

func apiVersionProblem(v int) string {
	switch {
	case v < plugin.APIVersionMin:
		return fmt.Sprintf("plugin API v%d is older than the supported minimum v%d", v, plugin.APIVersionMin)
	case v > plugin.APIVersionCurrent:
		return fmt.Sprintf("plugin API v%d is newer than the supported v%d", v, plugin.APIVersionCurrent)
	}
	return ""
}

// sortActive orders the active plugins so that every plugin follows its
// dependencies (Kahn's algorithm; ties resolved by name).
func (r *Registry) sortActive(names []string) ([]string, error) {
	pending := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range names {
		e := r.entries[name]
		if e.disabled != "" {
			continue
		}
		pending[name] = len(e.info.Dependencies)
		for _, dep := range e.info.Dependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range names {
		if n, ok := pending[name]; ok && n == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(pending))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			if pending[d]--; pending[d] == 0 {
				ready = append(ready, d)
				slices.Sort(ready)
			}
		}
	}

	if len(order) != len(pending) {
		var stuck []string
		for _, name := range names {
			if n, ok := pending[name]; ok && n > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
	}
	return order, nil
}

// InitAll initializes the active plugins in dependency order. After a
// successful Init the plugin's configuration is validated and, when it
// consumes bus topics, its subscriptions are wired onto deps.Bus.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		e := r.entries[name]
		if e.disabled != "" {
			continue
		}
		if dep := r.firstDisabledDep(e); dep != "" {
			if err := r.disable(name, fmt.Sprintf("dependency %q failed to initialize", dep)); err != nil {
				return err
			}
			continue
		}
		r.logger.Info("initializing plugin", zap.String("name", name))
		deps := depsFn(name)

		err := guard(name, "Init", func() error { return e.p.Init(ctx, deps) })
		if err == nil {
			if v, ok := e.p.(plugin.Validator); ok {
				if verr := v.ValidateConfig(); verr != nil {
					err = fmt.Errorf("invalid config: %w", verr)
				}
			}
		}
		if err != nil {
			if e.info.Required {
				return fmt.Errorf("required plugin %q failed to initialize: %w", name, err)
			}
			r.logger.Error("optional plugin failed to initialize", zap.String("name", name), zap.Error(err))
			e.disabled = err.Error()
			continue
		}

		if es, ok := e.p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, sub := range es.Subscriptions() {
				e.unsubs = append(e.unsubs, deps.Bus.Subscribe(sub.Topic, sub.Handler))
				r.logger.Debug("wired event subscription",
					zap.String("name", name),
					zap.String("topic", sub.Topic),
				)
			}
		}
	}
	return nil
}

func (r *Registry) firstDisabledDep(e *entry) string {
	for _, dep := range e.info.Dependencies {
		if r.entries[dep].disabled != "" {
			return dep
		}
	}
	return ""
}

// StartAll starts the initialized plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		e := r.entries[name]
		if e.disabled != "" {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := guard(name, "Start", func() error { return e.p.Start(ctx) }); err != nil {
			if e.info.Required {
				return fmt.Errorf("required plugin %q failed to start: %w", name, err)
			}
			r.logger.Error("optional plugin failed to start", zap.String("name", name), zap.Error(err))
			e.disabled = err.Error()
			e.unsubscribe()
		}
	}
	return nil
}

// StopAll stops the active plugins in reverse dependency order. Each
// plugin's bus subscriptions are removed before its Stop so no event
// reaches a stopped plugin. Failures and panics are logged and do not
// keep the remaining plugins running; ctx bounds slow plugins.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		e := r.entries[name]
		if e.disabled != "" {
			continue
		}
		e.unsubscribe()
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := guard(name, "Stop", func() error { return e.p.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

func (e *entry) unsubscribe() {
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
}

// guard runs one lifecycle call and converts a panic into an error.
func guard(name, phase string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked during %s: %v", name, phase, rec)
		}
	}()
	return fn()
}

// active calls fn for each active plugin in dependency order. Callers hold
// at least a read lock.
func (r *Registry) active(fn func(e *entry)) {
	for _, name := range r.order {
		if e := r.entries[name]; e.disabled == "" {
			fn(e)
		}
	}
}

// Get returns an active plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.disabled != "" {
		return nil, false
	}
	return e.p, true
}

// Resolve implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns the active plugins that declare role, in
// dependency order.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []plugin.Plugin
	r.active(func(e *entry) {
		if slices.Contains(e.info.Roles, role) {
			out = append(out, e.p)
		}
	})
	return out
}

// All returns the active plugins in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Plugin, 0, len(r.order))
	r.active(func(e *entry) { out = append(out, e.p) })
	return out
}

// AllRoutes returns the HTTP routes of the active HTTPProvider plugins,
// keyed by plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make(map[string][]plugin.Route)
	r.active(func(e *entry) {
		if hp, ok := e.p.(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[e.info.Name] = pr
			}
		}
	})
	return routes
}

// Disabled reports every disabled plugin with the reason it was switched
// off.
func (r *Registry) Disabled() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for name, e := range r.entries {
		if e.disabled != "" {
			out[name] = e.disabled
		}
	}
	return out
}
