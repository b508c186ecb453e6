package cm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/HerbHall/wlancm/internal/serialization"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Roles other plugins declare to provide the manager's collaborators.
const (
	RoleConnectionManager = "connection_manager"
	RoleScanService       = "scan_service"
	RoleLowerMAC          = "lower_mac"
)

// ScanDoneNotifier is implemented by scan services that report scan
// completion through a registered callback.
type ScanDoneNotifier interface {
	OnScanDone(fn func(vdev VdevID, scanID uint32, ok bool))
}

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Module is the cm plugin. It owns one Manager per station vdev.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	bus     plugin.EventBus
	plugins plugin.PluginResolver
	reg     prometheus.Registerer
	metrics *Metrics
	sched   *serialization.Scheduler

	scan   ScanService
	lmac   LowerMAC
	policy PolicyManager

	mu       sync.RWMutex
	managers map[VdevID]*Manager
}

// Option configures a Module.
type Option func(*Module)

// WithRegisterer registers the manager metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Module) { m.reg = reg }
}

// WithScanService bypasses plugin resolution for the scan service.
func WithScanService(s ScanService) Option {
	return func(m *Module) { m.scan = s }
}

// WithLowerMAC bypasses plugin resolution for the lower MAC.
func WithLowerMAC(l LowerMAC) Option {
	return func(m *Module) { m.lmac = l }
}

// WithPolicy replaces the config-backed concurrency policy shared by all
// vdevs.
func WithPolicy(p PolicyManager) Option {
	return func(m *Module) { m.policy = p }
}

// New creates the cm plugin.
func New(opts ...Option) *Module {
	m := &Module{managers: make(map[VdevID]*Manager)}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "cm",
		Version:     "0.1.0",
		Description: "Station connection manager",
		Roles:       []string{RoleConnectionManager},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	m.plugins = deps.Plugins

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("cm config: %w", err)
		}
	}
	if m.policy == nil {
		m.policy = NewConfigPolicy(m.cfg.Policy)
	}
	m.metrics = NewMetrics(m.reg)
	m.sched = serialization.New(m.logger.Named("serialization"))

	m.logger.Info("cm module initialized",
		zap.Int("max_requests", m.cfg.MaxRequests),
		zap.Bool("roam_offload", m.cfg.RoamOffload),
		zap.Bool("allow_mcc", m.cfg.Policy.AllowMCC),
		zap.Int("pcl_channels", len(m.cfg.Policy.PCL)),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.resolveCollaborators()
	if n, ok := m.scan.(ScanDoneNotifier); ok {
		n.OnScanDone(m.scanDone)
	}
	var errs []error
	for _, vc := range m.cfg.Vdevs {
		mac, err := models.ParseMAC(vc.MAC)
		if err != nil {
			errs = append(errs, fmt.Errorf("vdev %d: %w", vc.ID, err))
			continue
		}
		if _, err := m.VdevUp(VdevID(vc.ID), mac); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("cm module started", zap.Int("vdevs", len(m.cfg.Vdevs)))
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]VdevID, 0, len(m.managers))
	for id := range m.managers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.VdevDown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("cm module stopped")
	return errors.Join(errs...)
}

// resolveCollaborators finds the scan service and lower MAC among the
// registered plugins unless options supplied them.
func (m *Module) resolveCollaborators() {
	if m.plugins == nil {
		return
	}
	if m.scan == nil {
		for _, p := range m.plugins.ResolveByRole(RoleScanService) {
			if s, ok := p.(ScanService); ok {
				m.scan = s
				break
			}
		}
	}
	if m.lmac == nil {
		for _, p := range m.plugins.ResolveByRole(RoleLowerMAC) {
			if l, ok := p.(LowerMAC); ok {
				m.lmac = l
				break
			}
		}
	}
}

func (m *Module) scanDone(vdev VdevID, scanID uint32, ok bool) {
	if mgr, found := m.Manager(vdev); found {
		mgr.ScanDone(scanID, ok)
	}
}

// VdevUp creates the manager of a station vdev.
func (m *Module) VdevUp(id VdevID, mac models.MACAddr) (*Manager, error) {
	if m.scan == nil || m.lmac == nil {
		return nil, fmt.Errorf("vdev %d up: no scan service or lower MAC available", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managers[id]; ok {
		return nil, fmt.Errorf("vdev %d up: already exists", id)
	}
	// The policy hears about completions before bus subscribers do.
	var notify Notifier = busNotifier{bus: m.bus, logger: m.logger}
	if n, ok := m.policy.(Notifier); ok {
		notify = notifiers{n, notify}
	}
	mgr, err := NewManager(id, mac, m.cfg, Deps{
		Scheduler: m.sched,
		Scan:      m.scan,
		LowerMAC:  m.lmac,
		Policy:    m.policy,
		Notifier:  notify,
		Metrics:   m.metrics,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("vdev %d up: %w", id, err)
	}
	m.managers[id] = mgr
	m.logger.Info("vdev up", zap.Uint8("vdev", uint8(id)), zap.Stringer("mac", mac))
	return mgr, nil
}

// VdevDown completes every outstanding request of the vdev and destroys
// its manager.
func (m *Module) VdevDown(ctx context.Context, id VdevID) error {
	m.mu.Lock()
	mgr, ok := m.managers[id]
	delete(m.managers, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vdev %d down: %w", id, ErrNotFound)
	}
	if err := mgr.Shutdown(ctx); err != nil {
		return err
	}
	if p, ok := m.policy.(*ConfigPolicy); ok {
		p.forget(id)
	}
	m.logger.Info("vdev down", zap.Uint8("vdev", uint8(id)))
	return nil
}

// Manager returns the manager of vdev.
func (m *Module) Manager(id VdevID) (*Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mgr, ok := m.managers[id]
	return mgr, ok
}

// Managers returns every manager ordered by vdev.
func (m *Module) Managers() []*Manager {
	m.mu.RLock()
	out := make([]*Manager, 0, len(m.managers))
	for _, mgr := range m.managers {
		out = append(out, mgr)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Manager) int { return cmp.Compare(a.vdev, b.vdev) })
	return out
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	mgrs := m.Managers()
	connected := 0
	for _, mgr := range mgrs {
		if mgr.IsActive() {
			connected++
		}
	}
	status := "healthy"
	if m.scan == nil || m.lmac == nil {
		status = "degraded"
	}
	return plugin.HealthStatus{
		Status: status,
		Details: map[string]string{
			"vdevs":     strconv.Itoa(len(mgrs)),
			"connected": strconv.Itoa(connected),
		},
	}
}
