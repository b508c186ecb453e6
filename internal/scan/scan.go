// Package scan provides the scan result store and scan trigger used by the
// connection manager.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/scoring"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
	_ cm.ScanService       = (*Module)(nil)
	_ cm.ScanDoneNotifier  = (*Module)(nil)
)

// ErrRateLimited is returned by StartScan when scans are requested faster
// than the configured rate.
var ErrRateLimited = errors.New("scan rate limited")

// Config holds the scan plugin configuration.
type Config struct {
	Backend string `mapstructure:"backend"`
	// Interface is the nl80211 station interface; empty picks the first.
	Interface     string        `mapstructure:"interface"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// ScanRate and ScanBurst bound scan triggers per vdev.
	ScanRate  float64 `mapstructure:"scan_rate"`
	ScanBurst int     `mapstructure:"scan_burst"`
}

// DefaultConfig returns the default configuration for the scan module.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		MaxAge:        5 * time.Minute,
		PruneInterval: time.Minute,
		ScanRate:      1,
		ScanBurst:     3,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendNL80211:
	default:
		return fmt.Errorf("unknown scan backend %q", c.Backend)
	}
	if c.ScanRate <= 0 || c.ScanBurst < 1 {
		return fmt.Errorf("scan_rate and scan_burst must be positive, got %v/%d", c.ScanRate, c.ScanBurst)
	}
	if c.MaxAge < 0 || c.PruneInterval < 0 {
		return errors.New("max_age and prune_interval must not be negative")
	}
	return nil
}

type running struct {
	id     uint32
	cancel context.CancelFunc
}

// Module is the scan plugin. It keeps one cache for the radio and runs at
// most one scan per vdev.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	cache   *Cache
	backend Backend

	nextID atomic.Uint32

	mu       sync.Mutex
	active   map[cm.VdevID]running
	limiters map[cm.VdevID]*rate.Limiter
	onDone   func(vdev cm.VdevID, scanID uint32, ok bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Module.
type Option func(*Module)

// WithBackend replaces the configured backend.
func WithBackend(b Backend) Option {
	return func(m *Module) { m.backend = b }
}

// New creates the scan plugin.
func New(opts ...Option) *Module {
	m := &Module{
		active:   make(map[cm.VdevID]running),
		limiters: make(map[cm.VdevID]*rate.Limiter),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "scan",
		Version:     "0.1.0",
		Description: "Scan result cache, avoid list and scan trigger",
		Roles:       []string{cm.RoleScanService},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("scan config: %w", err)
		}
	}
	m.cache = NewCache(m.cfg.MaxAge)

	if m.backend == nil {
		switch m.cfg.Backend {
		case BackendNL80211:
			b, err := NewNL80211Backend(m.cfg.Interface, m.logger.Named("nl80211"))
			if err != nil {
				m.logger.Warn("nl80211 backend unavailable, using memory backend", zap.Error(err))
				m.backend = memoryBackend{}
			} else {
				m.backend = b
			}
		default:
			m.backend = memoryBackend{}
		}
	}

	m.logger.Info("scan module initialized",
		zap.String("backend", m.backend.Name()),
		zap.Duration("max_age", m.cfg.MaxAge),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.cfg.PruneInterval > 0 {
		m.wg.Add(1)
		go m.pruneLoop()
	}
	m.logger.Info("scan module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	for vdev, r := range m.active {
		r.cancel()
		delete(m.active, vdev)
	}
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			return fmt.Errorf("close scan backend: %w", err)
		}
	}
	m.logger.Info("scan module stopped")
	return nil
}

func (m *Module) pruneLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.cache.Prune(); n > 0 {
				m.logger.Debug("pruned aged scan entries", zap.Int("removed", n))
			}
		}
	}
}

// Cache exposes the result store, for seeding by simulators and tests.
func (m *Module) Cache() *Cache { return m.cache }

// OnScanDone implements cm.ScanDoneNotifier.
func (m *Module) OnScanDone(fn func(vdev cm.VdevID, scanID uint32, ok bool)) {
	m.mu.Lock()
	m.onDone = fn
	m.mu.Unlock()
}

// Results implements cm.ScanService.
func (m *Module) Results(ctx context.Context, _ cm.VdevID, f cm.ScanFilter) ([]*models.BSS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.cache.Query(f), nil
}

func (m *Module) limiter(vdev cm.VdevID) *rate.Limiter {
	l, ok := m.limiters[vdev]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.ScanRate), m.cfg.ScanBurst)
		m.limiters[vdev] = l
	}
	return l
}

// StartScan implements cm.ScanService. A running scan on the vdev is
// cancelled first. Completion is reported from another goroutine.
func (m *Module) StartScan(_ context.Context, vdev cm.VdevID, req cm.ScanRequest) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return 0, errors.New("scan module not running")
	}
	if !m.limiter(vdev).Allow() {
		return 0, fmt.Errorf("vdev %d: %w", vdev, ErrRateLimited)
	}
	if r, ok := m.active[vdev]; ok {
		r.cancel()
	}

	id := m.nextID.Add(1)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}
	m.active[vdev] = running{id: id, cancel: cancel}

	m.wg.Add(1)
	go m.run(ctx, vdev, id, req)

	m.logger.Debug("scan started",
		zap.Uint8("vdev", uint8(vdev)),
		zap.Uint32("scan_id", id),
		zap.String("ssid", string(req.SSID)),
		zap.Ints("freqs", req.Freqs),
	)
	return id, nil
}

func (m *Module) run(ctx context.Context, vdev cm.VdevID, id uint32, req cm.ScanRequest) {
	defer m.wg.Done()
	entries, err := m.backend.Scan(ctx, vdev, req)
	if err == nil {
		m.cache.Put(entries...)
	}

	m.mu.Lock()
	r, current := m.active[vdev]
	current = current && r.id == id
	if current {
		r.cancel()
		delete(m.active, vdev)
	}
	fn := m.onDone
	m.mu.Unlock()

	// A cancelled scan was replaced or withdrawn; nobody waits for it.
	if !current {
		return
	}
	if err != nil {
		m.logger.Warn("scan failed", zap.Uint8("vdev", uint8(vdev)), zap.Uint32("scan_id", id), zap.Error(err))
	}
	if fn != nil {
		fn(vdev, id, err == nil)
	}
}

// CancelScan implements cm.ScanService.
func (m *Module) CancelScan(vdev cm.VdevID) {
	m.mu.Lock()
	r, ok := m.active[vdev]
	if ok {
		delete(m.active, vdev)
	}
	m.mu.Unlock()
	if ok {
		r.cancel()
		m.logger.Debug("scan cancelled", zap.Uint8("vdev", uint8(vdev)), zap.Uint32("scan_id", r.id))
	}
}

// Verdict implements cm.ScanService.
func (m *Module) Verdict(b *models.BSS) scoring.Action { return m.cache.Verdict(b) }

// Reject implements cm.ScanService.
func (m *Module) Reject(bssid models.MACAddr, reason string, ttl time.Duration) {
	m.cache.Reject(bssid, reason, ttl)
	m.logger.Info("bss avoid-listed",
		zap.Stringer("bssid", bssid),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl),
	)
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.cache == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not initialized"}
	}
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"backend": m.backend.Name(),
			"entries": strconv.Itoa(m.cache.Len()),
			"rejects": strconv.Itoa(len(m.cache.Rejects())),
		},
	}
}
