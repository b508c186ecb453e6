// Package history journals connection manager transitions and completions
// into SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// ErrNoStore is returned when the journal runs without a database.
var ErrNoStore = errors.New("history store unavailable")

// Config holds the journal configuration.
type Config struct {
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	// BufferSize bounds records waiting to be written; overflow is dropped.
	BufferSize   int `mapstructure:"buffer_size"`
	DefaultLimit int `mapstructure:"default_limit"`
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() Config {
	return Config{
		RetentionPeriod:     30 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		BufferSize:          256,
		DefaultLimit:        100,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.RetentionPeriod <= 0 || c.MaintenanceInterval <= 0 {
		return errors.New("retention_period and maintenance_interval must be positive")
	}
	if c.BufferSize < 1 || c.DefaultLimit < 1 {
		return fmt.Errorf("buffer_size and default_limit must be positive, got %d/%d", c.BufferSize, c.DefaultLimit)
	}
	return nil
}

// Module is the history plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *HistoryStore
	bus    plugin.EventBus
	unsub  func()

	records chan *Record
	written atomic.Int64
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the history plugin.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "history",
		Version:      "0.1.0",
		Description:  "Connection manager transition and completion journal",
		Dependencies: []string{"cm"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal history config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "history", migrations()); err != nil {
			return fmt.Errorf("history migrations: %w", err)
		}
		m.store = NewHistoryStore(deps.Store.DB())
	}
	m.bus = deps.Bus

	m.logger.Info("history module initialized",
		zap.Bool("persistent", m.store != nil),
		zap.Duration("retention_period", m.cfg.RetentionPeriod),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.store == nil {
		m.logger.Warn("no database configured, history is not recorded")
		return nil
	}
	m.records = make(chan *Record, m.cfg.BufferSize)

	m.wg.Add(1)
	go m.writeLoop()
	m.startMaintenance()

	if m.bus != nil {
		m.unsub = m.bus.SubscribePrefix(cm.TopicPrefix, m.handleEvent)
	}
	m.logger.Info("history module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("history module stopped",
		zap.Int64("written", m.written.Load()),
		zap.Int64("dropped", m.dropped.Load()),
	)
	return nil
}

// handleEvent runs on the publishing manager's goroutine; it only queues.
func (m *Module) handleEvent(_ context.Context, e plugin.Event) {
	r := recordFor(e)
	if r == nil {
		return
	}
	select {
	case m.records <- r:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("history buffer full, dropping records", zap.Int("buffer_size", m.cfg.BufferSize))
		}
	}
}

func (m *Module) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			m.drain()
			return
		case r := <-m.records:
			m.write(r)
		}
	}
}

// drain flushes records queued before Stop.
func (m *Module) drain() {
	for {
		select {
		case r := <-m.records:
			m.write(r)
		default:
			return
		}
	}
}

func (m *Module) write(r *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Insert(ctx, r); err != nil {
		m.logger.Warn("history insert failed", zap.String("cm_id", r.CMID), zap.Error(err))
		return
	}
	m.written.Add(1)
}

// startMaintenance launches a background goroutine that periodically
// deletes records past the retention window.
func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

// runMaintenance executes a single maintenance cycle.
func (m *Module) runMaintenance() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	n, err := m.store.DeleteOlderThan(ctx, time.Now().Add(-m.cfg.RetentionPeriod))
	if err != nil {
		m.logger.Warn("failed to delete old history", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("purged old history records", zap.Int64("count", n))
	}
}

// List returns the newest records of vdev first. A non-positive limit
// uses the configured default.
func (m *Module) List(ctx context.Context, vdev cm.VdevID, limit int) ([]Record, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	return m.store.List(ctx, int(vdev), limit)
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{
		"written": strconv.FormatInt(m.written.Load(), 10),
		"dropped": strconv.FormatInt(m.dropped.Load(), 10),
	}
	if m.store == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "no database configured", Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

func macString(mac models.MACAddr) string {
	if mac.IsZero() {
		return ""
	}
	return mac.String()
}

func status(r cm.FailReason) string {
	if r == cm.ReasonNone {
		return "success"
	}
	return "failure"
}

// recordFor maps a bus event to a journal row; unknown payloads yield nil.
func recordFor(e plugin.Event) *Record {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	r := &Record{ID: uuid.NewString(), CreatedAt: at}

	switch p := e.Payload.(type) {
	case cm.StateChange:
		r.Vdev = int(p.Vdev)
		r.CMID = p.ID.String()
		r.Kind = p.ID.Kind().String()
		r.Event = p.Event
		r.FromState = p.From
		r.ToState = p.To
	case cm.ConnectResult:
		r.Vdev = int(p.Vdev)
		r.CMID = p.ID.String()
		r.Kind = cm.KindConnect.String()
		r.Event = "connect_completed"
		r.Status = status(p.Reason)
		r.Reason = p.Reason.String()
		r.BSSID = macString(p.BSSID)
		r.SSID = string(p.SSID)
	case cm.DisconnectResult:
		r.Vdev = int(p.Vdev)
		r.CMID = p.ID.String()
		r.Kind = cm.KindDisconnect.String()
		r.Event = "disconnect_completed"
		r.Status = status(p.Reason)
		r.Reason = p.Reason.String()
		r.BSSID = macString(p.BSSID)
	case cm.RoamResult:
		r.Vdev = int(p.Vdev)
		r.CMID = p.ID.String()
		r.Kind = cm.KindRoam.String()
		r.Event = "roam_completed"
		r.Status = status(p.Reason)
		r.Reason = p.Reason.String()
		r.BSSID = macString(p.BSSID)
		r.SSID = string(p.SSID)
	default:
		return nil
	}
	return r
}
