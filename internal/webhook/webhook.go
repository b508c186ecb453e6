// Package webhook posts connection manager completions to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/version"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
)

// Config holds the webhook plugin configuration.
type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
	// Transitions also posts every state change, not just completions.
	Transitions bool `mapstructure:"transitions"`
	// QueueSize bounds notifications waiting for delivery; overflow is dropped.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		Enabled:   true,
		QueueSize: 64,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook url %q", c.URL)
		}
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// Module implements the Webhook notifier plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client

	queue     chan delivery
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type delivery struct {
	topic string
	body  []byte
}

// New creates a new Webhook plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "webhook",
		Version:      "0.1.0",
		Description:  "Sends HTTP POST notifications to a configurable webhook URL on connection events",
		Roles:        []string{"notification"},
		Dependencies: []string{"cm"},
		APIVersion:   plugin.APIVersionCurrent,
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
			return fmt.Errorf("webhook config: %w", err)
		}
	}

	m.client = &http.Client{Timeout: m.cfg.Timeout}
	m.queue = make(chan delivery, max(m.cfg.QueueSize, 1))

	if m.cfg.URL == "" {
		m.logger.Warn("webhook URL not configured; notifications will be dropped",
			zap.String("component", "webhook"),
		)
	}

	m.logger.Info("webhook module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Bool("enabled", m.cfg.Enabled),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.sendLoop()
	m.logger.Info("webhook module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("webhook module stopped",
		zap.Int64("delivered", m.delivered.Load()),
		zap.Int64("failed", m.failed.Load()),
	)
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	subs := []plugin.Subscription{
		{Topic: cm.TopicConnectCompleted, Handler: m.handleEvent},
		{Topic: cm.TopicDisconnectCompleted, Handler: m.handleEvent},
		{Topic: cm.TopicRoamCompleted, Handler: m.handleEvent},
	}
	if m.cfg.Transitions {
		subs = append(subs, plugin.Subscription{Topic: cm.TopicStateChanged, Handler: m.handleEvent})
	}
	return subs
}

// WebhookPayload is the JSON body sent to the webhook URL.
type WebhookPayload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// handleEvent runs on the publishing manager's goroutine; it only queues.
func (m *Module) handleEvent(_ context.Context, event plugin.Event) {
	if !m.cfg.Enabled || m.cfg.URL == "" {
		return
	}

	payload := WebhookPayload{
		Event:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      event.Payload,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal webhook payload",
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}

	select {
	case m.queue <- delivery{topic: event.Topic, body: body}:
	default:
		m.dropped.Add(1)
		m.logger.Warn("webhook queue full, dropping notification", zap.String("topic", event.Topic))
	}
}

func (m *Module) sendLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.queue:
			m.send(m.ctx, d.body, d.topic)
		}
	}
}

func (m *Module) send(ctx context.Context, body []byte, topic string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		m.failed.Add(1)
		m.logger.Error("failed to create webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wlancm-webhook/"+version.Short())

	resp, err := m.client.Do(req)
	if err != nil {
		m.failed.Add(1)
		m.logger.Warn("webhook delivery failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.failed.Add(1)
		m.logger.Warn("webhook endpoint returned error",
			zap.String("topic", topic),
			zap.Int("status_code", resp.StatusCode),
		)
		return
	}

	m.delivered.Add(1)
	m.logger.Debug("webhook delivered",
		zap.String("topic", topic),
		zap.Int("status_code", resp.StatusCode),
	)
}

// Health implements plugin.HealthChecker. Recent failures only degrade.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{
		"delivered": strconv.FormatInt(m.delivered.Load(), 10),
		"failed":    strconv.FormatInt(m.failed.Load(), 10),
		"dropped":   strconv.FormatInt(m.dropped.Load(), 10),
	}
	switch {
	case m.cfg.URL == "" || !m.cfg.Enabled:
		return plugin.HealthStatus{Status: "healthy", Message: "no webhook configured (no-op mode)", Details: details}
	case m.failed.Load() > 0 && m.delivered.Load() == 0:
		return plugin.HealthStatus{Status: "degraded", Message: "no successful deliveries", Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}
