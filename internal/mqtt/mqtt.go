// Package mqtt publishes connection manager state to an MQTT broker, with
// optional Home Assistant auto-discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/plugin"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
)

// publisher is the subset of pahomqtt.Client the module uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic   string
	payload []byte
	retain  bool
}

// Module implements the MQTT publisher plugin. Handlers run on the
// publishing manager's goroutine and only queue; a worker owns the client.
type Module struct {
	logger *zap.Logger
	cfg    Config
	dial   func(Config) publisher

	mu     sync.RWMutex
	client publisher

	queue     chan message
	annMu     sync.Mutex
	announced map[cm.VdevID]bool
	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new MQTT publisher plugin instance.
func New() *Module {
	return &Module{dial: dialBroker}
}

func dialBroker(cfg Config) publisher {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password) //nolint:gosec // G101: config field
	}
	return pahomqtt.NewClient(opts)
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "mqtt",
		Version:      "0.1.0",
		Description:  "Publishes per-interface connection state to an MQTT broker",
		Roles:        []string{"notification", "integration"},
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
			return fmt.Errorf("mqtt config: %w", err)
		}
	}
	m.queue = make(chan message, max(m.cfg.QueueSize, 1))
	m.announced = make(map[cm.VdevID]bool)

	if m.cfg.BrokerURL == "" {
		m.logger.Warn("MQTT broker URL not configured; events will be dropped",
			zap.String("component", "mqtt"),
		)
	}

	m.logger.Info("mqtt module initialized",
		zap.String("broker_url", m.cfg.BrokerURL),
		zap.String("client_id", m.cfg.ClientID),
		zap.String("topic_prefix", m.cfg.TopicPrefix),
		zap.Uint8("qos", m.cfg.QoS),
		zap.Bool("ha_discovery", m.cfg.HADiscovery),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error { return m.cfg.Validate() }

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.cfg.BrokerURL == "" {
		m.logger.Info("mqtt module started (no-op: no broker configured)")
		return nil
	}

	client := m.dial(m.cfg)
	if pc, ok := client.(pahomqtt.Client); ok {
		token := pc.Connect()
		switch {
		case !token.WaitTimeout(m.cfg.Timeout):
			m.logger.Warn("mqtt connection timed out; will reconnect in background")
		case token.Error() != nil:
			m.logger.Warn("mqtt connection failed; will reconnect in background",
				zap.Error(token.Error()),
			)
		default:
			m.logger.Info("mqtt connected to broker",
				zap.String("broker_url", m.cfg.BrokerURL),
			)
		}
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.wg.Add(1)
	go m.publishLoop()
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}
	m.client = nil
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: cm.TopicStateChanged, Handler: m.handleEvent},
		{Topic: cm.TopicConnectCompleted, Handler: m.handleEvent},
		{Topic: cm.TopicDisconnectCompleted, Handler: m.handleEvent},
		{Topic: cm.TopicRoamCompleted, Handler: m.handleEvent},
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{
		"published": strconv.FormatInt(m.published.Load(), 10),
		"failed":    strconv.FormatInt(m.failed.Load(), 10),
		"dropped":   strconv.FormatInt(m.dropped.Load(), 10),
	}
	if m.cfg.BrokerURL == "" {
		return plugin.HealthStatus{
			Status:  "healthy",
			Message: "no broker configured (no-op mode)",
			Details: details,
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || !m.client.IsConnected() {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "not connected to MQTT broker",
			Details: details,
		}
	}
	return plugin.HealthStatus{
		Status:  "healthy",
		Message: "connected to " + m.cfg.BrokerURL,
		Details: details,
	}
}

// messagesFor maps a bus event to the MQTT messages it produces. Retained
// topics under <prefix>/vdev/<n>/ mirror current state; completions go to
// <prefix>/vdev/<n>/<kind> with the configured retain flag.
func (m *Module) messagesFor(event plugin.Event) (cm.VdevID, []message) {
	retained := func(topic, value string) message {
		return message{topic: topic, payload: []byte(value), retain: true}
	}
	completion := func(root, kind string) (message, bool) {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			m.logger.Warn("failed to marshal MQTT payload",
				zap.String("topic", event.Topic),
				zap.Error(err),
			)
			return message{}, false
		}
		return message{topic: root + "/" + kind, payload: payload, retain: m.cfg.Retain}, true
	}

	var (
		vdev cm.VdevID
		out  []message
	)
	switch p := event.Payload.(type) {
	case cm.StateChange:
		vdev = p.Vdev
		root := vdevTopic(m.cfg.TopicPrefix, vdev)
		out = append(out,
			retained(root+"/state", p.To),
			retained(root+"/connected", connectedPayload(p.To)),
		)
	case cm.ConnectResult:
		vdev = p.Vdev
		root := vdevTopic(m.cfg.TopicPrefix, vdev)
		if msg, ok := completion(root, "connect"); ok {
			out = append(out, msg)
		}
		if p.OK() {
			out = append(out,
				retained(root+"/bssid", p.BSSID.String()),
				retained(root+"/ssid", string(p.SSID)),
			)
		}
	case cm.DisconnectResult:
		vdev = p.Vdev
		root := vdevTopic(m.cfg.TopicPrefix, vdev)
		if msg, ok := completion(root, "disconnect"); ok {
			out = append(out, msg)
		}
		out = append(out, retained(root+"/bssid", ""), retained(root+"/ssid", ""))
	case cm.RoamResult:
		vdev = p.Vdev
		root := vdevTopic(m.cfg.TopicPrefix, vdev)
		if msg, ok := completion(root, "roam"); ok {
			out = append(out, msg)
		}
		if p.OK() {
			out = append(out, retained(root+"/bssid", p.BSSID.String()))
		}
	default:
		return 0, nil
	}
	return vdev, out
}

// handleEvent runs on the publishing manager's goroutine; it only queues.
func (m *Module) handleEvent(_ context.Context, event plugin.Event) {
	if m.cfg.BrokerURL == "" {
		return
	}
	vdev, msgs := m.messagesFor(event)
	if len(msgs) == 0 {
		return
	}
	if m.cfg.HADiscovery && m.announce(vdev) {
		for _, c := range BuildVdevDiscoveryConfigs(vdev, m.cfg.ClientID, m.cfg.TopicPrefix, m.cfg.HADiscoveryPrefix) {
			// Discovery configs are always retained so HA picks them up on restart.
			m.enqueue(message{topic: c.Topic, payload: c.Payload, retain: true})
		}
	}
	for _, msg := range msgs {
		m.enqueue(msg)
	}
}

// announce reports whether vdev still needs its discovery configs.
func (m *Module) announce(vdev cm.VdevID) bool {
	m.annMu.Lock()
	defer m.annMu.Unlock()
	if m.announced[vdev] {
		return false
	}
	m.announced[vdev] = true
	return true
}

func (m *Module) enqueue(msg message) {
	select {
	case m.queue <- msg:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("mqtt queue full, dropping messages", zap.Int("queue_size", m.cfg.QueueSize))
		}
	}
}

func (m *Module) publishLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.queue:
			m.publish(msg)
		}
	}
}

func (m *Module) publish(msg message) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		m.failed.Add(1)
		return
	}

	token := client.Publish(msg.topic, m.cfg.QoS, msg.retain, msg.payload)
	if !token.WaitTimeout(m.cfg.Timeout) {
		m.failed.Add(1)
		m.logger.Warn("mqtt publish timed out", zap.String("mqtt_topic", msg.topic))
		return
	}
	if err := token.Error(); err != nil {
		m.failed.Add(1)
		m.logger.Warn("mqtt publish failed",
			zap.String("mqtt_topic", msg.topic),
			zap.Error(err),
		)
		return
	}
	m.published.Add(1)
	m.logger.Debug("mqtt message published",
		zap.String("mqtt_topic", msg.topic),
		zap.Bool("retain", msg.retain),
	)
}
