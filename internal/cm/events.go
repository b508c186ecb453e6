package cm

import (
	"context"
	"time"

	"github.com/HerbHall/wlancm/pkg/plugin"
	"go.uber.org/zap"
)

// Event topics published by the connection manager.
const (
	TopicStateChanged        = "cm.state.changed"
	TopicConnectCompleted    = "cm.connect.completed"
	TopicDisconnectCompleted = "cm.disconnect.completed"
	TopicRoamCompleted       = "cm.roam.completed"
)

// TopicPrefix matches every connection manager topic.
const TopicPrefix = "cm."

// busNotifier publishes completions and transitions on the event bus. It
// runs on a manager's executor, so Publish keeps per-vdev order.
type busNotifier struct {
	bus    plugin.EventBus
	logger *zap.Logger
}

func (n busNotifier) publish(topic string, payload any) {
	if n.bus == nil {
		return
	}
	err := n.bus.Publish(context.Background(), plugin.Event{
		Topic:     topic,
		Source:    "cm",
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		n.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (n busNotifier) ConnectComplete(r ConnectResult)       { n.publish(TopicConnectCompleted, r) }
func (n busNotifier) DisconnectComplete(r DisconnectResult) { n.publish(TopicDisconnectCompleted, r) }
func (n busNotifier) RoamComplete(r RoamResult)             { n.publish(TopicRoamCompleted, r) }
func (n busNotifier) StateChanged(s StateChange)            { n.publish(TopicStateChanged, s) }

// notifiers hands every notification to each receiver in order.
type notifiers []Notifier

func (ns notifiers) ConnectComplete(r ConnectResult) {
	for _, n := range ns {
		n.ConnectComplete(r)
	}
}

func (ns notifiers) DisconnectComplete(r DisconnectResult) {
	for _, n := range ns {
		n.DisconnectComplete(r)
	}
}

func (ns notifiers) RoamComplete(r RoamResult) {
	for _, n := range ns {
		n.RoamComplete(r)
	}
}

func (ns notifiers) StateChanged(s StateChange) {
	for _, n := range ns {
		n.StateChanged(s)
	}
}
