package ws

import (
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageStateChanged        MessageType = "cm.state_changed"
	MessageConnectCompleted    MessageType = "cm.connect_completed"
	MessageDisconnectCompleted MessageType = "cm.disconnect_completed"
	MessageRoamCompleted       MessageType = "cm.roam_completed"
)

// Message is the envelope for all WebSocket messages. Data carries the
// connection manager payload unchanged.
type Message struct {
	Type      MessageType `json:"type"`
	Vdev      cm.VdevID   `json:"vdev"`
	CMID      cm.ID       `json:"cm_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// messageFor maps a connection manager payload to its envelope.
func messageFor(payload any, at time.Time) (Message, bool) {
	m := Message{Timestamp: at, Data: payload}
	switch p := payload.(type) {
	case cm.StateChange:
		m.Type, m.Vdev, m.CMID = MessageStateChanged, p.Vdev, p.ID
	case cm.ConnectResult:
		m.Type, m.Vdev, m.CMID = MessageConnectCompleted, p.Vdev, p.ID
	case cm.DisconnectResult:
		m.Type, m.Vdev, m.CMID = MessageDisconnectCompleted, p.Vdev, p.ID
	case cm.RoamResult:
		m.Type, m.Vdev, m.CMID = MessageRoamCompleted, p.Vdev, p.ID
	default:
		return Message{}, false
	}
	return m, true
}
