package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/event"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStream(t *testing.T) (*event.Bus, *Handler, *httptest.Server) {
	t.Helper()
	bus := event.NewBus(testLogger())
	h := NewHandler(bus, testLogger())
	t.Cleanup(h.Close)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return bus, h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/events" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHandler_StreamsFilteredEvents(t *testing.T) {
	bus, h, srv := newStream(t)
	conn := dial(t, srv, "?vdev=1")

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	publish := func(p any) {
		require.NoError(t, bus.Publish(context.Background(), plugin.Event{
			Topic:     cm.TopicConnectCompleted,
			Source:    "cm",
			Timestamp: time.Now(),
			Payload:   p,
		}))
	}
	publish(cm.ConnectResult{Vdev: 0, ID: cm.NewID(cm.KindConnect, 0, 1)})
	publish(cm.ConnectResult{Vdev: 1, ID: cm.NewID(cm.KindConnect, 1, 2), SSID: "corp"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got struct {
		Type MessageType    `json:"type"`
		Vdev int            `json:"vdev"`
		CMID string         `json:"cm_id"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &got))

	assert.Equal(t, MessageConnectCompleted, got.Type)
	assert.Equal(t, 1, got.Vdev)
	assert.Equal(t, "CM-0C-1-2", got.CMID)
	assert.Equal(t, "corp", got.Data["ssid"])
}

func TestHandler_RejectsBadVdev(t *testing.T) {
	_, _, srv := newStream(t)

	resp, err := http.Get(srv.URL + "/api/v1/ws/events?vdev=abc")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_CloseUnsubscribes(t *testing.T) {
	bus, h, srv := newStream(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Close()
	require.NoError(t, bus.Publish(context.Background(), plugin.Event{
		Topic:   cm.TopicStateChanged,
		Payload: cm.StateChange{Vdev: 0, From: "INIT", To: "CONNECTING"},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var msg Message
	assert.Error(t, wsjson.Read(ctx, conn, &msg), "no message expected after Close")
}
