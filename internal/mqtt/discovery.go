package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/version"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	Name        string   `json:"name"`
	ObjectID    string   `json:"object_id"`
	UniqueID    string   `json:"unique_id"`
	StateTopic  string   `json:"state_topic"`
	DeviceClass string   `json:"device_class,omitempty"`
	PayloadOn   string   `json:"payload_on"`
	PayloadOff  string   `json:"payload_off"`
	Device      HADevice `json:"device"`
	Icon        string   `json:"icon,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name       string   `json:"name"`
	ObjectID   string   `json:"object_id"`
	UniqueID   string   `json:"unique_id"`
	StateTopic string   `json:"state_topic"`
	Icon       string   `json:"icon,omitempty"`
	Device     HADevice `json:"device"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// vdevTopic is the state topic root of one interface.
func vdevTopic(topicPrefix string, vdev cm.VdevID) string {
	return fmt.Sprintf("%s/vdev/%d", topicPrefix, vdev)
}

func buildHADevice(clientID string, vdev cm.VdevID) HADevice {
	id := SafeObjectID(clientID)
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("%s_vdev%d", id, vdev)},
		Name:         fmt.Sprintf("%s vdev %d", clientID, vdev),
		Model:        "WLAN station",
		Manufacturer: "wlancm",
		SWVersion:    version.Short(),
	}
}

// BuildVdevDiscoveryConfigs creates HA discovery payloads for one interface:
// a connectivity binary_sensor plus state, BSSID and SSID sensors.
func BuildVdevDiscoveryConfigs(vdev cm.VdevID, clientID, topicPrefix, haPrefix string) []DiscoveryConfig {
	haDevice := buildHADevice(clientID, vdev)
	base := haDevice.Identifiers[0]
	root := vdevTopic(topicPrefix, vdev)

	configs := make([]DiscoveryConfig, 0, 4)
	add := func(component, suffix string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			return
		}
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", haPrefix, component, base, suffix),
			Payload: payload,
		})
	}

	add("binary_sensor", "connected", BinarySensorConfig{
		Name:        haDevice.Name + " Connected",
		ObjectID:    base + "_connected",
		UniqueID:    base + "_connected",
		StateTopic:  root + "/connected",
		DeviceClass: "connectivity",
		PayloadOn:   "ON",
		PayloadOff:  "OFF",
		Device:      haDevice,
	})
	add("sensor", "state", SensorConfig{
		Name:       haDevice.Name + " State",
		ObjectID:   base + "_state",
		UniqueID:   base + "_state",
		StateTopic: root + "/state",
		Icon:       "mdi:state-machine",
		Device:     haDevice,
	})
	add("sensor", "bssid", SensorConfig{
		Name:       haDevice.Name + " BSSID",
		ObjectID:   base + "_bssid",
		UniqueID:   base + "_bssid",
		StateTopic: root + "/bssid",
		Icon:       "mdi:access-point",
		Device:     haDevice,
	})
	add("sensor", "ssid", SensorConfig{
		Name:       haDevice.Name + " SSID",
		ObjectID:   base + "_ssid",
		UniqueID:   base + "_ssid",
		StateTopic: root + "/ssid",
		Icon:       "mdi:wifi",
		Device:     haDevice,
	})
	return configs
}

// connectedPayload maps a state name such as "ROAMING/REASSOC" to the
// binary_sensor value. Roaming keeps the link, so it counts as connected.
func connectedPayload(state string) string {
	top, _, _ := strings.Cut(state, "/")
	switch top {
	case cm.StateConnected.String(), cm.StateRoaming.String():
		return "ON"
	}
	return "OFF"
}
