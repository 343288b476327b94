// Package bus implements the C1 bus client: connect, subscribe, publish,
// and deliver inbound messages as typed events, grounded on
// rustyeddy-otto's messenger.Registry (QoS/retain fields, resubscribe-on-
// reconnect, last-will-testament wiring) and restated atop
// eclipse/paho.mqtt.golang, the one pack dependency whose wire model
// (wildcard topic subscriptions, QoS levels, retained messages) matches
// spec §4.1/§6 directly.
package bus

import "fmt"

// QoS mirrors MQTT's three delivery-quality levels.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// Topic builders for the `/lab` namespace (spec §6).

func DeviceMetaTopic(deviceID string) string {
	return fmt.Sprintf("/lab/device/%s/meta", deviceID)
}

func DeviceStatusTopic(deviceID string) string {
	return fmt.Sprintf("/lab/device/%s/status", deviceID)
}

func DeviceHeartbeatTopic(deviceID string) string {
	return fmt.Sprintf("/lab/device/%s/heartbeat", deviceID)
}

func ModuleStatusTopic(deviceID, module string) string {
	return fmt.Sprintf("/lab/device/%s/%s/status", deviceID, module)
}

func ModuleCmdTopic(deviceID, module string) string {
	return fmt.Sprintf("/lab/device/%s/%s/cmd", deviceID, module)
}

func ModuleAckTopic(deviceID, module string) string {
	return fmt.Sprintf("/lab/device/%s/%s/ack", deviceID, module)
}

// DLQ scope topics (spec §4.7).

func DLQDeviceModuleTopic(deviceID, module string) string {
	return fmt.Sprintf("/lab/dlq/%s/%s", deviceID, module)
}

func DLQDeviceTopic(deviceID string) string {
	return fmt.Sprintf("/lab/dlq/%s/device", deviceID)
}

const DLQOrchestratorTopic = "/lab/dlq/orchestrator"
const DLQCommandTopic = "/lab/dlq/cmd"
const DLQResponseTopic = "/lab/dlq/response"
const HealthTestTopic = "/lab/orchestrator/health/test"

// Wildcard subscription patterns the client registers at startup.
const (
	DeviceMetaWildcard      = "/lab/device/+/meta"
	DeviceStatusWildcard    = "/lab/device/+/status"
	DeviceHeartbeatWildcard = "/lab/device/+/heartbeat"
	ModuleStatusWildcard    = "/lab/device/+/+/status"
	ModuleAckWildcard       = "/lab/device/+/+/ack"
)

// SimplifyTopic collapses a concrete device topic to its wildcard pattern,
// the way the original's metrics._simplify_topic reduces label cardinality.
func SimplifyTopic(topic string) string {
	parts := splitTopic(topic)
	if len(parts) >= 3 && parts[0] == "lab" {
		if parts[1] == "device" && len(parts) >= 3 {
			rest := append([]string{"lab", "device", "+"}, parts[3:]...)
			return "/" + joinTopic(rest)
		}
	}
	return topic
}

// SplitTopic exposes splitTopic for callers outside this package that need
// to pull positional segments (e.g. device id, module name) out of a
// concrete inbound topic.
func SplitTopic(topic string) []string {
	return splitTopic(topic)
}

func splitTopic(topic string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			if i > start {
				parts = append(parts, topic[start:i])
			}
			start = i + 1
		}
	}
	if start < len(topic) {
		parts = append(parts, topic[start:])
	}
	return parts
}

func joinTopic(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
