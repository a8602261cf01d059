package mqttx

import (
	"fmt"
	"strings"
)

// Topic layout: trapline/{tenant}/{device}/{leaf} for device-published
// events and trapline/{tenant}/{device}/command/{name} for server-issued
// commands. The device identity segment is the stable hardware address.
const topicRoot = "trapline"

// Device-published leaves.
const (
	LeafStatus           = "status"
	LeafAlert            = "alert"
	LeafAlertCleared     = "alert_cleared"
	LeafRotationAck      = "rotation_ack"
	LeafEscalationUpdate = "escalation_update"
	LeafAlertSync        = "alert_sync"
)

// Server-issued command names.
const (
	CommandRotateCredentials = "rotate_credentials"
	CommandAlertClear        = "alert_clear"
	CommandEscalation        = "escalation"
	CommandRevoke            = "revoke"
)

func DeviceTopic(tenantID, address, leaf string) string {
	return fmt.Sprintf("%s/%s/%s/%s", topicRoot, tenantID, address, leaf)
}

func CommandTopic(tenantID, address, command string) string {
	return fmt.Sprintf("%s/%s/%s/command/%s", topicRoot, tenantID, address, command)
}

// Subscription returns the wildcard filter matching a device-published leaf
// across all tenants and devices.
func Subscription(leaf string) string {
	return fmt.Sprintf("%s/+/+/%s", topicRoot, leaf)
}

// CommandSubscription returns the wildcard filter a device uses to receive
// all commands addressed to it.
func CommandSubscription(tenantID, address string) string {
	return fmt.Sprintf("%s/%s/%s/command/+", topicRoot, tenantID, address)
}

// ParseDeviceTopic extracts the tenant, device address and leaf from a
// published topic. Command topics yield the command name as the leaf.
func ParseDeviceTopic(topic string) (tenantID, address, leaf string, err error) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 4 && parts[0] == topicRoot:
		return parts[1], parts[2], parts[3], nil
	case len(parts) == 5 && parts[0] == topicRoot && parts[3] == "command":
		return parts[1], parts[2], parts[4], nil
	default:
		return "", "", "", fmt.Errorf("unrecognized topic: %q", topic)
	}
}
