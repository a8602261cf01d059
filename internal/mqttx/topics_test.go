package mqttx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceTopic(t *testing.T) {
	topic := DeviceTopic("tenant-1", "aa:bb:cc:dd:ee:ff", LeafRotationAck)
	assert.Equal(t, "trapline/tenant-1/aa:bb:cc:dd:ee:ff/rotation_ack", topic)
}

func TestCommandTopic(t *testing.T) {
	topic := CommandTopic("tenant-1", "aa:bb:cc:dd:ee:ff", CommandRotateCredentials)
	assert.Equal(t, "trapline/tenant-1/aa:bb:cc:dd:ee:ff/command/rotate_credentials", topic)
}

func TestParseDeviceTopic(t *testing.T) {
	tenant, address, leaf, err := ParseDeviceTopic("trapline/tenant-1/aa:bb:cc:dd:ee:ff/alert")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", address)
	assert.Equal(t, LeafAlert, leaf)
}

func TestParseCommandTopic(t *testing.T) {
	tenant, address, leaf, err := ParseDeviceTopic("trapline/tenant-1/aa:bb:cc:dd:ee:ff/command/revoke")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", address)
	assert.Equal(t, CommandRevoke, leaf)
}

func TestParseDeviceTopicRejectsForeign(t *testing.T) {
	_, _, _, err := ParseDeviceTopic("other/tenant-1/device/alert")
	assert.Error(t, err)

	_, _, _, err = ParseDeviceTopic("trapline/too/short")
	assert.Error(t, err)
}

func TestSubscriptionFilters(t *testing.T) {
	assert.Equal(t, "trapline/+/+/rotation_ack", Subscription(LeafRotationAck))
	assert.Equal(t, "trapline/t1/dev/command/+", CommandSubscription("t1", "dev"))
}

func TestRoundTrip(t *testing.T) {
	topic := DeviceTopic("t", "d", LeafAlertSync)
	tenant, address, leaf, err := ParseDeviceTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, "t", tenant)
	assert.Equal(t, "d", address)
	assert.Equal(t, LeafAlertSync, leaf)
}
