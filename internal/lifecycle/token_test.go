package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("factory-preshared-secret")

func TestVerifyDeviceToken(t *testing.T) {
	now := time.Now()
	token := DeviceToken(secret, "aa:bb:cc:dd:ee:ff", now)

	err := VerifyDeviceToken(secret, "aa:bb:cc:dd:ee:ff", token, now, now, DefaultTokenWindow)
	assert.NoError(t, err)
}

func TestVerifyDeviceTokenWrongSecret(t *testing.T) {
	now := time.Now()
	token := DeviceToken([]byte("other-secret"), "aa:bb:cc:dd:ee:ff", now)

	err := VerifyDeviceToken(secret, "aa:bb:cc:dd:ee:ff", token, now, now, DefaultTokenWindow)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyDeviceTokenWrongAddress(t *testing.T) {
	now := time.Now()
	token := DeviceToken(secret, "aa:bb:cc:dd:ee:ff", now)

	err := VerifyDeviceToken(secret, "11:22:33:44:55:66", token, now, now, DefaultTokenWindow)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyDeviceTokenReplayOutsideWindow(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	token := DeviceToken(secret, "aa:bb:cc:dd:ee:ff", issued)

	// The MAC itself is valid, but the freshness window rejects it.
	err := VerifyDeviceToken(secret, "aa:bb:cc:dd:ee:ff", token, issued, time.Now(), DefaultTokenWindow)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyDeviceTokenFutureTimestamp(t *testing.T) {
	now := time.Now()
	issued := now.Add(time.Hour)
	token := DeviceToken(secret, "aa:bb:cc:dd:ee:ff", issued)

	err := VerifyDeviceToken(secret, "aa:bb:cc:dd:ee:ff", token, issued, now, DefaultTokenWindow)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	t1 := DeviceToken(secret, "dev", at)
	t2 := DeviceToken(secret, "dev", at)
	require.Equal(t, t1, t2)
	assert.Len(t, t1, 64)
}
