package lifecycle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidToken covers every token rejection: bad MAC, stale timestamp,
// malformed input. Callers get no finer detail, deliberately.
var ErrInvalidToken = errors.New("invalid device token")

// DefaultTokenWindow bounds how stale a device-presented claim token may
// be. Wide enough for trap RTC drift, narrow enough to blunt replay.
const DefaultTokenWindow = 10 * time.Minute

// DeviceToken computes the MAC a factory-provisioned device presents to
// claim itself: HMAC-SHA256 over its stable address and a freshness value,
// keyed with the pre-shared factory secret.
func DeviceToken(secret []byte, address string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%d", address, issuedAt.UTC().Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDeviceToken checks a presented token in constant time and enforces
// the freshness window against now.
func VerifyDeviceToken(secret []byte, address, token string, issuedAt, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultTokenWindow
	}
	if issuedAt.After(now.Add(window)) || issuedAt.Before(now.Add(-window)) {
		return ErrInvalidToken
	}

	want := DeviceToken(secret, address, issuedAt)
	if !hmac.Equal([]byte(token), []byte(want)) {
		return ErrInvalidToken
	}
	return nil
}
