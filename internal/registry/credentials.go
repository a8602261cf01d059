package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// codeAlphabet excludes visually ambiguous characters (0/O, 1/I/L)
	// since claim codes are read off a label or spoken over the phone.
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	passwordBytes    = 32
	recoveryKeyBytes = 24
)

// GenerateClaimCode returns a fixed-length code from the unambiguous
// alphabet, e.g. "AB3D9KQX".
func GenerateClaimCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate claim code: %w", err)
	}
	code := make([]byte, codeLength)
	for i, v := range b {
		code[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(code), nil
}

// GeneratePassword returns a new broker password.
func GeneratePassword() (string, error) {
	b := make([]byte, passwordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return "tp_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRecoveryKey returns the device-held recovery identifier issued at
// claim time and required as proof on the out-of-band recovery channel.
func GenerateRecoveryKey() (string, error) {
	b := make([]byte, recoveryKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate recovery key: %w", err)
	}
	return "rk_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// Fingerprint is the sha256 hex digest of a broker password, stored so the
// registry can compare credentials without consulting the plaintext cache.
func Fingerprint(password string) string {
	sum := sha256.Sum256([]byte(password))
	return fmt.Sprintf("%x", sum)
}

// HashCode is the at-rest form of a claim code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x", sum)
}
