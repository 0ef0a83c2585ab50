package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex signs payload with secret and returns the lowercase hex digest.
func HMACSHA256Hex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHexMAC compares two hex encoded MACs in constant time. Malformed input never matches.
func EqualHexMAC(expected, provided string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(expected))
	if err != nil || len(want) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(provided)))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
