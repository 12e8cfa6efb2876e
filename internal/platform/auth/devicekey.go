package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	deviceKeyPrefix      = "lis_dk_"
	deviceKeyRandomBytes = 16
	deviceKeySaltBytes   = 16
)

// GenerateDeviceKey mints a new shared secret for an instrument. The raw
// key is returned once for the operator to copy onto the device; only the
// salted hash is stored.
func GenerateDeviceKey() (rawKey, storedHash string, err error) {
	buf := make([]byte, deviceKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating device key: %w", err)
	}
	rawKey = deviceKeyPrefix + hex.EncodeToString(buf)

	storedHash, err = HashDeviceKey(rawKey)
	if err != nil {
		return "", "", err
	}
	return rawKey, storedHash, nil
}

// HashDeviceKey salts and hashes a raw key into the stored form
// "<salt-hex>$<digest-hex>". A fresh salt is drawn on every call.
func HashDeviceKey(rawKey string) (string, error) {
	salt := make([]byte, deviceKeySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(rawKey)...))
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(digest[:]), nil
}

// VerifyDeviceKey checks a candidate key against a stored hash in constant
// time. Any malformed stored value fails closed.
func VerifyDeviceKey(storedHash, candidate string) bool {
	saltHex, digestHex, found := strings.Cut(storedHash, "$")
	if !found {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := hex.DecodeString(digestHex)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256(append(salt, []byte(candidate)...))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}
