// Package keycodec converts server-issued VAPID public keys into the raw
// uncompressed P-256 point expected by push subscribe calls.
package keycodec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
)

// KeyLength is the size of an uncompressed P-256 point: 0x04 || X || Y.
const KeyLength = 65

const uncompressedPrefix = 0x04

// KeyFormatError reports a decoded key of the wrong size.
type KeyFormatError struct {
	Length int
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("application server key is %d bytes, expected exactly %d", e.Length, KeyLength)
}

// DecodeApplicationServerKey accepts base64url with or without padding, and
// standard base64. A missing 0x04 prefix is logged, not rejected.
func DecodeApplicationServerKey(key string, log *zap.Logger) ([]byte, error) {
	log = logger.OrNop(log)

	s := strings.TrimSpace(key)
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode application server key: %w", err)
	}
	if len(raw) != KeyLength {
		return nil, &KeyFormatError{Length: len(raw)}
	}
	if raw[0] != uncompressedPrefix {
		log.Warn("application server key has unexpected prefix",
			zap.String("first_byte", fmt.Sprintf("0x%02x", raw[0])))
	}
	return raw, nil
}

// EncodeKeyMaterial renders subscription key material the way the server
// registry stores it.
func EncodeKeyMaterial(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
