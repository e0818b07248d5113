// Package pushrecv is the device side of Web Push: it accepts deliveries from
// an application server, checks their VAPID authorization and decrypts
// aes128gcm payloads.
package pushrecv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen      = 16
	authLen      = 16
	headerFixed  = saltLen + 4 + 1
	tagLen       = 16
	minRecord    = tagLen + 2
	uaPublicLen  = 65
	keyInfoLabel = "WebPush: info\x00"
	cekInfo      = "Content-Encoding: aes128gcm\x00"
	nonceInfo    = "Content-Encoding: nonce\x00"
)

var ErrMalformed = errors.New("malformed aes128gcm payload")

// Keys is the subscriber's half of a push subscription.
type Keys struct {
	Private *ecdh.PrivateKey
	Auth    []byte
}

// Decrypt opens an aes128gcm body addressed to keys.
func Decrypt(body []byte, keys Keys) ([]byte, error) {
	if len(keys.Auth) != authLen {
		return nil, fmt.Errorf("auth secret is %d bytes, expected %d", len(keys.Auth), authLen)
	}
	if len(body) < headerFixed {
		return nil, fmt.Errorf("%w: %d byte body", ErrMalformed, len(body))
	}
	salt := body[:saltLen]
	rs := binary.BigEndian.Uint32(body[saltLen : saltLen+4])
	idLen := int(body[saltLen+4])
	if rs < minRecord {
		return nil, fmt.Errorf("%w: record size %d", ErrMalformed, rs)
	}
	if len(body) < headerFixed+idLen {
		return nil, fmt.Errorf("%w: truncated key id", ErrMalformed)
	}
	keyID := body[headerFixed : headerFixed+idLen]
	content := body[headerFixed+idLen:]
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrMalformed)
	}

	asPublic, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %v", ErrMalformed, err)
	}
	secret, err := keys.Private.ECDH(asPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	uaPublic := keys.Private.PublicKey().Bytes()
	info := make([]byte, 0, len(keyInfoLabel)+2*uaPublicLen)
	info = append(info, keyInfoLabel...)
	info = append(info, uaPublic...)
	info = append(info, keyID...)

	ikm, err := derive(secret, keys.Auth, info, 32)
	if err != nil {
		return nil, err
	}
	cek, err := derive(ikm, salt, []byte(cekInfo), 16)
	if err != nil {
		return nil, err
	}
	baseNonce, err := derive(ikm, salt, []byte(nonceInfo), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var out []byte
	for seq := uint64(0); len(content) > 0; seq++ {
		n := min(int(rs), len(content))
		record := content[:n]
		content = content[n:]
		last := len(content) == 0

		plain, err := gcm.Open(nil, recordNonce(baseNonce, seq), record, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformed, seq, err)
		}
		plain, err = unpad(plain, last)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", seq, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

func derive(secret, salt, info []byte, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), buf); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return buf, nil
}

// recordNonce xors the record sequence number into the low bytes of the base nonce.
func recordNonce(base []byte, seq uint64) []byte {
	n := append([]byte(nil), base...)
	for i := 0; i < 8; i++ {
		n[len(n)-1-i] ^= byte(seq >> (8 * i))
	}
	return n
}

// unpad strips trailing zero padding and the delimiter: 0x02 ends the last
// record, 0x01 any other.
func unpad(p []byte, last bool) ([]byte, error) {
	i := len(p) - 1
	for i >= 0 && p[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, fmt.Errorf("%w: missing padding delimiter", ErrMalformed)
	}
	want := byte(0x01)
	if last {
		want = 0x02
	}
	if p[i] != want {
		return nil, fmt.Errorf("%w: padding delimiter 0x%02x", ErrMalformed, p[i])
	}
	return p[:i], nil
}
