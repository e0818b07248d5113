package pushrecv

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/keycodec"
)

// MaxVAPIDLifetime caps how far in the future a VAPID token may expire.
const MaxVAPIDLifetime = 24 * time.Hour

var (
	ErrNoAuthorization = errors.New("missing vapid authorization")
	ErrKeyMismatch     = errors.New("vapid key does not match the subscription")
)

// Authorization is a parsed VAPID credential.
type Authorization struct {
	Token string
	Key   []byte
}

// ParseAuthorization accepts both the "vapid t=..., k=..." scheme and the
// older "WebPush <jwt>" form with the key in Crypto-Key p256ecdsa.
func ParseAuthorization(h http.Header, log *zap.Logger) (Authorization, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(h.Get("Authorization")), " ")
	var token, key string
	switch strings.ToLower(scheme) {
	case "vapid":
		params := parseParams(rest, ",")
		token, key = params["t"], params["k"]
	case "webpush":
		token = strings.TrimSpace(rest)
		key = parseParams(h.Get("Crypto-Key"), ";,")["p256ecdsa"]
	default:
		return Authorization{}, ErrNoAuthorization
	}
	if token == "" || key == "" {
		return Authorization{}, ErrNoAuthorization
	}
	raw, err := keycodec.DecodeApplicationServerKey(key, log)
	if err != nil {
		return Authorization{}, fmt.Errorf("vapid key: %w", err)
	}
	return Authorization{Token: token, Key: raw}, nil
}

func parseParams(s, seps string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) }) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return out
}

// Verify checks the ES256 signature against the embedded key, the audience
// and the expiry window.
func (a Authorization) Verify(audience string, now time.Time) (*jwt.RegisteredClaims, error) {
	pub, err := ecdsaKey(a.Key)
	if err != nil {
		return nil, err
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if _, err := parser.ParseWithClaims(a.Token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}); err != nil {
		return nil, fmt.Errorf("vapid token: %w", err)
	}
	if claims.ExpiresAt.Sub(now) > MaxVAPIDLifetime {
		return nil, fmt.Errorf("vapid token expires in %s, more than %s", claims.ExpiresAt.Sub(now).Round(time.Second), MaxVAPIDLifetime)
	}
	return claims, nil
}

func ecdsaKey(raw []byte) (*ecdsa.PublicKey, error) {
	// NewPublicKey rejects points that are not on the curve.
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}, nil
}
