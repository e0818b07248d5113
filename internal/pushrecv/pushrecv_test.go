package pushrecv_test

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-kanban-go/internal/keycodec"
	"classroom-kanban-go/internal/pushrecv"
)

type subscriber struct {
	mu        sync.Mutex
	keys      map[string]pushrecv.Keys
	appKey    []byte
	delivered []pushrecv.Delivery
}

func (s *subscriber) Lookup(id string) (pushrecv.Keys, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	return k, s.appKey, ok
}

func (s *subscriber) Deliver(_ context.Context, d pushrecv.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, d)
}

func newKeys(t *testing.T) pushrecv.Keys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return pushrecv.Keys{Private: priv, Auth: auth}
}

func webpushSubscription(endpoint string, k pushrecv.Keys) *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(k.Private.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(k.Auth),
		},
	}
}

type vapid struct {
	private, public string
}

func newVAPID(t *testing.T) vapid {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return vapid{private: priv, public: pub}
}

func (v vapid) send(t *testing.T, msg []byte, sub *webpush.Subscription) *http.Response {
	t.Helper()
	resp, err := webpush.SendNotification(msg, sub, &webpush.Options{
		Subscriber:      "ops@example.com",
		VAPIDPublicKey:  v.public,
		VAPIDPrivateKey: v.private,
		TTL:             60,
	})
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func setup(t *testing.T) (*subscriber, pushrecv.Keys, *httptest.Server) {
	t.Helper()
	k := newKeys(t)
	s := &subscriber{keys: map[string]pushrecv.Keys{"device-1": k}}
	srv := httptest.NewServer(pushrecv.NewReceiver(s, nil).Routes())
	t.Cleanup(srv.Close)
	return s, k, srv
}

func TestReceiver_DecryptsWebPushDelivery(t *testing.T) {
	t.Parallel()
	s, k, srv := setup(t)
	v := newVAPID(t)
	appKey, err := keycodec.DecodeApplicationServerKey(v.public, nil)
	require.NoError(t, err)
	s.appKey = appKey

	msg := []byte(`{"title":"Card assigned","body":"You were assigned to Essay draft","data":{"board_id":7}}`)
	resp := v.send(t, msg, webpushSubscription(srv.URL+"/push/device-1", k))

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, s.delivered, 1)
	assert.Equal(t, msg, s.delivered[0].Payload)
	assert.Equal(t, "device-1", s.delivered[0].SubscriptionID)
	assert.Equal(t, 60, s.delivered[0].TTL)
}

func TestReceiver_UnknownSubscriptionIsGone(t *testing.T) {
	t.Parallel()
	_, k, srv := setup(t)

	resp := newVAPID(t).send(t, []byte("hi"), webpushSubscription(srv.URL+"/push/nope", k))
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestReceiver_RejectsForeignApplicationServer(t *testing.T) {
	t.Parallel()
	s, k, srv := setup(t)
	owner, err := keycodec.DecodeApplicationServerKey(newVAPID(t).public, nil)
	require.NoError(t, err)
	s.appKey = owner

	resp := newVAPID(t).send(t, []byte("hi"), webpushSubscription(srv.URL+"/push/device-1", k))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, s.delivered)
}

func TestReceiver_RequiresAuthorization(t *testing.T) {
	t.Parallel()
	s, _, srv := setup(t)

	resp, err := http.Post(srv.URL+"/push/device-1", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, s.delivered)
}

func TestReceiver_GarbageBodyIsBadRequest(t *testing.T) {
	t.Parallel()
	s, _, srv := setup(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/push/device-1", bytes.NewReader(make([]byte, 120)))
	require.NoError(t, err)
	req.Header.Set("Authorization", vapidHeader(t, key, srv.URL, time.Now().Add(time.Hour)))
	req.Header.Set("Content-Encoding", "aes128gcm")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, s.delivered)
}

func TestReceiver_EmptyBodyIsTickle(t *testing.T) {
	t.Parallel()
	s, _, srv := setup(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/push/device-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", vapidHeader(t, key, srv.URL, time.Now().Add(time.Hour)))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, s.delivered, 1)
	assert.Nil(t, s.delivered[0].Payload)
}

func vapidHeader(t *testing.T, key *ecdsa.PrivateKey, aud string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": exp.Unix(),
		"sub": "mailto:ops@example.com",
	}).SignedString(key)
	require.NoError(t, err)
	pub, err := key.PublicKey.ECDH()
	require.NoError(t, err)
	return "vapid t=" + token + ", k=" + base64.RawURLEncoding.EncodeToString(pub.Bytes())
}

func TestAuthorization_Verify(t *testing.T) {
	t.Parallel()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	const aud = "https://device.example"

	cases := []struct {
		name    string
		aud     string
		exp     time.Time
		wantErr bool
	}{
		{"valid", aud, now.Add(12 * time.Hour), false},
		{"wrong audience", "https://other.example", now.Add(time.Hour), true},
		{"expired", aud, now.Add(-time.Minute), true},
		{"too far ahead", aud, now.Add(48 * time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("Authorization", vapidHeader(t, key, tc.aud, tc.exp))
			a, err := pushrecv.ParseAuthorization(h, nil)
			require.NoError(t, err)
			_, err = a.Verify(aud, now)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAuthorization_LegacyWebPushScheme(t *testing.T) {
	t.Parallel()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := key.PublicKey.ECDH()
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "WebPush some.jwt.token")
	h.Set("Crypto-Key", "dh=abc;p256ecdsa="+base64.RawURLEncoding.EncodeToString(pub.Bytes()))

	a, err := pushrecv.ParseAuthorization(h, nil)
	require.NoError(t, err)
	assert.Equal(t, "some.jwt.token", a.Token)
	assert.Equal(t, pub.Bytes(), a.Key)
}

func TestParseAuthorization_Missing(t *testing.T) {
	t.Parallel()
	_, err := pushrecv.ParseAuthorization(http.Header{}, nil)
	assert.ErrorIs(t, err, pushrecv.ErrNoAuthorization)

	h := http.Header{}
	h.Set("Authorization", "vapid t=abc")
	_, err = pushrecv.ParseAuthorization(h, nil)
	assert.ErrorIs(t, err, pushrecv.ErrNoAuthorization)
}

func TestDecrypt_Errors(t *testing.T) {
	t.Parallel()
	k := newKeys(t)

	_, err := pushrecv.Decrypt([]byte("short"), k)
	assert.ErrorIs(t, err, pushrecv.ErrMalformed)

	_, err = pushrecv.Decrypt(make([]byte, 100), pushrecv.Keys{Private: k.Private, Auth: []byte("x")})
	assert.Error(t, err)
}

func TestDecrypt_WrongAuthSecretFails(t *testing.T) {
	t.Parallel()
	k := newKeys(t)
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		captured = buf.Bytes()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	newVAPID(t).send(t, []byte("secret message"), webpushSubscription(srv.URL, k))
	require.NotEmpty(t, captured)

	got, err := pushrecv.Decrypt(captured, k)
	require.NoError(t, err)
	assert.Equal(t, "secret message", string(got))

	other := k
	other.Auth = bytes.Repeat([]byte{7}, 16)
	_, err = pushrecv.Decrypt(captured, other)
	assert.ErrorIs(t, err, pushrecv.ErrMalformed)
}
