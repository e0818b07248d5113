package handlers_test

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-kanban-go/internal/handlers"
	"classroom-kanban-go/internal/models"
)

const secret = "test-secret"

type fixture struct {
	srv    *httptest.Server
	store  *memStore
	bus    *memBus
	tokens *handlers.Tokens
}

func newFixture(t *testing.T, configure ...func(*handlers.Options)) *fixture {
	t.Helper()
	keys, err := handlers.LoadVAPIDKeys("", "", nil)
	require.NoError(t, err)

	f := &fixture{store: &memStore{}, bus: newMemBus(), tokens: handlers.NewTokens(secret)}
	opts := handlers.Options{
		Store:         f.store,
		Bus:           f.bus,
		Tokens:        f.tokens,
		Pusher:        handlers.NewPusher(f.store, keys, "ops@example.com", 30, nil),
		StaticDir:     t.TempDir(),
		WorkerVersion: "7",
	}
	for _, c := range configure {
		c(&opts)
	}
	f.srv = httptest.NewServer(handlers.NewHandler(opts, nil).Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := f.tokens.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestTokens(t *testing.T) {
	t.Parallel()
	tokens := handlers.NewTokens(secret)

	tok, err := tokens.Issue(42, 0)
	require.NoError(t, err)
	id, err := tokens.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = handlers.NewTokens("other").Parse(tok)
	assert.ErrorIs(t, err, handlers.ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 42,
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = tokens.Parse(expired)
	assert.ErrorIs(t, err, handlers.ErrInvalidToken)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 42}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = tokens.Parse(noExp)
	assert.Error(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": 42,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Parse(unsigned)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"Token abc":  "",
		"Bearer":     "",
		"":           "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, handlers.ExtractToken(r), header)
	}
}

func TestRoutes_RequireAuthentication(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/api/notifications/", "/api/push-subscriptions/", "/api/push-subscriptions/public_key/"} {
		resp, _ := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)

		resp, _ = f.do(t, http.MethodGet, path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestNotifications_ScopedAndNewestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := testContext(t)

	first, _ := f.store.CreateNotification(ctx, models.Notification{RecipientID: 1, Type: models.TypeCardAssigned, Title: "a"})
	second, _ := f.store.CreateNotification(ctx, models.Notification{RecipientID: 1, Type: models.TypeDueSoon, Title: "b"})
	_, _ = f.store.CreateNotification(ctx, models.Notification{RecipientID: 2, Type: models.TypeDueSoon, Title: "other"})

	tok := f.token(t, 1)
	resp, body := f.do(t, http.MethodGet, "/api/notifications/", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Notification
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	resp, _ = f.do(t, http.MethodPost, "/api/notifications/"+itoa(first.ID)+"/mark_read/", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/notifications/?unread=true", tok, nil)
	list = nil
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	// Another user's notification is not found, not silently marked.
	resp, _ = f.do(t, http.MethodPost, "/api/notifications/3/mark_read/", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/notifications/abc/mark_read/", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/notifications/mark_all_read/", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"updated": 1}`, string(body))
	assert.False(t, f.store.isRead(3))
}

func TestPushSubscriptions_CRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.token(t, 5)

	resp, body := f.do(t, http.MethodGet, "/api/push-subscriptions/public_key/", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var key struct {
		PublicKey string `json:"public_key"`
	}
	require.NoError(t, json.Unmarshal(body, &key))
	assert.NotEmpty(t, key.PublicKey)

	resp, body = f.do(t, http.MethodPost, "/api/push-subscriptions/", tok,
		map[string]string{"endpoint": "https://push.example/a", "p256dh": "pk", "auth": "au"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.PushSubscription
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, int64(5), created.UserID)

	// Nested keys and the same endpoint update the existing record.
	resp, body = f.do(t, http.MethodPost, "/api/push-subscriptions/", tok, map[string]any{
		"endpoint": "https://push.example/a",
		"keys":     map[string]string{"p256dh": "pk2", "auth": "au2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var updated models.PushSubscription
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "pk2", updated.P256dh)

	resp, _ = f.do(t, http.MethodPost, "/api/push-subscriptions/", tok, map[string]string{"endpoint": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/push-subscriptions/", tok, nil)
	var subs []models.PushSubscription
	require.NoError(t, json.Unmarshal(body, &subs))
	assert.Len(t, subs, 1)

	resp, _ = f.do(t, http.MethodDelete, "/api/push-subscriptions/"+itoa(created.ID)+"/", f.token(t, 6), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/push-subscriptions/"+itoa(created.ID)+"/", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventHandler_Signature(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *handlers.Options) { o.WebhookSecret = "hook" })

	body := []byte(`{"recipient_id": 9, "type": "comment_added", "message": "hi"}`)
	resp, err := http.Post(f.srv.URL+"/api/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/events", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(handlers.SignatureHeader, handlers.Sign(body, "hook"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var n models.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.Equal(t, "New comment", n.Title)
	assert.Equal(t, "hi", n.Message)
	assert.Equal(t, 1, f.bus.publishedCount())
}

func TestEventHandler_Payloads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, n models.Notification)
	}{
		{
			name:   "fallback keys",
			body:   `{"user_id": "3", "event": "due_soon", "subject": "Essay", "description": "due tomorrow", "board": 4, "card_id": 8}`,
			status: http.StatusCreated,
			check: func(t *testing.T, n models.Notification) {
				assert.Equal(t, models.TypeDueSoon, n.Type)
				assert.Equal(t, "Essay", n.Title)
				assert.Equal(t, "due tomorrow", n.Message)
				require.NotNil(t, n.BoardID)
				require.NotNil(t, n.CardID)
				assert.Equal(t, int64(4), *n.BoardID)
				assert.Equal(t, int64(8), *n.CardID)
			},
		},
		{
			name:   "default type and title",
			body:   `{"recipient_id": 3}`,
			status: http.StatusCreated,
			check: func(t *testing.T, n models.Notification) {
				assert.Equal(t, models.TypeCardAssigned, n.Type)
				assert.Equal(t, "Card assigned", n.Title)
				assert.Nil(t, n.BoardID)
			},
		},
		{name: "missing recipient", body: `{"type": "due_soon"}`, status: http.StatusBadRequest},
		{name: "unknown type", body: `{"recipient_id": 3, "type": "party"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/api/events", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.check != nil {
				var n models.Notification
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
				tt.check(t, n)
			}
		})
	}
}

func TestEventHandler_FormPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := http.PostForm(f.srv.URL+"/api/events", url.Values{
		"recipient_id": {"3"},
		"type":         {"due_soon"},
		"message":      {"essay due"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var n models.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.Equal(t, models.TypeDueSoon, n.Type)
	assert.Equal(t, "essay due", n.Message)
	held, err := f.store.ListNotifications(testContext(t), 3, false)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, n.ID, held[0].ID)
	assert.Equal(t, 1, f.bus.publishedCount())

	// Keys missing from the form come from the query string.
	resp2, err := http.PostForm(f.srv.URL+"/api/events?recipient_id=4&card_id=12", url.Values{"type": {"card_moved"}})
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	var moved models.Notification
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&moved))
	held, err = f.store.ListNotifications(testContext(t), 4, false)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, moved.ID, held[0].ID)
	require.NotNil(t, moved.CardID)
	assert.Equal(t, int64(12), *moved.CardID)

	resp3, err := http.Post(f.srv.URL+"/api/events", "application/x-www-form-urlencoded", strings.NewReader(""))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestPusher_DeletesGoneSubscriptions(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid t="))
		if strings.HasSuffix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(service.Close)

	s := &memStore{}
	ctx := testContext(t)
	for _, path := range []string{"/ok", "/gone"} {
		p256dh, auth := deviceKeys(t)
		_, err := s.SaveSubscription(ctx, 1, service.URL+path, p256dh, auth)
		require.NoError(t, err)
	}

	keys, err := handlers.LoadVAPIDKeys("", "", nil)
	require.NoError(t, err)
	pusher := handlers.NewPusher(s, keys, "mailto:ops@example.com", 30, nil)

	sent, err := pusher.SendToUser(ctx, 1, models.PushPayload{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), hits.Load())

	subs, _ := s.ListSubscriptions(ctx, 1)
	require.Len(t, subs, 1)
	assert.Equal(t, service.URL+"/ok", subs[0].Endpoint)

	sent, err = pusher.SendToUser(ctx, 2, models.PushPayload{Title: "t"})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestLoadVAPIDKeys_UsesConfigured(t *testing.T) {
	t.Parallel()
	keys, err := handlers.LoadVAPIDKeys("pub", "priv", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.VAPIDKeys{Public: "pub", Private: "priv"}, keys)
}

func TestNotificationSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tok := f.token(t, 11)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/notifications/?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	resp2, err := http.Post(f.srv.URL+"/api/events", "application/json",
		strings.NewReader(`{"recipient_id": 11, "type": "card_moved", "message": "moved to Done"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type string              `json:"type"`
		Data models.Notification `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "notification", frame.Type)
	assert.Equal(t, "moved to Done", frame.Data.Message)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mark_read", "notification_id": frame.Data.ID}))
	assert.Eventually(t, func() bool { return f.store.isRead(frame.Data.ID) }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return f.bus.subscribers(11) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationSocket_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/notifications/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newFixture(t, func(o *handlers.Options) { o.StaticDir = dir })

	resp, _ := f.do(t, http.MethodHead, "/sw.js", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sw.js"), []byte("self.addEventListener('push', () => {})"), 0o644))

	resp, _ = f.do(t, http.MethodHead, "/sw.js", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("X-Worker-Version"))

	resp, body := f.do(t, http.MethodGet, "/sw.js", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "addEventListener")
}

func deviceKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	authSecret := make([]byte, 16)
	_, err = rand.Read(authSecret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(authSecret)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
