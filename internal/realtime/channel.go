// Package realtime keeps a WebSocket open to the notification endpoint and feeds
// live events into a Sink, reconnecting after drops while a token is held.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/models"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	defaultHost           = "localhost:8000"
	notificationPath      = "/ws/notifications/"
	frameNotification     = "notification"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Sink interface {
	Add(n models.Notification)
}

// OpenHook runs in its own goroutine each time a connection opens. ctx ends when
// that connection is replaced or the channel is disconnected.
type OpenHook func(ctx context.Context)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Channel struct {
	apiURL string
	secure bool
	sink   Sink
	dialer Dialer
	log    *zap.Logger

	ReconnectDelay time.Duration

	mu     sync.Mutex
	hooks  []OpenHook
	conn   *websocket.Conn
	cancel context.CancelFunc
	timer  *time.Timer
	state  State
	token  string
	gen    uint64
}

// New builds a channel for the API at apiURL. secure selects wss over ws and
// should follow the scheme the app is served from.
func New(apiURL string, secure bool, sink Sink, dialer Dialer, log *zap.Logger) *Channel {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Channel{
		apiURL:         apiURL,
		secure:         secure,
		sink:           sink,
		dialer:         dialer,
		log:            logger.OrNop(log).Named("realtime"),
		ReconnectDelay: DefaultReconnectDelay,
		state:          Disconnected,
	}
}

var (
	schemePrefix = regexp.MustCompile(`^https?://`)
	apiSuffix    = regexp.MustCompile(`/api/?$`)
)

// URL derives the WebSocket address from the REST base URL: the scheme and a
// trailing /api are stripped from the host part.
func URL(apiURL string, secure bool, token string) string {
	host := apiSuffix.ReplaceAllString(schemePrefix.ReplaceAllString(apiURL, ""), "")
	if host == "" {
		host = defaultHost
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + host + notificationPath + "?token=" + url.QueryEscape(token)
}

func (c *Channel) OnOpen(h OpenHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == Connected
}

// Connect closes any current connection and dials a new one in the background.
func (c *Channel) Connect(token string) {
	c.mu.Lock()
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.token = token
	c.state = Connecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, gen, token)
}

// Disconnect closes the connection and forgets the token. No reconnect follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.gen++
	c.token = ""
	c.state = Disconnected
	c.log.Info("disconnected")
}

func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) run(ctx context.Context, gen uint64, token string) {
	conn, _, err := c.dialer.DialContext(ctx, URL(c.apiURL, c.secure, token), nil)
	if err != nil {
		c.log.Warn("dial failed", zap.Error(err))
		c.dropped(gen)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = Connected
	hooks := append([]OpenHook(nil), c.hooks...)
	c.mu.Unlock()

	c.log.Info("connected")
	for _, h := range hooks {
		go h(ctx)
	}

	c.read(conn)
	c.dropped(gen)
}

// read handles frames one at a time in arrival order until the connection fails.
func (c *Channel) read(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("connection lost", zap.Error(err))
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.log.Error("malformed frame", zap.Error(err))
		return
	}
	if f.Type != frameNotification {
		return
	}
	var n models.Notification
	if err := json.Unmarshal(f.Data, &n); err != nil {
		c.log.Error("malformed notification", zap.Error(err))
		return
	}
	c.sink.Add(n)
}

// dropped marks a connection of generation gen as gone and schedules a
// reconnect. Superseded generations are ignored.
func (c *Channel) dropped(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.conn = nil
	c.state = Disconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.token == "" {
		return
	}
	c.log.Info("scheduling reconnect", zap.Duration("delay", c.ReconnectDelay))
	c.timer = time.AfterFunc(c.ReconnectDelay, func() { c.reconnect(gen) })
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == Connected || c.token == "" {
		c.mu.Unlock()
		return
	}
	token := c.token
	c.timer = nil
	c.mu.Unlock()

	metrics.ChannelReconnects.Inc()
	c.Connect(token)
}
