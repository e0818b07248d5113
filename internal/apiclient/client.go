// Package apiclient talks to the Kanban REST API on behalf of the device agent.
// Every call carries the session's bearer token.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/models"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type SubscriptionInput struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type Client struct {
	base   *url.URL
	origin *url.URL
	http   *http.Client
	log    *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string, log *zap.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url must be http or https, got %q", baseURL)
	}
	return &Client{
		base:  u,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   logger.OrNop(log).Named("api"),
		token: token,
	}, nil
}

// SetAppOrigin sets the origin serving the web app and its worker script.
// Without one, the worker script is looked up next to the API.
func (c *Client) SetAppOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("parse app origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("app origin must be an http or https origin, got %q", origin)
	}
	c.origin = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	return nil
}

// BaseURL is the API root the client resolves relative paths against.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) VAPIDPublicKey(ctx context.Context) (string, error) {
	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.do(ctx, http.MethodGet, "push-subscriptions/public_key/", nil, &resp); err != nil {
		return "", err
	}
	if resp.PublicKey == "" {
		return "", errors.New("server returned an empty VAPID public key")
	}
	return resp.PublicKey, nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := c.do(ctx, http.MethodGet, "push-subscriptions/", nil, &subs)
	return subs, err
}

func (c *Client) CreateSubscription(ctx context.Context, in SubscriptionInput) (models.PushSubscription, error) {
	var sub models.PushSubscription
	err := c.do(ctx, http.MethodPost, "push-subscriptions/", in, &sub)
	return sub, err
}

func (c *Client) DeleteSubscription(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "push-subscriptions/"+strconv.FormatInt(id, 10)+"/", nil, nil)
}

func (c *Client) ListNotifications(ctx context.Context, unreadOnly bool) ([]models.Notification, error) {
	path := "notifications/"
	if unreadOnly {
		path += "?unread=true"
	}
	var list []models.Notification
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "notifications/"+strconv.FormatInt(id, 10)+"/mark_read/", nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "notifications/mark_all_read/", nil, nil)
}

// CheckWorkerScript issues a HEAD request for the worker script on the app
// origin and returns the version the server advertises for it.
func (c *Client) CheckWorkerScript(ctx context.Context, path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	root := c.base
	if c.origin != nil {
		root = c.origin
	}
	u := root.ResolveReference(ref).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("cannot reach %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s is not accessible: %s", path, resp.Status)
	}
	return resp.Header.Get("X-Worker-Version"), nil
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u, err := c.resolve(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
