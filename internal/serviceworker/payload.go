package serviceworker

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// PushData is the payload of a push delivery.
type PushData interface {
	Text() (string, error)
	// JSON decodes the payload with the payload's own structured accessor.
	JSON(v any) error
}

// PushEvent carries an optional payload. Data is nil when the push had no body.
type PushEvent struct {
	Data PushData
}

// Bytes is a PushData backed by a decrypted message body.
type Bytes []byte

func (b Bytes) Text() (string, error) {
	return string(b), nil
}

func (b Bytes) JSON(v any) error {
	return json.Unmarshal(b, v)
}

// Record is the notification document after parsing.
type Record struct {
	ID      string
	Title   string
	Body    string
	Message string
	Icon    string
	Badge   string
	Data    map[string]any
}

type parseStep struct {
	name string
	fn   func(PushData) (map[string]any, error)
}

// Ordered attempts. A step either produces a document or hands over to the next.
var parseSteps = []parseStep{
	{name: "text", fn: parseText},
	{name: "json-accessor", fn: parseAccessor},
}

func parseText(d PushData) (map[string]any, error) {
	text, err := d.Text()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("payload is null")
	}
	return m, nil
}

func parseAccessor(d PushData) (map[string]any, error) {
	var m map[string]any
	if err := d.JSON(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("payload is null")
	}
	return m, nil
}

func (w *Worker) parse(d PushData) Record {
	if d == nil {
		w.log.Warn("push event without data")
		return Record{Title: AppName, Body: DefaultBody}
	}

	for _, step := range parseSteps {
		m, err := step.fn(d)
		if err == nil {
			return recordFromMap(m)
		}
		w.log.Debug("payload parse step failed", zap.String("step", step.name), zap.Error(err))
	}

	text, _ := d.Text()
	return Record{Title: FallbackTitle, Body: firstNonEmpty(text, DefaultBody)}
}

func recordFromMap(m map[string]any) Record {
	rec := Record{
		ID:      getString(m["id"]),
		Title:   getString(m["title"]),
		Body:    getString(m["body"]),
		Message: getString(m["message"]),
		Icon:    getString(m["icon"]),
		Badge:   getString(m["badge"]),
	}
	if data, ok := m["data"].(map[string]any); ok {
		rec.Data = data
	}
	return rec
}

// Tag is the coalescing key: notifications about the same logical event
// replace each other on screen.
func Tag(rec Record, now time.Time) string {
	id := getString(rec.Data["notification_id"])
	if id == "" {
		id = rec.ID
	}
	if id == "" {
		id = strconv.FormatInt(now.UnixMilli(), 10)
	}
	return "notification-" + id
}

func getString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
