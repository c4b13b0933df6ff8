// Package task runs migration workflows as isolated, cancellable workers
// keyed by "{kind}/{arg}" and buffers their log output and outcome for the
// HTTP surface.
package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pgferry/pgferry/internal/pkg/logger"
)

// maxValueBytes bounds the JSON result a worker may hand back.
const maxValueBytes = 16 * 1024

// Message is one structured log line emitted by a worker.
type Message struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Link is the channel between a worker and its supervisor: an ordered
// message buffer, an outcome bit, and a small JSON result slot. All methods
// are safe for concurrent use.
type Link struct {
	mu       sync.Mutex
	id       string
	messages []Message
	ok       bool
	okSet    bool
	value    json.RawMessage
}

func newLink(id string) *Link {
	return &Link{id: id}
}

func (l *Link) append(level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	logger.With("task", l.id).Info(text, "level", level)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, Message{TS: time.Now().UTC(), Level: level, Text: text})
}

func (l *Link) Debugf(format string, args ...any) { l.append("debug", format, args...) }
func (l *Link) Infof(format string, args ...any)  { l.append("info", format, args...) }
func (l *Link) Warnf(format string, args ...any)  { l.append("warning", format, args...) }
func (l *Link) Errorf(format string, args ...any) { l.append("error", format, args...) }

// SetOK records the workflow's own verdict. A worker that returns no error
// but calls SetOK(false) still completes as failed.
func (l *Link) SetOK(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ok = ok
	l.okSet = true
}

// SetValue stores the worker's JSON result.
func (l *Link) SetValue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize task result: %w", err)
	}
	if len(raw) > maxValueBytes {
		return fmt.Errorf("task result too large: %d bytes", len(raw))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = raw
	return nil
}

// outcome resolves the final ok bit given the worker's error return.
func (l *Link) outcome(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return false
	}
	if l.okSet {
		return l.ok
	}
	return true
}

func (l *Link) snapshot() ([]Message, json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]Message, len(l.messages))
	copy(msgs, l.messages)
	return msgs, l.value
}
