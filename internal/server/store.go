package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dhanoi/internal/metrics"
)

// defaultHistory is how many samples /api/metrics and /api/logs return.
const defaultHistory = 200

// recent is a bounded, oldest-first history.
type recent[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistory
	}
	return limit
}

func (r *recent[T]) push(item T) {
	r.mu.Lock()
	r.items = append(r.items, item)
	if over := len(r.items) - r.limit; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
	r.mu.Unlock()
}

func (r *recent[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(make([]T, 0, len(r.items)), r.items...)
}

// metricStore collects feed, tracker and HTTP samples from the metrics
// package for /api/metrics.
type metricStore struct {
	recent[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{recent: recent[metrics.Metric]{limit: historyLimit(limit)}}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.push(m)
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is installed as a logrus hook and backs /api/logs. Debug and trace
// lines are not kept, so per-frame output never displaces warnings.
type logStore struct {
	recent[logRecord]
	closed atomic.Bool
}

func newLogStore(limit int) *logStore {
	return &logStore{recent: recent[logRecord]{limit: historyLimit(limit)}}
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.closed.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		rec.Fields[k] = printable(v)
	}
	s.push(rec)
	return nil
}

// close detaches the store from the logger; logrus has no RemoveHook.
func (s *logStore) close() {
	s.closed.Store(true)
}

func printable(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	return v
}
