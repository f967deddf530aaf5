package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dhanoi/config"
	"dhanoi/logger"
)

func resetMetricHandlers() {
	handlers.reset()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"segment": "NSE_FNO", "unit": "count"}
	log := logger.Logger()

	EmitMetric(log, "dhan_feed", "subscribed_instruments", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "dhan_feed" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "subscribed_instruments" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "oi_tracker", "refresh_runs", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMetricDisabledFeature(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{Feed: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{Feed: true}) })

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitFeedMetric(nil, FeedFramesReceived, 1, nil)
	EmitPhaseTransition(nil, "CONNECTING", "STREAMING")

	select {
	case <-events:
		t.Fatal("expected no metrics to be emitted when feature disabled")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmitMetricOtherMetricsSurviveFeedToggle(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{Feed: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{Feed: true}) })

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "http_server", "requests_rejected", 1, "counter", nil)

	select {
	case event := <-events:
		if event.Name != "requests_rejected" {
			t.Fatalf("unexpected metric: %s", event.Name)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("non-feed metric should still be emitted")
	}
}

func TestEmitFeedMetricDefaultsUnit(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitFeedMetric(nil, FeedOIUpdates, 3, logger.Fields{"symbol": "NIFTY"})

	select {
	case event := <-events:
		if event.Component != feedComponent || event.Name != "oi_updates" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Fields["unit"] != "count" || event.Fields["symbol"] != "NIFTY" {
			t.Fatalf("unexpected fields: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("feed metric not dispatched")
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("decode log line: %v (%s)", err, raw)
		}
		out = append(out, line)
	}
	return out
}

func TestPerFrameFeedMetricsLogAtDebug(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 4)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	var buf bytes.Buffer
	log := logger.Logger()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	EmitFeedMetric(log, FeedFramesReceived, 1, nil)
	EmitFeedMetric(log, FeedOIUpdates, 2, nil)

	if lines := decodeLines(t, &buf); len(lines) != 0 {
		t.Fatalf("per-frame metrics should stay below info: %v", lines)
	}
	if got := len(events); got != 2 {
		t.Fatalf("handlers received %d events, want 2", got)
	}

	buf.Reset()
	log.SetLevel(logrus.DebugLevel)
	EmitFeedMetric(log, FeedFramesReceived, 1, nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["level"] != "debug" || lines[0]["metric"] != "feed_frames_received" {
		t.Fatalf("unexpected debug lines: %v", lines)
	}
}

func TestSessionFeedMetricsLogAtInfo(t *testing.T) {
	resetMetricHandlers()

	var buf bytes.Buffer
	log := logger.Logger()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	EmitFeedMetric(log, FeedReconnectAttempts, 1, nil)
	EmitPhaseTransition(log, "CONNECTING", "STREAMING")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected two info lines, got %v", lines)
	}
	for _, line := range lines {
		if line["level"] != "info" {
			t.Fatalf("unexpected level: %v", line)
		}
	}
}
