package metrics

import (
	"sync/atomic"

	appconfig "dhanoi/config"
	"dhanoi/logger"
)

const feedComponent = "dhan_feed"

// FeedMetric names a metric emitted by the market feed connection.
type FeedMetric string

const (
	FeedFramesReceived    FeedMetric = "feed_frames_received"
	FeedFramesMalformed   FeedMetric = "feed_frames_malformed"
	FeedReconnectAttempts FeedMetric = "feed_reconnect_attempts"
	FeedPhaseTransitions  FeedMetric = "feed_phase_transitions"
	FeedAborted           FeedMetric = "feed_aborted"
	FeedOIUpdates         FeedMetric = "oi_updates"
)

var feedMetricNames = []string{
	string(FeedFramesReceived),
	string(FeedFramesMalformed),
	string(FeedReconnectAttempts),
	string(FeedPhaseTransitions),
	string(FeedAborted),
	string(FeedOIUpdates),
}

var feedMetricsEnabled atomic.Bool

func init() {
	feedMetricsEnabled.Store(true)
}

// Configure applies the metric feature toggles.
func Configure(cfg appconfig.MetricsConfig) {
	feedMetricsEnabled.Store(cfg.Feed)
}

func metricEnabled(name string) bool {
	for _, n := range feedMetricNames {
		if n == name {
			return feedMetricsEnabled.Load()
		}
	}
	return true
}

// perFrameMetric reports whether the metric is emitted once per inbound frame.
func perFrameMetric(name string) bool {
	return name == string(FeedFramesReceived) || name == string(FeedOIUpdates)
}

// EmitFeedMetric emits a counter increment for the feed component. Optional
// string fields become CloudWatch dimensions.
func EmitFeedMetric(log *logger.Log, metric FeedMetric, value interface{}, fields logger.Fields) {
	if fields == nil {
		fields = logger.Fields{}
	}
	if _, ok := fields["unit"]; !ok {
		fields["unit"] = "count"
	}
	EmitMetric(log, feedComponent, string(metric), value, "counter", fields)
}

// EmitPhaseTransition records one connection phase change.
func EmitPhaseTransition(log *logger.Log, from, to string) {
	EmitFeedMetric(log, FeedPhaseTransitions, 1, logger.Fields{"from": from, "to": to})
}
