package metrics

import (
	"sync"
	"time"

	"dhanoi/logger"
)

// Metric is one counter or gauge sample from the feed, tracker or HTTP layer.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives every sample that passes the feature toggles.
type MetricHandler func(Metric)

// MetricHandlerID is returned by RegisterMetricHandler. Zero is never issued.
type MetricHandlerID uint64

type handlerSet struct {
	mu     sync.RWMutex
	byID   map[MetricHandlerID]MetricHandler
	lastID MetricHandlerID
}

var handlers = &handlerSet{byID: make(map[MetricHandlerID]MetricHandler)}

func (h *handlerSet) add(fn MetricHandler) MetricHandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	h.byID[h.lastID] = fn
	return h.lastID
}

func (h *handlerSet) remove(id MetricHandlerID) {
	h.mu.Lock()
	delete(h.byID, id)
	h.mu.Unlock()
}

// list copies the handlers so none is called under the lock.
func (h *handlerSet) list() []MetricHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MetricHandler, 0, len(h.byID))
	for _, fn := range h.byID {
		out = append(out, fn)
	}
	return out
}

func (h *handlerSet) reset() {
	h.mu.Lock()
	h.byID = make(map[MetricHandlerID]MetricHandler)
	h.lastID = 0
	h.mu.Unlock()
}

// RegisterMetricHandler subscribes fn to all emitted samples. A nil fn is
// ignored and yields id 0.
func RegisterMetricHandler(fn MetricHandler) MetricHandlerID {
	if fn == nil {
		return 0
	}
	return handlers.add(fn)
}

// UnregisterMetricHandler drops the handler; unknown or zero ids are a no-op.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		handlers.remove(id)
	}
}

// recordMetric writes the sample to the log and fans it out to the handlers.
// Per-frame feed counters go to Debug so a busy socket does not drown the
// Info stream.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" || !metricEnabled(name) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	sample := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	line := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		sample.Fields[k] = v
		line[k] = v
	}
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value

	entry := log.WithComponent(component).WithFields(line)
	if perFrameMetric(name) {
		entry.Debug("metric")
	} else {
		entry.Info("metric")
	}

	for _, fn := range handlers.list() {
		fn(sample)
	}
	return sample, true
}
