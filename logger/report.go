package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed   int64
	errorsServer int64
	warnsFeed    int64
	warnsServer  int64
	framesRead   int64
	oiUpdates    int64
	reconnects   int64
	channels     sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.HasPrefix(component, "dhan") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "server") {
		atomic.AddInt64(&warnsServer, 1)
	}
}

func recordError(component string) {
	if strings.HasPrefix(component, "dhan") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "server") {
		atomic.AddInt64(&errorsServer, 1)
	}
}

// IncrementFrameRead counts one inbound feed frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("dhan_ws", size)
}

// IncrementOIUpdate counts one value written to the cache.
func IncrementOIUpdate() {
	atomic.AddInt64(&oiUpdates, 1)
}

// IncrementReconnect counts one reconnect attempt of the feed.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// RecordChannelMessage counts one message of size bytes on a named stream.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and feed statistics until ctx
// is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields()).Info("runtime report")
			}
		}
	}()
}

func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = int64(vm.Used) / 1024 / 1024
	}

	return Fields{
		"errors_feed":   atomic.LoadInt64(&errorsFeed),
		"errors_server": atomic.LoadInt64(&errorsServer),
		"warns_feed":    atomic.LoadInt64(&warnsFeed),
		"warns_server":  atomic.LoadInt64(&warnsServer),
		"frames_read":   atomic.LoadInt64(&framesRead),
		"oi_updates":    atomic.LoadInt64(&oiUpdates),
		"reconnects":    atomic.LoadInt64(&reconnects),
		"goroutines":    runtime.NumGoroutine(),
		"cpu_percent":   cpuPct,
		"memory_mb":     memMB,
		"channels":      channelData,
	}
}
