package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type componentCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // map[string]*componentCounts

func countsFor(component string) *componentCounts {
	v, _ := components.LoadOrStore(component, &componentCounts{})
	return v.(*componentCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// ComponentCounts returns the number of warnings and errors logged per component.
func ComponentCounts() map[string][2]int64 {
	out := make(map[string][2]int64)
	components.Range(func(k, v any) bool {
		c := v.(*componentCounts)
		out[k.(string)] = [2]int64{c.warns.Load(), c.errors.Load()}
		return true
	})
	return out
}

// StartReport logs a periodic runtime report until ctx is cancelled.
// extra, when non-nil, contributes additional fields to every report.
func StartReport(ctx context.Context, log *Log, interval time.Duration, extra func() Fields) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, extra)
			}
		}
	}()
}

func logReport(log *Log, extra func() Fields) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	warns := Fields{}
	errs := Fields{}
	for component, c := range ComponentCounts() {
		warns[component] = c[0]
		errs[component] = c[1]
	}

	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    mem.HeapAlloc / 1024 / 1024,
		"warns":      warns,
		"errors":     errs,
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
