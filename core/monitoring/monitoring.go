// Package monitoring forwards unexpected errors and panics to an error
// tracker. Until Init is called every report is discarded.
package monitoring

import (
	"sync"
	"time"
)

// recoverFlush bounds the flush after a reported panic.
const recoverFlush = 2 * time.Second

// Monitor receives the reports.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CapturePanic(v any)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) CapturePanic(any)                          {}
func (NopMonitor) Flush(time.Duration)                       {}

var (
	mu      sync.RWMutex
	current Monitor = NopMonitor{}
)

// Init installs m for the process. A nil m keeps the previous monitor.
func Init(m Monitor) {
	if m == nil {
		return
	}
	mu.Lock()
	current = m
	mu.Unlock()
}

func get() Monitor {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// CaptureException reports err. Nil errors are ignored.
func CaptureException(err error, tags map[string]string) {
	if err != nil {
		get().CaptureException(err, tags)
	}
}

// Recover reports a panic and panics again. Defer it first in goroutines
// that run steps or handle documents.
func Recover() {
	if r := recover(); r != nil {
		m := get()
		m.CapturePanic(r)
		m.Flush(recoverFlush)
		panic(r)
	}
}

// Flush waits up to d for buffered reports to leave.
func Flush(d time.Duration) { get().Flush(d) }
