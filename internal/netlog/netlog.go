// Package netlog records the network exchanges of the current navigation.
package netlog

import (
	"sync"

	"github.com/ahrdadan/wkit/internal/engine"
)

// Log is an append-only exchange log with a content-type histogram.
// Reset starts a new generation.
type Log struct {
	mu           sync.RWMutex
	exchanges    []*engine.Exchange
	contentTypes map[string]int
	generation   uint64
}

// New returns an empty log.
func New() *Log {
	return &Log{contentTypes: make(map[string]int)}
}

// Reset clears the exchanges and the histogram.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exchanges = nil
	l.contentTypes = make(map[string]int)
	l.generation++
}

// Record appends ex and counts its content type.
func (l *Log) Record(ex *engine.Exchange) {
	if ex == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exchanges = append(l.exchanges, ex)
	l.contentTypes[ex.ContentType()]++
}

// All returns the exchanges in arrival order.
func (l *Log) All() []*engine.Exchange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*engine.Exchange(nil), l.exchanges...)
}

// Len returns the number of recorded exchanges.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.exchanges)
}

// ContentTypes returns a copy of the content-type histogram.
func (l *Log) ContentTypes() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]int, len(l.contentTypes))
	for k, v := range l.contentTypes {
		out[k] = v
	}
	return out
}

// Generation identifies the current navigation's log.
func (l *Log) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}
