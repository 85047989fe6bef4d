// Package correlate picks the exchange that answers a top-level navigation.
package correlate

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/netlog"
)

// ErrNoMatch is matched by every *CorrelationError.
var ErrNoMatch = errors.New("no exchange matches the navigated url")

// CorrelationError reports a settled navigation whose final URL matches no
// recorded exchange. Exchanges holds the full log for diagnostics.
type CorrelationError struct {
	URL       string
	Exchanges []*engine.Exchange
}

func (e *CorrelationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request to %s was successful but it is not possible to associate it with one of %d received responses",
		e.URL, len(e.Exchanges))
	for _, ex := range e.Exchanges {
		fmt.Fprintf(&b, "\n  [%d] %s", ex.Status, ex.URL)
	}
	return b.String()
}

func (e *CorrelationError) Is(target error) bool {
	return target == ErrNoMatch
}

// Normalize strips the fragment and every trailing slash.
func Normalize(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.TrimRight(rawURL, "/")
}

// Match returns the first exchange, in arrival order, whose normalized URL
// equals the normalized currentURL.
func Match(currentURL string, exchanges []*engine.Exchange) (*engine.Exchange, error) {
	want := Normalize(currentURL)
	for _, ex := range exchanges {
		if ex != nil && Normalize(ex.URL) == want {
			return ex, nil
		}
	}
	return nil, &CorrelationError{URL: want, Exchanges: exchanges}
}

// Correlator memoizes Match for one log generation.
type Correlator struct {
	log *netlog.Log

	mu         sync.Mutex
	valid      bool
	generation uint64
	currentURL string
	match      *engine.Exchange
	err        error
}

// New creates a correlator over l.
func New(l *netlog.Log) *Correlator {
	return &Correlator{log: l}
}

// Resolve correlates currentURL against the log. The answer is cached until
// the log is reset or a different URL is asked for.
func (c *Correlator) Resolve(currentURL string) (*engine.Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.log.Generation()
	if c.valid && c.generation == gen && c.currentURL == currentURL {
		return c.match, c.err
	}

	c.match, c.err = Match(currentURL, c.log.All())
	c.valid = true
	c.generation = gen
	c.currentURL = currentURL
	return c.match, c.err
}

// Invalidate drops the cached answer.
func (c *Correlator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.match = nil
	c.err = nil
}
