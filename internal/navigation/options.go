package navigation

import (
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a navigation when Options.Timeout is not set.
const DefaultTimeout = 10 * time.Second

// Options configure a single Request. Start from DefaultOptions: the zero
// value does not wait for the load.
type Options struct {
	// UserAgent overrides the session default.
	UserAgent string
	// Cookies are scoped to the target host. They reach the engine only when
	// the session injects cookies.
	Cookies map[string]string
	Headers map[string]string
	Referer string
	// Method defaults to GET.
	Method string
	Body   []byte
	// Proxy overrides the session default.
	Proxy   string
	Timeout time.Duration
	// Wait blocks Request until the load settles. When false Request returns
	// as soon as the navigation is issued.
	Wait bool
}

// DefaultOptions returns a blocking GET with the default timeout.
func DefaultOptions() Options {
	return Options{
		Method:  http.MethodGet,
		Timeout: DefaultTimeout,
		Wait:    true,
	}
}

func (o Options) normalized() Options {
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	o.Method = strings.ToUpper(o.Method)
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}
