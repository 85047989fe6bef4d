package navigation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("navigation timed out")
	// ErrHTTPStatus is matched by every *HTTPStatusError.
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrNoNavigation is returned when no request was issued yet.
	ErrNoNavigation = errors.New("no navigation has been requested")
	// ErrNavigationPending is returned while a non-blocking request has not
	// finished loading.
	ErrNavigationPending = errors.New("navigation still loading")
	// ErrInvalidURL is returned for URLs the engine cannot navigate to.
	ErrInvalidURL = errors.New("invalid url")
)

// TimeoutError reports a navigation that did not settle before its deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// HTTPStatusError is returned by AssertOK when the response status is not 200.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.Status)
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}
