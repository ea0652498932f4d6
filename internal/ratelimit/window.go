package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter counts hits per key inside fixed windows.
type Counter interface {
	// Hit adds one hit and returns the count in the current window and the time until it resets.
	Hit(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
}

// Window allows at most limit hits per key in every window.
type Window struct {
	name    string
	counter Counter
	limit   int
	window  time.Duration
}

func NewWindow(name string, counter Counter, limit int, window time.Duration) *Window {
	return &Window{name: name, counter: counter, limit: limit, window: window}
}

// Allow counts a hit for key. When the limit is exceeded it returns false and the time left in the window.
func (w *Window) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	count, resetIn, err := w.counter.Hit(ctx, "window:"+w.name+":"+key, w.window)
	if err != nil {
		return false, 0, fmt.Errorf("failed to count %s hit: %w", w.name, err)
	}
	if count > w.limit {
		return false, resetIn, nil
	}
	return true, 0, nil
}

func (w *Window) Name() string {
	return w.name
}
