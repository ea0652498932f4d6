package service

import (
	"context"
	"time"
)

// pause blocks for d or until ctx is done. Failure paths use it to slow
// down guessing without holding anything but the current request.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
