package schedclient

import (
	"context"
	"time"
)

// WaitBooked polls until the request leaves its queue, which happens only
// once a worker has confirmed its booking. Transient errors are retried on
// the next tick; the caller bounds the wait through ctx.
func (c *Client) WaitBooked(ctx context.Context, requestID string, opt WaitOptions) error {
	if opt.Interval <= 0 {
		opt.Interval = 200 * time.Millisecond
	}

	t := time.NewTicker(opt.Interval)
	defer t.Stop()

	for {
		pending, err := c.IsPending(ctx, requestID)
		if err == nil && !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
