package client

import (
	"context"
	"errors"
	"time"

	"github.com/liveview/lvsave/internal/protocol"
)

// Poll sends req immediately and then once per interval until ctx is cancelled,
// passing every outcome to report. Rejections, silence and undecodable replies are
// reported and polling continues. A TransportError ends polling and is returned.
// Cancellation returns nil.
func (c *Client) Poll(ctx context.Context, req protocol.SaveRequest, interval time.Duration, report func(Result, error)) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := c.Do(ctx, req)
		if ctx.Err() != nil {
			return nil
		}
		if report != nil {
			report(result, err)
		}

		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
