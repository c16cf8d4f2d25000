package app

import (
	"context"
	"time"
)

// StartJanitor expires stale remote markers until ctx ends.
func (c *Coordinator) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.q.post(func() { c.expirePositions(c.deps.Now()) })
			}
		}
	}()
}

func (c *Coordinator) expirePositions(now time.Time) {
	removed := c.board.Expire(now.UnixMilli())
	if len(removed) == 0 {
		return
	}
	c.log.Debug().Int("count", len(removed)).Msg("stale markers expired")
	c.publish(UpdateLocations)
}
