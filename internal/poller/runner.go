package poller

import (
	"context"
	"time"

	"github.com/calchime/calchime/internal/core"
)

// Run polls every active user immediately, then on every tick, until ctx is
// cancelled. Users are polled concurrently; a slow user never delays the
// tick or other users, and their own next cycle is skipped while one runs.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("poll loop started")

	c.pollAll(ctx)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info().Msg("poll loop stopped")
			return nil
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Coordinator) pollAll(ctx context.Context) {
	users, err := c.store.ActiveUsers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("list active users failed, skipping tick")
		return
	}

	for _, u := range users {
		c.wg.Add(1)
		go func(user core.User) {
			defer c.wg.Done()
			res := c.PollUser(ctx, user)
			if res.Err != nil {
				c.logger.Debug().Str("user", user.ID).Str("stage", string(res.Stage)).
					Err(res.Err).Msg("cycle failed")
			}
		}(u)
	}
}
