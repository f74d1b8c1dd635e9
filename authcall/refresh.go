package authcall

import (
	"context"

	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/credentials"
	"golang.org/x/sync/singleflight"
)

const (
	triggerExpired      = "expired"
	triggerUnauthorized = "unauthorized"
	triggerForced       = "forced"
)

// refresh replaces creds with a freshly refreshed set. The new set is stored
// before it is returned. On failure the credentials are cleared and the error
// is an ErrSessionExpired.
//
// The refresh itself is detached from ctx: a caller that gives up gets
// ctx.Err() but the refresh completes and its result is still stored.
func (c *Caller) refresh(ctx context.Context, creds *credentials.Credentials, trigger string) (*credentials.Credentials, error) {
	if latest := c.newerCredentials(creds); latest != nil {
		c.metrics.RefreshCompleted(trigger, "skipped")
		return latest, nil
	}

	detached := context.WithoutCancel(ctx)
	do := func() (any, error) {
		return c.doRefresh(detached, creds, trigger)
	}

	var ch <-chan singleflight.Result
	if c.group != nil {
		ch = c.group.DoChan(creds.RefreshToken, do)
	} else {
		single := make(chan singleflight.Result, 1)
		go func() {
			v, err := do()
			single <- singleflight.Result{Val: v, Err: err}
		}()
		ch = single
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.RefreshCompleted(trigger, "shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Credentials), nil
	}
}

func (c *Caller) doRefresh(ctx context.Context, creds *credentials.Credentials, trigger string) (*credentials.Credentials, error) {
	logger := c.logger.With().Str("trigger", trigger).Logger()

	res, err := c.refresher.Refresh(ctx, creds.RefreshToken, creds.AccessToken)
	if err != nil {
		logger.Warn().Err(err).Msg("token refresh failed")
		c.metrics.RefreshCompleted(trigger, "failure")
		return nil, c.endSession(autherr.Expired(err))
	}

	next := res.Credentials(creds.RefreshToken, c.store.Now())
	if err := c.store.Set(next); err != nil {
		logger.Error().Err(err).Msg("storing refreshed credentials")
		c.metrics.RefreshCompleted(trigger, "failure")
		return nil, c.endSession(autherr.Expired(err))
	}

	c.metrics.RefreshCompleted(trigger, "success")
	logger.Debug().Time("expires_at", next.ExpiresAt).Msg("token refreshed")
	return &next, nil
}

// newerCredentials returns the stored set when another call already replaced
// creds with a usable one.
func (c *Caller) newerCredentials(creds *credentials.Credentials) *credentials.Credentials {
	latest, err := c.store.Get()
	if err != nil || latest == nil {
		return nil
	}
	if latest.AccessToken == "" || latest.AccessToken == creds.AccessToken {
		return nil
	}
	if c.expired(latest) {
		return nil
	}
	return latest
}
