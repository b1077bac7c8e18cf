package auth

import (
	"context"
	"errors"
	"time"

	"github.com/tillworks/posterm/internal/identity"
	"github.com/tillworks/posterm/pkg/slogx"
)

// Start launches the background workers: the periodic health check and the
// one-time provider-ready reconciliation. It is non-blocking and idempotent;
// call Stop to shut the workers down.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run(ctx)
	go c.reconcileWhenReady(ctx)
	c.logger.Info("session health loop started", "interval", c.healthInterval)
}

// Stop gracefully shuts down the health loop. Blocks until the loop exits;
// an in-flight refresh is left to finish (its result is discarded if a
// logout happened meanwhile). Stopping a coordinator that was never started
// returns immediately.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if !c.started.Load() {
		return
	}
	<-c.doneCh
	c.logger.Info("session health loop stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// The tick must never block on I/O; the check (and any refresh
			// it triggers) runs off the loop goroutine. Overlapping ticks
			// collapse onto the same in-flight refresh.
			go c.ValidateHealth(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcileWhenReady waits for the identity provider to finish its
// asynchronous initialization, then re-establishes a persisted session with
// it: stored tokens are pushed if still valid, refreshed immediately if
// expired. Runs at most once; failures are contained and logged, with a
// forced clear as the worst case.
func (c *Coordinator) reconcileWhenReady(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-c.stopCh:
		return
	case <-c.provider.Ready():
	}

	c.mu.RLock()
	rec := c.current
	c.mu.RUnlock()
	if rec == nil {
		return
	}

	ctx = slogx.WithOp(ctx, "provider_ready_sync")
	log := slogx.FromContext(ctx)
	c.setState(Authenticating)

	if c.expired(rec) {
		if ok, err := c.RefreshSession(ctx); ok {
			log.Info("reconciled expired session via refresh")
			return
		} else if err != nil && errors.Is(err, identity.ErrInvalidGrant) {
			log.Warn("stored refresh token rejected, clearing session", "error", err)
			c.forceClear(ctx, "reconcile_failed")
			return
		} else if err != nil {
			// Transient: leave the record for the health loop to retry.
			log.Warn("reconcile refresh failed, will retry on health tick", "error", err)
		}
		c.setState(Valid)
		return
	}

	err := c.provider.SetSession(ctx, rec.Session.AccessToken, rec.Session.RefreshToken)
	switch {
	case err == nil:
		c.setState(Valid)
		log.Info("pushed stored session to provider")
	case errors.Is(err, identity.ErrInvalidGrant):
		// Stored tokens are no good; try one refresh before giving up.
		if ok, _ := c.RefreshSession(ctx); ok {
			log.Info("reconciled session via refresh after rejected tokens")
			return
		}
		log.Warn("stored session rejected by provider, clearing")
		c.forceClear(ctx, "reconcile_failed")
	default:
		c.setState(Valid)
		log.Warn("provider session push failed, will retry on health tick", "error", err)
	}
}
