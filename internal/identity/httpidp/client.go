// Package httpidp implements identity.Provider against the hosted identity
// service's REST surface. The wire protocol mirrors the provider's token
// endpoints; everything above this package is protocol-agnostic.
package httpidp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tillworks/posterm/internal/identity"
)

// Client is an identity.Provider backed by HTTP. It starts not ready: call
// Start to launch the background readiness probe, which closes the Ready
// channel once the provider's health endpoint answers.
type Client struct {
	BaseURL    string
	APIKey     string // anon key sent with every request
	HTTPClient *http.Client

	logger *slog.Logger

	ready    chan struct{}
	readySet atomic.Bool
}

// NewClient creates a provider client for the service at baseURL. The client
// is not ready until Start has probed the service.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Start launches the readiness probe. It returns immediately; the probe
// retries with capped exponential backoff until the health endpoint answers
// or ctx is done.
func (c *Client) Start(ctx context.Context) {
	go c.probe(ctx)
}

// Ready returns a channel closed once the provider has answered a health
// probe.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// IsReady reports whether the provider has finished initializing.
func (c *Client) IsReady() bool { return c.readySet.Load() }

func (c *Client) probe(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.healthCheck(reqCtx)
		cancel()

		if err == nil {
			c.markReady()
			return
		}

		c.logger.Debug("identity provider not ready", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) markReady() {
	if c.readySet.CompareAndSwap(false, true) {
		close(c.ready)
		c.logger.Info("identity provider ready", "base_url", c.BaseURL)
	}
}

func (c *Client) healthCheck(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/health", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity.ErrUnavailable
	}
	return nil
}
