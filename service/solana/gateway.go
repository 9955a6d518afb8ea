package solana

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solsink/solsink/service/metrics"
)

// RetryConfig tunes the gateway's retry, backoff, and failover behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is doubled per attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// FailoverThreshold is the consecutive-failure count that triggers a
	// switch to the backup endpoint, when one is configured.
	FailoverThreshold int
}

// DefaultRetryConfig returns the standard gateway tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		FailoverThreshold: 3,
	}
}

// Gateway wraps every upstream call with categorized-error retry,
// exponential backoff, and automatic failover to a backup endpoint. It is
// purely a resilience decorator; it has no side effects beyond the wrapped
// call.
//
// Failover state is tracked with atomics. Concurrent callers can observe the
// threshold simultaneously and double-trigger a flip; that only perturbs
// retry timing, never correctness.
type Gateway struct {
	primary RPCClient
	backup  RPCClient // nil when no backup endpoint is configured
	cfg     RetryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	consecutiveFailures atomic.Int64
	usingBackup         atomic.Bool
}

// NewGateway creates a Gateway over a primary and optional backup client.
// Pass nil backup to disable failover. If m is nil, no metrics are recorded.
func NewGateway(primary, backup RPCClient, cfg RetryConfig, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		primary: primary,
		backup:  backup,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// UsingBackup reports whether the gateway is currently pointed at the backup
// endpoint.
func (g *Gateway) UsingBackup() bool {
	return g.usingBackup.Load()
}

func (g *Gateway) active() (RPCClient, string) {
	if g.usingBackup.Load() && g.backup != nil {
		return g.backup, "backup"
	}
	return g.primary, "primary"
}

// do runs fn against the active endpoint with retry, backoff, and failover.
// On failover the attempt counter resets so the backup gets a full fresh
// retry budget. The first success on backup flips back to primary.
func (g *Gateway) do(ctx context.Context, method string, fn func(RPCClient) error) error {
	attempt := 0
	for {
		client, endpoint := g.active()

		start := time.Now()
		err := fn(client)
		duration := time.Since(start).Seconds()

		if err == nil {
			if g.metrics != nil {
				g.metrics.RecordRPCCall(method, "success", endpoint, duration)
			}
			g.consecutiveFailures.Store(0)
			if g.usingBackup.CompareAndSwap(true, false) {
				g.logger.InfoContext(ctx, "failed back to primary RPC endpoint", "method", method)
				if g.metrics != nil {
					g.metrics.RecordFailover("to_primary")
				}
			}
			return nil
		}

		category := Categorize(err)
		if g.metrics != nil {
			g.metrics.RecordRPCCall(method, "error", endpoint, duration)
			if category == CategoryRateLimit {
				g.metrics.RecordRateLimitHit(endpoint)
			}
		}
		g.logger.WarnContext(ctx, "rpc call failed",
			"method", method,
			"endpoint", endpoint,
			"category", string(category),
			"attempt", attempt+1,
			"error", err,
		)

		failures := g.consecutiveFailures.Add(1)
		if g.backup != nil && !g.usingBackup.Load() && failures >= int64(g.cfg.FailoverThreshold) {
			g.usingBackup.Store(true)
			g.logger.WarnContext(ctx, "failing over to backup RPC endpoint",
				"method", method,
				"consecutive_failures", failures,
			)
			if g.metrics != nil {
				g.metrics.RecordFailover("to_backup")
			}
			attempt = 0
			continue
		}

		if attempt >= g.cfg.MaxRetries {
			return &Error{Method: method, Category: category, Err: err}
		}

		if g.metrics != nil {
			g.metrics.RecordRPCRetry(method, string(category))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.backoff(attempt)):
		}
		attempt++
	}
}

// backoff returns min(BaseDelay * 2^attempt, MaxDelay).
func (g *Gateway) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return g.cfg.MaxDelay
	}
	delay := g.cfg.BaseDelay << uint(attempt)
	if delay > g.cfg.MaxDelay || delay <= 0 {
		return g.cfg.MaxDelay
	}
	return delay
}

// GetSignaturesForAddress pages the signature history for an account,
// newest-first.
func (g *Gateway) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	var out []*rpc.TransactionSignature
	err := g.do(ctx, "getSignaturesForAddress", func(c RPCClient) error {
		var callErr error
		out, callErr = c.GetSignaturesForAddress(ctx, address, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction fetches one transaction in json encoding. A nil result
// means the signature is not yet visible to the node.
func (g *Gateway) GetTransaction(ctx context.Context, signature solana.Signature) (*TransactionResult, error) {
	var out *TransactionResult
	err := g.do(ctx, "getTransaction", func(c RPCClient) error {
		var callErr error
		out, callErr = c.GetTransaction(ctx, signature)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAddressLookupTable fetches a lookup table's resolved address list. A
// nil slice means the table account does not exist.
func (g *Gateway) GetAddressLookupTable(ctx context.Context, address solana.PublicKey) ([]solana.PublicKey, error) {
	var out []solana.PublicKey
	err := g.do(ctx, "getAddressLookupTable", func(c RPCClient) error {
		var callErr error
		out, callErr = c.GetAddressLookupTable(ctx, address)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccountInfoAndContext fetches raw account data with its slot context.
func (g *Gateway) GetAccountInfoAndContext(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	var out *rpc.GetAccountInfoResult
	err := g.do(ctx, "getAccountInfo", func(c RPCClient) error {
		var callErr error
		out, callErr = c.GetAccountInfoAndContext(ctx, account)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
