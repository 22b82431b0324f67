// Package webhook delivers account events to per-account HTTP endpoints.
package webhook

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
)

const userAgent = "wamanager-webhook/1.0"

type Config struct {
	Timeout time.Duration
	Workers int
	Retries int
}

// Dispatcher posts payloads from a bounded worker pool. Notify never blocks:
// when every worker is busy the payload is dropped and counted.
type Dispatcher struct {
	client *resty.Client
	pool   *ants.Pool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			zap.L().Error("webhook: delivery panic", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("webhook pool: %w", err)
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r == nil || r.StatusCode() >= 500
		})

	return &Dispatcher{client: client, pool: pool}, nil
}

// Notify implements accounts.Notifier.
func (d *Dispatcher) Notify(url string, payload accounts.WebhookPayload) {
	if url == "" {
		return
	}
	err := d.pool.Submit(func() {
		d.deliver(context.Background(), url, payload)
	})
	if err != nil {
		d.dropped.Add(1)
		zap.L().Warn("webhook: delivery dropped",
			zap.String("account", payload.AccountID),
			zap.String("event", payload.Event),
			zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, url string, payload accounts.WebhookPayload) {
	log := zap.L().With(
		zap.String("account", payload.AccountID),
		zap.String("event", payload.Event),
		zap.String("url", url))

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		d.failed.Add(1)
		log.Warn("webhook: delivery failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		d.failed.Add(1)
		log.Warn("webhook: endpoint rejected payload", zap.Int("status", resp.StatusCode()))
		return
	}
	d.delivered.Add(1)
	log.Debug("webhook: delivered", zap.Duration("took", resp.Time()))
}

// Stats reports delivery counters since start.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

// Close waits up to timeout for in-flight deliveries.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
