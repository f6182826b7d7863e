package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

type Consumer struct {
	countWorkers int

	// Providers may throttle status queries.
	// Workers wait until the time is up, unix nanoseconds
	waitUntil atomic.Int64

	adapters  provider.Registry
	processor processor
	logger    logger.Logger
}

func (c *Consumer) Consume(ctx context.Context, in <-chan models.PaymentOrder) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range c.countWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, in)
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		c.logger.Debug("Consumer stopped")
	}()

	return idleStopped
}

func (c *Consumer) worker(ctx context.Context, in <-chan models.PaymentOrder) {
	for {
		waitUntil := time.Unix(0, c.waitUntil.Load())
		if waitUntil.After(time.Now()) {
			c.logger.Debug("Worker is waiting for provider throttle to reset", "wait_until", waitUntil)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(waitUntil)):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return

		case order, ok := <-in:
			if !ok {
				c.logger.Debug("Consumer worker stopped, input channel closed")
				return
			}
			c.reconcile(ctx, order)
		}
	}
}

func (c *Consumer) reconcile(ctx context.Context, order models.PaymentOrder) {
	l := c.logger.With("order_id", order.ID, "method", order.Method)

	adapter, err := c.adapters.Get(order.Method)
	if err != nil {
		l.Error("No adapter for order", "error", err)
		return
	}

	status, err := adapter.Status(ctx, order)
	if err != nil {
		if retryAfter := provider.RetryAfter(err); retryAfter > 0 {
			l.Info("Provider throttled, waiting", "retry_after", retryAfter)
			c.waitUntil.Store(time.Now().Add(retryAfter).UnixNano())
			return
		}
		l.Warn("Failed to get payment status", "error", err)
		return
	}

	in := payment.ConfirmInput{
		OrderID:    order.ID,
		ExternalID: status.ExternalID,
		Amount:     amountOr(status.Amount, order.Amount),
	}

	var res payment.OrderResult
	switch status.Status {
	case provider.StatusPending:
		l.Debug("Payment still pending at provider")
		return
	case provider.StatusAuthorized:
		res, err = c.processor.Confirm(ctx, in)
	case provider.StatusPaid:
		res, err = c.processor.Complete(ctx, in)
	case provider.StatusCancelled:
		res, err = c.processor.Cancel(ctx, order.ID)
	case provider.StatusFailed:
		res, err = c.processor.Fail(ctx, order.ID, status.Message)
	default:
		l.Error("Unknown provider status", "status", status.Status)
		return
	}

	if err != nil {
		l.Error("Failed to apply provider status", "provider_status", status.Status, "error", err)
		return
	}
	l.Info("Order reconciled", "provider_status", status.Status, "status", res.Status)
}

// Amount reported by the provider wins, so a mismatch is caught by the processor
func amountOr(reported decimal.Decimal, stored decimal.Decimal) decimal.Decimal {
	if reported.IsZero() {
		return stored
	}
	return reported
}
