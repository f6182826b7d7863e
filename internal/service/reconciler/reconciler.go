// Package reconciler finishes orders whose callbacks never arrived.
// Producer periodically lists stale non-terminal orders, consumer workers ask the provider
// about each one and feed the answer to the payment processor.
// There is no expiry: an order the provider still reports as pending stays as is.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

const (
	defaultCountWorkers = 4
	defaultInterval     = 30 * time.Second
	defaultMinAge       = 5 * time.Minute // younger orders are left to callbacks
	defaultBatchSize    = 100
)

type orderLister interface {
	ListPendingOrders(ctx context.Context, opts repository.ListPendingOrdersOpts) ([]models.PaymentOrder, error)
}

type processor interface {
	Confirm(ctx context.Context, in payment.ConfirmInput) (payment.OrderResult, error)
	Complete(ctx context.Context, in payment.ConfirmInput) (payment.OrderResult, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (payment.OrderResult, error)
	Fail(ctx context.Context, orderID uuid.UUID, reason string) (payment.OrderResult, error)
}

type Options struct {
	Interval     time.Duration
	MinAge       time.Duration
	BatchSize    int
	CountWorkers int
}

type Reconciler struct {
	consumer *Consumer
	producer *Producer
	logger   logger.Logger
}

func New(orders orderLister, adapters provider.Registry, processor processor, l logger.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MinAge <= 0 {
		opts.MinAge = defaultMinAge
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.CountWorkers <= 0 {
		opts.CountWorkers = defaultCountWorkers
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	l = l.WithGroup("reconciler")

	return &Reconciler{
		consumer: &Consumer{
			countWorkers: opts.CountWorkers,
			adapters:     adapters,
			processor:    processor,
			logger:       l,
		},
		producer: &Producer{
			interval:  opts.Interval,
			minAge:    opts.MinAge,
			batchSize: opts.BatchSize,
			methods:   adapters.Methods(),
			orders:    orders,
			logger:    l,
		},
		logger: l,
	}
}

// Run until ctx is done. Returned channel is closed when producer and all workers stopped
func (r *Reconciler) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	orderChan := make(chan models.PaymentOrder)

	producerStopped := r.producer.Produce(ctx, orderChan)
	consumerStopped := r.consumer.Consume(ctx, orderChan)

	go func() {
		defer close(idleStopped)
		defer close(orderChan)
		<-producerStopped
		<-consumerStopped
		r.logger.Debug("Reconciler stopped")
	}()

	return idleStopped
}
