package reconciler

import (
	"context"
	"time"

	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
)

type Producer struct {
	interval  time.Duration
	minAge    time.Duration
	batchSize int
	methods   []models.PaymentMethod

	orders orderLister
	logger logger.Logger
}

func (p *Producer) Produce(ctx context.Context, out chan<- models.PaymentOrder) <-chan struct{} {
	idleStopped := make(chan struct{})
	p.logger.Debug("Starting producer", "interval", p.interval, "min_age", p.minAge, "batch_size", p.batchSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("Producer stopped by context")
				return

			case <-ticker.C:
				orders, err := p.orders.ListPendingOrders(ctx, repository.ListPendingOrdersOpts{
					Methods:       p.methods,
					UpdatedBefore: time.Now().Add(-p.minAge),
					Limit:         p.batchSize,
				})
				if err != nil {
					p.logger.Error("Failed to list pending orders", "error", err)
					continue
				}
				p.logger.Debug("Producer tick", "orders", len(orders))

				for _, order := range orders {
					select {
					case <-ctx.Done():
						p.logger.Debug("Producer stopped by context while sending orders")
						return
					case out <- order:
					}
				}
			}
		}
	}()

	return idleStopped
}
