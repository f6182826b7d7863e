package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
)

type OrderRepo struct {
	DB DBTX
}

const orderColumns = `id, user_id, amount, currency, method, status, external_id, description, message, created_at, updated_at`

func (r *OrderRepo) CreateOrder(ctx context.Context, o models.PaymentOrder) (models.PaymentOrder, error) {
	const createOrder = `
	INSERT INTO payment_orders (` + orderColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING ` + orderColumns

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	rows, _ := r.DB.Query(ctx, createOrder,
		o.ID, o.UserID, o.Amount, o.Currency, o.Method, o.Status, o.ExternalID, o.Description, o.Message, o.CreatedAt, o.UpdatedAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToOrder)
	if err != nil {
		return created, fmt.Errorf("db error: %w", err)
	}

	return created, nil
}

func (r *OrderRepo) GetOrder(ctx context.Context, orderID uuid.UUID) (models.PaymentOrder, error) {
	const getOrder = `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1`
	return r.getOne(ctx, getOrder, orderID)
}

func (r *OrderRepo) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (models.PaymentOrder, error) {
	const getOrderForUpdate = `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, getOrderForUpdate, orderID)
}

func (r *OrderRepo) GetOrderByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (models.PaymentOrder, error) {
	const getOrderByExternalID = `SELECT ` + orderColumns + ` FROM payment_orders WHERE method = $1 AND external_id = $2`
	return r.getOne(ctx, getOrderByExternalID, method, externalID)
}

// Update order if the status moves forward: UNPAID may become anything, PENDING only terminal.
// The guard is in the query itself, so a concurrent writer can't push order out of terminal state or back to UNPAID.
// Recorded external id is kept when the update carries none.
func (r *OrderRepo) UpdateOrder(ctx context.Context, o models.PaymentOrder) (models.PaymentOrder, error) {
	const updateOrder = `
	UPDATE payment_orders
	SET status = $2, external_id = COALESCE($3, external_id), message = $4, updated_at = $5
	WHERE id = $1
		AND (status = 'UNPAID' OR (status = 'PENDING' AND $2::text IN ('COMPLETED', 'FAILED', 'CANCELLED')))
	RETURNING ` + orderColumns

	rows, _ := r.DB.Query(ctx, updateOrder, o.ID, o.Status, o.ExternalID, o.Message, time.Now())
	updated, err := pgx.CollectOneRow(rows, rowToOrder)

	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, pgx.ErrNoRows):
		// No such order, or the guard did not hold
		stored, getErr := r.GetOrder(ctx, o.ID)
		switch {
		case getErr != nil:
			return stored, getErr
		case stored.Status.IsTerminal():
			return stored, apperrors.ErrOrderTerminal
		default:
			return stored, fmt.Errorf("%w: %s to %s", apperrors.ErrOrderTransition, stored.Status, o.Status)
		}
	case isUniqueViolation(err):
		return updated, fmt.Errorf("%w: external id %q already used", apperrors.ErrValidation, o.ExternalIDOrEmpty())
	default:
		return updated, fmt.Errorf("db error: %w", err)
	}
}

func (r *OrderRepo) ListPendingOrders(ctx context.Context, opts repository.ListPendingOrdersOpts) ([]models.PaymentOrder, error) {
	const listPendingOrders = `
	SELECT ` + orderColumns + ` FROM payment_orders
	WHERE status IN ('UNPAID', 'PENDING')
		AND (cardinality($1::text[]) = 0 OR method = ANY($1::text[]))
		AND ($2::timestamptz IS NULL OR updated_at < $2)
	ORDER BY updated_at ASC
	LIMIT $3
	`

	methods := make([]string, 0, len(opts.Methods))
	for _, m := range opts.Methods {
		methods = append(methods, string(m))
	}

	var updatedBefore *time.Time
	if !opts.UpdatedBefore.IsZero() {
		updatedBefore = &opts.UpdatedBefore
	}

	// LIMIT NULL means no limit
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	rows, _ := r.DB.Query(ctx, listPendingOrders, methods, updatedBefore, limit)
	orders, err := pgx.CollectRows(rows, rowToOrder)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return orders, nil
}

func (r *OrderRepo) getOne(ctx context.Context, query string, args ...any) (models.PaymentOrder, error) {
	rows, _ := r.DB.Query(ctx, query, args...)
	order, err := pgx.CollectOneRow(rows, rowToOrder)

	switch {
	case err == nil:
		return order, nil
	case errors.Is(err, pgx.ErrNoRows):
		return order, apperrors.ErrOrderNotFound
	default:
		return order, fmt.Errorf("db error: %w", err)
	}
}

func rowToOrder(row pgx.CollectableRow) (models.PaymentOrder, error) {
	var o models.PaymentOrder
	err := row.Scan(&o.ID, &o.UserID, &o.Amount, &o.Currency, &o.Method, &o.Status, &o.ExternalID, &o.Description, &o.Message, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}
