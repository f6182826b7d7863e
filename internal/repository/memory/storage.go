// Package memory keeps storage state in process memory.
// Used by tests and local runs without database. Transactions are serialized by one mutex
// and work on a copy of the state that replaces the original on commit.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
)

type state struct {
	orders       map[uuid.UUID]models.PaymentOrder
	wallets      map[uuid.UUID]models.Wallet // by user id
	transactions []models.Transaction        // append only, in creation order
}

func (s *state) clone() *state {
	return &state{
		orders:       maps.Clone(s.orders),
		wallets:      maps.Clone(s.wallets),
		transactions: slices.Clone(s.transactions),
	}
}

type Storage struct {
	mu    *sync.Mutex
	state *state
	inTx  bool
}

func NewStorage() *Storage {
	return &Storage{
		mu: &sync.Mutex{},
		state: &state{
			orders:  make(map[uuid.UUID]models.PaymentOrder),
			wallets: make(map[uuid.UUID]models.Wallet),
		},
	}
}

func (s *Storage) Order() repository.OrderRepo {
	return &orderRepo{s: s}
}

func (s *Storage) Wallet() repository.WalletRepo {
	return &walletRepo{s: s}
}

func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	unlock := s.lock()
	defer unlock()

	tx := &Storage{mu: s.mu, state: s.state.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}

	*s.state = *tx.state
	return nil
}

// Storage in transaction already holds the mutex
func (s *Storage) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type orderRepo struct {
	s *Storage
}

func (r *orderRepo) CreateOrder(_ context.Context, o models.PaymentOrder) (models.PaymentOrder, error) {
	defer r.s.lock()()

	if _, ok := r.s.state.orders[o.ID]; ok {
		return o, apperrors.Validation("order %s already exists", o.ID)
	}
	if o.ExternalID != nil {
		if _, err := r.byExternalID(o.Method, *o.ExternalID); err == nil {
			return o, apperrors.Validation("external id %q already used", *o.ExternalID)
		}
	}

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	r.s.state.orders[o.ID] = o

	return o, nil
}

func (r *orderRepo) GetOrder(_ context.Context, orderID uuid.UUID) (models.PaymentOrder, error) {
	defer r.s.lock()()

	o, ok := r.s.state.orders[orderID]
	if !ok {
		return o, apperrors.ErrOrderNotFound
	}
	return o, nil
}

// Transactions are serialized already, so it is the same as GetOrder
func (r *orderRepo) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (models.PaymentOrder, error) {
	return r.GetOrder(ctx, orderID)
}

func (r *orderRepo) GetOrderByExternalID(_ context.Context, method models.PaymentMethod, externalID string) (models.PaymentOrder, error) {
	defer r.s.lock()()
	return r.byExternalID(method, externalID)
}

func (r *orderRepo) byExternalID(method models.PaymentMethod, externalID string) (models.PaymentOrder, error) {
	for _, o := range r.s.state.orders {
		if o.Method == method && o.ExternalID != nil && *o.ExternalID == externalID {
			return o, nil
		}
	}
	return models.PaymentOrder{}, apperrors.ErrOrderNotFound
}

func (r *orderRepo) UpdateOrder(_ context.Context, o models.PaymentOrder) (models.PaymentOrder, error) {
	defer r.s.lock()()

	stored, ok := r.s.state.orders[o.ID]
	if !ok {
		return o, apperrors.ErrOrderNotFound
	}
	if stored.Status.IsTerminal() {
		return stored, apperrors.ErrOrderTerminal
	}
	if !stored.Status.CanTransition(o.Status) {
		return stored, fmt.Errorf("%w: %s to %s", apperrors.ErrOrderTransition, stored.Status, o.Status)
	}
	if o.ExternalID != nil {
		if other, err := r.byExternalID(stored.Method, *o.ExternalID); err == nil && other.ID != o.ID {
			return stored, apperrors.Validation("external id %q already used", *o.ExternalID)
		}
		// Recorded external id is kept when the update carries none
		stored.ExternalID = o.ExternalID
	}

	stored.Status = o.Status
	stored.Message = o.Message
	stored.UpdatedAt = time.Now()
	r.s.state.orders[o.ID] = stored

	return stored, nil
}

func (r *orderRepo) ListPendingOrders(_ context.Context, opts repository.ListPendingOrdersOpts) ([]models.PaymentOrder, error) {
	defer r.s.lock()()

	orders := make([]models.PaymentOrder, 0)
	for _, o := range r.s.state.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if len(opts.Methods) > 0 && !slices.Contains(opts.Methods, o.Method) {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(opts.UpdatedBefore) {
			continue
		}
		orders = append(orders, o)
	}

	slices.SortFunc(orders, func(a, b models.PaymentOrder) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if opts.Limit > 0 && len(orders) > opts.Limit {
		orders = orders[:opts.Limit]
	}

	return orders, nil
}

type walletRepo struct {
	s *Storage
}

func (r *walletRepo) CreateWallet(_ context.Context, userID uuid.UUID, initial decimal.Decimal, currency string) (models.Wallet, error) {
	defer r.s.lock()()

	if w, ok := r.s.state.wallets[userID]; ok {
		return w, nil
	}

	now := time.Now()
	w := models.Wallet{
		ID:             uuid.New(),
		UserID:         userID,
		Balance:        initial,
		InitialBalance: initial,
		Currency:       currency,
		Status:         models.WalletActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.s.state.wallets[userID] = w

	return w, nil
}

func (r *walletRepo) GetWallet(_ context.Context, userID uuid.UUID) (models.Wallet, error) {
	defer r.s.lock()()

	w, ok := r.s.state.wallets[userID]
	if !ok {
		return w, apperrors.ErrWalletNotFound
	}
	return w, nil
}

func (r *walletRepo) ApplyDelta(_ context.Context, walletID uuid.UUID, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, decimal.Decimal, error) {
	defer r.s.lock()()

	for userID, w := range r.s.state.wallets {
		if w.ID != walletID {
			continue
		}

		before := w.Balance
		after := before.Add(delta)
		switch {
		case w.Status != models.WalletActive:
			return before, before, apperrors.ErrWalletInactive
		case !allowNegative && after.IsNegative():
			return before, before, apperrors.ErrBalanceInsufficient
		}

		w.Balance = after
		w.UpdatedAt = time.Now()
		r.s.state.wallets[userID] = w
		return before, after, nil
	}

	return decimal.Zero, decimal.Zero, apperrors.ErrWalletNotFound
}

// Set wallet status. There is no API for it yet, tests use it to freeze wallets
func (s *Storage) SetWalletStatus(userID uuid.UUID, status string) error {
	defer s.lock()()

	w, ok := s.state.wallets[userID]
	if !ok {
		return apperrors.ErrWalletNotFound
	}
	w.Status = status
	s.state.wallets[userID] = w
	return nil
}

func (r *walletRepo) CreateTransaction(_ context.Context, t models.Transaction) (models.Transaction, error) {
	defer r.s.lock()()

	for _, existing := range r.s.state.transactions {
		if sameReference(existing, t) {
			return t, fmt.Errorf("%w: %s already recorded", apperrors.ErrLedgerConflict, t.Type)
		}
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	r.s.state.transactions = append(r.s.state.transactions, t)

	return t, nil
}

// Same rule as the unique indexes: one DEPOSIT per order, one PAYMENT and one REFUND per charging session
func sameReference(a, b models.Transaction) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case models.TransactionDeposit:
		return a.PaymentOrderID != nil && b.PaymentOrderID != nil && *a.PaymentOrderID == *b.PaymentOrderID
	case models.TransactionPayment, models.TransactionRefund:
		return a.ChargingSessionID != nil && b.ChargingSessionID != nil && *a.ChargingSessionID == *b.ChargingSessionID
	default:
		return false
	}
}

func (r *walletRepo) ListTransactions(_ context.Context, userID uuid.UUID, opts repository.ListTransactionsOpts) ([]models.Transaction, error) {
	defer r.s.lock()()

	transactions := make([]models.Transaction, 0)
	for i := len(r.s.state.transactions) - 1; i >= 0; i-- {
		t := r.s.state.transactions[i]
		if t.UserID != userID {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, t.Type) {
			continue
		}
		transactions = append(transactions, t)
		if opts.Limit > 0 && len(transactions) == opts.Limit {
			break
		}
	}

	return transactions, nil
}

func (r *walletRepo) GetDepositByOrder(_ context.Context, orderID uuid.UUID) (models.Transaction, error) {
	defer r.s.lock()()

	for _, t := range r.s.state.transactions {
		if t.Type == models.TransactionDeposit && t.PaymentOrderID != nil && *t.PaymentOrderID == orderID {
			return t, nil
		}
	}
	return models.Transaction{}, apperrors.ErrTransactionNotFound
}

func (r *walletRepo) GetSessionTransaction(_ context.Context, typ models.TransactionType, sessionID string) (models.Transaction, error) {
	defer r.s.lock()()

	for _, t := range r.s.state.transactions {
		if t.Type == typ && t.ChargingSessionID != nil && *t.ChargingSessionID == sessionID {
			return t, nil
		}
	}
	return models.Transaction{}, apperrors.ErrTransactionNotFound
}
