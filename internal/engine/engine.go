// Package engine validates orders and drives them through their lifecycle:
// PENDING to exactly one of COMPLETED, CANCELLED or FAILED. Submission
// reserves worst-case cost on the from-currency wallet; the reservation is
// consumed or released exactly once on the terminal transition.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinpeak/ledgerex/internal/settlement"
	"github.com/coinpeak/ledgerex/internal/wallet"
	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/metrics"
	"github.com/coinpeak/ledgerex/pkg/models"
)

// Engine implements the order state machine.
type Engine struct {
	db      *gorm.DB
	wallets *wallet.Store
	settler *settlement.Coordinator
	logger  *zap.Logger
}

// NewEngine creates an order engine.
func NewEngine(db *gorm.DB, wallets *wallet.Store, settler *settlement.Coordinator, logger *zap.Logger) *Engine {
	return &Engine{db: db, wallets: wallets, settler: settler, logger: logger}
}

// reservationFor computes the worst-case cost reserved at submission:
// the order amount for market and stop-loss orders (amount is denominated in
// the from currency), amount scaled by the limit price for limit orders
// (amount is the destination quantity).
func reservationFor(req *models.OrderRequest) decimal.Decimal {
	if models.OrderType(req.Type) == models.OrderTypeLimit {
		return req.Amount.Mul(req.Price)
	}
	return req.Amount
}

func validateSubmit(req *models.OrderRequest) error {
	if req.Amount.Sign() <= 0 {
		return errs.InvalidOrder("amount must be positive, got %s", req.Amount)
	}
	if req.FromCurrency == req.ToCurrency {
		return errs.InvalidOrder("from and to currency must differ, both are %s", req.FromCurrency)
	}
	switch models.OrderSide(req.Side) {
	case models.OrderSideBuy, models.OrderSideSell, models.OrderSideConvert:
	default:
		return errs.InvalidOrder("unknown order side %q", req.Side)
	}
	switch models.OrderType(req.Type) {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return errs.InvalidOrder("limit orders require a positive price")
		}
	case models.OrderTypeStopLoss:
		if req.StopPrice.Sign() <= 0 {
			return errs.InvalidOrder("stop-loss orders require a positive stop price")
		}
	default:
		return errs.InvalidOrder("unknown order type %q", req.Type)
	}
	if req.IdempotencyKey == "" {
		return errs.InvalidOrder("idempotency key is required")
	}
	return nil
}

// Submit validates the request, reserves the worst-case cost and creates a
// PENDING order. Resubmission with the same idempotency key returns the
// original order without reserving again.
func (e *Engine) Submit(ctx context.Context, userID uuid.UUID, req *models.OrderRequest) (*models.Order, error) {
	if err := validateSubmit(req); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}

	if existing, err := e.findByIdempotency(ctx, userID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	reserved := reservationFor(req)
	now := time.Now()
	order := &models.Order{
		ID:             uuid.New(),
		UserID:         userID,
		Side:           models.OrderSide(req.Side),
		Type:           models.OrderType(req.Type),
		FromCurrency:   req.FromCurrency,
		ToCurrency:     req.ToCurrency,
		Amount:         req.Amount,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		Reserved:       reserved,
		Fee:            decimal.Zero,
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	release, err := e.wallets.Locks().Acquire(ctx, models.WalletKey(userID, req.FromCurrency))
	if err != nil {
		return nil, err
	}
	defer release()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.wallets.ReserveTx(tx, userID, req.FromCurrency, reserved, order.ID.String()); err != nil {
			return err
		}
		if err := tx.Create(order).Error; err != nil {
			return errs.Internal(err, "failed to create order")
		}
		return nil
	})
	if err != nil {
		// A same-key retry racing past the lookup loses on the unique
		// (user_id, idempotency_key) index and rolls back, reservation
		// included; replay the order that won.
		if existing, lerr := e.findByIdempotency(ctx, userID, req.IdempotencyKey); lerr == nil && existing != nil {
			return existing, nil
		}
		metrics.OrdersRejected.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Side).Inc()
	e.logger.Info("order submitted",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("side", req.Side),
		zap.String("type", req.Type),
		zap.String("reserved", reserved.String()),
		zap.String("from", req.FromCurrency),
		zap.String("to", req.ToCurrency))
	return order, nil
}

// Cancel releases a PENDING order's reservation and marks it CANCELLED.
// Cancelling an order in any terminal state fails with InvalidState and
// leaves balances unchanged; the release can never happen twice.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := e.Get(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	release, err := e.wallets.Locks().Acquire(ctx, models.WalletKey(order.UserID, order.FromCurrency))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, models.OrderStatusPending).
			UpdateColumns(map[string]interface{}{
				"status":     models.OrderStatusCancelled,
				"updated_at": now,
			})
		if res.Error != nil {
			return errs.Internal(res.Error, "failed to cancel order %s", orderID)
		}
		if res.RowsAffected == 0 {
			return errs.InvalidState("order %s is %s, only pending orders can be cancelled", orderID, order.Status)
		}
		return e.wallets.ReleaseTx(tx, order.UserID, order.FromCurrency, order.Reserved, orderID.String())
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTerminal.WithLabelValues(string(models.OrderStatusCancelled)).Inc()
	e.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("released", order.Reserved.String()))

	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = now
	return order, nil
}

// Execute settles a PENDING order at the externally supplied execution price.
// On success the order is COMPLETED; on settlement failure it transitions to
// FAILED and its remaining reservation is returned to the available balance.
func (e *Engine) Execute(ctx context.Context, orderID uuid.UUID, executionPrice decimal.Decimal) (*models.Order, error) {
	var order models.Order
	if err := e.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.InvalidOrder("order %s not found", orderID)
		}
		return nil, errs.Internal(err, "failed to load order %s", orderID)
	}
	if order.Status.Terminal() {
		return nil, errs.InvalidState("order %s is already %s", orderID, order.Status)
	}

	txn, err := e.settler.Settle(ctx, &order, executionPrice)
	if err != nil {
		// A bad request or a lost status race leaves the order as is; only a
		// real settlement failure drives it to FAILED.
		switch errs.KindOf(err) {
		case errs.KindInvalidState, errs.KindInvalidOrder:
			return nil, err
		}
		failed, failErr := e.failOrder(ctx, &order)
		if failErr != nil {
			e.logger.Error("failed to mark order failed after settlement error",
				zap.String("order_id", orderID.String()),
				zap.Error(failErr))
		}
		if failed {
			metrics.OrdersTerminal.WithLabelValues(string(models.OrderStatusFailed)).Inc()
		}
		return nil, err
	}

	metrics.OrdersTerminal.WithLabelValues(string(models.OrderStatusCompleted)).Inc()
	order.Status = models.OrderStatusCompleted
	order.Price = executionPrice
	order.Fee = txn.Fee
	order.CompletedAt = txn.CompletedAt
	return &order, nil
}

// failOrder transitions a pending order to FAILED and releases whatever is
// still reserved, atomically. It reports whether this call performed the
// transition; an order already terminal through another path leaves nothing
// to release or count.
func (e *Engine) failOrder(ctx context.Context, order *models.Order) (bool, error) {
	release, err := e.wallets.Locks().Acquire(ctx, models.WalletKey(order.UserID, order.FromCurrency))
	if err != nil {
		return false, err
	}
	defer release()

	var transitioned bool
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusPending).
			UpdateColumns(map[string]interface{}{
				"status":     models.OrderStatusFailed,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return errs.Internal(res.Error, "failed to fail order %s", order.ID)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		return e.wallets.ReleaseTx(tx, order.UserID, order.FromCurrency, order.Reserved, order.ID.String())
	})
	return transitioned && err == nil, err
}

// Get returns an order owned by userID.
func (e *Engine) Get(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := e.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.InvalidOrder("order %s not found", orderID)
		}
		return nil, errs.Internal(err, "failed to load order %s", orderID)
	}
	return &order, nil
}

// ListForUser returns a user's orders, newest first, optionally filtered.
func (e *Engine) ListForUser(ctx context.Context, userID uuid.UUID, filter *models.OrderFilter, limit, offset int) ([]models.Order, error) {
	q := e.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter != nil {
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.Side != "" {
			q = q.Where("side = ?", filter.Side)
		}
	}

	var orders []models.Order
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, errs.Internal(err, "failed to list orders for user %s", userID)
	}
	return orders, nil
}

func (e *Engine) findByIdempotency(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	var order models.Order
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&order).Error
	if err == nil {
		return &order, nil
	}
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return nil, errs.Internal(err, "failed idempotency lookup for order")
}
