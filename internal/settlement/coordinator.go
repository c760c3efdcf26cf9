// Package settlement executes the atomic balance transfer implied by a
// completed order: consume the from-currency reservation, credit the
// converted amount net of fee, journal every leg, and record the resulting
// transaction. Either every step commits or none does.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinpeak/ledgerex/internal/wallet"
	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/metrics"
	"github.com/coinpeak/ledgerex/pkg/models"
)

// Coordinator performs atomic settlements and funding flows.
type Coordinator struct {
	db      *gorm.DB
	wallets *wallet.Store
	logger  *zap.Logger
	feeRate decimal.Decimal
}

// NewCoordinator creates a settlement coordinator. feeRate is the fixed
// percentage charged on the consumed amount of every trade settlement.
func NewCoordinator(db *gorm.DB, wallets *wallet.Store, logger *zap.Logger, feeRate decimal.Decimal) *Coordinator {
	return &Coordinator{db: db, wallets: wallets, logger: logger, feeRate: feeRate}
}

// FeeRate returns the configured fee rate.
func (c *Coordinator) FeeRate() decimal.Decimal { return c.feeRate }

// consumedCost computes how much of the from-currency reservation an
// execution consumes. Market and stop-loss orders spend their full reserved
// amount; limit orders spend quantity times the execution price, with the
// worst-case remainder released back.
func (c *Coordinator) consumedCost(order *models.Order, executionPrice decimal.Decimal) (decimal.Decimal, error) {
	var cost decimal.Decimal
	switch order.Type {
	case models.OrderTypeLimit:
		cost = order.Amount.Mul(executionPrice)
	default:
		cost = order.Amount
	}
	if cost.GreaterThan(order.Reserved) {
		return decimal.Zero, errs.New(errs.KindSettlementFailed,
			"execution cost %s exceeds reserved %s for order %s", cost, order.Reserved, order.ID)
	}
	return cost, nil
}

// Settle executes the settlement for order at executionPrice and returns the
// recorded transaction. On any failure the whole operation rolls back and the
// wallets are left exactly as before; the caller transitions the order to
// FAILED and releases the remaining reservation.
func (c *Coordinator) Settle(ctx context.Context, order *models.Order, executionPrice decimal.Decimal) (*models.Transaction, error) {
	if executionPrice.Sign() <= 0 {
		return nil, errs.InvalidOrder("execution price must be positive, got %s", executionPrice)
	}

	cost, err := c.consumedCost(order, executionPrice)
	if err != nil {
		return nil, err
	}

	fee := roundFee(order.FromCurrency, cost.Mul(c.feeRate))
	net := cost.Sub(fee)
	if net.Sign() <= 0 {
		return nil, errs.New(errs.KindSettlementFailed,
			"fee %s consumes the entire cost %s for order %s", fee, cost, order.ID)
	}
	toAmount := truncateAmount(order.ToCurrency, net.Div(executionPrice))
	leftover := order.Reserved.Sub(cost)

	fromKey := models.WalletKey(order.UserID, order.FromCurrency)
	toKey := models.WalletKey(order.UserID, order.ToCurrency)
	release, err := c.wallets.Locks().Acquire(ctx, fromKey, toKey)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	ref := order.ID.String()
	now := time.Now()
	txn := &models.Transaction{
		ID:          uuid.New(),
		UserID:      order.UserID,
		OrderID:     &order.ID,
		Type:        models.TransactionType(order.Side),
		Currency:    order.FromCurrency,
		Amount:      cost,
		Fee:         fee,
		Status:      models.TransactionCompleted,
		Reference:   ref,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claim the order; losing this guard means it already reached a
		// terminal state through another path.
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusPending).
			UpdateColumns(map[string]interface{}{
				"status":       models.OrderStatusCompleted,
				"fee":          fee,
				"price":        executionPrice,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return errs.Internal(res.Error, "failed to complete order %s", order.ID)
		}
		if res.RowsAffected == 0 {
			return errs.InvalidState("order %s is not pending", order.ID)
		}

		// Debit leg: the net amount and the fee together consume the
		// reservation that Settle spends.
		if err := c.wallets.SettleTx(tx, order.UserID, order.FromCurrency, net, wallet.DirectionDebit, models.JournalDebit, ref); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if err := c.wallets.SettleTx(tx, order.UserID, order.FromCurrency, fee, wallet.DirectionDebit, models.JournalFee, ref); err != nil {
				return err
			}
		}

		// Worst-case reservation remainder goes back to available.
		if leftover.Sign() > 0 {
			if err := c.wallets.ReleaseTx(tx, order.UserID, order.FromCurrency, leftover, ref); err != nil {
				return err
			}
		}

		// Credit leg on the destination currency.
		if err := c.wallets.SettleTx(tx, order.UserID, order.ToCurrency, toAmount, wallet.DirectionCredit, models.JournalCredit, ref); err != nil {
			return err
		}

		if err := tx.Create(txn).Error; err != nil {
			return errs.Internal(err, "failed to record settlement transaction for order %s", order.ID)
		}
		return nil
	})
	if err != nil {
		// Preserve precise state errors; everything else is a settlement
		// failure the caller may retry with the same idempotency key.
		if errs.KindOf(err) == errs.KindInternal {
			err = errs.SettlementFailed(err, "settlement of order %s did not commit", order.ID)
		}
		c.logger.Error("settlement failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return nil, err
	}

	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	c.logger.Info("order settled",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", order.UserID.String()),
		zap.String("cost", cost.String()),
		zap.String("fee", fee.String()),
		zap.String("credited", toAmount.String()),
		zap.String("to_currency", order.ToCurrency))

	return txn, nil
}

// Deposit credits amount to the user's wallet and records a completed
// DEPOSIT transaction. Retries with the same idempotency key replay the
// original transaction instead of crediting twice.
func (c *Coordinator) Deposit(ctx context.Context, userID uuid.UUID, req *models.DepositRequest) (*models.Transaction, error) {
	if req.Amount.Sign() <= 0 {
		return nil, errs.InvalidOrder("deposit amount must be positive, got %s", req.Amount)
	}

	if existing, err := c.findByIdempotency(ctx, userID, models.TransactionDeposit, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	release, err := c.wallets.Locks().Acquire(ctx, models.WalletKey(userID, req.Currency))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	txn := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TransactionDeposit,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Fee:         decimal.Zero,
		Status:      models.TransactionCompleted,
		TxHash:      req.TxHash,
		Reference:   req.IdempotencyKey,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.wallets.SettleTx(tx, userID, req.Currency, req.Amount, wallet.DirectionCredit, models.JournalDeposit, txn.ID.String()); err != nil {
			return err
		}
		if err := tx.Create(txn).Error; err != nil {
			return errs.Internal(err, "failed to record deposit transaction")
		}
		return nil
	})
	if err != nil {
		// A concurrent retry may have committed first; the unique
		// (user, type, reference) index guarantees a single transaction per
		// key, so replay it instead of crediting twice.
		if existing, lerr := c.findByIdempotency(ctx, userID, models.TransactionDeposit, req.IdempotencyKey); lerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}

	c.logger.Info("deposit settled",
		zap.String("user_id", userID.String()),
		zap.String("currency", req.Currency),
		zap.String("amount", req.Amount.String()))
	return txn, nil
}

// Withdraw reserves and immediately consumes amount from the user's wallet,
// recording a completed WITHDRAW transaction. Fails with InsufficientFunds
// when the available balance does not cover the amount.
func (c *Coordinator) Withdraw(ctx context.Context, userID uuid.UUID, req *models.WithdrawalRequest) (*models.Transaction, error) {
	if req.Amount.Sign() <= 0 {
		return nil, errs.InvalidOrder("withdrawal amount must be positive, got %s", req.Amount)
	}

	if existing, err := c.findByIdempotency(ctx, userID, models.TransactionWithdraw, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	release, err := c.wallets.Locks().Acquire(ctx, models.WalletKey(userID, req.Currency))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	txn := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TransactionWithdraw,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Fee:         decimal.Zero,
		Status:      models.TransactionCompleted,
		Reference:   req.IdempotencyKey,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ref := txn.ID.String()
		if err := c.wallets.ReserveTx(tx, userID, req.Currency, req.Amount, ref); err != nil {
			return err
		}
		if err := c.wallets.SettleTx(tx, userID, req.Currency, req.Amount, wallet.DirectionDebit, models.JournalWithdraw, ref); err != nil {
			return err
		}
		if err := tx.Create(txn).Error; err != nil {
			return errs.Internal(err, "failed to record withdrawal transaction")
		}
		return nil
	})
	if err != nil {
		// A concurrent retry that won the unique (user, type, reference)
		// index rolls this attempt back, debit included; replay its result.
		if existing, lerr := c.findByIdempotency(ctx, userID, models.TransactionWithdraw, req.IdempotencyKey); lerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}

	c.logger.Info("withdrawal settled",
		zap.String("user_id", userID.String()),
		zap.String("currency", req.Currency),
		zap.String("amount", req.Amount.String()))
	return txn, nil
}

// ListTransactions returns a user's transaction history, newest first.
func (c *Coordinator) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, 0, errs.Internal(err, "failed to count transactions for user %s", userID)
	}

	var txns []models.Transaction
	err := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&txns).Error
	if err != nil {
		return nil, 0, errs.Internal(err, "failed to list transactions for user %s", userID)
	}
	return txns, count, nil
}

func (c *Coordinator) findByIdempotency(ctx context.Context, userID uuid.UUID, txType models.TransactionType, key string) (*models.Transaction, error) {
	if key == "" {
		return nil, errs.InvalidOrder("idempotency key is required")
	}
	var txn models.Transaction
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND reference = ?", userID, txType, key).
		First(&txn).Error
	if err == nil {
		return &txn, nil
	}
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return nil, errs.Internal(err, "failed idempotency lookup")
}
