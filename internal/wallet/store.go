// Package wallet provides per-user, per-currency balance accounting with
// available/locked components. All mutation is serialized per wallet,
// journaled in the same transaction, and guarded so that no interleaving can
// overdraw a balance or drive a component negative.
package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coinpeak/ledgerex/internal/journal"
	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/models"
)

// Direction selects the effect of a settle operation.
type Direction string

const (
	// DirectionDebit consumes a previously reserved (locked) amount.
	DirectionDebit Direction = "debit"
	// DirectionCredit adds directly to the available balance.
	DirectionCredit Direction = "credit"
)

// Store implements wallet balance accounting on top of GORM.
type Store struct {
	db      *gorm.DB
	journal *journal.Journal
	locks   *LockManager
	logger  *zap.Logger
}

// NewStore creates a wallet store. lockTimeout bounds per-wallet lock
// acquisition.
func NewStore(db *gorm.DB, j *journal.Journal, logger *zap.Logger, lockTimeout time.Duration) *Store {
	return &Store{
		db:      db,
		journal: j,
		locks:   NewLockManager(lockTimeout),
		logger:  logger,
	}
}

// Locks exposes the lock manager so the settlement coordinator can take both
// wallet locks around its multi-leg transaction.
func (s *Store) Locks() *LockManager { return s.locks }

// Journal exposes the journal for reconciliation queries.
func (s *Store) Journal() *journal.Journal { return s.journal }

// GetOrCreate returns the wallet for (userID, currency), creating it with
// zero balances on first reference.
func (s *Store) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var w *models.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		w, txErr = s.GetOrCreateTx(tx, userID, currency)
		return txErr
	})
	return w, err
}

// GetOrCreateTx is GetOrCreate inside an existing transaction.
func (s *Store) GetOrCreateTx(tx *gorm.DB, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, errs.Internal(err, "failed to find wallet %s/%s", userID, currency)
	}

	now := time.Now()
	w = models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&w).Error; err != nil {
		// Lost a creation race; the unique index on (user_id, currency)
		// guarantees a single row, so refetch.
		var existing models.Wallet
		if ferr := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, errs.Internal(err, "failed to create wallet %s/%s", userID, currency)
	}
	return &w, nil
}

// Get returns the wallet for (userID, currency).
func (s *Store) Get(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.New(errs.KindInvalidOrder, "wallet not found for currency %s", currency)
		}
		return nil, errs.Internal(err, "failed to find wallet %s/%s", userID, currency)
	}
	return &w, nil
}

// ListForUser returns all wallets owned by userID.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("currency ASC").Find(&wallets).Error
	if err != nil {
		return nil, errs.Internal(err, "failed to list wallets for user %s", userID)
	}
	return wallets, nil
}

// writeBalances stores balances computed in Go decimal arithmetic, guarding
// on the previously read values. The database never performs the arithmetic
// itself, so amounts stay exact on every SQL backend.
func (s *Store) writeBalances(tx *gorm.DB, w *models.Wallet, balance, available, locked decimal.Decimal) error {
	res := tx.Model(&models.Wallet{}).
		Where("id = ? AND balance = ? AND available = ? AND locked = ?",
			w.ID, w.Balance, w.Available, w.Locked).
		UpdateColumns(map[string]interface{}{
			"balance":    balance,
			"available":  available,
			"locked":     locked,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return errs.Internal(res.Error, "failed to update wallet %s", w.ID)
	}
	if res.RowsAffected == 0 {
		return errs.InvariantViolation("wallet %s changed while its lock was held", w.ID)
	}
	w.Balance = balance
	w.Available = available
	w.Locked = locked
	return nil
}

// Reserve atomically moves amount from available to locked, failing with
// InsufficientFunds when the available balance does not cover it. The wallet
// is left untouched on every rejection path.
func (s *Store) Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	release, err := s.locks.Acquire(ctx, models.WalletKey(userID, currency))
	if err != nil {
		return err
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReserveTx(tx, userID, currency, amount, reference)
	})
}

// ReserveTx is Reserve inside an existing transaction. The caller must hold
// the wallet lock.
func (s *Store) ReserveTx(tx *gorm.DB, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return errs.InvariantViolation("reserve amount must be positive, got %s", amount)
	}

	w, err := s.GetOrCreateTx(tx, userID, currency)
	if err != nil {
		return err
	}
	if w.Available.LessThan(amount) {
		return errs.InsufficientFunds("available %s %s is less than requested %s", w.Available, currency, amount)
	}

	if err := s.writeBalances(tx, w, w.Balance, w.Available.Sub(amount), w.Locked.Add(amount)); err != nil {
		return err
	}

	return s.journal.AppendTx(tx, &models.JournalEntry{
		WalletID:       w.ID,
		AvailableDelta: amount.Neg(),
		LockedDelta:    amount,
		Reason:         models.JournalReserve,
		Reference:      reference,
	})
}

// Release moves amount from locked back to available. A release that would
// drive the locked balance negative indicates a double-release caller bug and
// fails with InvariantViolation.
func (s *Store) Release(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	release, err := s.locks.Acquire(ctx, models.WalletKey(userID, currency))
	if err != nil {
		return err
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReleaseTx(tx, userID, currency, amount, reference)
	})
}

// ReleaseTx is Release inside an existing transaction. The caller must hold
// the wallet lock.
func (s *Store) ReleaseTx(tx *gorm.DB, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return errs.InvariantViolation("release amount must be positive, got %s", amount)
	}

	w, err := s.GetOrCreateTx(tx, userID, currency)
	if err != nil {
		return err
	}
	if w.Locked.LessThan(amount) {
		s.logger.Error("release would drive locked balance negative",
			zap.String("wallet_id", w.ID.String()),
			zap.String("locked", w.Locked.String()),
			zap.String("amount", amount.String()))
		return errs.InvariantViolation("locked %s %s is less than release amount %s", w.Locked, currency, amount)
	}

	if err := s.writeBalances(tx, w, w.Balance, w.Available.Add(amount), w.Locked.Sub(amount)); err != nil {
		return err
	}

	return s.journal.AppendTx(tx, &models.JournalEntry{
		WalletID:       w.ID,
		AvailableDelta: amount,
		LockedDelta:    amount.Neg(),
		Reason:         models.JournalRelease,
		Reference:      reference,
	})
}

// SettleTx applies a settlement leg inside an existing transaction. A debit
// consumes amount from the locked balance (the reservation is spent, not
// returned); a credit adds amount directly to available. The caller must hold
// the wallet lock.
func (s *Store) SettleTx(tx *gorm.DB, userID uuid.UUID, currency string, amount decimal.Decimal, direction Direction, reason models.JournalReason, reference string) error {
	if amount.Sign() <= 0 {
		return errs.InvariantViolation("settle amount must be positive, got %s", amount)
	}

	w, err := s.GetOrCreateTx(tx, userID, currency)
	if err != nil {
		return err
	}

	entry := &models.JournalEntry{
		WalletID:  w.ID,
		Reason:    reason,
		Reference: reference,
	}

	switch direction {
	case DirectionDebit:
		if w.Locked.LessThan(amount) {
			return errs.InvariantViolation("locked %s %s is less than debit amount %s", w.Locked, currency, amount)
		}
		if err := s.writeBalances(tx, w, w.Balance.Sub(amount), w.Available, w.Locked.Sub(amount)); err != nil {
			return err
		}
		entry.AvailableDelta = decimal.Zero
		entry.LockedDelta = amount.Neg()

	case DirectionCredit:
		if err := s.writeBalances(tx, w, w.Balance.Add(amount), w.Available.Add(amount), w.Locked); err != nil {
			return err
		}
		entry.AvailableDelta = amount
		entry.LockedDelta = decimal.Zero

	default:
		return errs.InvariantViolation("unknown settle direction %q", direction)
	}

	return s.journal.AppendTx(tx, entry)
}

// Settle applies a single settlement leg in its own transaction.
func (s *Store) Settle(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, direction Direction, reason models.JournalReason, reference string) error {
	release, err := s.locks.Acquire(ctx, models.WalletKey(userID, currency))
	if err != nil {
		return err
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.SettleTx(tx, userID, currency, amount, direction, reason, reference)
	})
}
