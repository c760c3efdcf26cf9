// Package journal provides the append-only ledger journal. Every wallet
// mutation writes an entry here inside the same database transaction, so the
// journal is always a faithful replay log for the wallet table.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	errs "github.com/coinpeak/ledgerex/pkg/errors"
	"github.com/coinpeak/ledgerex/pkg/metrics"
	"github.com/coinpeak/ledgerex/pkg/models"
)

// Journal appends and reads ledger entries.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewJournal creates a Journal backed by db.
func NewJournal(db *gorm.DB, logger *zap.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

// AppendTx writes entry inside tx, assigning the next per-wallet sequence
// number. The caller must hold the wallet lock so the max-sequence read is
// race free. Append never rejects on business grounds; validation happens
// upstream.
func (j *Journal) AppendTx(tx *gorm.DB, entry *models.JournalEntry) error {
	var maxSeq int64
	err := tx.Model(&models.JournalEntry{}).
		Where("wallet_id = ?", entry.WalletID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return errs.Internal(err, "failed to read journal sequence for wallet %s", entry.WalletID)
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Sequence = maxSeq + 1
	entry.CreatedAt = time.Now()

	if err := tx.Create(entry).Error; err != nil {
		return errs.Internal(err, "failed to append journal entry for wallet %s", entry.WalletID)
	}

	metrics.JournalAppends.WithLabelValues(string(entry.Reason)).Inc()
	return nil
}

// Append writes entry in its own transaction.
func (j *Journal) Append(ctx context.Context, entry *models.JournalEntry) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return j.AppendTx(tx, entry)
	})
}

// EntriesFor returns all entries for a wallet in append order.
func (j *Journal) EntriesFor(ctx context.Context, walletID uuid.UUID) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry
	err := j.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, errs.Internal(err, "failed to load journal entries for wallet %s", walletID)
	}
	return entries, nil
}

// Replay folds a wallet's entries into the balances they imply.
func (j *Journal) Replay(ctx context.Context, walletID uuid.UUID) (available, locked decimal.Decimal, err error) {
	entries, err := j.EntriesFor(ctx, walletID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for i := range entries {
		available = available.Add(entries[i].AvailableDelta)
		locked = locked.Add(entries[i].LockedDelta)
	}
	return available, locked, nil
}

// Reconcile checks that the journal reproduces the wallet's stored balances.
// A mismatch means ledger corruption and is reported as an invariant
// violation, never swallowed.
func (j *Journal) Reconcile(ctx context.Context, w *models.Wallet) error {
	available, locked, err := j.Replay(ctx, w.ID)
	if err != nil {
		return err
	}

	if !available.Equal(w.Available) || !locked.Equal(w.Locked) {
		j.logger.Error("journal reconciliation mismatch",
			zap.String("wallet_id", w.ID.String()),
			zap.String("stored_available", w.Available.String()),
			zap.String("replayed_available", available.String()),
			zap.String("stored_locked", w.Locked.String()),
			zap.String("replayed_locked", locked.String()))
		return errs.InvariantViolation(
			"wallet %s: journal replay (available=%s locked=%s) does not match stored balances (available=%s locked=%s)",
			w.ID, available, locked, w.Available, w.Locked)
	}

	if !w.Balance.Equal(w.Available.Add(w.Locked)) {
		return errs.InvariantViolation(
			"wallet %s: balance %s != available %s + locked %s",
			w.ID, w.Balance, w.Available, w.Locked)
	}

	return nil
}

// ReconcileAll runs Reconcile over every wallet and reports the first failure.
func (j *Journal) ReconcileAll(ctx context.Context) error {
	var wallets []models.Wallet
	if err := j.db.WithContext(ctx).Find(&wallets).Error; err != nil {
		return errs.Internal(err, "failed to list wallets for reconciliation")
	}
	for i := range wallets {
		if err := j.Reconcile(ctx, &wallets[i]); err != nil {
			return fmt.Errorf("reconcile wallet %s: %w", wallets[i].ID, err)
		}
	}
	return nil
}
