package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a user account. Users are never
// hard-deleted; blocked/suspended are soft states.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountPending   AccountStatus = "pending"
	AccountSuspended AccountStatus = "suspended"
	AccountBlocked   AccountStatus = "blocked"
)

// KYCStatus is the verification state of a user.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// User represents a user in the system. The ledger trusts the user identity
// supplied by the auth layer; this record is the ownership anchor for
// wallets, orders and transactions.
type User struct {
	ID              uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Email           string        `json:"email" gorm:"uniqueIndex" validate:"required,email,max=254"`
	Phone           string        `json:"phone" gorm:"uniqueIndex" validate:"omitempty,e164"`
	Name            string        `json:"name" validate:"required,min=1,max=100"`
	AccountStatus   AccountStatus `json:"account_status" gorm:"default:pending" validate:"required,oneof=active pending suspended blocked"`
	KYCStatus       KYCStatus     `json:"kyc_status" gorm:"default:pending" validate:"required,oneof=pending verified rejected"`
	DefaultCurrency string        `json:"default_currency" gorm:"default:USD" validate:"required,uppercase,min=3,max=10"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Wallet represents a user's balance in one currency. Invariant:
// Balance == Available + Locked, with both components non-negative.
// Wallets are created lazily on first deposit or order and mutated only
// through journal-recorded operations.
type Wallet struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_wallet_user_currency" validate:"required,uuid"`
	Currency  string          `json:"currency" gorm:"uniqueIndex:idx_wallet_user_currency" validate:"required,uppercase,min=3,max=10"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(36,18)"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(36,18)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(36,18)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Key is the global lock and journal key for the wallet.
func (w *Wallet) Key() string {
	return WalletKey(w.UserID, w.Currency)
}

// WalletKey builds the canonical wallet key. Lock ordering across wallets is
// lexicographic over this key.
func WalletKey(userID uuid.UUID, currency string) string {
	return userID.String() + ":" + currency
}

// OrderSide distinguishes the intent of an order.
type OrderSide string

const (
	OrderSideBuy     OrderSide = "buy"
	OrderSideSell    OrderSide = "sell"
	OrderSideConvert OrderSide = "convert"
)

// OrderType is the pricing mode of an order.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimit    OrderType = "limit"
	OrderTypeStopLoss OrderType = "stop_loss"
)

// OrderStatus is the lifecycle state of an order. Terminal states are final.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Order represents an intent to move value between currencies. While the
// order is pending, Reserved is held on the from-currency wallet's locked
// balance and is released exactly once on transition to a terminal state.
type Order struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_order_user_idem" validate:"required,uuid"`
	Side           OrderSide       `json:"side" validate:"required,oneof=buy sell convert"`
	Type           OrderType       `json:"type" validate:"required,oneof=market limit stop_loss"`
	FromCurrency   string          `json:"from_currency" validate:"required,uppercase,min=3,max=10"`
	ToCurrency     string          `json:"to_currency" validate:"required,uppercase,min=3,max=10"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(36,18)"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(36,18)"`
	StopPrice      decimal.Decimal `json:"stop_price" gorm:"type:decimal(36,18)"`
	Reserved       decimal.Decimal `json:"reserved" gorm:"type:decimal(36,18)"`
	Fee            decimal.Decimal `json:"fee" gorm:"type:decimal(36,18)"`
	Status         OrderStatus     `json:"status" gorm:"index" validate:"required,oneof=pending completed cancelled failed"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"uniqueIndex:idx_order_user_idem" validate:"required,max=128"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

// TransactionType classifies a completed balance change.
type TransactionType string

const (
	TransactionBuy      TransactionType = "buy"
	TransactionSell     TransactionType = "sell"
	TransactionConvert  TransactionType = "convert"
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
	TransactionStake    TransactionType = "stake"
	TransactionUnstake  TransactionType = "unstake"
)

// TransactionStatus moves PENDING to COMPLETED or FAILED exactly once.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is the immutable historical record of a committed balance
// change. Created only at the moment the change is committed; the status
// transition is an append, never an edit of amounts.
type Transaction struct {
	ID          uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID      uuid.UUID         `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_txn_user_type_ref" validate:"required,uuid"`
	OrderID     *uuid.UUID        `json:"order_id" gorm:"type:uuid;index" validate:"omitempty,uuid"`
	Type        TransactionType   `json:"type" gorm:"uniqueIndex:idx_txn_user_type_ref" validate:"required,oneof=buy sell convert deposit withdraw stake unstake"`
	Currency    string            `json:"currency" validate:"required,uppercase,min=3,max=10"`
	Amount      decimal.Decimal   `json:"amount" gorm:"type:decimal(36,18)"`
	Fee         decimal.Decimal   `json:"fee" gorm:"type:decimal(36,18)"`
	Status      TransactionStatus `json:"status" validate:"required,oneof=pending completed failed"`
	TxHash      string            `json:"tx_hash" validate:"omitempty,max=128"`
	Reference   string            `json:"reference" gorm:"uniqueIndex:idx_txn_user_type_ref" validate:"omitempty,max=255"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at"`
}

// JournalReason classifies the balance delta a journal entry records.
type JournalReason string

const (
	JournalReserve  JournalReason = "reserve"
	JournalRelease  JournalReason = "release"
	JournalDebit    JournalReason = "debit"
	JournalCredit   JournalReason = "credit"
	JournalFee      JournalReason = "fee"
	JournalDeposit  JournalReason = "deposit"
	JournalWithdraw JournalReason = "withdraw"
)

// JournalEntry is an immutable record of a single balance-affecting delta.
// Sequence increases monotonically per wallet; summing the deltas of a
// wallet's entries must always reproduce its stored balances.
type JournalEntry struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	WalletID       uuid.UUID       `json:"wallet_id" gorm:"type:uuid;uniqueIndex:idx_journal_wallet_seq" validate:"required,uuid"`
	Sequence       int64           `json:"sequence" gorm:"uniqueIndex:idx_journal_wallet_seq"`
	AvailableDelta decimal.Decimal `json:"available_delta" gorm:"type:decimal(36,18)"`
	LockedDelta    decimal.Decimal `json:"locked_delta" gorm:"type:decimal(36,18)"`
	Reason         JournalReason   `json:"reason" validate:"required"`
	Reference      string          `json:"reference" validate:"omitempty,max=255"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceDelta is the total balance effect of the entry.
func (e *JournalEntry) BalanceDelta() decimal.Decimal {
	return e.AvailableDelta.Add(e.LockedDelta)
}
