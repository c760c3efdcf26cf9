package models

import "github.com/shopspring/decimal"

// OrderRequest represents an order submission request
type OrderRequest struct {
	Side           string          `json:"side" binding:"required,oneof=buy sell convert" validate:"required,oneof=buy sell convert"`
	Type           string          `json:"type" binding:"required,oneof=market limit stop_loss" validate:"required,oneof=market limit stop_loss"`
	FromCurrency   string          `json:"from_currency" binding:"required" validate:"required,uppercase,min=3,max=10"`
	ToCurrency     string          `json:"to_currency" binding:"required" validate:"required,uppercase,min=3,max=10"`
	Amount         decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Price          decimal.Decimal `json:"price" validate:"omitempty"`
	StopPrice      decimal.Decimal `json:"stop_price" validate:"omitempty"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,max=128"`
}

// ExecuteRequest carries the execution price supplied by the external
// matching or pricing feed.
type ExecuteRequest struct {
	ExecutionPrice decimal.Decimal `json:"execution_price" binding:"required" validate:"required"`
}

// DepositRequest represents a funding deposit request
type DepositRequest struct {
	Currency       string          `json:"currency" binding:"required" validate:"required,uppercase,min=3,max=10"`
	Amount         decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	TxHash         string          `json:"tx_hash" validate:"omitempty,max=128"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,max=128"`
}

// WithdrawalRequest represents a funding withdrawal request
type WithdrawalRequest struct {
	Currency       string          `json:"currency" binding:"required" validate:"required,uppercase,min=3,max=10"`
	Amount         decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Address        string          `json:"address" binding:"required" validate:"required,min=10,max=100"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,max=128"`
}

// OrderFilter represents filters for listing orders
type OrderFilter struct {
	Status string `form:"status" json:"status" validate:"omitempty,oneof=pending completed cancelled failed"`
	Side   string `form:"side" json:"side" validate:"omitempty,oneof=buy sell convert"`
}
