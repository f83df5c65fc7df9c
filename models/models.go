package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceSynthetic marks quotes estimated by the synthesis provider.
const SourceSynthetic = "synthetic"

// Quote is an immutable price observation. Newer quotes supersede older ones.
type Quote struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	StaleAfter time.Time `json:"staleAfter"`
	Confidence float64   `json:"confidence"`
}

// Synthetic reports whether the quote was produced by the synthesis provider.
func (q Quote) Synthetic() bool {
	return q.Source == SourceSynthetic
}

// QuoteResult is what callers of the read path receive.
type QuoteResult struct {
	Quote    Quote `json:"quote"`
	Degraded bool  `json:"degraded"`
	Fresh    bool  `json:"fresh"`
	Cached   bool  `json:"cached"`
}

// Tolerance is how much staleness a caller accepts when no real provider
// can answer.
type Tolerance struct {
	// AllowSynthetic permits an AI-estimated quote as a last resort.
	AllowSynthetic bool `json:"allowSynthetic"`
	// MaxStaleness bounds how far past StaleAfter a cached quote may be
	// served as a fallback. Zero disables the cached fallback.
	MaxStaleness time.Duration `json:"maxStaleness"`
}

// DataType identifies a class of provider data for failover ordering.
type DataType string

const DataTypeQuote DataType = "quote"

// ProviderBudget is a point-in-time view of a rate budget window.
type ProviderBudget struct {
	Provider    string    `json:"provider"`
	Class       string    `json:"class"`
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState tracks the lifecycle of an order.
type OrderState string

const (
	OrderStatePending   OrderState = "pending"
	OrderStateSubmitted OrderState = "submitted"
	OrderStateFilled    OrderState = "filled"
	OrderStateRejected  OrderState = "rejected"
	OrderStateFailed    OrderState = "failed"
	OrderStateUnknown   OrderState = "unknown"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateFailed, OrderStateUnknown:
		return true
	default:
		return false
	}
}

// OrderRequest is a client's order submission.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId" validate:"required,max=128"`
	Symbol        string          `json:"symbol" validate:"required,max=16"`
	Qty           decimal.Decimal `json:"qty"`
	Side          OrderSide       `json:"side" validate:"required,oneof=buy sell"`
	Type          OrderType       `json:"type" validate:"required,oneof=market limit"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
}

// Order is the execution service's view of a submitted order.
type Order struct {
	ClientOrderID   string              `json:"clientOrderId"`
	Symbol          string              `json:"symbol"`
	Qty             decimal.Decimal     `json:"qty"`
	Side            OrderSide           `json:"side"`
	Type            OrderType           `json:"type"`
	LimitPrice      decimal.Decimal     `json:"limitPrice"`
	State           OrderState          `json:"state"`
	ProviderOrderID string              `json:"providerOrderId,omitempty"`
	FilledPrice     decimal.NullDecimal `json:"filledPrice"`
	Reason          string              `json:"reason,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// OrderResult is the outcome returned to submitters. Duplicates receive the
// original result with Duplicate set.
type OrderResult struct {
	ClientOrderID   string              `json:"clientOrderId"`
	State           OrderState          `json:"state"`
	ProviderOrderID string              `json:"providerOrderId,omitempty"`
	FilledPrice     decimal.NullDecimal `json:"filledPrice"`
	Reason          string              `json:"reason,omitempty"`
	Duplicate       bool                `json:"duplicate"`
}

// ProviderOrderStatus is the order status reported by a brokerage.
type ProviderOrderStatus string

const (
	ProviderOrderAccepted ProviderOrderStatus = "accepted"
	ProviderOrderFilled   ProviderOrderStatus = "filled"
	ProviderOrderRejected ProviderOrderStatus = "rejected"
)

// ProviderResult is a brokerage's answer to a submission or status query.
type ProviderResult struct {
	ProviderOrderID string              `json:"providerOrderId"`
	Status          ProviderOrderStatus `json:"status"`
	FilledPrice     decimal.NullDecimal `json:"filledPrice"`
	Reason          string              `json:"reason,omitempty"`
}
