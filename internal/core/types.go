package core

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Account is a read-only balance snapshot reported by the exchange.
// It is re-fetched on every refresh cycle and never persisted.
type Account struct {
	Currency string
	Balance  decimal.Decimal
}

// OrderResult is the declared contract of market order placement.
// No decision policy exists yet to drive it; see Exchange.PlaceMarketOrder.
type OrderResult struct {
	Success bool
	OrderID string
	Reason  string
}
