package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"coin-pilot/internal/core"
)

// Exchange is the boundary the reconciler talks to. GetAccounts and GetPrice
// degrade to "no data" on failure so a single bad lookup never aborts a
// refresh cycle; structured errors live one layer down in the dispatcher.
type Exchange interface {
	Name() string
	// GetAccounts returns the current balance snapshot, or an empty slice
	// when the listing is unavailable.
	GetAccounts(ctx context.Context) []core.Account
	// GetPrice returns the spot price for a product id such as "BTC-USD".
	// ok is false when no price could be obtained.
	GetPrice(ctx context.Context, productID string) (price decimal.Decimal, ok bool)
	// PlaceMarketOrder is a declared contract without an implementation;
	// it exists so the decision policy can be plugged in later.
	PlaceMarketOrder(ctx context.Context, asset string, side core.Side) (core.OrderResult, error)
}
