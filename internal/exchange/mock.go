package exchange

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"coin-pilot/internal/core"
)

// Mock is an in-memory Exchange for tests.
type Mock struct {
	mu         sync.Mutex
	Accounts   []core.Account
	Prices     map[string]decimal.Decimal
	PriceCalls []string

	// AccountsHook, when set, runs before every GetAccounts call.
	AccountsHook func(ctx context.Context)
}

func NewMock() *Mock {
	return &Mock{Prices: make(map[string]decimal.Decimal)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) GetAccounts(ctx context.Context) []core.Account {
	if m.AccountsHook != nil {
		m.AccountsHook(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Account, len(m.Accounts))
	copy(out, m.Accounts)
	return out
}

func (m *Mock) GetPrice(ctx context.Context, productID string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PriceCalls = append(m.PriceCalls, productID)
	price, ok := m.Prices[productID]
	return price, ok
}

func (m *Mock) PlaceMarketOrder(ctx context.Context, asset string, side core.Side) (core.OrderResult, error) {
	return core.OrderResult{}, core.ErrOrderUnsupported
}

func (m *Mock) SetPrice(productID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[productID] = price
}

func (m *Mock) RemovePrice(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Prices, productID)
}

func (m *Mock) PriceCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PriceCalls)
}
