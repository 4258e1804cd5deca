package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coin-pilot/internal/core"
	"coin-pilot/internal/exchange"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRefreshDiscoversNewAsset(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("0.5")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	entry, ok := r.Snapshot()["BTC"]
	if !ok {
		t.Fatalf("BTC missing from snapshot")
	}
	if !entry.CurrentPrice.Equal(dec("60000")) {
		t.Fatalf("current_price = %s, want 60000", entry.CurrentPrice.String())
	}
	if !entry.USDValue.Equal(dec("30000")) {
		t.Fatalf("usd_value = %s, want 30000", entry.USDValue.String())
	}
	if !entry.Balance.Equal(dec("0.5")) {
		t.Fatalf("balance = %s, want 0.5", entry.Balance.String())
	}
	if entry.Enabled == nil || *entry.Enabled {
		t.Fatalf("enabled = %v, want false for discovered asset", entry.Enabled)
	}
	if entry.CurrentCostUSD == nil || !entry.CurrentCostUSD.Equal(dec("-1")) {
		t.Fatalf("current_cost_usd = %v, want -1 sentinel", entry.CurrentCostUSD)
	}
	if entry.TrendStatus != nil {
		t.Fatalf("trend_status = %q, want nil", *entry.TrendStatus)
	}
	if entry.EnableConversion == nil || !*entry.EnableConversion {
		t.Fatalf("enable_conversion = %v, want true", entry.EnableConversion)
	}
}

func TestRefreshPinsStableAssets(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{
		{Currency: "USD", Balance: dec("250")},
		{Currency: "Usdc", Balance: dec("10")},
	}
	// Even a mocked ticker price must not move a stable asset off 1.
	mock.SetPrice("USD-USD", dec("0.97"))
	mock.SetPrice("Usdc-USD", dec("1.02"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snapshot := r.Snapshot()
	for asset, wantValue := range map[string]string{"USD": "250", "Usdc": "10"} {
		entry, ok := snapshot[asset]
		if !ok {
			t.Fatalf("%s missing from snapshot", asset)
		}
		if !entry.CurrentPrice.Equal(dec("1")) {
			t.Fatalf("%s current_price = %s, want 1", asset, entry.CurrentPrice.String())
		}
		if !entry.USDValue.Equal(dec(wantValue)) {
			t.Fatalf("%s usd_value = %s, want %s", asset, entry.USDValue.String(), wantValue)
		}
	}
}

func TestRefreshDisablesConversionOnMissingPrice(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "OBSCURE", Balance: dec("100")}}

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	entry := r.Snapshot()["OBSCURE"]
	if entry.EnableConversion == nil || *entry.EnableConversion {
		t.Fatalf("enable_conversion = %v, want false after missing price", entry.EnableConversion)
	}
	if !entry.CurrentPrice.Equal(dec("1")) {
		t.Fatalf("current_price = %s, want unit fallback", entry.CurrentPrice.String())
	}
	if !entry.USDValue.Equal(dec("100")) {
		t.Fatalf("usd_value = %s, want 100", entry.USDValue.String())
	}

	// A later cycle must not ask for the price again.
	before := mock.PriceCallCount()
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}
	if mock.PriceCallCount() != before {
		t.Fatalf("price lookups = %d, want %d (conversion stays disabled)", mock.PriceCallCount(), before)
	}
}

func TestRefreshPreservesCallerOwnedFields(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "ETH", Balance: dec("2")}}
	mock.SetPrice("ETH-USD", dec("3000"))

	enabled := true
	trend := "uptrend"
	cost := dec("5500")
	previous := dec("2900")
	r := New(mock)
	r.Seed(map[string]core.AssetSetting{
		"ETH": {
			Enabled:        &enabled,
			CurrentCostUSD: &cost,
			TrendStatus:    &trend,
			PreviousPrice:  &previous,
		},
	})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	entry := r.Snapshot()["ETH"]
	if entry.Enabled == nil || !*entry.Enabled {
		t.Fatalf("enabled was reset")
	}
	if entry.TrendStatus == nil || *entry.TrendStatus != "uptrend" {
		t.Fatalf("trend_status = %v, want uptrend", entry.TrendStatus)
	}
	if entry.CurrentCostUSD == nil || !entry.CurrentCostUSD.Equal(dec("5500")) {
		t.Fatalf("current_cost_usd = %v, want 5500", entry.CurrentCostUSD)
	}
	if entry.PreviousPrice == nil || !entry.PreviousPrice.Equal(dec("2900")) {
		t.Fatalf("previous_price = %v, want 2900 (backfill must not overwrite)", entry.PreviousPrice)
	}
	if !entry.CurrentPrice.Equal(dec("3000")) {
		t.Fatalf("current_price = %s, want 3000", entry.CurrentPrice.String())
	}
	if !entry.USDValue.Equal(dec("6000")) {
		t.Fatalf("usd_value = %s, want 6000", entry.USDValue.String())
	}
}

func TestRefreshBackfillsPreviousPrice(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "SOL", Balance: dec("4")}}
	mock.SetPrice("SOL-USD", dec("150"))

	r := New(mock)
	r.Seed(map[string]core.AssetSetting{"SOL": {}})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	entry := r.Snapshot()["SOL"]
	if entry.PreviousPrice == nil || !entry.PreviousPrice.Equal(dec("150")) {
		t.Fatalf("previous_price = %v, want backfilled 150", entry.PreviousPrice)
	}
}

func TestRefreshIsIdempotentWithStablePrices(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("0.5")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}
	first := r.Snapshot()["BTC"]
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}
	second := r.Snapshot()["BTC"]

	if !first.CurrentPrice.Equal(second.CurrentPrice) ||
		!first.USDValue.Equal(second.USDValue) ||
		!first.Balance.Equal(second.Balance) ||
		*first.Enabled != *second.Enabled ||
		*first.EnableConversion != *second.EnableConversion {
		t.Fatalf("second cycle changed entry: %+v -> %+v", first, second)
	}
}

func TestRefreshIsolatesAssetFailures(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{
		{Currency: "BTC", Balance: dec("1")},
		{Currency: "DEAD", Balance: dec("7")},
		{Currency: "ETH", Balance: dec("1")},
	}
	mock.SetPrice("BTC-USD", dec("60000"))
	mock.SetPrice("ETH-USD", dec("3000"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	snapshot := r.Snapshot()
	if !snapshot["BTC"].CurrentPrice.Equal(dec("60000")) {
		t.Fatalf("BTC price = %s, want 60000", snapshot["BTC"].CurrentPrice.String())
	}
	if !snapshot["ETH"].CurrentPrice.Equal(dec("3000")) {
		t.Fatalf("ETH price = %s, want 3000", snapshot["ETH"].CurrentPrice.String())
	}
	if dead := snapshot["DEAD"]; dead.EnableConversion == nil || *dead.EnableConversion {
		t.Fatalf("DEAD enable_conversion = %v, want false", dead.EnableConversion)
	}
}

func TestRefreshEmptyAccountsKeepsState(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("1")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	mock.Accounts = nil
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() with no accounts error = %v, want nil", err)
	}
	if entry, ok := r.Snapshot()["BTC"]; !ok || !entry.CurrentPrice.Equal(dec("60000")) {
		t.Fatalf("stale BTC entry lost after empty listing")
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("1")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	entered := make(chan struct{})
	release := make(chan struct{})
	mock.AccountsHook = func(ctx context.Context) {
		close(entered)
		<-release
	}

	r := New(mock)
	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background()) }()

	<-entered
	if err := r.Refresh(context.Background()); !errors.Is(err, core.ErrRefreshInFlight) {
		t.Fatalf("concurrent Refresh() error = %v, want ErrRefreshInFlight", err)
	}
	close(release)
	mock.AccountsHook = nil

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Refresh() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first Refresh() never finished")
	}

	// The flag clears once the cycle ends.
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("follow-up Refresh() error = %v", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("1")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	r := New(mock)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snapshot := r.Snapshot()
	entry := snapshot["BTC"]
	*entry.Enabled = true
	mutated := dec("999")
	entry.CurrentCostUSD = &mutated
	snapshot["BTC"] = entry

	fresh := r.Snapshot()["BTC"]
	if *fresh.Enabled {
		t.Fatalf("mutating a snapshot leaked into the live map")
	}
	if !fresh.CurrentCostUSD.Equal(dec("-1")) {
		t.Fatalf("current_cost_usd = %s, want untouched -1", fresh.CurrentCostUSD.String())
	}
}

func TestEnabledProducts(t *testing.T) {
	mock := exchange.NewMock()
	off := false
	r := New(mock)
	r.Seed(map[string]core.AssetSetting{
		"BTC":  {},
		"USD":  {},
		"USDC": {},
		"DEAD": {EnableConversion: &off},
	})

	products := r.EnabledProducts()
	if len(products) != 1 || products[0] != "BTC-USD" {
		t.Fatalf("EnabledProducts() = %v, want [BTC-USD]", products)
	}
}

type capturePersister struct {
	saved map[string]core.AssetSetting
	err   error
}

func (p *capturePersister) SaveAssetSettings(settings map[string]core.AssetSetting) error {
	p.saved = settings
	return p.err
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("0.5")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	persister := &capturePersister{}
	r := New(mock)
	r.SetPersister(persister)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if persister.saved == nil {
		t.Fatalf("persister never called")
	}
	if !persister.saved["BTC"].USDValue.Equal(dec("30000")) {
		t.Fatalf("persisted usd_value = %s, want 30000", persister.saved["BTC"].USDValue.String())
	}
}

func TestRefreshReturnsPersistError(t *testing.T) {
	mock := exchange.NewMock()
	mock.Accounts = []core.Account{{Currency: "BTC", Balance: dec("0.5")}}
	mock.SetPrice("BTC-USD", dec("60000"))

	persister := &capturePersister{err: errors.New("disk full")}
	r := New(mock)
	r.SetPersister(persister)

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("Refresh() error = nil, want persist failure")
	}
}
