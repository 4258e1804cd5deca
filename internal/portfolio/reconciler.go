package portfolio

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coin-pilot/internal/core"
	"coin-pilot/internal/exchange"
)

// stableAssets always price at exactly 1 USD, whatever the ticker says.
var stableAssets = map[string]struct{}{
	"USD":  {},
	"USDC": {},
}

var one = decimal.NewFromInt(1)

// Persister receives the settings snapshot after a completed cycle.
type Persister interface {
	SaveAssetSettings(settings map[string]core.AssetSetting) error
}

// Reconciler owns the per-asset settings map. It is the only writer; readers
// get deep-copy snapshots, never the live map. Refresh is single-flight: a
// cycle that is still running causes concurrent callers to back off with
// core.ErrRefreshInFlight instead of piling up.
type Reconciler struct {
	exchange  exchange.Exchange
	persister Persister

	mu       sync.Mutex
	settings map[string]core.AssetSetting
	running  bool
}

func New(ex exchange.Exchange) *Reconciler {
	return &Reconciler{
		exchange: ex,
		settings: make(map[string]core.AssetSetting),
	}
}

// SetPersister wires the settings store; nil disables persistence.
func (r *Reconciler) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

// Seed installs previously persisted settings. Entries are cloned, so the
// caller's map stays independent.
func (r *Reconciler) Seed(settings map[string]core.AssetSetting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for asset, entry := range settings {
		r.settings[asset] = entry.Clone()
	}
}

// Snapshot returns a deep copy of the current settings map.
func (r *Reconciler) Snapshot() map[string]core.AssetSetting {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]core.AssetSetting, len(r.settings))
	for asset, entry := range r.settings {
		out[asset] = entry.Clone()
	}
	return out
}

// EnabledProducts lists the product ids of assets that still convert,
// excluding stable coins. Used to pick ticker stream subscriptions.
func (r *Reconciler) EnabledProducts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	products := make([]string, 0, len(r.settings))
	for asset, entry := range r.settings {
		if isStableAsset(asset) || !entry.ConversionEnabled() {
			continue
		}
		products = append(products, asset+"-USD")
	}
	return products
}

// Refresh pulls a fresh accounts snapshot and reconciles every account into
// the settings map. A failed price lookup only affects its own asset.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return core.ErrRefreshInFlight
	}
	r.running = true
	persister := r.persister
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	cycleID := uuid.NewString()
	accounts := r.exchange.GetAccounts(ctx)
	if len(accounts) == 0 {
		// Listing unavailable: keep stale values, try again next cycle.
		log.Printf("level=WARN event=refresh_no_accounts cycle_id=%q", cycleID)
		return nil
	}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.refreshAsset(ctx, account)
	}
	if persister != nil {
		if err := persister.SaveAssetSettings(r.Snapshot()); err != nil {
			log.Printf("level=ERROR event=settings_persist_failed cycle_id=%q error=%q", cycleID, err.Error())
			return err
		}
	}
	log.Printf("level=INFO event=refresh_complete cycle_id=%q accounts=%d", cycleID, len(accounts))
	return nil
}

// refreshAsset applies the pricing policy and merges exchange-owned fields
// into the entry. The price lookup runs without the lock held; single-flight
// guarantees no other writer exists during a cycle.
func (r *Reconciler) refreshAsset(ctx context.Context, account core.Account) {
	asset := account.Currency
	r.mu.Lock()
	entry, known := r.settings[asset]
	r.mu.Unlock()
	if !known {
		entry = core.NewDefaultAssetSetting(account.Balance)
		log.Printf("level=INFO event=asset_discovered asset=%q balance=%q", asset, account.Balance.String())
	}

	price := entry.CurrentPrice
	if entry.ConversionEnabled() {
		looked, ok := r.exchange.GetPrice(ctx, asset+"-USD")
		if ok {
			price = looked
		} else {
			// No ticker for this asset: stop asking and pin to unit price.
			off := false
			entry.EnableConversion = &off
			price = one
			log.Printf("level=INFO event=conversion_disabled asset=%q", asset)
		}
	} else if price.IsZero() {
		// Persisted entries that predate price tracking carry no price.
		price = one
	}
	if isStableAsset(asset) {
		price = one
	}

	entry.MergeDefaults(price)
	entry.CurrentPrice = price
	entry.USDValue = account.Balance.Mul(price)
	entry.Balance = account.Balance

	r.mu.Lock()
	r.settings[asset] = entry
	r.mu.Unlock()
}

func isStableAsset(asset string) bool {
	_, ok := stableAssets[strings.ToUpper(asset)]
	return ok
}
