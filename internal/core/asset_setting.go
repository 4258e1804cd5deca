package core

import (
	"github.com/shopspring/decimal"
)

// AssetSetting is the persisted per-asset valuation record, keyed by currency
// code. The exchange owns balance, current_price and usd_value; everything
// else belongs to the caller (trading toggle, trends collaborator) and is
// only default-filled when absent, never overwritten. Optional fields are
// pointers so an absent value is distinguishable from a zero one.
type AssetSetting struct {
	Enabled          *bool            `json:"enabled,omitempty"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	CurrentCostUSD   *decimal.Decimal `json:"current_cost_usd,omitempty"`
	USDValue         decimal.Decimal  `json:"usd_value"`
	Balance          decimal.Decimal  `json:"balance"`
	TrendStatus      *string          `json:"trend_status,omitempty"`
	PreviousPrice    *decimal.Decimal `json:"previous_price,omitempty"`
	EnableConversion *bool            `json:"enable_conversion,omitempty"`
}

// costUnset is the sentinel for "cost basis never recorded".
var costUnset = decimal.NewFromInt(-1)

// NewDefaultAssetSetting builds the entry for an asset seen for the first
// time: trading disabled, unit price, unset cost basis, conversion enabled.
func NewDefaultAssetSetting(balance decimal.Decimal) AssetSetting {
	enabled := false
	conversion := true
	cost := costUnset
	previous := decimal.Zero
	return AssetSetting{
		Enabled:          &enabled,
		CurrentPrice:     decimal.NewFromInt(1),
		CurrentCostUSD:   &cost,
		USDValue:         decimal.Zero,
		Balance:          balance,
		PreviousPrice:    &previous,
		EnableConversion: &conversion,
	}
}

// MergeDefaults fills absent optional fields with their documented defaults.
// currentPrice seeds previous_price for entries that predate trend tracking.
// trend_status stays nil: nil is its default.
func (s *AssetSetting) MergeDefaults(currentPrice decimal.Decimal) {
	if s.Enabled == nil {
		enabled := false
		s.Enabled = &enabled
	}
	if s.CurrentCostUSD == nil {
		cost := costUnset
		s.CurrentCostUSD = &cost
	}
	if s.PreviousPrice == nil {
		previous := currentPrice
		s.PreviousPrice = &previous
	}
	if s.EnableConversion == nil {
		conversion := true
		s.EnableConversion = &conversion
	}
}

// ConversionEnabled reports whether a live price lookup should be attempted.
// Entries without the field default to true.
func (s AssetSetting) ConversionEnabled() bool {
	return s.EnableConversion == nil || *s.EnableConversion
}

// Clone returns a deep copy so snapshots never alias the live map entry.
func (s AssetSetting) Clone() AssetSetting {
	out := s
	if s.Enabled != nil {
		v := *s.Enabled
		out.Enabled = &v
	}
	if s.CurrentCostUSD != nil {
		v := *s.CurrentCostUSD
		out.CurrentCostUSD = &v
	}
	if s.TrendStatus != nil {
		v := *s.TrendStatus
		out.TrendStatus = &v
	}
	if s.PreviousPrice != nil {
		v := *s.PreviousPrice
		out.PreviousPrice = &v
	}
	if s.EnableConversion != nil {
		v := *s.EnableConversion
		out.EnableConversion = &v
	}
	return out
}
