package coinbase

// Wire types for the brokerage REST API. Only the fields the client reads
// are declared.

type tickerResponse struct {
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
	Trades  []struct {
		TradeID string `json:"trade_id"`
		Price   string `json:"price"`
	} `json:"trades"`
}

type accountsResponse struct {
	Accounts []accountEntry `json:"accounts"`
	HasNext  bool           `json:"has_next"`
	Cursor   string         `json:"cursor"`
}

type accountEntry struct {
	UUID             string       `json:"uuid"`
	Name             string       `json:"name"`
	Currency         string       `json:"currency"`
	AvailableBalance balanceValue `json:"available_balance"`
}

type balanceValue struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}
