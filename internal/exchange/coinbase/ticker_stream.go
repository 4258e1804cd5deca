package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// PriceUpdate is one live tick from the market data channel.
type PriceUpdate struct {
	ProductID string
	Price     decimal.Decimal
	At        time.Time
}

// TickerStream is a websocket subscription to the public ticker channel.
// It needs no authentication; the reconciler's pricing still goes through
// the REST path, this feed only serves live telemetry.
type TickerStream struct {
	conn *websocket.Conn
}

type tickerSubscribeRequest struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids"`
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
		} `json:"tickers"`
	} `json:"events"`
}

func DialTickerStream(ctx context.Context, wsURL string, productIDs []string) (*TickerStream, error) {
	if wsURL == "" {
		return nil, errors.New("ws url required")
	}
	if len(productIDs) == 0 {
		return nil, errors.New("at least one product id required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	sub := tickerSubscribeRequest{
		Type:       "subscribe",
		Channel:    "ticker",
		ProductIDs: productIDs,
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TickerStream{conn: conn}, nil
}

// Updates delivers ticks until the connection drops or ctx is canceled.
// The updates channel is closed on exit; a read error is reported on errs.
func (s *TickerStream) Updates(ctx context.Context) (<-chan PriceUpdate, <-chan error) {
	updates := make(chan PriceUpdate, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			var msg tickerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Channel != "ticker" {
				continue
			}
			at := time.Now().UTC()
			for _, event := range msg.Events {
				for _, tick := range event.Tickers {
					price, err := decimal.NewFromString(tick.Price)
					if err != nil || tick.ProductID == "" {
						continue
					}
					select {
					case updates <- PriceUpdate{ProductID: tick.ProductID, Price: price, At: at}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return updates, errs
}

func (s *TickerStream) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
