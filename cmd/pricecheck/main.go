package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coin-pilot/internal/config"
	"coin-pilot/internal/exchange/coinbase"
)

// pricecheck looks up spot prices once over REST, or tails the websocket
// ticker channel with -watch.
func main() {
	var (
		configPath string
		envPath    string
		products   string
		watch      bool
		timeoutSec int
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional env file with credentials")
	flag.StringVar(&products, "products", "BTC-USD", "comma-separated product ids")
	flag.BoolVar(&watch, "watch", false, "stream live prices instead of a one-shot lookup")
	flag.IntVar(&timeoutSec, "timeout", 15, "per-request timeout in seconds")
	flag.Parse()

	ids := splitProducts(products)
	if len(ids) == 0 {
		fatal("at least one product id required")
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fatal(fmt.Sprintf("load env file %s: %v", envPath, err))
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		watchPrices(ctx, cfg.Exchange.WSURL, ids)
		return
	}

	client, err := coinbase.NewClient(cfg.Exchange)
	if err != nil {
		fatal(err.Error())
	}
	for _, id := range ids {
		lookupCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		price, ok := client.GetPrice(lookupCtx, id)
		cancel()
		if !ok {
			fmt.Printf("%-12s unavailable\n", id)
			continue
		}
		fmt.Printf("%-12s %s\n", id, price.String())
	}
}

func watchPrices(ctx context.Context, wsURL string, ids []string) {
	stream, err := coinbase.DialTickerStream(ctx, wsURL, ids)
	if err != nil {
		fatal(err.Error())
	}
	defer stream.Close()

	updates, errs := stream.Updates(ctx)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			fmt.Printf("%s %-12s %s\n", update.At.Format(time.RFC3339), update.ProductID, update.Price.String())
		case err := <-errs:
			if err != nil {
				fatal(err.Error())
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func splitProducts(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		id := strings.ToUpper(strings.TrimSpace(part))
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
