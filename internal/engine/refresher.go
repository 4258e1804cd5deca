package engine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"coin-pilot/internal/alert"
	"coin-pilot/internal/core"
	"coin-pilot/internal/exchange/coinbase"
	"coin-pilot/internal/portfolio"
	"coin-pilot/internal/safety"
	"coin-pilot/internal/store"
)

const (
	streamBackoffStart = time.Second
	streamBackoffMax   = 30 * time.Second
)

// Refresher drives the reconciler on a fixed schedule. Cycles never overlap:
// the reconciler is single-flight and an overrunning cycle simply skips the
// tick. Consecutive failures feed the circuit breaker, which pauses the
// schedule for a cooldown instead of hammering a broken API.
type Refresher struct {
	Reconciler *portfolio.Reconciler
	Store      *store.Store
	Breaker    *safety.Breaker
	Alerts     alert.Alerter
	Interval   time.Duration
	Heartbeat  time.Duration
	// StreamURL enables the live ticker telemetry tap when non-empty.
	StreamURL string

	failures int
}

func (r *Refresher) Run(ctx context.Context) error {
	startedAt := time.Now().UTC()
	r.persistStatus("starting", startedAt, nil)

	if r.StreamURL != "" {
		go r.streamLoop(ctx)
	}

	// First cycle runs immediately; the ticker covers the rest.
	r.runCycle(ctx, startedAt)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		hb := time.NewTicker(r.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			r.persistStatus("stopped", startedAt, nil)
			return ctx.Err()
		case <-ticker.C:
			r.runCycle(ctx, startedAt)
		case <-heartbeat:
			r.logHeartbeat()
		}
	}
}

func (r *Refresher) runCycle(ctx context.Context, startedAt time.Time) {
	if err := r.Breaker.AllowRefresh(); err != nil {
		log.Printf("level=WARN event=refresh_skipped reason=%q", err.Error())
		r.persistStatus("degraded", startedAt, err)
		return
	}
	err := r.Reconciler.Refresh(ctx)
	if errors.Is(err, core.ErrRefreshInFlight) {
		// Previous cycle still running; drop this tick rather than queue.
		log.Printf("level=WARN event=refresh_overrun interval_sec=%d", int64(r.Interval/time.Second))
		return
	}
	if ctx.Err() != nil {
		return
	}
	trip := r.Breaker.RecordRefresh(err)
	if err != nil {
		r.failures++
		log.Printf("level=ERROR event=refresh_failed consecutive_failures=%d error=%q", r.failures, err.Error())
		if errors.Is(err, core.ErrRateLimited) && r.Alerts != nil {
			r.Alerts.Important("refresh_rate_limited", map[string]string{
				"consecutive_failures": strconv.Itoa(r.failures),
			})
		}
		state := "running"
		if trip != nil {
			state = "degraded"
		}
		r.persistStatus(state, startedAt, err)
		return
	}
	r.failures = 0
	r.persistStatus("running", startedAt, nil)
}

func (r *Refresher) logHeartbeat() {
	snapshot := r.Reconciler.Snapshot()
	total := decimal.Zero
	for _, entry := range snapshot {
		total = total.Add(entry.USDValue)
	}
	log.Printf("level=INFO event=heartbeat assets=%d total_usd_value=%q", len(snapshot), total.String())
}

// streamLoop keeps a ticker stream open for assets that still convert,
// reconnecting with capped backoff. Losing the stream is telemetry loss,
// never a refresh failure.
func (r *Refresher) streamLoop(ctx context.Context) {
	backoff := streamBackoffStart
	lastPrice := make(map[string]decimal.Decimal)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.Breaker.AllowStream(); err != nil {
			if !sleepOrDone(ctx, streamBackoffMax) {
				return
			}
			continue
		}
		products := r.Reconciler.EnabledProducts()
		if len(products) == 0 {
			if !sleepOrDone(ctx, r.Interval) {
				return
			}
			continue
		}
		stream, err := coinbase.DialTickerStream(ctx, r.StreamURL, products)
		if err != nil {
			r.Breaker.RecordStream(err)
			log.Printf("level=WARN event=ticker_stream_dial_failed error=%q backoff_sec=%d", err.Error(), int64(backoff/time.Second))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		r.Breaker.RecordStream(nil)
		backoff = streamBackoffStart

		updates, errs := stream.Updates(ctx)
	consume:
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					break consume
				}
				if prev, seen := lastPrice[update.ProductID]; !seen || !prev.Equal(update.Price) {
					log.Printf("level=INFO event=ticker product_id=%q price=%q", update.ProductID, update.Price.String())
					lastPrice[update.ProductID] = update.Price
				}
			case err := <-errs:
				if err != nil {
					r.Breaker.RecordStream(err)
					log.Printf("level=WARN event=ticker_stream_lost error=%q", err.Error())
				}
				break consume
			case <-ctx.Done():
				_ = stream.Close()
				return
			}
		}
		_ = stream.Close()
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (r *Refresher) persistStatus(state string, startedAt time.Time, lastErr error) {
	if r.Store == nil {
		return
	}
	status := store.RuntimeStatus{
		State:           state,
		StartedAt:       startedAt,
		RefreshFailures: r.failures,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		log.Printf("level=WARN event=runtime_status_persist_failed error=%q", err.Error())
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > streamBackoffMax {
		return streamBackoffMax
	}
	return next
}
