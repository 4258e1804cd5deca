package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coin-pilot/internal/alert"
	"coin-pilot/internal/config"
	"coin-pilot/internal/engine"
	"coin-pilot/internal/exchange/coinbase"
	"coin-pilot/internal/portfolio"
	"coin-pilot/internal/safety"
	"coin-pilot/internal/store"
)

func main() {
	var configPath string
	var envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional env file with credentials")
	flag.Parse()

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

	st, err := store.New(cfg.State.Dir)
	if err != nil {
		fatal(err.Error())
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(cfg.State.Dir, store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	client, err := coinbase.NewClient(cfg.Exchange)
	if err != nil {
		fatal(err.Error())
	}

	reconciler := portfolio.New(client)
	reconciler.SetPersister(st)
	if seed, ok, err := st.LoadAssetSettings(); err != nil {
		fatal(fmt.Sprintf("load persisted settings: %v", err))
	} else if ok {
		reconciler.Seed(seed)
		log.Printf("level=INFO event=settings_loaded assets=%d", len(seed))
	}

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxRefreshFailures,
		cfg.CircuitBreaker.MaxStreamFailures,
		time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second,
	)
	breaker.SetAlerter(alerts)

	refresher := &engine.Refresher{
		Reconciler: reconciler,
		Store:      st,
		Breaker:    breaker,
		Alerts:     alerts,
		Interval:   time.Duration(cfg.Refresh.IntervalSec) * time.Second,
		Heartbeat:  time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	}
	if cfg.Exchange.WSEnabled {
		refresher.StreamURL = cfg.Exchange.WSURL
	}

	log.Printf(
		"level=INFO event=pilot_started exchange=%q host=%q interval_sec=%d ws_enabled=%t",
		client.Name(),
		cfg.Exchange.RequestHost,
		cfg.Refresh.IntervalSec,
		cfg.Exchange.WSEnabled,
	)
	if err := refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
	log.Printf("level=INFO event=pilot_stopped")
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(tg.Enabled, tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	return alert.NewManager("coin-pilot", notifier)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
