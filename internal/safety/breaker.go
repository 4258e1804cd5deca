package safety

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"coin-pilot/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultCooldown = 5 * time.Minute

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker halts the refresh scheduler (and the ticker stream reconnect loop)
// after too many consecutive failures, instead of hammering a broken or
// throttling API forever. After the cooldown a single probe cycle is allowed.
type Breaker struct {
	enabled  bool
	cooldown time.Duration

	mu      sync.Mutex
	refresh circuit
	stream  circuit

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxRefreshFailures, maxStreamFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:  enabled,
		cooldown: cooldown,
		refresh:  circuit{name: "refresh", maxFailures: maxRefreshFailures, state: circuitClosed},
		stream:   circuit{name: "stream", maxFailures: maxStreamFailures, state: circuitClosed},
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// RecordRefresh feeds the outcome of one refresh cycle into the breaker.
// It returns the open-circuit error when this failure trips it.
func (b *Breaker) RecordRefresh(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.refresh, err)
}

// RecordStream feeds the outcome of one ticker stream session.
func (b *Breaker) RecordStream(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.stream, err)
}

// AllowRefresh reports whether the next cycle may run. An open circuit whose
// cooldown has elapsed moves to half-open and lets one probe through.
func (b *Breaker) AllowRefresh() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.refresh)
}

// AllowStream is AllowRefresh for the ticker stream reconnect path.
func (b *Breaker) AllowStream() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.stream)
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state != circuitOpen {
		return nil
	}
	if time.Since(c.openedAt) < b.cooldown {
		if c.openErr != nil {
			return c.openErr
		}
		return fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
	}
	c.state = circuitHalfOpen
	c.failures = 0
	c.openErr = nil
	log.Printf("level=INFO event=circuit_breaker_half_open circuit=%q cooldown_sec=%d", c.name, int64(b.cooldown/time.Second))
	return nil
}

// CooldownRemaining reports how long the refresh circuit stays open.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refresh.state != circuitOpen {
		return 0
	}
	elapsed := time.Since(b.refresh.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled || c.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		alerter := b.alerter
		b.mu.Unlock()
		if prevState != circuitClosed || prevFailures > 0 {
			log.Printf("level=INFO event=circuit_breaker_recovered circuit=%q previous_consecutive_failures=%d from_state=%q", c.name, prevFailures, string(prevState))
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"circuit":    c.name,
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		c.failures = 1
		openErr := b.tripLocked(c, err, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.logTrip(alerter, c.name, c.maxFailures, err, "half_open_probe_failed")
		return openErr
	}

	c.failures++
	if c.failures < c.maxFailures {
		b.mu.Unlock()
		return nil
	}
	openErr := b.tripLocked(c, err, "consecutive_failures")
	alerter := b.alerter
	b.mu.Unlock()
	b.logTrip(alerter, c.name, c.maxFailures, err, "consecutive_failures")
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, reason string) error {
	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, c.failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) logTrip(alerter alert.Alerter, name string, threshold int, err error, reason string) {
	log.Printf("level=ERROR event=circuit_breaker_trip circuit=%q threshold=%d reason=%q last_error=%q", name, threshold, reason, err.Error())
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"circuit":    name,
			"threshold":  strconv.Itoa(threshold),
			"reason":     reason,
			"last_error": err.Error(),
		})
	}
}
