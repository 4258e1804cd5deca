package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Notifier delivers one rendered message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the rest of the code depends on; a nil *Manager satisfies
// it and drops everything silently.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize   = 128
	defaultSendTimeout = 10 * time.Second
)

// Manager queues important events and delivers them asynchronously so a
// slow notifier never blocks a refresh cycle. When the queue is full, events
// are dropped and counted rather than blocking the producer.
type Manager struct {
	tag      string
	notifier Notifier
	queue    chan event
	stop     chan struct{}
	done     chan struct{}
	dropped  uint64

	mu     sync.Mutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(tag string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		tag:      tag,
		notifier: notifier,
		queue:    make(chan event, defaultQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	select {
	case m.queue <- event{name: name, fields: copied}:
	default:
		total := atomic.AddUint64(&m.dropped, 1)
		log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d queue_cap=%d", name, total, cap(m.queue))
	}
}

// Close flushes queued events and waits for the loop to exit, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.render(ev)); err != nil {
		log.Printf("level=WARN event=alert_send_failed target_event=%q error=%q", ev.name, err.Error())
	}
}

func (m *Manager) render(ev event) string {
	var b strings.Builder
	if m.tag != "" {
		b.WriteString("[" + m.tag + "] ")
	}
	b.WriteString(ev.name)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + ev.fields[k])
	}
	return b.String()
}
