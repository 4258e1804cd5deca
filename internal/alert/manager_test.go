package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return n.err
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

func TestManagerDeliversRenderedEvent(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager("coin-pilot", notifier)

	m.Important("circuit_breaker_trip", map[string]string{
		"threshold": "5",
		"circuit":   "refresh",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	messages := notifier.all()
	if len(messages) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(messages))
	}
	want := "[coin-pilot] circuit_breaker_trip\ncircuit: refresh\nthreshold: 5"
	if messages[0] != want {
		t.Fatalf("message = %q, want %q", messages[0], want)
	}
}

func TestManagerCloseFlushesQueue(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager("tag", notifier)
	for i := 0; i < 5; i++ {
		m.Important("refresh_rate_limited", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(notifier.all()); got != 5 {
		t.Fatalf("delivered %d messages, want 5", got)
	}
}

func TestManagerImportantAfterCloseIsDropped(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager("tag", notifier)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	m.Important("late_event", nil)
	if got := len(notifier.all()); got != 0 {
		t.Fatalf("delivered %d messages after Close, want 0", got)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestManagerNilSafe(t *testing.T) {
	var m *Manager
	m.Important("event", map[string]string{"k": "v"})
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil manager = %v, want nil", err)
	}
}

func TestNewManagerNilNotifier(t *testing.T) {
	if m := NewManager("tag", nil); m != nil {
		t.Fatalf("NewManager(nil) = %v, want nil", m)
	}
}

func TestManagerNotifierFailureDoesNotBlock(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	m := NewManager("tag", notifier)
	m.Important("event_a", nil)
	m.Important("event_b", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(notifier.all()); got != 2 {
		t.Fatalf("attempted %d deliveries, want 2", got)
	}
}

func TestRenderWithoutTag(t *testing.T) {
	m := &Manager{}
	got := m.render(event{name: "plain", fields: map[string]string{"b": "2", "a": "1"}})
	want := "plain\na: 1\nb: 2"
	if got != want {
		t.Fatalf("render() = %q, want %q", got, want)
	}
}
