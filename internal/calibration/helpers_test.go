package calibration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/bletest"
)

// newTestSession wires a session to a simulated controller.
func newTestSession(t *testing.T, ctrl *bletest.Controller, opts SessionOptions) *Session {
	t.Helper()
	lopts := ble.DefaultLinkOptions()
	lopts.RequestTimeout = 20 * time.Millisecond
	lopts.ConnectRetries = 0
	link := ble.NewLink(bletest.NewAdapter(ctrl), ctrl.Address, lopts)
	return NewSession(ctrl.Name, link, opts)
}

func connectedSession(t *testing.T, ctrl *bletest.Controller, opts SessionOptions) *Session {
	t.Helper()
	s := newTestSession(t, ctrl, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

// sleepRecorder replaces real waits and remembers what was asked for.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
	hook  func(d time.Duration) // optional, runs before returning
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == d {
			n++
		}
	}
	return n
}

// stateLog collects observer callbacks from concurrent sessions.
type stateLog struct {
	mu          sync.Mutex
	transitions map[string][]string
}

func newStateLog() *stateLog {
	return &stateLog{transitions: make(map[string][]string)}
}

func (l *stateLog) observe(label, from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions[label] = append(l.transitions[label], from+">"+to)
}

func (l *stateLog) get(label string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions[label]...)
}

// hotAt returns a temperature function that reports hot at one speed.
func hotAt(kmh, hot, normal int) func(int) int {
	return func(k int) int {
		if k == kmh {
			return hot
		}
		return normal
	}
}
