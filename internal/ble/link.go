package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/scootcal/internal/ble/protocol"
)

var (
	// ErrLinkUnavailable means the controller could not be reached or does
	// not expose the settings and telemetry characteristics.
	ErrLinkUnavailable = errors.New("ble: link unavailable")
	// ErrWriteFailed wraps transient failures writing a command.
	ErrWriteFailed = errors.New("ble: write failed")
	// ErrReadFailed wraps transient failures reading telemetry, including
	// requests that were never answered.
	ErrReadFailed = errors.New("ble: read failed")
)

// LinkOptions configures a Link.
type LinkOptions struct {
	ConnectTimeout  time.Duration // per connection attempt (default 10s)
	ConnectRetries  int           // extra attempts after the first (default 0)
	RetryBackoff    time.Duration // base delay between attempts, doubled each time (default 1s)
	RetryBackoffMax time.Duration // cap for RetryBackoff (default 30s)
	RequestTimeout  time.Duration // wait for an echoed notification (default 2s)
	NotifyBuffer    int           // queued notifications before the oldest is dropped (default 16)

	// Characteristic selection. Empty char UUIDs pick the first
	// characteristic of the service.
	WriteService  string
	WriteChar     string
	NotifyService string
	NotifyChar    string
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ConnectTimeout:  10 * time.Second,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 30 * time.Second,
		RequestTimeout:  2 * time.Second,
		NotifyBuffer:    16,
		WriteService:    SettingsServiceUUID,
		NotifyService:   TelemetryServiceUUID,
	}
}

func (o *LinkOptions) applyDefaults() {
	d := DefaultLinkOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = d.RetryBackoffMax
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = d.NotifyBuffer
	}
	if o.WriteService == "" {
		o.WriteService = d.WriteService
	}
	if o.NotifyService == "" {
		o.NotifyService = d.NotifyService
	}
}

// DeviceInfo holds the Device Information Service revision strings.
// Missing characteristics leave their field empty.
type DeviceInfo struct {
	Firmware string
	Hardware string
	Software string
}

// Link is a command/telemetry channel to one controller. A Link serves a
// single outstanding operation at a time; concurrent callers queue on an
// internal mutex.
type Link struct {
	adapter Adapter
	address string
	opts    LinkOptions

	mu         sync.Mutex
	conn       Connection
	writeChar  Characteristic
	notifyChar Characteristic
	notify     chan []byte

	connected atomic.Bool
	dropped   atomic.Uint64
}

// NewLink creates a link to the controller at address. Nothing is
// connected until Connect.
func NewLink(adapter Adapter, address string, opts LinkOptions) *Link {
	opts.applyDefaults()
	return &Link{
		adapter: adapter,
		address: address,
		opts:    opts,
	}
}

// Address returns the controller address the link was created for.
func (l *Link) Address() string { return l.address }

// Connected reports whether the link is up.
func (l *Link) Connected() bool { return l.connected.Load() }

// Dropped returns how many notifications were discarded because nobody
// consumed them in time.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// backoffDelay returns the delay before retry n, doubling from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Connect enables the adapter, connects to the controller and discovers the
// write and notify characteristics. Any failure is reported as
// ErrLinkUnavailable and leaves the link disconnected.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected.Load() {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrLinkUnavailable, err)
	}

	var lastErr error
	for attempt := 0; attempt <= l.opts.ConnectRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, l.opts.RetryBackoff, l.opts.RetryBackoffMax)
			slog.Info("[BLE] connect backoff", "address", l.address, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrLinkUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = l.connectOnce(ctx)
		if lastErr == nil {
			slog.Info("[BLE] connected", "address", l.address)
			return nil
		}
		slog.Warn("[BLE] connect failed", "address", l.address, "attempt", attempt+1, "error", lastErr)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrLinkUnavailable, lastErr)
}

// connectOnce performs one connection attempt (caller must hold mu).
func (l *Link) connectOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	conn, err := l.adapter.Connect(cctx, l.address)
	if err != nil {
		return err
	}

	writeChar, err := conn.DiscoverCharacteristic(l.opts.WriteService, l.opts.WriteChar)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(l.opts.NotifyService, l.opts.NotifyChar)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("discover telemetry characteristic: %w", err)
	}

	notify := make(chan []byte, l.opts.NotifyBuffer)
	if err := notifyChar.Subscribe(func(data []byte) { l.deliver(notify, data) }); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}

	conn.OnDisconnect(func() {
		if l.connected.Swap(false) {
			slog.Warn("[BLE] controller dropped the connection", "address", l.address)
		}
	})

	l.conn = conn
	l.writeChar = writeChar
	l.notifyChar = notifyChar
	l.notify = notify
	l.connected.Store(true)
	return nil
}

// deliver queues a notification, discarding the oldest one when full.
// It runs on the BLE stack's goroutine and never blocks.
func (l *Link) deliver(ch chan []byte, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	for {
		select {
		case ch <- cp:
			return
		default:
		}
		select {
		case <-ch:
			l.dropped.Add(1)
			slog.Debug("[BLE] notification queue full, dropping oldest", "address", l.address)
		default:
		}
	}
}

// Write encodes cmd and writes it to the settings characteristic.
func (l *Link) Write(ctx context.Context, cmd protocol.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(ctx, cmd)
}

func (l *Link) writeLocked(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if !l.connected.Load() {
		return fmt.Errorf("%w: not connected", ErrWriteFailed)
	}
	frame := protocol.Encode(cmd)
	if err := l.writeChar.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	slog.Debug("[BLE] wrote command", "address", l.address, "frame", fmt.Sprintf("% x", frame))
	return nil
}

// Request writes cmd and waits for the first notification whose opcode
// echoes it. Notifications for other opcodes are discarded. If nothing
// arrives within RequestTimeout the request fails with ErrReadFailed.
func (l *Link) Request(ctx context.Context, cmd protocol.Command) (protocol.Telemetry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected.Load() {
		return nil, fmt.Errorf("%w: not connected", ErrWriteFailed)
	}

	// Anything still queued predates this request.
	l.drain()

	if err := l.writeLocked(ctx, cmd); err != nil {
		return nil, err
	}

	want := protocol.OpcodeOf(cmd)
	timer := time.NewTimer(l.opts.RequestTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("%w: no %v response within %v", ErrReadFailed, want, l.opts.RequestTimeout)
		case data := <-l.notify:
			t := protocol.Decode(data)
			if t.Opcode() != want {
				slog.Debug("[BLE] ignoring unrelated notification", "address", l.address, "opcode", t.Opcode(), "want", want)
				continue
			}
			return t, nil
		}
	}
}

// drain discards queued notifications (caller must hold mu).
func (l *Link) drain() {
	for {
		select {
		case <-l.notify:
		default:
			return
		}
	}
}

// ReadSnapshot reads the telemetry characteristic directly.
func (l *Link) ReadSnapshot(ctx context.Context) (protocol.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if !l.connected.Load() {
		return protocol.Snapshot{}, fmt.Errorf("%w: not connected", ErrReadFailed)
	}
	data, err := l.notifyChar.Read()
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	snap, ok := protocol.DecodeSnapshot(data)
	if !ok {
		return protocol.Snapshot{}, fmt.Errorf("%w: short telemetry value (%d bytes)", ErrReadFailed, len(data))
	}
	return snap, nil
}

// DeviceInfo reads the Device Information Service revisions. Missing
// characteristics are skipped; the call only fails if the link is down.
func (l *Link) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if !l.connected.Load() {
		return DeviceInfo{}, fmt.Errorf("%w: not connected", ErrReadFailed)
	}

	var info DeviceInfo
	fields := []struct {
		uuid string
		dst  *string
	}{
		{FirmwareRevisionUUID, &info.Firmware},
		{HardwareRevisionUUID, &info.Hardware},
		{SoftwareRevisionUUID, &info.Software},
	}
	for _, f := range fields {
		char, err := l.conn.DiscoverCharacteristic(DeviceInfoServiceUUID, f.uuid)
		if err != nil {
			slog.Debug("[BLE] device info characteristic missing", "address", l.address, "uuid", f.uuid, "error", err)
			continue
		}
		data, err := char.Read()
		if err != nil {
			slog.Debug("[BLE] device info read failed", "address", l.address, "uuid", f.uuid, "error", err)
			continue
		}
		*f.dst = string(data)
	}
	return info, nil
}

// Disconnect tears down the connection. Calling it on a closed link is a no-op.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn := l.conn
	l.conn = nil
	l.writeChar = nil
	l.notifyChar = nil
	wasUp := l.connected.Swap(false)
	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.address, err)
	}
	if wasUp {
		slog.Info("[BLE] disconnected", "address", l.address)
	}
	return nil
}
