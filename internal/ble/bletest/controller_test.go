package bletest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/protocol"
)

func newLink(t *testing.T, c *Controller) *ble.Link {
	t.Helper()
	opts := ble.DefaultLinkOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	link := ble.NewLink(NewAdapter(c), c.Address, opts)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = link.Disconnect() })
	return link
}

func TestControllerCapsSpeed(t *testing.T) {
	c := &Controller{Address: "sim-1", LimitKmh: 45, Battery: 80}
	link := newLink(t, c)
	ctx := context.Background()

	for _, tt := range []struct{ target, want int }{{40, 40}, {50, 45}} {
		if err := link.Write(ctx, protocol.SetMaxSpeed{Kmh: tt.target}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, err := link.Request(ctx, protocol.ReadSpeed{})
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		if s := got.(protocol.Speed); int(s.Kmh) != tt.want {
			t.Errorf("target %d: speed = %d, want %d", tt.target, s.Kmh, tt.want)
		}
	}
	if got := c.SpeedCommands(); len(got) != 2 || got[0] != 40 || got[1] != 50 {
		t.Errorf("SpeedCommands() = %v", got)
	}
}

func TestControllerDiagnosticsAndSnapshot(t *testing.T) {
	c := &Controller{
		Address:     "sim-1",
		Battery:     77,
		MotorTemp:   func(kmh int) int { return kmh + 20 },
		BatteryTemp: func(kmh int) int { return kmh - 10 },
	}
	link := newLink(t, c)
	ctx := context.Background()

	if err := link.Write(ctx, protocol.SetSpeedLimit{Kmh: 50}); err != nil {
		t.Fatal(err)
	}
	got, err := link.Request(ctx, protocol.ReadDiagnostics{})
	if err != nil {
		t.Fatal(err)
	}
	d := got.(protocol.Diagnostics)
	if d.SpeedKmh != 50 || d.TemperatureC != 70 || d.Battery != 77 {
		t.Errorf("Diagnostics = %+v", d)
	}

	snap, err := link.ReadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.MotorTempC != 70 || snap.BatteryTempC != 40 || snap.SpeedKmh != 50 {
		t.Errorf("Snapshot = %+v", snap)
	}
}

func TestControllerFailureInjection(t *testing.T) {
	c := &Controller{
		Address:     "sim-1",
		FailWriteAt: map[int]bool{55: true},
		MuteAt:      map[int]bool{40: true},
	}
	link := newLink(t, c)
	ctx := context.Background()

	if err := link.Write(ctx, protocol.SetMaxSpeed{Kmh: 55}); !errors.Is(err, ble.ErrWriteFailed) {
		t.Errorf("Write(55) error = %v, want ErrWriteFailed", err)
	}
	if err := link.Write(ctx, protocol.SetMaxSpeed{Kmh: 40}); err != nil {
		t.Fatal(err)
	}
	if _, err := link.Request(ctx, protocol.ReadSpeed{}); !errors.Is(err, ble.ErrReadFailed) {
		t.Errorf("Request() error = %v, want ErrReadFailed", err)
	}
}

func TestAdapterScanAndConnect(t *testing.T) {
	a := NewAdapter(&Controller{Name: "A", Address: "a", Battery: 60}, &Controller{Name: "B", Address: "b", FailConnect: true})

	found, err := ble.ScanForControllers(context.Background(), a, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].Name != "A" || found[0].BatteryPercent != 60 {
		t.Errorf("ScanForControllers() = %+v", found)
	}

	if _, err := a.Connect(context.Background(), "b"); !errors.Is(err, ErrInjected) {
		t.Errorf("Connect(b) error = %v, want ErrInjected", err)
	}
	if _, err := a.Connect(context.Background(), "zz"); err == nil {
		t.Error("Connect(zz) error = nil")
	}
}

func TestDeviceInfo(t *testing.T) {
	c := &Controller{Address: "sim-1", Firmware: "V2.1"}
	link := newLink(t, c)
	info, err := link.DeviceInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Firmware != "V2.1" || info.Hardware != "" {
		t.Errorf("DeviceInfo() = %+v", info)
	}
}
