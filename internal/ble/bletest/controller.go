// Package bletest provides an in-memory controller firmware that speaks the
// scooter protocol, for tests and dry runs without a radio.
package bletest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/protocol"
)

// ErrInjected is returned by writes and reads the test asked to fail.
var ErrInjected = errors.New("bletest: injected failure")

// Controller simulates one motor controller. Configure the exported fields
// before connecting; they are not safe to change while a link is active.
type Controller struct {
	Name    string
	Address string

	// LimitKmh is the firmware speed cap. Zero means uncapped.
	LimitKmh int
	Battery  int
	Firmware string
	// VersionBytes answer ReadFirmwareVersion.
	VersionBytes []byte

	// MotorTemp and BatteryTemp return temperatures after a speed command
	// for kmh. Nil means a constant 40°C and 30°C.
	MotorTemp   func(kmh int) int
	BatteryTemp func(kmh int) int

	// Failure injection, keyed by the last commanded speed.
	FailWriteAt     map[int]bool // speed commands for these targets fail
	MuteAt          map[int]bool // read commands go unanswered
	ShortDiagAt     map[int]bool // diagnostics answered with a truncated frame
	FailSnapshotAt  map[int]bool // direct telemetry reads fail
	FailDeviceInfo  bool
	HideTelemetry   bool // telemetry service absent
	FailConnect     bool
	DisconnectError error

	mu          sync.Mutex
	target      int
	speed       int
	writes      [][]byte
	notify      func([]byte)
	connects    int
	disconnects int
}

func (c *Controller) motorTemp(kmh int) int {
	if c.MotorTemp == nil {
		return 40
	}
	return c.MotorTemp(kmh)
}

func (c *Controller) batteryTemp(kmh int) int {
	if c.BatteryTemp == nil {
		return 30
	}
	return c.BatteryTemp(kmh)
}

// Writes returns every frame written to the settings characteristic.
func (c *Controller) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// SpeedCommands returns the targets of every speed command received.
func (c *Controller) SpeedCommands() []int {
	var out []int
	for _, w := range c.Writes() {
		switch protocol.Opcode(w[0]) {
		case protocol.OpSetMaxSpeed, protocol.OpSetSpeedLimit:
			if len(w) > 1 {
				out = append(out, int(w[1]))
			}
		}
	}
	return out
}

// Connects and Disconnects count link lifecycle calls.
func (c *Controller) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Controller) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// handleWrite applies a frame and returns the notification it triggers.
func (c *Controller) handleWrite(frame []byte) ([]byte, func([]byte), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(frame) == 0 {
		return nil, nil, fmt.Errorf("bletest: empty frame")
	}
	op := protocol.Opcode(frame[0])
	if (op == protocol.OpSetMaxSpeed || op == protocol.OpSetSpeedLimit) && len(frame) > 1 {
		if c.FailWriteAt[int(frame[1])] {
			return nil, nil, ErrInjected
		}
	}
	c.writes = append(c.writes, append([]byte(nil), frame...))

	switch op {
	case protocol.OpSetMaxSpeed, protocol.OpSetSpeedLimit:
		if len(frame) > 1 {
			c.target = int(frame[1])
			c.speed = c.target
			if c.LimitKmh > 0 && c.speed > c.LimitKmh {
				c.speed = c.LimitKmh
			}
		}
		return nil, nil, nil
	case protocol.OpReadBattery, protocol.OpReadSpeed, protocol.OpReadVoltage,
		protocol.OpReadDiagnostics, protocol.OpReadFirmwareVersion:
	default:
		return nil, nil, nil
	}

	if c.MuteAt[c.target] {
		return nil, nil, nil
	}

	var resp []byte
	switch op {
	case protocol.OpReadBattery:
		resp = []byte{byte(op), byte(c.Battery)}
	case protocol.OpReadSpeed:
		resp = []byte{byte(op), byte(c.speed)}
	case protocol.OpReadVoltage:
		resp = make([]byte, 3)
		resp[0] = byte(op)
		binary.LittleEndian.PutUint16(resp[1:], 360)
	case protocol.OpReadDiagnostics:
		if c.ShortDiagAt[c.target] {
			resp = []byte{byte(op), byte(c.Battery)}
		} else {
			resp = []byte{byte(op), byte(c.Battery), byte(c.speed), byte(c.motorTemp(c.target)), 0, 37, 15, 48}
		}
	case protocol.OpReadFirmwareVersion:
		resp = append([]byte{byte(op)}, c.VersionBytes...)
	}
	return resp, c.notify, nil
}

func (c *Controller) snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSnapshotAt[c.target] {
		return nil, ErrInjected
	}
	return []byte{byte(c.motorTemp(c.target)), byte(c.batteryTemp(c.target)), byte(c.speed), 0}, nil
}

// Adapter serves a fixed set of simulated controllers.
type Adapter struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	order       []*Controller
}

// NewAdapter returns an adapter that finds and connects to controllers by
// Address.
func NewAdapter(controllers ...*Controller) *Adapter {
	a := &Adapter{controllers: make(map[string]*Controller)}
	for _, c := range controllers {
		a.controllers[c.Address] = c
		a.order = append(a.order, c)
	}
	return a
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(ctx context.Context, _ string) ([]ble.Device, error) {
	var out []ble.Device
	for i, c := range a.order {
		out = append(out, ble.Device{
			Name:             c.Name,
			Address:          c.Address,
			RSSI:             -40 - 5*i,
			ManufacturerData: map[uint16][]byte{ble.ManufacturerID: {0x00, 0x00, byte(c.Battery), 0x00}},
		})
	}
	return out, ctx.Err()
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	c, ok := a.controllers[address]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bletest: no controller at %s", address)
	}
	if c.FailConnect {
		return nil, fmt.Errorf("bletest: %s: %w", address, ErrInjected)
	}
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	return &connection{ctrl: c}, nil
}

var _ ble.Adapter = (*Adapter)(nil)

type connection struct {
	ctrl *Controller
}

func (c *connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	switch serviceUUID {
	case ble.SettingsServiceUUID:
		return &settingsChar{ctrl: c.ctrl}, nil
	case ble.TelemetryServiceUUID:
		if c.ctrl.HideTelemetry {
			break
		}
		return &telemetryChar{ctrl: c.ctrl}, nil
	case ble.DeviceInfoServiceUUID:
		if charUUID == ble.FirmwareRevisionUUID && !c.ctrl.FailDeviceInfo {
			return &staticChar{value: []byte(c.ctrl.Firmware)}, nil
		}
	}
	return nil, fmt.Errorf("bletest: characteristic %q not found in %s", charUUID, serviceUUID)
}

func (c *connection) Disconnect() error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	c.ctrl.disconnects++
	c.ctrl.notify = nil
	return c.ctrl.DisconnectError
}

func (c *connection) OnDisconnect(func()) {}

type settingsChar struct{ ctrl *Controller }

func (s *settingsChar) Write(data []byte) error {
	resp, notify, err := s.ctrl.handleWrite(data)
	if err != nil {
		return err
	}
	if resp != nil && notify != nil {
		notify(resp)
	}
	return nil
}

func (s *settingsChar) Read() ([]byte, error)         { return nil, fmt.Errorf("bletest: settings not readable") }
func (s *settingsChar) Subscribe(func([]byte)) error { return fmt.Errorf("bletest: settings not notifiable") }

type telemetryChar struct{ ctrl *Controller }

func (t *telemetryChar) Write([]byte) error    { return fmt.Errorf("bletest: telemetry not writable") }
func (t *telemetryChar) Read() ([]byte, error) { return t.ctrl.snapshot() }

func (t *telemetryChar) Subscribe(cb func([]byte)) error {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	t.ctrl.notify = cb
	return nil
}

type staticChar struct{ value []byte }

func (s *staticChar) Write([]byte) error            { return fmt.Errorf("bletest: read-only") }
func (s *staticChar) Read() ([]byte, error)         { return s.value, nil }
func (s *staticChar) Subscribe(func([]byte)) error { return fmt.Errorf("bletest: not notifiable") }
