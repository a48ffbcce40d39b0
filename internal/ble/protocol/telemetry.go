package protocol

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Telemetry is a decoded inbound frame. Values are only produced by Decode.
type Telemetry interface {
	// Opcode is the echoed opcode the frame was dispatched on.
	Opcode() Opcode
	telemetry()
}

type BatteryLevel struct {
	Percent uint8
}

type Speed struct {
	Kmh uint8
}

type Voltage struct {
	Volts float32
}

type FirmwareVersion struct {
	Version string
}

// Diagnostics is the combined status frame answered to ReadDiagnostics.
type Diagnostics struct {
	Battery      uint8
	SpeedKmh     uint8
	TemperatureC uint8
	ErrorCode    uint8
	CellVoltage  float32
	CurrentA     float32
	PowerW       int
}

// Unknown carries a frame with an opcode this package does not know.
type Unknown struct {
	Raw []byte
}

// DecodeError reports a frame that was recognised but could not be decoded.
// It is a value, not an error: one bad frame must not end a session.
type DecodeError struct {
	Op     Opcode
	Reason string
}

func (BatteryLevel) Opcode() Opcode    { return OpReadBattery }
func (Speed) Opcode() Opcode           { return OpReadSpeed }
func (Voltage) Opcode() Opcode         { return OpReadVoltage }
func (FirmwareVersion) Opcode() Opcode { return OpReadFirmwareVersion }
func (Diagnostics) Opcode() Opcode     { return OpReadDiagnostics }
func (d DecodeError) Opcode() Opcode   { return d.Op }

func (u Unknown) Opcode() Opcode {
	if len(u.Raw) == 0 {
		return 0
	}
	return Opcode(u.Raw[0])
}

func (BatteryLevel) telemetry()    {}
func (Speed) telemetry()           {}
func (Voltage) telemetry()         {}
func (FirmwareVersion) telemetry() {}
func (Diagnostics) telemetry()     {}
func (Unknown) telemetry()         {}
func (DecodeError) telemetry()     {}

const (
	reasonEmpty             = "empty response"
	reasonInvalidVoltage    = "invalid voltage data"
	reasonInvalidDiagnostic = "invalid diagnostics data"
)

// Decode dispatches on the first byte of data. It never fails: short or
// unrecognised frames come back as DecodeError or Unknown.
func Decode(data []byte) Telemetry {
	if len(data) == 0 {
		return DecodeError{Reason: reasonEmpty}
	}

	op := Opcode(data[0])
	switch op {
	case OpReadBattery:
		return BatteryLevel{Percent: byteAt(data, 1)}
	case OpReadSpeed:
		return Speed{Kmh: byteAt(data, 1)}
	case OpReadVoltage:
		if len(data) < 3 {
			return DecodeError{Op: op, Reason: reasonInvalidVoltage}
		}
		// Signed on purpose: the controller firmware sends an int16.
		raw := int16(binary.LittleEndian.Uint16(data[1:3]))
		return Voltage{Volts: float32(raw) / 10}
	case OpReadDiagnostics:
		if len(data) < 8 {
			return DecodeError{Op: op, Reason: reasonInvalidDiagnostic}
		}
		return Diagnostics{
			Battery:      data[1],
			SpeedKmh:     data[2],
			TemperatureC: data[3],
			ErrorCode:    data[4],
			CellVoltage:  float32(data[5]) / 10,
			CurrentA:     float32(data[6]) / 10,
			PowerW:       int(data[7]) * 10,
		}
	case OpReadFirmwareVersion:
		parts := make([]string, 0, len(data)-1)
		for _, b := range data[1:] {
			parts = append(parts, strconv.Itoa(int(b)))
		}
		return FirmwareVersion{Version: strings.Join(parts, ".")}
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Raw: raw}
	}
}

func byteAt(data []byte, i int) uint8 {
	if i >= len(data) {
		return 0
	}
	return data[i]
}
