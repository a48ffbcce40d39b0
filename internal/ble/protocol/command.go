// Package protocol implements the byte-level frame codec spoken by scooter
// motor controllers over their settings and telemetry GATT characteristics.
//
// Outbound frames are a single opcode byte followed by zero to two payload
// bytes. Inbound frames echo the opcode of the request they answer.
package protocol

import "fmt"

// Opcode is the first byte of every frame.
type Opcode byte

const (
	OpLock            Opcode = 0x01 // also used for unlock, payload selects
	OpSetMaxSpeed     Opcode = 0x02
	OpSetPowerMode    Opcode = 0x03
	OpSetAcceleration Opcode = 0x04
	OpSetCruise       Opcode = 0x05

	OpReadBattery         Opcode = 0x10
	OpReadSpeed           Opcode = 0x11
	OpReadVoltage         Opcode = 0x12
	OpReadDiagnostics     Opcode = 0x13
	OpReadFirmwareVersion Opcode = 0x20

	// Settings service frames.
	OpSetZeroStart  Opcode = 0xA1
	OpSetSpeedLimit Opcode = 0xA2
	OpSetSportPlus  Opcode = 0xA3
	OpSetTurbo      Opcode = 0xA4
)

func (o Opcode) String() string {
	return fmt.Sprintf("0x%02x", byte(o))
}

// PowerMode selects the controller's power curve.
type PowerMode uint8

const (
	PowerModeEco    PowerMode = 0x00
	PowerModeNormal PowerMode = 0x01
	PowerModeSport  PowerMode = 0x02
)

// Command is an outbound frame. The set of implementations is closed.
type Command interface {
	command()
}

type (
	Lock   struct{}
	Unlock struct{}

	// SetMaxSpeed asks the controller to raise or lower its speed cap.
	// Kmh is truncated to one byte on the wire.
	SetMaxSpeed struct{ Kmh int }

	SetPowerMode     struct{ Mode PowerMode }
	SetAcceleration  struct{ Level int }
	SetCruiseControl struct{ Enabled bool }

	ReadBattery         struct{}
	ReadSpeed           struct{}
	ReadVoltage         struct{}
	ReadDiagnostics     struct{}
	ReadFirmwareVersion struct{}

	// SetZeroStart toggles kick-less starting up to MaxKmh.
	SetZeroStart struct {
		Enabled bool
		MaxKmh  int
	}
	// SetSpeedLimit is the settings-service variant of SetMaxSpeed.
	SetSpeedLimit struct{ Kmh int }
	SetSportPlus  struct{ Enabled bool }
	SetTurbo      struct{ Enabled bool }
)

func (Lock) command()                {}
func (Unlock) command()              {}
func (SetMaxSpeed) command()         {}
func (SetPowerMode) command()        {}
func (SetAcceleration) command()     {}
func (SetCruiseControl) command()    {}
func (ReadBattery) command()         {}
func (ReadSpeed) command()           {}
func (ReadVoltage) command()         {}
func (ReadDiagnostics) command()     {}
func (ReadFirmwareVersion) command() {}
func (SetZeroStart) command()        {}
func (SetSpeedLimit) command()       {}
func (SetSportPlus) command()        {}
func (SetTurbo) command()            {}

// Encode returns the wire bytes for c. Integer arguments are truncated to a
// single byte; range checks belong to the caller.
func Encode(c Command) []byte {
	switch c := c.(type) {
	case Lock:
		return []byte{byte(OpLock), 0x01}
	case Unlock:
		return []byte{byte(OpLock), 0x00}
	case SetMaxSpeed:
		return []byte{byte(OpSetMaxSpeed), byte(c.Kmh)}
	case SetPowerMode:
		return []byte{byte(OpSetPowerMode), byte(c.Mode)}
	case SetAcceleration:
		return []byte{byte(OpSetAcceleration), byte(c.Level)}
	case SetCruiseControl:
		return []byte{byte(OpSetCruise), boolByte(c.Enabled)}
	case ReadBattery:
		return []byte{byte(OpReadBattery)}
	case ReadSpeed:
		return []byte{byte(OpReadSpeed)}
	case ReadVoltage:
		return []byte{byte(OpReadVoltage)}
	case ReadDiagnostics:
		return []byte{byte(OpReadDiagnostics)}
	case ReadFirmwareVersion:
		return []byte{byte(OpReadFirmwareVersion)}
	case SetZeroStart:
		return []byte{byte(OpSetZeroStart), boolByte(c.Enabled), byte(c.MaxKmh)}
	case SetSpeedLimit:
		return []byte{byte(OpSetSpeedLimit), byte(c.Kmh), 0x00}
	case SetSportPlus:
		return []byte{byte(OpSetSportPlus), boolByte(c.Enabled)}
	case SetTurbo:
		return []byte{byte(OpSetTurbo), boolByte(c.Enabled)}
	default:
		// Unreachable: Command cannot be implemented outside this package.
		panic(fmt.Sprintf("protocol: unhandled command %T", c))
	}
}

// OpcodeOf returns the opcode c is sent with.
func OpcodeOf(c Command) Opcode {
	return Opcode(Encode(c)[0])
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}
