package protocol

// Snapshot is the raw value of the telemetry characteristic when it is read
// directly instead of answering a command:
//
//	byte 0: motor temperature (°C)
//	byte 1: battery temperature (°C)
//	byte 2: speed (km/h), only meaningful when the value is at least 4 bytes
type Snapshot struct {
	MotorTempC   int
	BatteryTempC int
	SpeedKmh     int
	HasSpeed     bool
}

// DecodeSnapshot decodes a direct read of the telemetry characteristic.
// It reports false when the value is too short to carry temperatures.
func DecodeSnapshot(data []byte) (Snapshot, bool) {
	if len(data) < 2 {
		return Snapshot{}, false
	}
	s := Snapshot{
		MotorTempC:   int(data[0]),
		BatteryTempC: int(data[1]),
	}
	if len(data) >= 4 {
		s.SpeedKmh = int(data[2])
		s.HasSpeed = true
	}
	return s, true
}
