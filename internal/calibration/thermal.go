package calibration

import "fmt"

// Verdict is the thermal policy's decision after a step.
type Verdict int

const (
	Proceed Verdict = iota
	CoolDown
	Abort
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case CoolDown:
		return "cool_down"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ThermalPolicy holds the temperature thresholds in °C. A reading at or
// above a threshold triggers it.
type ThermalPolicy struct {
	MotorWarningC    int
	MotorCriticalC   int
	BatteryWarningC  int
	BatteryCriticalC int
}

// DefaultThermalPolicy returns the stock controller limits.
func DefaultThermalPolicy() ThermalPolicy {
	return ThermalPolicy{
		MotorWarningC:    70,
		MotorCriticalC:   80,
		BatteryWarningC:  50,
		BatteryCriticalC: 60,
	}
}

// Evaluate classifies a step result. Critical beats warning.
func (p ThermalPolicy) Evaluate(r StepResult) Verdict {
	switch {
	case r.MotorTempC >= p.MotorCriticalC, r.BatteryTempC >= p.BatteryCriticalC:
		return Abort
	case r.MotorTempC >= p.MotorWarningC, r.BatteryTempC >= p.BatteryWarningC:
		return CoolDown
	default:
		return Proceed
	}
}

// Validate checks that every warning sits below its critical threshold.
func (p ThermalPolicy) Validate() error {
	if p.MotorWarningC <= 0 || p.MotorCriticalC <= p.MotorWarningC {
		return fmt.Errorf("motor thresholds must satisfy 0 < warning < critical, got %d/%d", p.MotorWarningC, p.MotorCriticalC)
	}
	if p.BatteryWarningC <= 0 || p.BatteryCriticalC <= p.BatteryWarningC {
		return fmt.Errorf("battery thresholds must satisfy 0 < warning < critical, got %d/%d", p.BatteryWarningC, p.BatteryCriticalC)
	}
	return nil
}
