// Package calibration runs temperature-guarded speed calibration tests
// against motor controllers and compares their results.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/protocol"
)

var (
	// ErrIncompleteSetup means not every session connected, so no step ran.
	ErrIncompleteSetup = errors.New("calibration: incomplete setup")
	// ErrThermalAbort is recorded as the abort reason of a session stopped
	// by the thermal policy.
	ErrThermalAbort = errors.New("calibration: thermal abort")
	// ErrTooManyFailures is recorded when a session's link keeps failing.
	ErrTooManyFailures = errors.New("calibration: too many consecutive link failures")
)

// DefaultToleranceKmh is how far below target a step may land and still pass.
const DefaultToleranceKmh = 2

// StepResult is one probe of one controller at one target speed.
type StepResult struct {
	Controller   string    `json:"controller"`
	TargetKmh    int       `json:"target_kmh"`
	ActualKmh    int       `json:"actual_kmh"`
	MotorTempC   int       `json:"motor_temp_c"`
	BatteryTempC int       `json:"battery_temp_c"`
	Succeeded    bool      `json:"succeeded"`
	Note         string    `json:"note"`
	At           time.Time `json:"at"`
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// ToleranceKmh defaults to DefaultToleranceKmh. Negative values are
	// treated as zero.
	ToleranceKmh int
	// UseSpeedLimit sends SetSpeedLimit on the settings service instead of
	// SetMaxSpeed.
	UseSpeedLimit bool
	Observer      StateObserver
	Now           func() time.Time
}

// Session is one calibration run bound to one controller. It owns its link.
type Session struct {
	label string
	link  *ble.Link
	opts  SessionOptions
	sm    *stateMachine

	mu          sync.Mutex
	log         []StepResult
	abortReason error
	firmware    string
	failures    int // consecutive link failures
}

// NewSession creates an idle session for the controller behind link.
func NewSession(label string, link *ble.Link, opts SessionOptions) *Session {
	if opts.ToleranceKmh == 0 {
		opts.ToleranceKmh = DefaultToleranceKmh
	} else if opts.ToleranceKmh < 0 {
		opts.ToleranceKmh = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		label: label,
		link:  link,
		opts:  opts,
		sm:    newStateMachine(label, opts.Observer),
	}
}

func (s *Session) Label() string   { return s.label }
func (s *Session) Address() string { return s.link.Address() }
func (s *Session) State() string   { return s.sm.Current() }

// Results returns a copy of the step log in execution order.
func (s *Session) Results() []StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepResult(nil), s.log...)
}

// AbortReason returns why the session was aborted, or nil.
func (s *Session) AbortReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// Firmware returns the firmware revision read at connect time, if any.
func (s *Session) Firmware() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware
}

// MaxAchievedKmh is the highest actual speed among succeeded steps.
func (s *Session) MaxAchievedKmh() int {
	return maxAchieved(s.Results())
}

func maxAchieved(results []StepResult) int {
	best := 0
	for _, r := range results {
		if r.Succeeded && r.ActualKmh > best {
			best = r.ActualKmh
		}
	}
	return best
}

// Connect brings up the link and moves idle to connected. On failure the
// session stays idle and the error wraps ble.ErrLinkUnavailable.
func (s *Session) Connect(ctx context.Context) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("calibration: %s: connect in state %s", s.label, st)
	}
	if err := s.link.Connect(ctx); err != nil {
		slog.Error("[CAL] connect failed", "controller", s.label, "address", s.link.Address(), "error", err)
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}

	if info, err := s.link.DeviceInfo(ctx); err == nil && info.Firmware != "" {
		s.mu.Lock()
		s.firmware = info.Firmware
		s.mu.Unlock()
	}

	if err := s.sm.fire(EventConnect); err != nil {
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}
	slog.Info("[CAL] controller connected", "controller", s.label, "firmware", s.Firmware())
	return nil
}

// RunSpeedStep writes the speed command for kmh. A write failure records
// nothing and wraps ble.ErrWriteFailed.
func (s *Session) RunSpeedStep(ctx context.Context, kmh int) error {
	switch st := s.State(); st {
	case StateConnected:
		if err := s.sm.fire(EventStart); err != nil {
			return fmt.Errorf("calibration: %s: %w", s.label, err)
		}
	case StateTesting:
	default:
		return fmt.Errorf("calibration: %s: speed step in state %s", s.label, st)
	}

	var cmd protocol.Command = protocol.SetMaxSpeed{Kmh: kmh}
	if s.opts.UseSpeedLimit {
		cmd = protocol.SetSpeedLimit{Kmh: kmh}
	}

	slog.Info("[CAL] sending speed command", "controller", s.label, "target_kmh", kmh)
	if err := s.link.Write(ctx, cmd); err != nil {
		s.noteFailure()
		slog.Error("[CAL] failed to write speed command", "controller", s.label, "target_kmh", kmh, "error", err)
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}
	return nil
}

// Measure reads speed and temperatures after a speed step for kmh, records
// the step and returns it. A read failure still records a failed step; the
// error is returned alongside it.
func (s *Session) Measure(ctx context.Context, kmh int) (StepResult, error) {
	res := StepResult{Controller: s.label, TargetKmh: kmh}

	actual, motor, haveMotor, readErr := s.readSpeed(ctx)

	// The direct telemetry read carries battery temperature, and motor
	// temperature when diagnostics did not.
	if snap, err := s.link.ReadSnapshot(ctx); err == nil {
		res.BatteryTempC = snap.BatteryTempC
		if !haveMotor {
			motor = snap.MotorTempC
		}
	} else {
		slog.Debug("[CAL] telemetry snapshot unavailable", "controller", s.label, "error", err)
	}
	res.MotorTempC = motor

	if readErr != nil {
		res.Note = "telemetry read failed: " + readErr.Error()
		s.noteFailure()
	} else {
		res.ActualKmh = actual
		res.Succeeded = actual >= kmh-s.opts.ToleranceKmh
		if res.Succeeded {
			res.Note = "speed reached"
		} else {
			res.Note = fmt.Sprintf("firmware locked (stuck at %d km/h)", actual)
		}
		s.resetFailures()
	}
	res.At = s.opts.Now()

	s.mu.Lock()
	s.log = append(s.log, res)
	s.mu.Unlock()

	slog.Info("[CAL] step result",
		"controller", s.label,
		"target_kmh", res.TargetKmh,
		"actual_kmh", res.ActualKmh,
		"motor_c", res.MotorTempC,
		"battery_c", res.BatteryTempC,
		"succeeded", res.Succeeded,
		"note", res.Note)

	if readErr != nil {
		return res, fmt.Errorf("calibration: %s: %w", s.label, readErr)
	}
	return res, nil
}

// readSpeed asks for diagnostics and falls back to a plain speed read when
// the diagnostics frame does not decode.
func (s *Session) readSpeed(ctx context.Context) (kmh, motorC int, haveMotor bool, err error) {
	t, err := s.link.Request(ctx, protocol.ReadDiagnostics{})
	if err != nil {
		return 0, 0, false, err
	}
	if d, ok := t.(protocol.Diagnostics); ok {
		return int(d.SpeedKmh), int(d.TemperatureC), true, nil
	}
	slog.Warn("[CAL] diagnostics unusable, falling back to speed read", "controller", s.label, "frame", fmt.Sprintf("%+v", t))

	t, err = s.link.Request(ctx, protocol.ReadSpeed{})
	if err != nil {
		return 0, 0, false, err
	}
	sp, ok := t.(protocol.Speed)
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: unexpected speed frame %+v", ble.ErrReadFailed, t)
	}
	return int(sp.Kmh), 0, false, nil
}

// CoolDown pauses the session for d in the cooling state, then resumes
// testing. If sleep is interrupted the session is aborted with its error.
func (s *Session) CoolDown(ctx context.Context, d time.Duration, sleep func(context.Context, time.Duration) error) error {
	if err := s.sm.fire(EventCool); err != nil {
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}
	slog.Warn("[CAL] cooling down", "controller", s.label, "duration", d)
	if err := sleep(ctx, d); err != nil {
		s.Abort(err)
		return fmt.Errorf("calibration: %s: cool-down interrupted: %w", s.label, err)
	}
	if err := s.sm.fire(EventResume); err != nil {
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}
	return nil
}

// Abort moves a non-terminal session to aborted and records reason. It is a
// no-op for idle or terminal sessions.
func (s *Session) Abort(reason error) {
	if !s.sm.Can(EventAbort) {
		return
	}
	s.mu.Lock()
	if s.abortReason == nil {
		s.abortReason = reason
	}
	s.mu.Unlock()
	if err := s.sm.fire(EventAbort); err != nil {
		slog.Error("[CAL] abort transition failed", "controller", s.label, "error", err)
		return
	}
	slog.Warn("[CAL] session aborted", "controller", s.label, "reason", reason)
}

// Complete moves a connected or testing session to completed.
func (s *Session) Complete() error {
	if err := s.sm.fire(EventComplete); err != nil {
		return fmt.Errorf("calibration: %s: %w", s.label, err)
	}
	return nil
}

// Disconnect releases the link. Safe to call more than once.
func (s *Session) Disconnect() error {
	return s.link.Disconnect()
}

func (s *Session) noteFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *Session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// ConsecutiveFailures counts link failures since the last good measurement.
func (s *Session) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
