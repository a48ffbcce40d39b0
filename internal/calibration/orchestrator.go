package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/scootcal/internal/metrics"
)

// DefaultSpeeds is the stock calibration plan in km/h.
var DefaultSpeeds = []int{40, 45, 50, 55, 60}

// ErrInvalidSpeedPlan is returned for plans that are not strictly ascending
// speeds between 1 and 255 km/h.
var ErrInvalidSpeedPlan = errors.New("calibration: invalid speed plan")

// ValidateSpeeds checks that speeds ascend strictly and each fits the
// command byte. An empty plan is valid.
func ValidateSpeeds(speeds []int) error {
	for i, kmh := range speeds {
		if kmh <= 0 || kmh > 255 {
			return fmt.Errorf("%w: %d km/h is out of range 1-255", ErrInvalidSpeedPlan, kmh)
		}
		if i > 0 && kmh <= speeds[i-1] {
			return fmt.Errorf("%w: %d km/h does not follow %d km/h", ErrInvalidSpeedPlan, kmh, speeds[i-1])
		}
	}
	return nil
}

// DefaultLockThresholdKmh is the max speed below which firmware counts as locked.
const DefaultLockThresholdKmh = 45

// Run results reported to metrics.
const (
	runCompleted       = "completed"
	runIncompleteSetup = "incomplete_setup"
	runCancelled       = "cancelled"
)

// Options configures an Orchestrator. A zero duration means no pause;
// start from DefaultOptions for the stock timings.
type Options struct {
	InterConnectDelay time.Duration
	ReadyDelay        time.Duration
	Settle            time.Duration
	Cooldown          time.Duration
	InterStepDelay    time.Duration

	Policy           ThermalPolicy
	LockThresholdKmh int
	// MaxConsecutiveFailures aborts a session after that many link failures
	// in a row. Zero disables the check.
	MaxConsecutiveFailures int

	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions returns the stock test timings and thresholds.
func DefaultOptions() Options {
	return Options{
		InterConnectDelay: time.Second,
		ReadyDelay:        2 * time.Second,
		Settle:            3 * time.Second,
		Cooldown:          30 * time.Second,
		InterStepDelay:    5 * time.Second,
		Policy:            DefaultThermalPolicy(),
		LockThresholdKmh:  DefaultLockThresholdKmh,
		Sleep:             sleepContext,
		Now:               time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Orchestrator runs sessions side by side through a speed plan.
type Orchestrator struct {
	opts    Options
	metrics *metrics.Metrics
}

// NewOrchestrator fills unset options from DefaultOptions. m may be nil.
func NewOrchestrator(opts Options, m *metrics.Metrics) *Orchestrator {
	d := DefaultOptions()
	if opts.Policy == (ThermalPolicy{}) {
		opts.Policy = d.Policy
	}
	if opts.LockThresholdKmh <= 0 {
		opts.LockThresholdKmh = d.LockThresholdKmh
	}
	if opts.Sleep == nil {
		opts.Sleep = d.Sleep
	}
	if opts.Now == nil {
		opts.Now = d.Now
	}
	return &Orchestrator{opts: opts, metrics: m}
}

// RunComparison connects every session, steps them concurrently through
// speeds and returns the comparison report. Sessions are always
// disconnected before it returns.
//
// If any session fails to connect it returns ErrIncompleteSetup and no
// report. A plan rejected by ValidateSpeeds returns its error before
// anything connects. If ctx is cancelled while connecting, the context error is
// returned with no report; cancelled mid-run, the partial report is
// returned together with the context error.
func (o *Orchestrator) RunComparison(ctx context.Context, sessions []*Session, speeds []int) (*Report, error) {
	if err := ValidateSpeeds(speeds); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	started := o.opts.Now()
	log := slog.With("run_id", runID)

	defer o.disconnectAll(sessions)

	log.Info("[CAL] connecting controllers", "count", len(sessions))
	for i, s := range sessions {
		if i > 0 {
			if err := o.opts.Sleep(ctx, o.opts.InterConnectDelay); err != nil {
				break
			}
		}
		if err := s.Connect(ctx); err != nil {
			log.Warn("[CAL] controller did not connect", "controller", s.Label(), "error", err)
		}
	}
	if ctx.Err() == nil {
		_ = o.opts.Sleep(ctx, o.opts.ReadyDelay)
	}
	if err := ctx.Err(); err != nil {
		for _, s := range sessions {
			s.Abort(err)
		}
		o.metrics.ObserveRun(runCancelled)
		log.Warn("[CAL] run cancelled while connecting controllers")
		return nil, fmt.Errorf("calibration: run cancelled during setup: %w", err)
	}

	for _, s := range sessions {
		if s.State() != StateConnected {
			o.metrics.ObserveRun(runIncompleteSetup)
			log.Error("[CAL] not all controllers connected, aborting run", "controller", s.Label(), "state", s.State())
			return nil, fmt.Errorf("%w: %s is %s", ErrIncompleteSetup, s.Label(), s.State())
		}
	}
	log.Info("[CAL] all controllers connected", "speeds", speeds)

	for i, kmh := range speeds {
		if ctx.Err() != nil {
			break
		}
		active := activeSessions(sessions)
		if len(active) == 0 {
			log.Warn("[CAL] no active controllers left, ending run early")
			break
		}

		log.Info("[CAL] testing speed", "target_kmh", kmh, "controllers", len(active))
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range active {
			g.Go(func() error {
				o.runStep(gctx, s, kmh)
				return nil
			})
		}
		_ = g.Wait()

		if i < len(speeds)-1 {
			if err := o.opts.Sleep(ctx, o.opts.InterStepDelay); err != nil {
				break
			}
		}
	}

	var runErr error
	if err := ctx.Err(); err != nil {
		for _, s := range sessions {
			s.Abort(err)
		}
		o.metrics.ObserveRun(runCancelled)
		runErr = fmt.Errorf("calibration: run cancelled: %w", err)
	} else {
		for _, s := range sessions {
			if !IsTerminal(s.State()) {
				if err := s.Complete(); err != nil {
					log.Error("[CAL] failed to complete session", "controller", s.Label(), "error", err)
				}
			}
		}
		o.metrics.ObserveRun(runCompleted)
	}

	report := buildReport(runID, sessions, speeds, o.opts.LockThresholdKmh, started, o.opts.Now())
	log.Info("[CAL] run finished", "recommendation", report.Recommendation.Label, "tie", report.Recommendation.Tie)
	return report, runErr
}

// runStep drives one session through write, settle, measure and the thermal
// policy for one target speed.
func (o *Orchestrator) runStep(ctx context.Context, s *Session, kmh int) {
	start := o.opts.Now()

	if err := s.RunSpeedStep(ctx, kmh); err != nil {
		o.metrics.ObserveStep(s.Label(), metrics.OutcomeWriteFailed, 0, o.opts.Now().Sub(start))
		o.checkFailures(s)
		return
	}

	if err := o.opts.Sleep(ctx, o.opts.Settle); err != nil {
		return
	}

	res, err := s.Measure(ctx, kmh)
	outcome := metrics.OutcomeFailed
	if res.Succeeded {
		outcome = metrics.OutcomePassed
	}
	o.metrics.ObserveStep(s.Label(), outcome, res.ActualKmh, o.opts.Now().Sub(start))
	if err != nil {
		o.checkFailures(s)
	}

	switch verdict := o.opts.Policy.Evaluate(res); verdict {
	case Abort:
		o.metrics.ObserveThermal(s.Label(), verdict.String())
		slog.Error("[CAL] critical temperature, aborting controller",
			"controller", s.Label(), "motor_c", res.MotorTempC, "battery_c", res.BatteryTempC)
		s.Abort(fmt.Errorf("%w: motor %d°C, battery %d°C", ErrThermalAbort, res.MotorTempC, res.BatteryTempC))
	case CoolDown:
		o.metrics.ObserveThermal(s.Label(), verdict.String())
		if s.State() != StateTesting {
			return
		}
		if err := s.CoolDown(ctx, o.opts.Cooldown, o.opts.Sleep); err != nil {
			slog.Warn("[CAL] cool-down ended early", "controller", s.Label(), "error", err)
		}
	}
}

func (o *Orchestrator) checkFailures(s *Session) {
	limit := o.opts.MaxConsecutiveFailures
	if limit <= 0 {
		return
	}
	if n := s.ConsecutiveFailures(); n >= limit {
		s.Abort(fmt.Errorf("%w: %d in a row", ErrTooManyFailures, n))
	}
}

func (o *Orchestrator) disconnectAll(sessions []*Session) {
	for _, s := range sessions {
		if err := s.Disconnect(); err != nil {
			slog.Error("[CAL] disconnect failed", "controller", s.Label(), "error", err)
		}
	}
}

func activeSessions(sessions []*Session) []*Session {
	var out []*Session
	for _, s := range sessions {
		if !IsTerminal(s.State()) {
			out = append(out, s)
		}
	}
	return out
}
