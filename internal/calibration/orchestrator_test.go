package calibration

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chaz8081/scootcal/internal/ble/bletest"
	"github.com/chaz8081/scootcal/internal/metrics"
)

func testOrchestrator(rec *sleepRecorder, m *metrics.Metrics, mutate func(*Options)) (*Orchestrator, Options) {
	opts := DefaultOptions()
	opts.Sleep = rec.Sleep
	if mutate != nil {
		mutate(&opts)
	}
	return NewOrchestrator(opts, m), opts
}

func testSessions(t *testing.T, log *stateLog, ctrls ...*bletest.Controller) []*Session {
	t.Helper()
	var out []*Session
	for _, c := range ctrls {
		opts := SessionOptions{}
		if log != nil {
			opts.Observer = log.observe
		}
		out = append(out, newTestSession(t, c, opts))
	}
	return out
}

func TestRunComparisonRecommendsUnlockedController(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa", LimitKmh: 45}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	orch, opts := testOrchestrator(rec, m, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), []int{40, 45, 50})
	if err != nil {
		t.Fatalf("RunComparison() error = %v", err)
	}

	if report.RunID == "" {
		t.Error("report has no run id")
	}
	if got := report.Recommendation; got.Label != "B" || got.Tie || !strings.Contains(got.Reason, "50 vs 45") {
		t.Errorf("Recommendation = %+v, want B with 50 vs 45", got)
	}
	for _, s := range report.Sessions {
		if s.State != StateCompleted {
			t.Errorf("%s state = %s, want completed", s.Label, s.State)
		}
		if len(s.Results) != 3 {
			t.Errorf("%s has %d results, want 3", s.Label, len(s.Results))
		}
	}
	if report.Sessions[0].MaxAchievedKmh != 45 || report.Sessions[1].MaxAchievedKmh != 50 {
		t.Errorf("max achieved = %d/%d, want 45/50", report.Sessions[0].MaxAchievedKmh, report.Sessions[1].MaxAchievedKmh)
	}
	if report.Sessions[0].FirmwareLocked {
		t.Error("45 km/h reported as locked")
	}

	last := report.Rows[2]
	if last.TargetKmh != 50 || last.Cells[0].ActualKmh != 45 || last.Cells[0].Passed || !last.Cells[1].Passed {
		t.Errorf("row for 50 km/h = %+v", last)
	}

	for _, c := range []*bletest.Controller{a, b} {
		if got := c.SpeedCommands(); !slices.Equal(got, []int{40, 45, 50}) {
			t.Errorf("%s speed commands = %v", c.Name, got)
		}
		if c.Disconnects() != 1 {
			t.Errorf("%s disconnects = %d, want 1", c.Name, c.Disconnects())
		}
	}

	checks := []struct {
		name string
		d    int
		want int
	}{
		{"inter-connect", rec.count(opts.InterConnectDelay), 1},
		{"ready", rec.count(opts.ReadyDelay), 1},
		{"settle", rec.count(opts.Settle), 6},
		{"inter-step", rec.count(opts.InterStepDelay), 2},
		{"cool-down", rec.count(opts.Cooldown), 0},
	}
	for _, c := range checks {
		if c.d != c.want {
			t.Errorf("%s waits = %d, want %d", c.name, c.d, c.want)
		}
	}

	if got := testutil.ToFloat64(m.StepsTotal.WithLabelValues("A", metrics.OutcomePassed)); got != 2 {
		t.Errorf("A passed steps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StepsTotal.WithLabelValues("A", metrics.OutcomeFailed)); got != 1 {
		t.Errorf("A failed steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AchievedSpeed.WithLabelValues("B")); got != 50 {
		t.Errorf("B achieved speed = %v, want 50", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
}

func TestRunComparisonThermalAbortStopsOneController(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa", MotorTemp: hotAt(45, 81, 40)}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	orch, _ := testOrchestrator(rec, m, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), []int{40, 45, 50})
	if err != nil {
		t.Fatalf("RunComparison() error = %v", err)
	}

	if got := a.SpeedCommands(); !slices.Equal(got, []int{40, 45}) {
		t.Errorf("A speed commands = %v, want [40 45]", got)
	}
	if got := b.SpeedCommands(); !slices.Equal(got, []int{40, 45, 50}) {
		t.Errorf("B speed commands = %v, want [40 45 50]", got)
	}

	sa, sb := report.Sessions[0], report.Sessions[1]
	if sa.State != StateAborted || !strings.Contains(sa.AbortReason, "thermal abort") {
		t.Errorf("A = %s (%q), want aborted by thermal policy", sa.State, sa.AbortReason)
	}
	if sb.State != StateCompleted {
		t.Errorf("B state = %s, want completed", sb.State)
	}
	if report.Rows[2].Cells[0].Recorded {
		t.Error("A has a result for 50 km/h after abort")
	}
	if got := testutil.ToFloat64(m.ThermalEvents.WithLabelValues("A", Abort.String())); got != 1 {
		t.Errorf("A thermal aborts = %v, want 1", got)
	}
	if a.Disconnects() != 1 {
		t.Errorf("A disconnects = %d, want 1", a.Disconnects())
	}
}

func TestRunComparisonCoolDown(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa", MotorTemp: hotAt(45, 72, 40)}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	log := newStateLog()
	m := metrics.New(prometheus.NewRegistry())
	orch, opts := testOrchestrator(rec, m, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, log, a, b), []int{40, 45, 50})
	if err != nil {
		t.Fatalf("RunComparison() error = %v", err)
	}

	if n := rec.count(opts.Cooldown); n != 1 {
		t.Errorf("cool-down waits = %d, want 1", n)
	}
	if got := strings.Join(log.get("A"), " "); !strings.Contains(got, "testing>cooling cooling>testing") {
		t.Errorf("A transitions = %s, want a cool-down cycle", got)
	}
	if strings.Contains(strings.Join(log.get("B"), " "), StateCooling) {
		t.Error("B cooled down without a warning")
	}
	if report.Sessions[0].State != StateCompleted || len(report.Sessions[0].Results) != 3 {
		t.Errorf("A = %s with %d results, want completed with 3", report.Sessions[0].State, len(report.Sessions[0].Results))
	}
	if got := testutil.ToFloat64(m.ThermalEvents.WithLabelValues("A", CoolDown.String())); got != 1 {
		t.Errorf("A cool-downs = %v, want 1", got)
	}
}

func TestRunComparisonIncompleteSetup(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa"}
	b := &bletest.Controller{Name: "B", Address: "bb", FailConnect: true}
	rec := &sleepRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	orch, _ := testOrchestrator(rec, m, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), []int{40, 45})
	if !errors.Is(err, ErrIncompleteSetup) {
		t.Fatalf("RunComparison() error = %v, want ErrIncompleteSetup", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if got := a.SpeedCommands(); len(got) != 0 {
		t.Errorf("A received speed commands %v", got)
	}
	if a.Disconnects() != 1 {
		t.Errorf("A disconnects = %d, want 1", a.Disconnects())
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("incomplete_setup")); got != 1 {
		t.Errorf("incomplete runs = %v, want 1", got)
	}
}

func TestRunComparisonCancelled(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa"}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{}
	orch, opts := testOrchestrator(rec, nil, nil)
	rec.hook = func(d time.Duration) {
		if d == opts.InterStepDelay {
			cancel()
		}
	}

	report, err := orch.RunComparison(ctx, testSessions(t, nil, a, b), []int{40, 45, 50})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunComparison() error = %v, want context.Canceled", err)
	}
	if report == nil {
		t.Fatal("no partial report")
	}
	for i, c := range []*bletest.Controller{a, b} {
		if got := c.SpeedCommands(); !slices.Equal(got, []int{40}) {
			t.Errorf("%s speed commands = %v, want [40]", c.Name, got)
		}
		if c.Disconnects() != 1 {
			t.Errorf("%s disconnects = %d, want 1", c.Name, c.Disconnects())
		}
		s := report.Sessions[i]
		if s.State != StateAborted || len(s.Results) != 1 {
			t.Errorf("%s = %s with %d results, want aborted with 1", s.Label, s.State, len(s.Results))
		}
	}
}

func TestRunComparisonCancelledDuringHotStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &bletest.Controller{Name: "A", Address: "aa", MotorTemp: func(kmh int) int {
		if kmh == 40 {
			cancel()
			return 72
		}
		return 40
	}}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	orch, _ := testOrchestrator(rec, nil, nil)

	report, err := orch.RunComparison(ctx, testSessions(t, nil, a, b), []int{40, 45})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunComparison() error = %v, want context.Canceled", err)
	}
	if report == nil {
		t.Fatal("no partial report")
	}
	for _, s := range report.Sessions {
		if s.State != StateAborted {
			t.Errorf("%s state = %s, want aborted", s.Label, s.State)
		}
		if s.AbortReason == "" {
			t.Errorf("%s has no abort reason", s.Label)
		}
	}
	if n := len(report.Sessions[0].Results); n != 1 {
		t.Errorf("A has %d results, want 1", n)
	}
	if got := a.SpeedCommands(); !slices.Equal(got, []int{40}) {
		t.Errorf("A speed commands = %v, want [40]", got)
	}
}

func TestRunComparisonCancelledWhileConnecting(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa"}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	orch, opts := testOrchestrator(rec, m, nil)
	rec.hook = func(d time.Duration) {
		if d == opts.InterConnectDelay {
			cancel()
		}
	}

	report, err := orch.RunComparison(ctx, testSessions(t, nil, a, b), []int{40, 45})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunComparison() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrIncompleteSetup) {
		t.Errorf("RunComparison() error = %v, reported as incomplete setup", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if got := a.SpeedCommands(); len(got) != 0 {
		t.Errorf("A received speed commands %v", got)
	}
	if a.Disconnects() != 1 {
		t.Errorf("A disconnects = %d, want 1", a.Disconnects())
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("cancelled runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("incomplete_setup")); got != 0 {
		t.Errorf("incomplete runs = %v, want 0", got)
	}
}

func TestValidateSpeeds(t *testing.T) {
	tests := []struct {
		name    string
		speeds  []int
		wantErr bool
	}{
		{"default plan", DefaultSpeeds, false},
		{"empty", nil, false},
		{"single", []int{255}, false},
		{"zero", []int{0, 40}, true},
		{"too fast", []int{40, 256}, true},
		{"descending", []int{45, 40}, true},
		{"repeated", []int{40, 45, 45}, true},
		{"revisited", []int{45, 40, 45}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpeeds(tt.speeds)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSpeeds(%v) error = %v, wantErr %v", tt.speeds, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpeedPlan) {
				t.Errorf("error %v does not wrap ErrInvalidSpeedPlan", err)
			}
		})
	}
}

func TestRunComparisonRejectsUnorderedPlan(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa"}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	orch, _ := testOrchestrator(rec, nil, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), []int{45, 40, 45})
	if !errors.Is(err, ErrInvalidSpeedPlan) {
		t.Fatalf("RunComparison() error = %v, want ErrInvalidSpeedPlan", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	for _, c := range []*bletest.Controller{a, b} {
		if c.Connects() != 0 {
			t.Errorf("%s connected %d times before the plan was checked", c.Name, c.Connects())
		}
	}
}

func TestRunComparisonTooManyFailures(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa", FailWriteAt: map[int]bool{40: true, 45: true}}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	rec := &sleepRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	orch, _ := testOrchestrator(rec, m, func(o *Options) { o.MaxConsecutiveFailures = 2 })

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), []int{40, 45, 50})
	if err != nil {
		t.Fatalf("RunComparison() error = %v", err)
	}

	sa := report.Sessions[0]
	if sa.State != StateAborted || !strings.Contains(sa.AbortReason, "too many consecutive") {
		t.Errorf("A = %s (%q), want aborted for failures", sa.State, sa.AbortReason)
	}
	if len(sa.Results) != 0 {
		t.Errorf("A results = %+v, want none", sa.Results)
	}
	if got := testutil.ToFloat64(m.StepsTotal.WithLabelValues("A", metrics.OutcomeWriteFailed)); got != 2 {
		t.Errorf("A write failures = %v, want 2", got)
	}
	if report.Recommendation.Label != "B" {
		t.Errorf("Recommendation = %+v, want B", report.Recommendation)
	}
}

func TestRunComparisonNoSpeeds(t *testing.T) {
	a := &bletest.Controller{Name: "A", Address: "aa"}
	b := &bletest.Controller{Name: "B", Address: "bb"}
	orch, _ := testOrchestrator(&sleepRecorder{}, nil, nil)

	report, err := orch.RunComparison(context.Background(), testSessions(t, nil, a, b), nil)
	if err != nil {
		t.Fatalf("RunComparison() error = %v", err)
	}
	for _, s := range report.Sessions {
		if s.State != StateCompleted {
			t.Errorf("%s state = %s, want completed", s.Label, s.State)
		}
	}
	if len(report.Rows) != 0 || !report.Recommendation.Tie {
		t.Errorf("report = %+v, want empty tie", report)
	}
}
