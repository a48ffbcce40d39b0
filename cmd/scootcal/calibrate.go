package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/bletest"
	"github.com/chaz8081/scootcal/internal/calibration"
	"github.com/chaz8081/scootcal/internal/config"
	"github.com/chaz8081/scootcal/internal/metrics"
	"github.com/chaz8081/scootcal/internal/store"
)

type calibrateFlags struct {
	simulate    bool
	controllers []string
	speeds      []int
	jsonOut     bool
	noSave      bool
}

func (a *app) newCalibrateCommand() *cobra.Command {
	f := &calibrateFlags{}
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Step controllers through the speed plan side by side and compare them",
		Long: `Connects to every configured controller, raises the speed cap one step at a
time, measures the speed each controller actually reaches and recommends the one
with the least restrictive firmware. Motor and battery temperatures are checked
after every step; a hot controller cools down or is taken out of the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCalibrate(cmd, f)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&f.simulate, "simulate", false, "run against two simulated controllers instead of the radio")
	fs.StringSliceVar(&f.controllers, "controller", nil, "controller as label=address (repeatable, overrides config)")
	fs.IntSliceVar(&f.speeds, "speeds", nil, "speed plan in km/h (overrides config)")
	fs.BoolVar(&f.jsonOut, "json", false, "print the report as JSON")
	fs.BoolVar(&f.noSave, "no-save", false, "do not publish the report to redis")
	return cmd
}

func (a *app) runCalibrate(cmd *cobra.Command, f *calibrateFlags) error {
	ctx := cmd.Context()
	cfg := a.cfg

	controllers, err := parseControllers(f.controllers)
	if err != nil {
		return err
	}
	if len(controllers) == 0 {
		controllers = cfg.Controllers
	}
	speeds := cfg.Calibration.Speeds
	if len(f.speeds) > 0 {
		speeds = f.speeds
	}
	if err := calibration.ValidateSpeeds(speeds); err != nil {
		return fmt.Errorf("--speeds: %w", err)
	}

	orchOpts := cfg.Calibration.OrchestratorOptions()
	var adapter ble.Adapter
	if f.simulate {
		var sims []*bletest.Controller
		adapter, sims = simulatedBench(controllers)
		controllers = make([]config.ControllerConfig, 0, len(sims))
		for _, s := range sims {
			controllers = append(controllers, config.ControllerConfig{Label: s.Name, Address: s.Address})
		}
		// Nothing to wait for on a simulated bench.
		orchOpts.InterConnectDelay, orchOpts.ReadyDelay, orchOpts.Settle = 0, 0, 0
		orchOpts.Cooldown, orchOpts.InterStepDelay = 0, 0
	} else {
		adapter = ble.NewTinygoAdapter()
	}
	if len(controllers) == 0 {
		return fmt.Errorf("no controllers configured: add them to the config or pass --controller label=address")
	}
	if len(controllers) == 1 {
		slog.Warn("only one controller configured, nothing to compare against")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		shutdown := serveMetrics(cfg.Metrics.Listen, reg)
		defer shutdown()
	}

	linkOpts := cfg.BLE.LinkOptions()
	sessOpts := cfg.Calibration.SessionOptions()
	sessOpts.Observer = func(label, from, to string) {
		slog.Info("[CAL] state", "controller", label, "from", from, "to", to)
	}
	sessions := make([]*calibration.Session, 0, len(controllers))
	for _, c := range controllers {
		link := ble.NewLink(adapter, c.Address, linkOpts)
		sessions = append(sessions, calibration.NewSession(c.Label, link, sessOpts))
	}

	orch := calibration.NewOrchestrator(orchOpts, m)
	report, runErr := orch.RunComparison(ctx, sessions, speeds)
	if report == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if err := report.Render(out); err != nil {
		return err
	}

	if cfg.Redis.Enabled && !f.noSave {
		// The run context may already be cancelled; still publish what we have.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := saveReport(saveCtx, cfg.Redis, report); err != nil {
			slog.Error("[STORE] failed to publish report", "run_id", report.RunID, "error", err)
		}
	}
	return runErr
}

// parseControllers parses label=address pairs.
func parseControllers(specs []string) ([]config.ControllerConfig, error) {
	var out []config.ControllerConfig
	seen := make(map[string]bool)
	for _, s := range specs {
		label, addr, ok := strings.Cut(s, "=")
		label, addr = strings.TrimSpace(label), strings.TrimSpace(addr)
		if !ok || label == "" || addr == "" {
			return nil, fmt.Errorf("--controller %q: want label=address", s)
		}
		if seen[label] {
			return nil, fmt.Errorf("--controller %q: duplicate label", s)
		}
		seen[label] = true
		out = append(out, config.ControllerConfig{Label: label, Address: addr})
	}
	return out, nil
}

// simulatedBench builds one simulated controller per configured controller,
// or a locked/unlocked pair when none are configured. The first controller
// is capped at 45 km/h.
func simulatedBench(controllers []config.ControllerConfig) (*bletest.Adapter, []*bletest.Controller) {
	if len(controllers) == 0 {
		controllers = []config.ControllerConfig{
			{Label: "sim-a", Address: "SIM:00:00:00:00:0A"},
			{Label: "sim-b", Address: "SIM:00:00:00:00:0B"},
		}
	}
	sims := make([]*bletest.Controller, 0, len(controllers))
	for i, c := range controllers {
		sim := &bletest.Controller{
			Name:     c.Label,
			Address:  c.Address,
			Battery:  80 - 10*i,
			Firmware: fmt.Sprintf("SIM-%d.0", i+1),
			MotorTemp: func(kmh int) int {
				return 20 + kmh
			},
		}
		if i == 0 {
			sim.LimitKmh = 45
		}
		sims = append(sims, sim)
	}
	return bletest.NewAdapter(sims...), sims
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func saveReport(ctx context.Context, rc config.RedisConfig, report *calibration.Report) error {
	st, err := store.New(ctx, redisOptions(rc))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.SaveReport(ctx, report); err != nil {
		return err
	}
	slog.Info("[STORE] report published", "run_id", report.RunID, "channel", st.Channel())
	return nil
}

func redisOptions(rc config.RedisConfig) store.Options {
	return store.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
		Channel:  rc.Channel,
	}
}
