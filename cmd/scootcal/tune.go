package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/protocol"
	"github.com/chaz8081/scootcal/internal/config"
)

// defaultZeroStartKmh is the speed zero start assists up to unless told otherwise.
const defaultZeroStartKmh = 6

type tuneFlags struct {
	zeroStart    string
	zeroStartKmh int
	sportPlus    string
	turbo        string
	speedLimit   int
	simulate     bool
}

func (a *app) newTuneCommand() *cobra.Command {
	f := &tuneFlags{}
	cmd := &cobra.Command{
		Use:   "tune ADDRESS",
		Short: "Write settings-service options to one controller",
		Long: `Sends settings frames to the controller at ADDRESS. Only the options given
are written; the rest are left as they are on the controller.`,
		Example: `  scootcal tune AA:BB:CC:DD:EE:FF --zero-start on --zero-start-kmh 8
  scootcal tune AA:BB:CC:DD:EE:FF --sport-plus off --turbo on`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTune(cmd, f, args[0])
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.zeroStart, "zero-start", "", "zero start: on or off")
	fs.IntVar(&f.zeroStartKmh, "zero-start-kmh", defaultZeroStartKmh, "speed zero start assists up to")
	fs.StringVar(&f.sportPlus, "sport-plus", "", "sport+ mode: on or off")
	fs.StringVar(&f.turbo, "turbo", "", "electronic turbo: on or off")
	fs.IntVar(&f.speedLimit, "speed-limit", 0, "settings-service speed limit in km/h")
	fs.BoolVar(&f.simulate, "simulate", false, "write to a simulated controller instead of the radio")
	return cmd
}

func parseOnOff(flag, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("--%s %q: want on or off", flag, v)
}

// commands turns the flags into settings frames, in a fixed order.
func (f *tuneFlags) commands() ([]protocol.Command, error) {
	var cmds []protocol.Command
	if f.zeroStart != "" {
		on, err := parseOnOff("zero-start", f.zeroStart)
		if err != nil {
			return nil, err
		}
		if f.zeroStartKmh <= 0 || f.zeroStartKmh > 255 {
			return nil, fmt.Errorf("--zero-start-kmh: %d km/h is out of range 1-255", f.zeroStartKmh)
		}
		cmds = append(cmds, protocol.SetZeroStart{Enabled: on, MaxKmh: f.zeroStartKmh})
	}
	if f.speedLimit != 0 {
		if f.speedLimit < 0 || f.speedLimit > 255 {
			return nil, fmt.Errorf("--speed-limit: %d km/h is out of range 1-255", f.speedLimit)
		}
		cmds = append(cmds, protocol.SetSpeedLimit{Kmh: f.speedLimit})
	}
	if f.sportPlus != "" {
		on, err := parseOnOff("sport-plus", f.sportPlus)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, protocol.SetSportPlus{Enabled: on})
	}
	if f.turbo != "" {
		on, err := parseOnOff("turbo", f.turbo)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, protocol.SetTurbo{Enabled: on})
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("nothing to write: pass at least one of --zero-start, --speed-limit, --sport-plus, --turbo")
	}
	return cmds, nil
}

func (a *app) runTune(cmd *cobra.Command, f *tuneFlags, address string) error {
	cmds, err := f.commands()
	if err != nil {
		return err
	}

	var adapter ble.Adapter = ble.NewTinygoAdapter()
	if f.simulate {
		adapter, _ = simulatedBench([]config.ControllerConfig{{Label: "sim", Address: address}})
	}

	ctx := cmd.Context()
	link := ble.NewLink(adapter, address, a.cfg.BLE.LinkOptions())
	if err := link.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := link.Disconnect(); err != nil {
			slog.Error("[BLE] disconnect failed", "address", address, "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	for _, c := range cmds {
		if err := link.Write(ctx, c); err != nil {
			return err
		}
		fmt.Fprintf(out, "%-22T % x\n", c, protocol.Encode(c))
	}
	return nil
}
