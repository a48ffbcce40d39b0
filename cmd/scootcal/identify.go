package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/scootcal/internal/ble/protocol"
	"github.com/chaz8081/scootcal/internal/identity"
)

func newIdentifyCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "identify UUID...",
		Short: "Decode region, batch and device from fleet identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var failed int
			for _, raw := range args {
				id, err := identity.Parse(raw)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					continue
				}
				if short {
					fmt.Fprintln(out, id)
					continue
				}
				if err := writeYAML(out, id.FullInfo()); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d identifiers malformed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print one summary line per identifier")
	return cmd
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newDecodeCommand() *cobra.Command {
	var snapshot bool
	cmd := &cobra.Command{
		Use:   "decode HEX...",
		Short: "Decode captured controller notifications",
		Long: `Decodes notification frames given as hex, e.g. "12 64 2d 41 00 25 0f 30".
With --snapshot the frames are read as direct telemetry characteristic values.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				frame, err := parseHexFrame(arg)
				if err != nil {
					return err
				}
				if snapshot {
					s, ok := protocol.DecodeSnapshot(frame)
					if !ok {
						fmt.Fprintf(out, "%x: too short for a snapshot\n", frame)
						continue
					}
					fmt.Fprintf(out, "%x: %+v\n", frame, s)
					continue
				}
				fmt.Fprintf(out, "%x: %s\n", frame, describeTelemetry(protocol.Decode(frame)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "decode as telemetry snapshots")
	return cmd
}

// parseHexFrame accepts hex with optional spaces, colons or a 0x prefix.
func parseHexFrame(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	frame, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", s, err)
	}
	return frame, nil
}

func describeTelemetry(t protocol.Telemetry) string {
	switch t := t.(type) {
	case protocol.BatteryLevel:
		return fmt.Sprintf("battery %d%%", t.Percent)
	case protocol.Speed:
		return fmt.Sprintf("speed %d km/h", t.Kmh)
	case protocol.Voltage:
		return fmt.Sprintf("voltage %.1f V", t.Volts)
	case protocol.FirmwareVersion:
		return fmt.Sprintf("firmware %q", t.Version)
	case protocol.Diagnostics:
		return fmt.Sprintf("diagnostics battery=%d%% speed=%d km/h temp=%d°C error=%d cell=%.2f V current=%.1f A power=%d W",
			t.Battery, t.SpeedKmh, t.TemperatureC, t.ErrorCode, t.CellVoltage, t.CurrentA, t.PowerW)
	case protocol.DecodeError:
		return fmt.Sprintf("decode error (opcode %s): %s", t.Op, t.Reason)
	case protocol.Unknown:
		return fmt.Sprintf("unknown frame %x", t.Raw)
	default:
		return fmt.Sprintf("%+v", t)
	}
}
