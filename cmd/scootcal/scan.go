package main

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/scootcal/internal/ble"
)

func (a *app) newScanCommand() *cobra.Command {
	var (
		timeout  time.Duration
		simulate bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby controllers advertising the fleet service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				timeout = a.cfg.BLE.ScanTimeout
			}
			var adapter ble.Adapter = ble.NewTinygoAdapter()
			if simulate {
				adapter, _ = simulatedBench(a.cfg.Controllers)
			}

			found, err := ble.ScanForControllers(cmd.Context(), adapter, timeout)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No controllers found")
				return nil
			}

			table := uitable.New()
			table.AddRow("NAME", "ADDRESS", "RSSI", "BATTERY")
			for _, c := range found {
				battery := "-"
				if c.HasBattery {
					battery = fmt.Sprintf("%d%%", c.BatteryPercent)
				}
				table.AddRow(c.Name, c.Address, fmt.Sprintf("%d dBm", c.RSSI), battery)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: ble.scan_timeout)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "scan the simulated bench instead of the radio")
	return cmd
}
