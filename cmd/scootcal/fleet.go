package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/scootcal/internal/fleet"
	"github.com/chaz8081/scootcal/internal/identity"
	"github.com/chaz8081/scootcal/internal/store"
)

type fleetFlags struct {
	file      string
	fromRedis bool
	yamlOut   bool
}

func (a *app) newFleetCommand() *cobra.Command {
	f := &fleetFlags{}
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Aggregate fleet records by region and batch",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.file, "file", "", "fleet export to read (default: fleet.file, then fleet.cache)")
	pf.BoolVar(&f.fromRedis, "redis", false, "read the fleet cached in redis")
	pf.BoolVar(&f.yamlOut, "yaml", false, "print YAML instead of tables")

	cmd.AddCommand(
		a.newFleetStatsCommand(f),
		a.newFleetValidateCommand(f),
		a.newFleetQueueCommand(f),
		a.newFleetListCommand(f),
		a.newFleetFetchCommand(),
	)
	return cmd
}

// loadFleet reads records from redis or from a file, whichever the flags pick.
func (a *app) loadFleet(ctx context.Context, f *fleetFlags) (*fleet.Fleet, error) {
	var src fleet.Source
	if f.fromRedis {
		st, err := store.New(ctx, redisOptions(a.cfg.Redis))
		if err != nil {
			return nil, err
		}
		defer st.Close()
		src = st.FleetSource()
	} else {
		path := f.file
		if path == "" {
			path = a.cfg.Fleet.File
		}
		if path == "" {
			path = a.cfg.Fleet.Cache
		}
		if path == "" {
			return nil, fmt.Errorf("no fleet file: pass --file or set fleet.file")
		}
		src = fleet.FileSource{Path: path}
	}

	records, err := src.Records(ctx)
	if err != nil {
		return nil, err
	}
	slog.Debug("[FLEET] records loaded", "count", len(records))
	return fleet.New(records), nil
}

func (a *app) newFleetStatsCommand(f *fleetFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show device counts, batches and battery per region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := a.loadFleet(cmd.Context(), f)
			if err != nil {
				return err
			}
			stats := fl.RegionStats()
			codes := fleet.RegionCodes(stats)
			out := cmd.OutOrStdout()

			if f.yamlOut {
				ordered := make([]fleet.RegionStats, 0, len(codes))
				for _, c := range codes {
					ordered = append(ordered, stats[c])
				}
				return writeYAML(out, ordered)
			}

			table := uitable.New()
			table.MaxColWidth = 40
			table.AddRow("REGION", "DISTRICT", "CITY", "DEVICES", "BATCHES", "AVG BATTERY", "LOW")
			for _, c := range codes {
				s := stats[c]
				table.AddRow(s.Code, s.District, s.City, s.Count, formatBatches(s.Batches), fmt.Sprintf("%d%%", s.AvgBattery), s.LowBattery)
			}
			fmt.Fprintln(out, table)
			fmt.Fprintf(out, "\n%d devices in %d regions\n", fl.Len(), len(codes))
			return nil
		},
	}
}

func formatBatches(batches []uint32) string {
	parts := make([]string, len(batches))
	for i, b := range batches {
		parts[i] = fmt.Sprintf("#%d", b)
	}
	return strings.Join(parts, ",")
}

func (a *app) newFleetValidateCommand(f *fleetFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every record's identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := a.loadFleet(cmd.Context(), f)
			if err != nil {
				return err
			}
			res := fl.Validate()
			out := cmd.OutOrStdout()
			if f.yamlOut {
				return writeYAML(out, res)
			}

			fmt.Fprintf(out, "%d records: %d valid, %d invalid\n", res.Total, res.Valid, res.Invalid)
			if res.Invalid == 0 {
				return nil
			}
			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("ID", "IDENTIFIER", "REASON")
			for _, d := range res.InvalidDevices {
				table.AddRow(d.ID, d.Identifier, d.Reason)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, table)
			return nil
		},
	}
}

func (a *app) newFleetQueueCommand(f *fleetFlags) *cobra.Command {
	opts := fleet.DefaultQueueOptions()
	var newestFirst bool
	cmd := &cobra.Command{
		Use:   "queue TARGET_VERSION",
		Short: "Plan a firmware rollout to devices not yet on TARGET_VERSION",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := a.loadFleet(cmd.Context(), f)
			if err != nil {
				return err
			}
			opts.PrioritizeLowBatch = !newestFirst
			queue := fl.FirmwareUpdateQueue(args[0], opts)
			out := cmd.OutOrStdout()
			if f.yamlOut {
				return writeYAML(out, queue)
			}
			printRecords(out, queue)
			fmt.Fprintf(out, "\n%d devices queued for %s\n", len(queue), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Region, "region", "", "only queue devices in this region code")
	cmd.Flags().IntVar(&opts.MaxDevices, "max", fleet.DefaultMaxDevices, "maximum devices in the queue")
	cmd.Flags().BoolVar(&newestFirst, "newest-first", false, "queue newest batches first instead of oldest")
	return cmd
}

func (a *app) newFleetListCommand(f *fleetFlags) *cobra.Command {
	var (
		city   string
		region string
		batch  uint32
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices, optionally filtered by city, region or batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := a.loadFleet(cmd.Context(), f)
			if err != nil {
				return err
			}
			records := fl.Records()
			switch {
			case city != "":
				records = fl.ByCity(identity.City(city))
			case region != "":
				records = fl.ByRegion(region)
			case cmd.Flags().Changed("batch"):
				records = fl.ByBatch(batch)
			}
			out := cmd.OutOrStdout()
			if f.yamlOut {
				return writeYAML(out, records)
			}
			printRecords(out, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&city, "city", "", "city name, e.g. København")
	cmd.Flags().StringVar(&region, "region", "", "two-digit region code")
	cmd.Flags().Uint32Var(&batch, "batch", 0, "batch number")
	return cmd
}

func printRecords(w io.Writer, records []fleet.Record) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "NAME", "DISTRICT", "BATCH", "FIRMWARE", "BATTERY")
	for _, r := range records {
		district, batch := "-", "-"
		if id, err := identity.Parse(r.Identifier); err == nil {
			district = id.District()
			batch = fmt.Sprintf("#%d", id.BatchNumber())
		}
		battery := "-"
		if r.BatteryPercentage != nil {
			battery = fmt.Sprintf("%d%%", *r.BatteryPercentage)
		}
		table.AddRow(r.ID, r.DeviceName, district, batch, r.FirmwareVersion, battery)
	}
	fmt.Fprintln(w, table)
}

func (a *app) newFleetFetchCommand() *cobra.Command {
	var (
		url     string
		dest    string
		toRedis bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the registry export and optionally cache it in redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = a.cfg.Fleet.URL
			}
			if dest == "" {
				dest = a.cfg.Fleet.Cache
			}
			if url == "" || dest == "" {
				return fmt.Errorf("fetch needs fleet.url and fleet.cache (or --url and --dest)")
			}

			ctx := cmd.Context()
			client := &http.Client{Timeout: 5 * time.Minute}
			n, err := fleet.Fetch(ctx, client, url, dest, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d bytes to %s\n", n, dest)

			if !toRedis {
				return nil
			}
			records, err := fleet.LoadFile(dest)
			if err != nil {
				return err
			}
			st, err := store.New(ctx, redisOptions(a.cfg.Redis))
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SaveFleet(ctx, records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d records in redis\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "export URL (default: fleet.url)")
	cmd.Flags().StringVar(&dest, "dest", "", "download path (default: fleet.cache)")
	cmd.Flags().BoolVar(&toRedis, "cache-redis", false, "also cache the records in redis")
	return cmd
}
