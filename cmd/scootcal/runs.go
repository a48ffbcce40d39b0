package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/scootcal/internal/store"
)

func (a *app) newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse calibration reports published to redis",
	}
	cmd.AddCommand(a.newRunsListCommand(), a.newRunsShowCommand())
	return cmd
}

func (a *app) newRunsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx, redisOptions(a.cfg.Redis))
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "No runs stored")
				return nil
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("RUN ID", "FINISHED", "CONTROLLERS", "RECOMMENDATION")
			for _, id := range ids {
				r, err := st.LoadReport(ctx, id)
				if err != nil {
					// The id is listed but its hash is gone.
					table.AddRow(id, "-", "-", err.Error())
					continue
				}
				rec := r.Recommendation.Label
				if r.Recommendation.Tie || rec == "" {
					rec = "none (" + r.Recommendation.Reason + ")"
				}
				table.AddRow(id, r.FinishedAt.Local().Format(time.DateTime), len(r.Sessions), rec)
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	return cmd
}

func (a *app) newRunsShowCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx, redisOptions(a.cfg.Redis))
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := st.LoadReport(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			return r.Render(out)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}
