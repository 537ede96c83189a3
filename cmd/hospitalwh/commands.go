package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/domain/dimension"
	"github.com/ehr/hospitalwh/internal/platform/quality"
	"github.com/ehr/hospitalwh/internal/platform/rawstore"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the warehouse once and publish the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			b, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			// Without Redis there is nobody to read the alert stream after
			// the process exits.
			var store capacity.AlertStore
			if b.redis != nil {
				if store, err = b.alertStore(cfg, logger); err != nil {
					return err
				}
			}
			runner, err := newRunner(cfg, b, nil, runnerConfig{publish: true, alerts: store}, logger)
			if err != nil {
				return err
			}

			stopWebhooks := startWebhooks(ctx, store, logger)
			rep, runErr := runner.Run(ctx)
			stopWebhooks(30 * time.Second)
			if rep != nil {
				if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

type dimensionSummary struct {
	Stats   dimension.BuildStats      `json:"stats"`
	Rows    map[string]int            `json:"rows"`
	Streams map[string]quality.Counts `json:"streams"`
	Issues  []quality.Issue           `json:"issues,omitempty"`
}

func dimensionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dimensions",
		Short: "Build the dimension tables and print what they hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			opts, _, err := pipelineOptions(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			rec := quality.NewRecorder(logger, nil)
			batch, err := rawstore.NewCSVSource(cfg.InputDir, rec, logger).Load(ctx)
			if err != nil {
				return err
			}
			dims, stats, err := dimension.NewBuilder(opts.Dimensions, rec, logger).Build(batch, nil)
			if err != nil {
				return err
			}

			issues, _ := rec.Issues()
			return writeJSON(cmd.OutOrStdout(), dimensionSummary{
				Stats:   stats,
				Rows:    dimensionRows(dims),
				Streams: rec.Snapshot(),
				Issues:  issues,
			})
		},
	}
}

func dimensionRows(d *dimension.Dimensions) map[string]int {
	return map[string]int{
		"dim_date":           len(d.Calendar.Dates),
		"dim_time":           len(d.Calendar.Times),
		"dim_department":     len(d.Departments.Rows()),
		"dim_physician":      len(d.Physicians.Rows()),
		"dim_procedure_type": len(d.ProcedureTypes.Rows()),
		"dim_bed":            len(d.Beds.Rows()),
		"dim_weather":        len(d.Weather.Rows()),
		"dim_patient":        len(d.Patients.Versions()),
	}
}

func capacityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Analyze bed capacity without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			runner, err := newRunner(cfg, &backends{}, nil, runnerConfig{}, logger)
			if err != nil {
				return err
			}
			if _, err := runner.Run(ctx); err != nil {
				return err
			}
			snap := runner.Catalog().Current()
			if snap == nil {
				return errors.New("run produced no snapshot")
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), snap.Capacity)
			}
			printCapacity(cmd.OutOrStdout(), snap.Capacity)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the full analysis as JSON")
	return cmd
}

// printCapacity writes the latest day of every department, then the alert
// stream and the allocation recommendations.
func printCapacity(w io.Writer, res *capacity.Result) {
	latest := make(map[string]capacity.DailyMetric)
	var order []string
	for _, m := range res.Daily {
		prev, ok := latest[m.DepartmentID]
		if !ok {
			order = append(order, m.DepartmentID)
		}
		if !ok || m.Date.After(prev.Date) {
			latest[m.DepartmentID] = m
		}
	}

	fmt.Fprintf(w, "%-10s %-12s %8s %-7s %8s %s\n", "DEPT", "DATE", "OCC %", "BAND", "TRAIL", "TIER")
	for _, id := range order {
		m := latest[id]
		fmt.Fprintf(w, "%-10s %-12s %8.2f %-7s %8.4f %s\n",
			m.DepartmentID, m.Date.Format("2006-01-02"), m.OccupancyRatePct, m.Band, m.TrailingAverage, m.SurgeTier)
	}

	fmt.Fprintf(w, "\n%d alert(s)\n", len(res.Alerts))
	for _, a := range res.Alerts {
		fmt.Fprintf(w, "%-10s %-12s %-9s %s\n", a.DepartmentID, a.Day.Format("2006-01-02"), a.Severity, a.Message)
	}

	fmt.Fprintf(w, "\n%-10s %6s %8s %6s %-16s %s\n", "DEPT", "BEDS", "UTIL %", "DELTA", "PRIORITY", "RECOMMENDATION")
	for _, r := range res.Recommendations {
		fmt.Fprintf(w, "%-10s %6d %8.2f %+6d %-16s %s\n",
			r.DepartmentID, r.CurrentBeds, r.UtilizationPct, r.BedDelta, r.Priority, r.Label)
	}
}
