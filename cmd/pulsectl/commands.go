package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pulse/internal/analytics"
	"pulse/internal/seeder"
	"pulse/internal/settings"
	"pulse/internal/timeframe"
)

// needsApp marks commands that open the database before running.
const needsApp = "needs-app"

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "pulsectl",
		Short:        "Admin control tool for Pulse",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[needsApp] == "" {
				return nil
			}
			if err := c.open(); err != nil {
				return fmt.Errorf("failed to initialize app: %w", err)
			}
			return nil
		},
	}

	root.AddCommand(
		c.migrateCmd(),
		c.aggregateCmd(),
		c.sweepCmd(),
		c.statsCmd(),
		c.settingsCmd(),
		c.statusCmd(),
		c.seedCmd(),
		completionCmd(root),
	)
	return root
}

func withApp(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[needsApp] = "true"
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return withApp(&cobra.Command{
		Use:   "migrate",
		Short: "Runs database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Migrations completed successfully")
			return nil
		},
	})
}

// aggregateCmd runs one aggregation pass. With --rebuild-from the watermark
// is rewound first so every day since that date is recomputed.
func (c *cli) aggregateCmd() *cobra.Command {
	var rebuildFrom string
	cmd := withApp(&cobra.Command{
		Use:   "aggregate",
		Short: "Rolls up new events into the summary tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			services := c.services
			if rebuildFrom != "" {
				day, err := time.Parse(timeframe.DateLayout, rebuildFrom)
				if err != nil {
					return fmt.Errorf("invalid --rebuild-from: %w", err)
				}
				if err := services.Settings.SetLastAggregation(day.Add(-time.Second)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Watermark rewound to %s\n", day.Format(timeframe.DateLayout))
			}

			result, err := services.Aggregation.Run(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), result, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Run\t%s\n", result.RunID)
				fmt.Fprintf(w, "Skipped\t%t\n", result.Skipped)
				fmt.Fprintf(w, "Events\t%d\n", result.Events)
				fmt.Fprintf(w, "Days\t%d\n", result.Days)
				fmt.Fprintf(w, "Daily rows\t%d\n", result.DailyRows)
				fmt.Fprintf(w, "Referrer rows\t%d\n", result.ReferrerRows)
				fmt.Fprintf(w, "Device rows\t%d\n", result.DeviceRows)
				fmt.Fprintf(w, "Geo rows\t%d\n", result.GeoRows)
				fmt.Fprintf(w, "Watermark\t%s\n", formatTime(result.Watermark))
			})
		},
	})
	cmd.Flags().StringVar(&rebuildFrom, "rebuild-from", "", "recompute every day starting at this date (YYYY-MM-DD)")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return withApp(&cobra.Command{
		Use:   "sweep",
		Short: "Deletes raw events past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.services.Cleanup.Run(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), result, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Skipped\t%t\n", result.Skipped)
				fmt.Fprintf(w, "Cutoff\t%s\n", formatTime(result.Cutoff))
				fmt.Fprintf(w, "Deleted\t%d\n", result.Deleted)
			})
		},
	})
}

func (c *cli) statsCmd() *cobra.Command {
	var statName, start, end, page string
	cmd := withApp(&cobra.Command{
		Use:   "stats",
		Short: "Queries the summary tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statType, err := analytics.ParseStatType(statName)
			if err != nil {
				return err
			}
			dateRange, err := timeframe.NewDateRangeParser().Parse(timeframe.DateRangeParams{StartDate: start, EndDate: end})
			if err != nil {
				return err
			}

			db := c.services.DBManager.GetConnection()
			data, err := analytics.Stats(cmd.Context(), db, statType, analytics.QueryParams{Range: dateRange, PageURL: page})
			if err != nil {
				return err
			}
			// Breakdowns are wide; JSON is the only rendering.
			return writeJSON(cmd.OutOrStdout(), data)
		},
	})
	cmd.Flags().StringVar(&statName, "type", "overview", "overview, pages, referrers, devices or geo")
	cmd.Flags().StringVar(&start, "start", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&page, "page", "", "restrict to one page URL")
	return cmd
}

func (c *cli) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Shows or changes runtime settings",
	}

	get := withApp(&cobra.Command{
		Use:   "get [key]",
		Short: "Prints every setting, or one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.services.Settings.All()
			if err != nil {
				return err
			}
			values := make(map[string]string, len(rows))
			for _, row := range rows {
				values[row.Key] = row.Value
			}
			if len(args) == 1 {
				value, ok := values[args[0]]
				if !ok {
					return fmt.Errorf("unknown setting %q", args[0])
				}
				values = map[string]string{args[0]: value}
			}
			return render(cmd.OutOrStdout(), values, func(w *tabwriter.Writer) {
				keys := make([]string, 0, len(values))
				for key := range values {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Fprintf(w, "%s\t%s\n", key, values[key])
				}
			})
		},
	})

	set := withApp(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Changes one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := updateInput(args[0], args[1])
			if err != nil {
				return err
			}
			snap, err := c.services.Settings.Update(input)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	})

	cmd.AddCommand(get, set)
	return cmd
}

func updateInput(key, value string) (settings.UpdateInput, error) {
	var input settings.UpdateInput
	switch key {
	case settings.KeyAnalyticsEnabled, settings.KeyExcludeBots:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return input, fmt.Errorf("%w: %s must be true or false", settings.ErrInvalidSetting, key)
		}
		if key == settings.KeyAnalyticsEnabled {
			input.AnalyticsEnabled = &b
		} else {
			input.ExcludeBots = &b
		}
	case settings.KeyRetentionDays:
		days, err := strconv.Atoi(value)
		if err != nil {
			return input, fmt.Errorf("%w: retention_days must be a number", settings.ErrInvalidSetting)
		}
		input.RetentionDays = &days
	case settings.KeyExcludedIPs:
		input.ExcludedIPs = &value
	default:
		return input, fmt.Errorf("%w: %q cannot be changed from the CLI", settings.ErrInvalidSetting, key)
	}
	return input, nil
}

type status struct {
	Events          int64             `json:"events"`
	LastAggregation string            `json:"last_aggregation"`
	LastCleanup     string            `json:"last_cleanup"`
	BufferedEvents  int               `json:"buffered_events"`
	Settings        settings.Snapshot `json:"settings"`
	OpenConnections int               `json:"open_connections"`
	MaxConnections  int               `json:"max_open_connections"`
}

func (c *cli) statusCmd() *cobra.Command {
	return withApp(&cobra.Command{
		Use:   "status",
		Short: "Shows the current system status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services := c.services

			count, err := services.Events.Count(cmd.Context())
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			snap, err := services.Settings.Snapshot()
			if err != nil {
				return err
			}

			st := status{Events: count, Settings: snap, BufferedEvents: services.Buffer.Len()}
			if t, ok, _ := services.Settings.LastAggregation(); ok {
				st.LastAggregation = formatTime(t)
			}
			if t, ok, _ := services.Settings.LastCleanup(); ok {
				st.LastCleanup = formatTime(t)
			}

			sqlDB, err := services.DBManager.GetConnection().DB()
			if err != nil {
				return fmt.Errorf("failed to get SQL DB: %w", err)
			}
			stats := sqlDB.Stats()
			st.OpenConnections = stats.OpenConnections
			st.MaxConnections = stats.MaxOpenConnections

			return render(cmd.OutOrStdout(), st, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "Database\tConnected")
				fmt.Fprintf(w, "Events\t%d\n", st.Events)
				fmt.Fprintf(w, "Analytics enabled\t%t\n", snap.AnalyticsEnabled)
				fmt.Fprintf(w, "Retention days\t%d\n", snap.RetentionDays)
				fmt.Fprintf(w, "Last aggregation\t%s\n", orNever(st.LastAggregation))
				fmt.Fprintf(w, "Last cleanup\t%s\n", orNever(st.LastCleanup))
				fmt.Fprintf(w, "Open connections\t%d/%d\n", st.OpenConnections, st.MaxConnections)
			})
		},
	})
}

// seedCmd populates the database with synthetic page views
func (c *cli) seedCmd() *cobra.Command {
	var (
		eventCount int
		days       int
		seed       uint64
		aggregate  bool
	)
	cmd := withApp(&cobra.Command{
		Use:   "seed",
		Short: "Seeds the database with sample page views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			services := c.services

			if !cmd.Flags().Changed("seed") {
				seed = uint64(time.Now().UnixNano())
			}
			result, err := seeder.NewSeeder(services.Events, slog.Default(), eventCount, days, seed).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Seeded %d events in %d sessions\n", result.Events, result.Sessions)

			// Seeded events lie behind the watermark; rewind it so they get rolled up.
			if watermark, ok, _ := services.Settings.LastAggregation(); !ok || result.Earliest.Before(watermark) {
				if err := services.Settings.SetLastAggregation(result.Earliest.Add(-time.Second)); err != nil {
					return err
				}
			}
			if !aggregate {
				return nil
			}

			agg, err := services.Aggregation.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Aggregated %d events over %d days\n", agg.Events, agg.Days)
			return nil
		},
	})
	cmd.Flags().IntVar(&eventCount, "events", 10000, "number of events to generate")
	cmd.Flags().IntVar(&days, "days", 30, "spread events over this many past days")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (defaults to the current time)")
	cmd.Flags().BoolVar(&aggregate, "aggregate", true, "roll up the seeded days afterwards")
	return cmd
}

func completionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			}
			return errors.New("unknown shell: " + args[0])
		},
	}
}

// Helper functions

// render prints a table on a terminal and JSON otherwise.
func render(out io.Writer, v any, table func(w *tabwriter.Writer)) error {
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return writeJSON(out, v)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	table(w)
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func orNever(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
