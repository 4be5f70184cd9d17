// Package cmd implements the taskcal command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/jpmoo/tasknotes-sub007/internal/app"
	"github.com/jpmoo/tasknotes-sub007/internal/config"
	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/outbound"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
	"github.com/jpmoo/tasknotes-sub007/internal/synth"
	"github.com/jpmoo/tasknotes-sub007/internal/web"
)

// Version is set at build time.
var Version = "0.1.0-dev"

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := NewTaskcal(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "taskcal", "config.yaml")
	}
	return "taskcal.yaml"
}

// NewTaskcal creates the root command with injectable IO.
func NewTaskcal(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:     "taskcal",
		Short:   "Calendar view of recurring task notes and subscribed feeds",
		Long:    "taskcal expands task recurrences and subscribed calendar feeds into one dated, colored occurrence list.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			appLog.SetOutput(stderr)
			if g.logLevel != "" {
				appLog.SetLevel(appLog.ParseLevel(g.logLevel))
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath(), "Path to config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newAgendaCmd(stdout, g))
	cmd.AddCommand(newExpandCmd(stdout))
	cmd.AddCommand(newExportCmd(stdout, g))

	return cmd
}

// loadApp loads the config and builds the app. The --log-level flag wins
// over the config's level.
func loadApp(g *globalFlags) (*app.App, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	if g.logLevel == "" {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}
	return app.New(cfg, nil)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the calendar API and refresh subscriptions in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			if listen != "" {
				a.Config.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			appLog.Info("taskcal starting", "version", Version, "listen", a.Config.Listen)
			if err := a.Subs.Start(ctx); err != nil {
				return err
			}
			defer a.Subs.Stop()

			err = web.NewServer(a).Run(ctx)
			appLog.Info("taskcal exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

type agendaFlags struct {
	from, to   string
	days       int
	refresh    bool
	jsonOutput bool
	colorBy    string
	projects   []string
}

func newAgendaCmd(stdout io.Writer, g *globalFlags) *cobra.Command {
	f := &agendaFlags{}
	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Print the synthesized occurrences for a date window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			window, err := agendaWindow(a, f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if f.refresh {
				refreshAll(ctx, a)
			} else {
				for _, s := range a.Subs.List() {
					s.Seed()
				}
			}

			opts := a.Options()
			switch c := synth.ColorBy(f.colorBy); c {
			case "":
			case synth.ColorByPriority, synth.ColorByStatus:
				opts.ColorBy = c
			default:
				return fmt.Errorf("--color-by must be priority or status, got %q", f.colorBy)
			}
			for _, p := range f.projects {
				opts.Projects = append(opts.Projects, model.NormalizeRef(p))
			}

			occ, err := a.Agenda(ctx, window, opts)
			if err != nil {
				return err
			}
			if f.jsonOutput {
				return writeJSON(stdout, occ)
			}
			printAgenda(stdout, occ, a.Location)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "", "First date (YYYY-MM-DD); default is the start of this week")
	cmd.Flags().StringVar(&f.to, "to", "", "Last date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.days, "days", 7, "Window length when --to is not set")
	cmd.Flags().BoolVar(&f.refresh, "refresh", true, "Fetch subscriptions before printing (otherwise use the disk cache)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().StringVar(&f.colorBy, "color-by", "", "Color by priority or status")
	cmd.Flags().StringSliceVar(&f.projects, "project", nil, "Only tasks linked to this project (repeatable)")
	return cmd
}

func agendaWindow(a *app.App, f *agendaFlags) (recur.Window, error) {
	if f.from == "" {
		if f.to != "" {
			return recur.Window{}, errors.New("--to requires --from")
		}
		return a.DefaultWindow(f.days), nil
	}
	return parseWindow(f.from, f.to, f.days)
}

func parseWindow(fromRaw, toRaw string, days int) (recur.Window, error) {
	from, err := civil.ParseDate(fromRaw)
	if err != nil {
		return recur.Window{}, fmt.Errorf("--from: %w", err)
	}
	if days <= 0 {
		days = 7
	}
	to := from.AddDays(days - 1)
	if toRaw != "" {
		if to, err = civil.ParseDate(toRaw); err != nil {
			return recur.Window{}, fmt.Errorf("--to: %w", err)
		}
	}
	if to.Before(from) {
		return recur.Window{}, errors.New("--to is before --from")
	}
	return recur.Window{From: from, To: to}, nil
}

func refreshAll(ctx context.Context, a *app.App) {
	for _, s := range a.Subs.List() {
		s.Seed()
		if _, err := a.Subs.RefreshNow(ctx, s.ID); err != nil {
			appLog.Warn("agenda: using cached events", err, "subscription", s.ID)
		}
	}
}

func printAgenda(w io.Writer, occ []model.Occurrence, loc *time.Location) {
	var day civil.Date
	for _, o := range occ {
		d := civil.DateOf(o.Start.In(loc))
		if d != day {
			day = d
			fmt.Fprintf(w, "\n%s %s\n", d.String(), d.In(time.UTC).Weekday().String()[:3])
		}
		when := "all day"
		if !o.AllDay {
			when = o.Start.In(loc).Format("15:04")
		}
		mark := " "
		if o.Completed {
			mark = "x"
		}
		fmt.Fprintf(w, "  [%s] %-7s %-18s %s\n", mark, when, o.Kind, o.Label)
	}
}

type expandFlags struct {
	from, to   string
	days       int
	anchor     string
	timezone   string
	completed  []string
	skipped    []string
	jsonOutput bool
	maxPeriods int
}

func newExpandCmd(stdout io.Writer) *cobra.Command {
	f := &expandFlags{}
	cmd := &cobra.Command{
		Use:   "expand RULE",
		Short: "Expand a recurrence rule into dates",
		Long: `Expand a recurrence rule into the dates it produces inside a window.

Examples:
  taskcal expand "FREQ=MONTHLY;BYDAY=2MO" --anchor 2025-01-13 --from 2025-01-01 --days 365
  taskcal expand "DTSTART:20250131;FREQ=MONTHLY;BYDAY=-1FR" --from 2025-01-01 --to 2025-06-30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.UTC
			if f.timezone != "" {
				var err error
				if loc, err = time.LoadLocation(f.timezone); err != nil {
					return fmt.Errorf("--timezone: %w", err)
				}
			}
			rule, err := recur.Parse(args[0], loc)
			if err != nil {
				return err
			}
			if f.anchor != "" {
				d, err := civil.ParseDate(f.anchor)
				if err != nil {
					return fmt.Errorf("--anchor: %w", err)
				}
				rule = rule.WithAnchor(d.In(loc), true)
			}
			rule = rule.In(loc)
			if f.from == "" {
				if rule.Anchor.IsZero() {
					return errors.New("--from is required when the rule has no anchor")
				}
				f.from = civil.DateOf(rule.Anchor).String()
			}
			window, err := parseWindow(f.from, f.to, f.days)
			if err != nil {
				return err
			}
			completed, err := parseDates(f.completed)
			if err != nil {
				return fmt.Errorf("--completed: %w", err)
			}
			skipped, err := parseDates(f.skipped)
			if err != nil {
				return fmt.Errorf("--skipped: %w", err)
			}

			engine := recur.Engine{MaxPeriods: f.maxPeriods}
			instances, expandErr := engine.Expand(rule, recur.NewExceptionSet(completed, skipped), window)
			if expandErr != nil {
				appLog.Warn("rule not expandable, showing anchor only", expandErr)
			}

			if f.jsonOutput {
				type instanceJSON struct {
					Date      civil.Date `json:"date"`
					Completed bool       `json:"completed,omitempty"`
				}
				out := struct {
					Rule      string         `json:"rule"`
					Instances []instanceJSON `json:"instances"`
					Error     string         `json:"error,omitempty"`
				}{Rule: rule.String(), Instances: []instanceJSON{}}
				for _, in := range instances {
					out.Instances = append(out.Instances, instanceJSON{Date: in.Date, Completed: in.Completed})
				}
				if expandErr != nil {
					out.Error = expandErr.Error()
				}
				return writeJSON(stdout, out)
			}
			for _, in := range instances {
				line := in.Date.String()
				if in.Completed {
					line += " completed"
				}
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "", "First date (YYYY-MM-DD); defaults to the anchor date")
	cmd.Flags().StringVar(&f.to, "to", "", "Last date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.days, "days", 366, "Window length when --to is not set")
	cmd.Flags().StringVar(&f.anchor, "anchor", "", "Anchor date when the rule has no DTSTART")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "IANA zone for floating DTSTART values (default UTC)")
	cmd.Flags().StringSliceVar(&f.completed, "completed", nil, "Completed instance dates")
	cmd.Flags().StringSliceVar(&f.skipped, "skipped", nil, "Skipped instance dates")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().IntVar(&f.maxPeriods, "max-periods", 0, "Iteration ceiling (0 = default)")
	return cmd
}

func parseDates(raw []string) ([]civil.Date, error) {
	var out []civil.Date
	for _, s := range raw {
		d, err := civil.ParseDate(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func newExportCmd(stdout io.Writer, g *globalFlags) *cobra.Command {
	var (
		task   string
		asICS  bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Translate task recurrences for an external calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var items []outbound.Item
			failed := map[string]error{}
			if task != "" {
				item, err := a.ExportTask(ctx, task)
				if err != nil {
					return err
				}
				items = []outbound.Item{item}
			} else if items, failed, err = a.ExportItems(ctx); err != nil {
				return err
			}

			paths := make([]string, 0, len(failed))
			for p := range failed {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				appLog.Warn("task not exported", failed[p], "task", p)
			}

			if asICS {
				_, err = io.WriteString(stdout, outbound.Calendar(items, time.Now()))
			} else {
				type itemJSON struct {
					Path       string           `json:"path"`
					Title      string           `json:"title"`
					Payload    outbound.Payload `json:"payload"`
					Recurrence []string         `json:"recurrence"`
				}
				out := make([]itemJSON, 0, len(items))
				for _, it := range items {
					out = append(out, itemJSON{Path: it.Path, Title: it.Title, Payload: it.Payload, Recurrence: it.Payload.Recurrence()})
				}
				err = writeJSON(stdout, out)
			}
			if err != nil {
				return err
			}
			if strict && len(failed) > 0 {
				return fmt.Errorf("%d task(s) could not be exported", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Only this task (vault-relative path)")
	cmd.Flags().BoolVar(&asICS, "ics", false, "Write an iCalendar document instead of JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any task cannot be exported")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
