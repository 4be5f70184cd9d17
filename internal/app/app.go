// Package app wires configuration into the task store, feed subscriptions
// and synthesizer shared by the HTTP server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/samber/lo"

	"github.com/jpmoo/tasknotes-sub007/internal/config"
	"github.com/jpmoo/tasknotes-sub007/internal/ics"
	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/outbound"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
	"github.com/jpmoo/tasknotes-sub007/internal/subscription"
	"github.com/jpmoo/tasknotes-sub007/internal/synth"
	"github.com/jpmoo/tasknotes-sub007/internal/taskstore"
)

// App holds the long-lived components built from one Config.
type App struct {
	Config   *config.Config
	Location *time.Location

	Store    taskstore.TaskStore
	Expander *ics.Expander
	Subs     *subscription.Manager
	Synth    *synth.Synthesizer

	now func() time.Time
}

// New builds an App. store may be nil, in which case the configured vault
// is read.
func New(cfg *config.Config, store taskstore.TaskStore) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if store == nil {
		v := taskstore.NewVault(cfg.VaultDir, loc)
		v.TaskTag = cfg.TaskTag
		store = v
	}

	engine := recur.Engine{MaxPeriods: cfg.MaxPeriods}
	expander := &ics.Expander{Location: loc, Years: cfg.ExpansionYears, Engine: engine}
	fetcher := ics.NewFetcher(cfg.CacheDir, &http.Client{Timeout: subscription.DefaultRefreshTimeout})

	enabled := lo.Filter(cfg.Subscriptions, func(s config.SubscriptionConfig, _ int) bool {
		return s.IsEnabled()
	})
	subs := lo.Map(enabled, func(s config.SubscriptionConfig, _ int) *subscription.Subscription {
		schedule := s.Refresh
		if schedule == "" {
			schedule = cfg.RefreshCron
		}
		return subscription.New(subscription.Config{
			ID: s.ID, Name: s.Name, URL: s.URL, Color: s.Color, Schedule: schedule,
		}, fetcher, expander)
	})
	manager := subscription.NewManager(subs, loc)

	a := &App{
		Config:   cfg,
		Location: loc,
		Store:    store,
		Expander: expander,
		Subs:     manager,
		Synth: &synth.Synthesizer{
			Palette: synth.Palette{
				Priorities:    config.ColorMap(cfg.Priorities),
				Statuses:      config.ColorMap(cfg.Statuses),
				Subscriptions: manager.Colors(),
				Symbols:       cfg.Colors,
				Default:       cfg.DefaultColor,
				Opacity:       cfg.FillOpacity,
			},
			Location: loc,
			Engine:   engine,
		},
		now: time.Now,
	}
	appLog.Info("app configured",
		"timezone", loc.String(),
		"vault", cfg.VaultDir,
		"subscriptions", len(subs),
		"expansion_years", cfg.ExpansionYears,
	)
	return a, nil
}

// Options converts the calendar config into synthesizer options.
func (a *App) Options() synth.Options {
	c := a.Config.Calendar
	return synth.Options{
		ShowDue:           c.ShowDue,
		ShowScheduled:     c.ShowScheduled,
		ShowRecurring:     c.ShowRecurring,
		ShowTimeEntries:   c.ShowTimeEntries,
		ShowFeeds:         c.ShowFeeds,
		ShowPropertyDates: c.ShowPropertyDates,
		FeedDetails:       c.FeedDetails,
		ColorBy:           synth.ColorBy(c.ColorBy),
		PropertyDates: lo.Map(a.Config.PropertyDates, func(p config.PropertyDateConfig, _ int) synth.PropertyDate {
			return synth.PropertyDate{Property: p.Property, Label: p.Label}
		}),
	}
}

// DefaultWindow is the week containing today, starting on the configured
// week start, extended by days.
func (a *App) DefaultWindow(days int) recur.Window {
	if days <= 0 {
		days = 7
	}
	today := civil.DateOf(a.now().In(a.Location))
	offset := (int(today.In(time.UTC).Weekday()) - int(a.Config.FirstWeekday()) + 7) % 7
	from := today.AddDays(-offset)
	return recur.Window{From: from, To: from.AddDays(days - 1)}
}

// Agenda reads all tasks and the current feed snapshots and synthesizes the
// occurrences inside window.
func (a *App) Agenda(ctx context.Context, window recur.Window, opts synth.Options) ([]model.Occurrence, error) {
	tasks, err := a.Store.GetAllTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return a.Synth.Synthesize(tasks, a.Subs.Events(), window, opts), nil
}

// ExportItems translates every recurring task. Failures are keyed by task
// path and do not stop the batch.
func (a *App) ExportItems(ctx context.Context) ([]outbound.Item, map[string]error, error) {
	tasks, err := a.Store.GetAllTasks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	items, failed := outbound.TranslateTasks(tasks, a.Location)
	return items, failed, nil
}

// ExportTask translates one task by path.
func (a *App) ExportTask(ctx context.Context, path string) (outbound.Item, error) {
	task, ok, err := taskstore.Find(ctx, a.Store, path)
	if err != nil {
		return outbound.Item{}, fmt.Errorf("load tasks: %w", err)
	}
	if !ok {
		return outbound.Item{}, fmt.Errorf("%w: %s", ErrTaskNotFound, path)
	}
	return outbound.TranslateTask(task, a.Location)
}

// ErrTaskNotFound is returned for unknown task paths.
var ErrTaskNotFound = errors.New("task not found")
