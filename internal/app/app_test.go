package app

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpmoo/tasknotes-sub007/internal/config"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
	"github.com/jpmoo/tasknotes-sub007/internal/synth"
	"github.com/jpmoo/tasknotes-sub007/internal/taskstore"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.CacheDir = t.TempDir()
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Subscriptions = []config.SubscriptionConfig{{ID: "a", URL: "x.ics"}, {ID: "a", URL: "y.ics"}}
	_, err := New(cfg, taskstore.NewMemory())
	assert.ErrorContains(t, err, "duplicate subscription")
}

func TestNewSkipsDisabledSubscriptions(t *testing.T) {
	off := false
	cfg := testConfig(t)
	cfg.RefreshCron = "@every 1h"
	cfg.Subscriptions = []config.SubscriptionConfig{
		{ID: "on", URL: "on.ics", Color: "#112233"},
		{ID: "off", URL: "off.ics", Enabled: &off},
		{ID: "fast", URL: "fast.ics", Refresh: "@every 5m"},
	}
	a, err := New(cfg, taskstore.NewMemory())
	require.NoError(t, err)

	subs := a.Subs.List()
	require.Len(t, subs, 2)
	assert.Equal(t, "@every 1h", subs[0].Schedule)
	assert.Equal(t, "@every 5m", subs[1].Schedule)
	assert.Equal(t, "#112233", a.Synth.Palette.Subscriptions["on"])
}

func TestDefaultWindowFollowsWeekStart(t *testing.T) {
	a, err := New(testConfig(t), taskstore.NewMemory())
	require.NoError(t, err)
	// Thursday.
	a.now = func() time.Time { return time.Date(2025, 3, 6, 15, 0, 0, 0, time.UTC) }

	w := a.DefaultWindow(7)
	assert.Equal(t, civil.Date{Year: 2025, Month: 3, Day: 3}, w.From)
	assert.Equal(t, civil.Date{Year: 2025, Month: 3, Day: 9}, w.To)

	a.Config.WeekStart = "sunday"
	w = a.DefaultWindow(14)
	assert.Equal(t, civil.Date{Year: 2025, Month: 3, Day: 2}, w.From)
	assert.Equal(t, civil.Date{Year: 2025, Month: 3, Day: 15}, w.To)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Calendar.ShowTimeEntries = false
	cfg.Calendar.ColorBy = "status"
	cfg.PropertyDates = []config.PropertyDateConfig{{Property: "launch", Label: "Launch"}}
	a, err := New(cfg, taskstore.NewMemory())
	require.NoError(t, err)

	opts := a.Options()
	assert.False(t, opts.ShowTimeEntries)
	assert.True(t, opts.ShowDue)
	assert.Equal(t, synth.ColorByStatus, opts.ColorBy)
	assert.Equal(t, []synth.PropertyDate{{Property: "launch", Label: "Launch"}}, opts.PropertyDates)
}

func TestAgendaAndExport(t *testing.T) {
	due := &model.When{Time: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), AllDay: true}
	store := taskstore.NewMemory(
		model.Task{Path: "a.md", Title: "Standup", Due: due, Recurrence: "FREQ=DAILY;COUNT=3"},
	)
	a, err := New(testConfig(t), store)
	require.NoError(t, err)

	window := recur.Window{From: civil.Date{Year: 2025, Month: 3, Day: 1}, To: civil.Date{Year: 2025, Month: 3, Day: 31}}
	opts := a.Options()
	opts.ShowDue = false
	occ, err := a.Agenda(context.Background(), window, opts)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, model.KindRecurringInstance, occ[0].Kind)

	item, err := a.ExportTask(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;COUNT=3", item.Payload.RuleString)

	_, err = a.ExportTask(context.Background(), "missing.md")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
