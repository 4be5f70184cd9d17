package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// DefaultRefreshTimeout bounds one scheduled fetch.
const DefaultRefreshTimeout = 60 * time.Second

// Manager schedules refreshes for a fixed set of subscriptions.
type Manager struct {
	subs    []*Subscription
	byID    map[string]*Subscription
	cron    *cron.Cron
	Timeout time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewManager builds a manager; schedules are evaluated in loc.
func NewManager(subs []*Subscription, loc *time.Location) *Manager {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger()
	m := &Manager{
		subs:    subs,
		byID:    make(map[string]*Subscription, len(subs)),
		Timeout: DefaultRefreshTimeout,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	for _, s := range subs {
		m.byID[s.ID] = s
	}
	return m
}

// Start seeds every subscription from the disk cache, registers its refresh
// schedule and kicks off one immediate refresh per subscription. Refreshes
// use a fresh timeout context, not ctx; ctx only cancels the initial round.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("subscription manager already started")
	}

	for _, s := range m.subs {
		sub := s
		if _, err := m.cron.AddFunc(sub.Schedule, func() { m.refresh(context.Background(), sub) }); err != nil {
			return fmt.Errorf("subscription %s: schedule %q: %w", sub.ID, sub.Schedule, err)
		}
	}
	for _, s := range m.subs {
		if s.Seed() {
			appLog.Info("subscription seeded from cache", "subscription", s.ID, "events", len(s.Snapshot().Events))
		}
	}

	m.cron.Start()
	m.started = true

	for _, s := range m.subs {
		sub := s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.refresh(ctx, sub)
		}()
	}
	appLog.Info("subscription scheduler started", "subscriptions", len(m.subs))
	return nil
}

// Stop halts the scheduler and waits for running refreshes.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	<-m.cron.Stop().Done()
	m.wg.Wait()
	m.started = false
	appLog.Info("subscription scheduler stopped")
}

func (m *Manager) refresh(ctx context.Context, s *Subscription) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	// Errors are recorded on the snapshot and logged by Refresh.
	_, _ = s.Refresh(ctx)
}

// RefreshNow refreshes one subscription synchronously. It reports false when
// a refresh of that subscription was already running.
func (m *Manager) RefreshNow(ctx context.Context, id string) (bool, error) {
	s, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("unknown subscription %q", id)
	}
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	return s.Refresh(ctx)
}

// Get looks up a subscription by id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	s, ok := m.byID[id]
	return s, ok
}

// List returns the subscriptions in configuration order.
func (m *Manager) List() []*Subscription {
	return m.subs
}

// Statuses returns the status of every subscription.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.Status())
	}
	return out
}

// Events concatenates the current snapshot of every subscription, ordered
// by start.
func (m *Manager) Events() []model.FeedEvent {
	var out []model.FeedEvent
	for _, s := range m.subs {
		out = append(out, s.Snapshot().Events...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Colors maps subscription ids to their configured color.
func (m *Manager) Colors() map[string]string {
	out := map[string]string{}
	for _, s := range m.subs {
		if s.Color != "" {
			out[s.ID] = s.Color
		}
	}
	return out
}
