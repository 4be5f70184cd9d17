package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SubscriptionConfig describes a single calendar feed.
type SubscriptionConfig struct {
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is an http(s) or webcal(s) endpoint, or a local .ics path.
	URL string `yaml:"url" json:"url"`
	// Refresh is a cron spec ("*/30 * * * *" or "@every 30m"). Empty uses
	// the top-level refresh spec.
	Refresh string `yaml:"refresh,omitempty" json:"refresh,omitempty"`
	Color   string `yaml:"color,omitempty" json:"color,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the subscription should be fetched.
func (s SubscriptionConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ColorRule assigns a color to one priority or status value.
type ColorRule struct {
	Value string `yaml:"value" json:"value"`
	Color string `yaml:"color" json:"color"`
}

// PropertyDateConfig exposes a date-valued task property on the calendar.
type PropertyDateConfig struct {
	Property string `yaml:"property" json:"property"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
}

// CalendarConfig holds the visibility toggles. Each is independent.
type CalendarConfig struct {
	ShowDue           bool `yaml:"show_due" json:"show_due"`
	ShowScheduled     bool `yaml:"show_scheduled" json:"show_scheduled"`
	ShowRecurring     bool `yaml:"show_recurring" json:"show_recurring"`
	ShowTimeEntries   bool `yaml:"show_time_entries" json:"show_time_entries"`
	ShowFeeds         bool `yaml:"show_feeds" json:"show_feeds"`
	ShowPropertyDates bool `yaml:"show_property_dates" json:"show_property_dates"`
	// FeedDetails appends the event location to feed labels.
	FeedDetails bool `yaml:"feed_details" json:"feed_details"`
	// ColorBy is "priority" (default) or "status".
	ColorBy string `yaml:"color_by" json:"color_by"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone for all-day dates and floating feed times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday"; the agenda's default
	// window starts on it.
	WeekStart string `yaml:"week_start" json:"week_start"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// VaultDir is the root of the markdown task notes.
	VaultDir string `yaml:"vault_dir" json:"vault_dir"`
	// TaskTag selects task notes; empty reads every note with frontmatter.
	TaskTag string `yaml:"task_tag" json:"task_tag"`
	// CacheDir keeps the last downloaded body of every feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RefreshCron is the default feed refresh schedule.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`

	// FillOpacity is the alpha of every fill color.
	FillOpacity float64 `yaml:"fill_opacity" json:"fill_opacity"`
	// DefaultColor is used when a priority/status/feed has no color.
	DefaultColor string `yaml:"default_color" json:"default_color"`
	// Colors maps symbolic tokens ("accent", "var(--red)") to hex colors.
	Colors     map[string]string `yaml:"colors,omitempty" json:"colors,omitempty"`
	Priorities []ColorRule       `yaml:"priorities" json:"priorities"`
	Statuses   []ColorRule       `yaml:"statuses" json:"statuses"`

	PropertyDates []PropertyDateConfig `yaml:"property_dates,omitempty" json:"property_dates,omitempty"`

	// ExpansionYears is the feed expansion half-window.
	ExpansionYears int `yaml:"expansion_years" json:"expansion_years"`
	// MaxPeriods bounds the periods one rule expansion may walk.
	MaxPeriods int `yaml:"max_periods" json:"max_periods"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultRefresh     = "*/30 * * * *"
	defaultOpacity     = 0.15
	defaultColor       = "#808080"
	defaultYears       = 2
	defaultMaxPeriods  = 10000
	defaultTaskTag     = "task"
	defaultLogLevel    = "info"
	defaultWeekStart   = "monday"
	defaultCacheSubdir = "taskcal"
)

func defaultPriorities() []ColorRule {
	return []ColorRule{
		{Value: "high", Color: "#ff6b6b"},
		{Value: "normal", Color: "#ffa94d"},
		{Value: "low", Color: "#51cf66"},
		{Value: "none", Color: "#adb5bd"},
	}
}

func defaultStatuses() []ColorRule {
	return []ColorRule{
		{Value: "open", Color: "#339af0"},
		{Value: "in-progress", Color: "#fab005"},
		{Value: "done", Color: "#868e96"},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Timezone:      "Local",
		WeekStart:     defaultWeekStart,
		LogLevel:      defaultLogLevel,
		TaskTag:       defaultTaskTag,
		CacheDir:      defaultCacheDir(),
		RefreshCron:   defaultRefresh,
		Subscriptions: []SubscriptionConfig{},
		Calendar: CalendarConfig{
			ShowDue:           true,
			ShowScheduled:     true,
			ShowRecurring:     true,
			ShowTimeEntries:   true,
			ShowFeeds:         true,
			ShowPropertyDates: true,
			ColorBy:           "priority",
		},
		FillOpacity:    defaultOpacity,
		DefaultColor:   defaultColor,
		Priorities:     defaultPriorities(),
		Statuses:       defaultStatuses(),
		ExpansionYears: defaultYears,
		MaxPeriods:     defaultMaxPeriods,
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, defaultCacheSubdir)
	}
	return filepath.Join(os.TempDir(), defaultCacheSubdir)
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday", "sunday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		c.WeekStart = defaultWeekStart
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("sub%d", i+1)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
	}
	switch c.Calendar.ColorBy {
	case "priority", "status":
	default:
		c.Calendar.ColorBy = "priority"
	}
	if c.FillOpacity <= 0 || c.FillOpacity > 1 {
		c.FillOpacity = defaultOpacity
	}
	if c.DefaultColor == "" {
		c.DefaultColor = defaultColor
	}
	if c.Priorities == nil {
		c.Priorities = defaultPriorities()
	}
	if c.Statuses == nil {
		c.Statuses = defaultStatuses()
	}
	if c.ExpansionYears <= 0 {
		c.ExpansionYears = defaultYears
	}
	if c.MaxPeriods <= 0 {
		c.MaxPeriods = defaultMaxPeriods
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for _, s := range c.Subscriptions {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate subscription id %q", s.ID))
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.URL) == "" {
			errs = append(errs, fmt.Errorf("subscription %q has no url", s.ID))
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		errs = append(errs, errors.New("basic_auth requires a username"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FirstWeekday is the configured week start.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// ColorMap flattens rules into a value → color map.
func ColorMap(rules []ColorRule) map[string]string {
	out := make(map[string]string, len(rules))
	for _, r := range rules {
		out[r.Value] = r.Color
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600 perms
//     and returned.
//   - Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	// Keep default lists only when the file does not name them.
	cfg.Priorities, cfg.Statuses = nil, nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory (0700) when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".taskcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
