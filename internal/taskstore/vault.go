package taskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"gopkg.in/yaml.v3"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// DefaultTaskTag marks a note as a task.
const DefaultTaskTag = "task"

// Vault reads tasks from markdown notes with YAML frontmatter under Dir.
//
//	---
//	title: Water plants
//	status: open
//	due: 2025-02-10
//	recurrence: FREQ=WEEKLY;BYDAY=MO
//	complete_instances: [2025-02-03]
//	projects: ["[[Home]]"]
//	tags: [task]
//	---
type Vault struct {
	Dir string
	// TaskTag selects notes carrying this tag. Empty accepts every note with
	// frontmatter.
	TaskTag  string
	Location *time.Location
}

// NewVault returns a vault reader with the default task tag.
func NewVault(dir string, loc *time.Location) *Vault {
	return &Vault{Dir: dir, TaskTag: DefaultTaskTag, Location: loc}
}

func (v *Vault) loc() *time.Location {
	if v.Location == nil {
		return time.Local
	}
	return v.Location
}

// GetAllTasks walks the vault. Notes that cannot be read are logged and
// skipped; one broken note never hides the rest.
func (v *Vault) GetAllTasks(ctx context.Context) ([]model.Task, error) {
	if v.Dir == "" {
		return nil, errors.New("vault directory not configured")
	}
	var tasks []model.Task
	err := filepath.WalkDir(v.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != v.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), ".md") {
			return nil
		}

		rel, err := filepath.Rel(v.Dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			appLog.Warn("task note unreadable", err, "path", rel)
			return nil
		}
		task, ok, err := v.ParseNote(filepath.ToSlash(rel), data)
		if err != nil {
			appLog.Warn("task note skipped", err, "path", rel)
			return nil
		}
		if ok {
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read vault %s: %w", v.Dir, err)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path < tasks[j].Path })
	return tasks, nil
}

// Frontmatter keys with a fixed meaning. Every other date-valued key is kept
// in Task.DateProperties.
var knownKeys = map[string]bool{
	"title": true, "status": true, "priority": true,
	"due": true, "scheduled": true, "recurrence": true,
	"complete_instances": true, "completeinstances": true,
	"skipped_instances": true, "skippedinstances": true,
	"timeentries": true, "time_entries": true,
	"projects": true, "blockedby": true, "blocked_by": true, "tags": true,
}

// ParseNote reads one note. ok is false for notes that are not tasks.
func (v *Vault) ParseNote(path string, data []byte) (task model.Task, ok bool, err error) {
	fm, found := splitFrontmatter(data)
	if !found {
		return model.Task{}, false, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(fm, &doc); err != nil {
		return model.Task{}, false, fmt.Errorf("frontmatter: %w", err)
	}
	raw, _ := plain(&doc).(map[string]any)
	if raw == nil {
		return model.Task{}, false, nil
	}
	fields := make(map[string]any, len(raw))
	for k, val := range raw {
		fields[strings.ToLower(k)] = val
	}

	tags := stringList(fields["tags"])
	if v.TaskTag != "" && !hasTag(tags, v.TaskTag) {
		return model.Task{}, false, nil
	}

	loc := v.loc()
	task = model.Task{
		Path:       path,
		Title:      stringOf(fields["title"]),
		Status:     stringOf(fields["status"]),
		Priority:   stringOf(fields["priority"]),
		Recurrence: strings.TrimSpace(stringOf(fields["recurrence"])),
		Projects:   model.NormalizeRefs(fields["projects"]),
		BlockedBy:  model.NormalizeRefs(first(fields, "blockedby", "blocked_by")),
		Tags:       tags,
	}
	if task.Title == "" {
		task.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if task.Due, err = whenOf(fields["due"], loc); err != nil {
		return model.Task{}, false, fmt.Errorf("due: %w", err)
	}
	if task.Scheduled, err = whenOf(fields["scheduled"], loc); err != nil {
		return model.Task{}, false, fmt.Errorf("scheduled: %w", err)
	}
	task.CompleteInstances = dateList(first(fields, "complete_instances", "completeinstances"))
	task.SkippedInstances = dateList(first(fields, "skipped_instances", "skippedinstances"))
	task.TimeEntries = timeEntries(first(fields, "timeentries", "time_entries"), loc)

	for k, val := range fields {
		if knownKeys[k] {
			continue
		}
		if w, err := whenOf(val, loc); err == nil && w != nil {
			if task.DateProperties == nil {
				task.DateProperties = map[string]model.When{}
			}
			task.DateProperties[k] = *w
		}
	}
	return task, true, nil
}

// splitFrontmatter returns the YAML between the leading "---" fences.
func splitFrontmatter(data []byte) ([]byte, bool) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, false
	}
	rest := data[4:]
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, true
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, false
	}
	return rest[:end+1], true
}

// plain converts a YAML node into maps, slices and strings. Scalars stay
// text so dates are read in the vault's zone rather than yaml's UTC.
func plain(n *yaml.Node) any {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil
		}
		return plain(n.Content[0])
	case yaml.AliasNode:
		return plain(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			out = append(out, plain(c))
		}
		return out
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			out[n.Content[i].Value] = plain(n.Content[i+1])
		}
		return out
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil
		}
		return n.Value
	default:
		return nil
	}
}

func first(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s := strings.TrimSpace(stringOf(it)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		var out []string
		for _, s := range strings.Split(stringOf(t), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
}

func hasTag(tags []string, want string) bool {
	want = strings.TrimPrefix(want, "#")
	for _, t := range tags {
		if strings.EqualFold(strings.TrimPrefix(t, "#"), want) {
			return true
		}
	}
	return false
}

var timedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// whenOf reads a date or date-time value. Times without a zone are taken in
// loc. A nil or empty value gives a nil When.
func whenOf(v any, loc *time.Location) (*model.When, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if d, err := civil.ParseDate(s); err == nil {
			return &model.When{Time: d.In(loc), AllDay: true}, nil
		}
		for _, layout := range timedLayouts {
			if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
				return &model.When{Time: ts}, nil
			}
		}
		return nil, fmt.Errorf("not a date: %q", s)
	default:
		return nil, fmt.Errorf("not a date: %v", v)
	}
}

// dateList reads instance dates; entries that are not dates are dropped.
func dateList(v any) []civil.Date {
	var out []civil.Date
	for _, s := range stringList(v) {
		if len(s) > 10 {
			s = s[:10]
		}
		if d, err := civil.ParseDate(s); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func timeEntries(v any, loc *time.Location) []model.TimeEntry {
	items, _ := v.([]any)
	var out []model.TimeEntry
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		start, err := whenOf(first(m, "startTime", "start"), loc)
		if err != nil || start == nil {
			continue
		}
		e := model.TimeEntry{Start: start.Time, Description: stringOf(m["description"])}
		if end, err := whenOf(first(m, "endTime", "end"), loc); err == nil && end != nil {
			e.End = &end.Time
		}
		out = append(out, e)
	}
	return out
}
