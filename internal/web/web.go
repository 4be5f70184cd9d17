package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/jpmoo/tasknotes-sub007/internal/app"
	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
	"github.com/jpmoo/tasknotes-sub007/internal/outbound"
	"github.com/jpmoo/tasknotes-sub007/internal/recur"
	"github.com/jpmoo/tasknotes-sub007/internal/synth"
)

// maxWindowDays bounds one /api/events request.
const maxWindowDays = 3 * 366

// Server exposes the synthesized calendar, subscription status and the
// recurrence export over HTTP.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(a *app.App) *Server {
	s := &Server{
		app: a,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.app.Config.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.app.Config.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.app.Config.BasicAuth.Username
	password := s.app.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taskcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.app.Config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.app.Config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleSubscriptions)
	s.mux.HandleFunc("POST /api/subscriptions/{id}/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("GET /export.ics", s.handleExportICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	RangeStart      string             `json:"range_start"`
	RangeEnd        string             `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
	WeekStart       string             `json:"week_start"`
}

// handleEvents returns the synthesized occurrences for a date window.
//
// GET /api/events?from=2025-03-01&to=2025-03-31
//   - from/to: inclusive local dates; default is the current week
//   - days:    window length when from/to are absent (default 7)
//   - show_due, show_scheduled, show_recurring, show_time_entries,
//     show_feeds, show_property_dates, feed_details: override config toggles
//   - color_by: priority | status
//   - project:  repeatable project filter
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window, err := s.parseWindow(q.Get("from"), q.Get("to"), parseIntDefault(q.Get("days"), 7))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := s.app.Options()
	overrideBool(q.Get("show_due"), &opts.ShowDue)
	overrideBool(q.Get("show_scheduled"), &opts.ShowScheduled)
	overrideBool(q.Get("show_recurring"), &opts.ShowRecurring)
	overrideBool(q.Get("show_time_entries"), &opts.ShowTimeEntries)
	overrideBool(q.Get("show_feeds"), &opts.ShowFeeds)
	overrideBool(q.Get("show_property_dates"), &opts.ShowPropertyDates)
	overrideBool(q.Get("feed_details"), &opts.FeedDetails)
	switch c := synth.ColorBy(q.Get("color_by")); c {
	case synth.ColorByPriority, synth.ColorByStatus:
		opts.ColorBy = c
	case "":
	default:
		writeError(w, http.StatusBadRequest, "color_by must be priority or status")
		return
	}
	for _, p := range q["project"] {
		if ref := model.NormalizeRef(p); ref.Kind != model.RefUnresolved {
			opts.Projects = append(opts.Projects, ref)
		}
	}

	occ, err := s.app.Agenda(r.Context(), window, opts)
	if err != nil {
		appLog.Error("api events: agenda failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	if occ == nil {
		occ = []model.Occurrence{}
	}

	appLog.Debug("api events request",
		"from", window.From.String(),
		"to", window.To.String(),
		"occurrences", len(occ),
	)

	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences:     occ,
		RangeStart:      window.From.String(),
		RangeEnd:        window.To.String(),
		DisplayTimeZone: s.app.Location.String(),
		WeekStart:       s.app.Config.WeekStart,
	})
}

func (s *Server) parseWindow(fromRaw, toRaw string, days int) (recur.Window, error) {
	var window recur.Window
	if fromRaw == "" && toRaw == "" {
		window = s.app.DefaultWindow(days)
	} else {
		from, err := civil.ParseDate(fromRaw)
		if err != nil {
			return recur.Window{}, errors.New("from must be a date (YYYY-MM-DD)")
		}
		to := from.AddDays(6)
		if toRaw != "" {
			if to, err = civil.ParseDate(toRaw); err != nil {
				return recur.Window{}, errors.New("to must be a date (YYYY-MM-DD)")
			}
		}
		if to.Before(from) {
			return recur.Window{}, errors.New("to is before from")
		}
		window = recur.Window{From: from, To: to}
	}
	if window.To.DaysSince(window.From) > maxWindowDays {
		return recur.Window{}, errors.New("window too large")
	}
	return window, nil
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Subs.Statuses())
}

// handleRefresh refreshes one subscription synchronously. A refresh that
// is already running answers 409; a failed one answers 502 with the status
// still showing the previous events.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, ok := s.app.Subs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}

	ran, err := s.app.Subs.RefreshNow(r.Context(), id)
	switch {
	case !ran:
		writeJSON(w, http.StatusConflict, sub.Status())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, sub.Status())
	default:
		writeJSON(w, http.StatusOK, sub.Status())
	}
}

// exportItem is the JSON shape of one translated task.
type exportItem struct {
	Path       string           `json:"path"`
	Title      string           `json:"title"`
	Payload    outbound.Payload `json:"payload"`
	Recurrence []string         `json:"recurrence"`
}

type exportResponse struct {
	Items  []exportItem      `json:"items"`
	Failed map[string]string `json:"failed,omitempty"`
}

func toExportItem(it outbound.Item) exportItem {
	return exportItem{Path: it.Path, Title: it.Title, Payload: it.Payload, Recurrence: it.Payload.Recurrence()}
}

// handleExport returns the outbound recurrence payload for one task
// (?task=path) or for every recurring task.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if path := r.URL.Query().Get("task"); path != "" {
		item, err := s.app.ExportTask(r.Context(), path)
		var ce *outbound.CompatibilityError
		switch {
		case errors.Is(err, app.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &ce):
			writeError(w, http.StatusUnprocessableEntity, ce.Error())
		case err != nil:
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeJSON(w, http.StatusOK, toExportItem(item))
		}
		return
	}

	items, failed, err := s.app.ExportItems(r.Context())
	if err != nil {
		appLog.Error("api export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	resp := exportResponse{Items: make([]exportItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, toExportItem(it))
	}
	if len(failed) > 0 {
		resp.Failed = make(map[string]string, len(failed))
		for path, err := range failed {
			resp.Failed[path] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	items, _, err := s.app.ExportItems(r.Context())
	if err != nil {
		appLog.Error("ics export failed", err)
		http.Error(w, "failed to load tasks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="tasks.ics"`)
	_, _ = w.Write([]byte(outbound.Calendar(items, time.Now())))
}

func overrideBool(raw string, dst *bool) {
	if raw == "" {
		return
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
		*dst = v
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
