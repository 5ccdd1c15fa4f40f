package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"concertcal/internal/calendar"
	"concertcal/internal/config"
	appLog "concertcal/internal/log"
	"concertcal/internal/model"
	"concertcal/internal/store"
)

// Source lists events the dedup store has recorded.
type Source interface {
	Upcoming(ctx context.Context, today model.Date) ([]store.SeenEvent, error)
}

// RunStatus describes the most recent scrape run.
type RunStatus struct {
	RunID      string    `json:"run_id"`
	Added      int       `json:"added"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Server serves the upcoming-event API and an ICS feed in watch mode.
type Server struct {
	cfg    *config.Config
	source Source
	mux    *http.ServeMux

	// trigger starts an out-of-schedule run. Nil disables /api/refresh.
	trigger func() bool

	// In-memory cache of the upcoming list so feed readers polling every
	// few minutes do not hit SQLite each time.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache

	statusMu sync.RWMutex
	status   *RunStatus

	now func() time.Time
}

const eventsCacheTTL = 30 * time.Second

type eventsCache struct {
	events    []model.Event
	updatedAt time.Time
}

// NewServer constructs a new Server. trigger may be nil.
func NewServer(cfg *config.Config, source Source, trigger func() bool) *Server {
	s := &Server{
		cfg:     cfg,
		source:  source,
		mux:     http.NewServeMux(),
		trigger: trigger,
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// SetStatus records the outcome of a run and drops the cached event list.
func (s *Server) SetStatus(st RunStatus) {
	s.statusMu.Lock()
	s.status = &st
	s.statusMu.Unlock()
	s.Invalidate()
}

// Invalidate drops the cached event list.
func (s *Server) Invalidate() {
	s.eventsMu.Lock()
	s.eventsCache = nil
	s.eventsMu.Unlock()
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="concertcal", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON shape of one event in /api/events.
type eventDTO struct {
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Venue       string    `json:"venue"`
	Location    string    `json:"location,omitempty"`
	Date        string    `json:"date"`
	EndDate     string    `json:"end_date,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Artists     []string  `json:"artists"`
	Price       string    `json:"price,omitempty"`
	TicketURL   string    `json:"ticket_url,omitempty"`
	Description string    `json:"description,omitempty"`
}

type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	DisplayTimeZone string     `json:"display_timezone"`
}

// handleEvents returns upcoming events.
//
// GET /api/events?days=30
//   - days: only events starting within this many days (default: all)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.upcoming(r.Context())
	if err != nil {
		appLog.Error("api events: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	loc := s.displayLocation()
	today := model.DateOf(s.now().In(loc))
	days := parseIntDefault(r.URL.Query().Get("days"), 0)

	dtos := make([]eventDTO, 0, len(events))
	for _, e := range events {
		if days > 0 && !e.Date.Before(today.AddDays(days)) {
			continue
		}
		dto := eventDTO{
			UID:         calendar.UID(e),
			Title:       e.Title,
			Venue:       e.VenueName,
			Location:    e.VenueLocation,
			Date:        e.Date.String(),
			Start:       e.StartIn(loc),
			End:         e.EndIn(loc),
			Artists:     e.Artists,
			Price:       e.Price,
			TicketURL:   e.TicketURL,
			Description: e.Description,
		}
		if dto.Artists == nil {
			dto.Artists = []string{}
		}
		if e.IsMultiDay() {
			dto.EndDate = e.EndDate.String()
		}
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, DisplayTimeZone: loc.String()})
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	events, err := s.upcoming(r.Context())
	if err != nil {
		appLog.Error("calendar.ics: load failed", err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := calendar.WriteICS(&buf, events, s.cfg.CalendarName, s.cfg.Location()); err != nil {
		appLog.Error("calendar.ics: serialize failed", err)
		http.Error(w, "failed to build calendar", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	if st == nil {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusNotFound, "refresh not available")
		return
	}
	if !s.trigger() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// upcoming returns the cached list, reloading it from the source when stale.
func (s *Server) upcoming(ctx context.Context) ([]model.Event, error) {
	now := s.now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && now.Sub(ec.updatedAt) < eventsCacheTTL {
		return ec.events, nil
	}

	today := model.DateOf(now.In(s.displayLocation()))
	rows, err := s.source.Upcoming(ctx, today)
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ToEvent(s.cfg.DefaultEventDurationHours))
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{events: events, updatedAt: now}
	s.eventsMu.Unlock()
	return events, nil
}

func (s *Server) displayLocation() *time.Location {
	if loc := s.cfg.Location(); loc != nil {
		return loc
	}
	return time.Local
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
