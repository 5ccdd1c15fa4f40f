// Package store is the dedup gate: a SQLite table of event identity keys
// that have already been published.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	appLog "concertcal/internal/log"
	"concertcal/internal/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// sqliteTime is the text form produced by SQLite's datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// SeenStore is the part of the store the pipeline depends on.
type SeenStore interface {
	IsSeen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, rec SeenRecord) error
}

// SeenRecord is written once an event has been published.
type SeenRecord struct {
	Key             string
	CalendarEventID string
	Event           model.Event
}

// RecordFor builds the SeenRecord for e under its canonical key.
func RecordFor(e model.Event, calendarEventID string) SeenRecord {
	return SeenRecord{Key: e.NormalizedKey(), CalendarEventID: calendarEventID, Event: e}
}

// SeenEvent is a row of seen_events.
type SeenEvent struct {
	Key             string
	VenueName       string
	Title           string
	Date            model.Date
	EndDate         *model.Date
	CalendarEventID string
	FirstSeen       time.Time
	LastSeen        time.Time

	// Event is the full record when it was stored; rows written before
	// event_json existed only carry the summary columns.
	Event *model.Event
}

// ToEvent returns the stored event, or a minimal one rebuilt from the summary
// columns for legacy rows.
func (s SeenEvent) ToEvent(defaultDurationHours int) model.Event {
	if s.Event != nil {
		return *s.Event
	}
	return model.Event{
		Title:                s.Title,
		Date:                 s.Date,
		EndDate:              s.EndDate,
		VenueName:            s.VenueName,
		DefaultDurationHours: defaultDurationHours,
	}
}

// Store is a SQLite-backed SeenStore.
type Store struct {
	db *sql.DB
}

var _ SeenStore = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: db path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer keeps concurrent venue workers from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pragma journal_mode: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	appLog.Debug("store opened", "path", path)
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// gooseLogger routes migration output through the application logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	appLog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "goose")
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	appLog.Error("goose fatal", fmt.Errorf(format, v...))
	os.Exit(1)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsSeen reports whether key has been recorded. A hit refreshes last_seen.
func (s *Store) IsSeen(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE seen_events SET last_seen = datetime('now') WHERE normalized_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("store: is seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: is seen: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records rec. Recording an existing key is a no-op.
func (s *Store) MarkSeen(ctx context.Context, rec SeenRecord) error {
	if rec.Key == "" {
		return errors.New("store: mark seen: empty key")
	}

	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}

	var endDate sql.NullString
	if rec.Event.EndDate != nil {
		endDate = sql.NullString{String: rec.Event.EndDate.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_events
		   (normalized_key, venue_name, event_title, event_date, end_date, calendar_event_id, event_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key,
		rec.Event.VenueName,
		rec.Event.Title,
		rec.Event.Date.String(),
		endDate,
		rec.CalendarEventID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("store: mark seen: %w", err)
	}
	return nil
}

// Upcoming returns events whose date, or end date for multi-day events, is
// today or later, ordered by start date.
func (s *Store) Upcoming(ctx context.Context, today model.Date) ([]SeenEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT normalized_key, venue_name, event_title, event_date, end_date,
		        calendar_event_id, first_seen, last_seen, event_json
		   FROM seen_events
		  WHERE event_date >= ? OR (end_date IS NOT NULL AND end_date >= ?)
		  ORDER BY event_date ASC, venue_name ASC, event_title ASC`,
		today.String(), today.String())
	if err != nil {
		return nil, fmt.Errorf("store: upcoming: %w", err)
	}
	defer rows.Close()

	out := make([]SeenEvent, 0)
	for rows.Next() {
		ev, err := scanSeen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: upcoming: %w", err)
	}
	return out, nil
}

// VenuesWithEvents returns the set of venue names with at least one upcoming
// event.
func (s *Store) VenuesWithEvents(ctx context.Context, today model.Date) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT venue_name FROM seen_events
		  WHERE event_date >= ? OR (end_date IS NOT NULL AND end_date >= ?)`,
		today.String(), today.String())
	if err != nil {
		return nil, fmt.Errorf("store: venues: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: venues: %w", err)
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func scanSeen(rows *sql.Rows) (SeenEvent, error) {
	var (
		out                  SeenEvent
		date, first, last    string
		endDate, calID, blob sql.NullString
	)
	if err := rows.Scan(&out.Key, &out.VenueName, &out.Title, &date, &endDate,
		&calID, &first, &last, &blob); err != nil {
		return out, fmt.Errorf("store: scan: %w", err)
	}

	d, err := model.ParseDate(date)
	if err != nil {
		return out, fmt.Errorf("store: row %q: %w", out.Key, err)
	}
	out.Date = d
	if endDate.Valid && endDate.String != "" {
		ed, err := model.ParseDate(endDate.String)
		if err != nil {
			return out, fmt.Errorf("store: row %q: %w", out.Key, err)
		}
		out.EndDate = &ed
	}
	out.CalendarEventID = calID.String
	out.FirstSeen, _ = time.Parse(sqliteTime, first)
	out.LastSeen, _ = time.Parse(sqliteTime, last)

	if blob.Valid && blob.String != "" {
		var ev model.Event
		if err := json.Unmarshal([]byte(blob.String), &ev); err != nil {
			appLog.Warn("store: undecodable event_json, using summary columns", "key", out.Key, "err", err.Error())
		} else {
			out.Event = &ev
		}
	}
	return out, nil
}
