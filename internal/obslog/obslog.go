// Package obslog buffers structured log and error events from every
// component and batches them into controldb's obs_events table, backing
// the Admin Surface's logs/errors endpoints. It adapts the teacher's
// internal/analytics.Recorder — a buffered channel drained by a
// ticker-driven batch writer — from page-view request events to
// {ts, level, source, eventType, message, attrs} log events.
package obslog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single structured log/error record.
type Event struct {
	Time      time.Time
	Level     string
	Source    string
	EventType string
	Message   string
	Attrs     map[string]any
}

// Store buffers Events and flushes them in batches into obs_events.
type Store struct {
	db     *sql.DB
	ch     chan Event
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewStore creates a Store and starts its writer goroutine. db must
// already have the obs_events table (controldb.Open applies that
// migration).
func NewStore(db *sql.DB) *Store {
	s := &Store{db: db, ch: make(chan Event, 1024)}
	s.wg.Add(1)
	go s.writer()
	return s
}

// Record enqueues an event for asynchronous persistence. Non-blocking;
// drops on a full buffer. Safe to call after Close (no-op).
func (s *Store) Record(e Event) {
	if s.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				if len(batch) > 0 {
					s.flush(batch)
				}
				return
			}
			batch = append(batch, e)
			if len(batch) >= 100 {
				s.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}
		}
	}
}

func (s *Store) flush(events []Event) {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("obslog: begin tx", "err", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO obs_events (ts, level, source, event_type, message, attrs_json) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		slog.Error("obslog: prepare", "err", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()
	for _, e := range events {
		attrsJSON := ""
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrsJSON = string(b)
			}
		}
		if _, err := stmt.Exec(e.Time.UTC().Unix(), e.Level, e.Source, e.EventType, e.Message, attrsJSON); err != nil {
			slog.Error("obslog: insert", "err", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("obslog: commit", "err", err)
	}
}

// Close drains the event channel and shuts down the writer.
func (s *Store) Close() error {
	s.closed.Store(true)
	close(s.ch)
	s.wg.Wait()
	return nil
}

// Record is a persisted row as returned by Query.
type Record struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	EventType string         `json:"eventType,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter narrows a Query call. A zero-value field is unconstrained, except
// Limit: zero, a negative value, or a value over 1000 means 100.
type Filter struct {
	Level     string
	Source    string
	EventType string
	Search    string
	Limit     int
}

// Query returns the most recent matching events, newest first, for the
// Admin Surface's logs/errors endpoints.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ts, level, source, event_type, message, attrs_json FROM obs_events WHERE 1=1`
	var args []any
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.Search != "" {
		query += ` AND message LIKE ?`
		args = append(args, "%"+f.Search+"%")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var ts int64
		var r Record
		var eventType, attrsJSON sql.NullString
		if err := rows.Scan(&ts, &r.Level, &r.Source, &eventType, &r.Message, &attrsJSON); err != nil {
			return nil, err
		}
		r.Time = time.Unix(ts, 0).UTC()
		r.EventType = eventType.String
		if attrsJSON.String != "" {
			_ = json.Unmarshal([]byte(attrsJSON.String), &r.Attrs)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Handler returns an slog.Handler that mirrors every log record into the
// store as an Event, so any component's structured logging also becomes
// queryable through the Admin Surface without a separate instrumentation
// call at each log site.
func (s *Store) Handler(source string, next slog.Handler) slog.Handler {
	return &mirrorHandler{store: s, source: source, next: next}
}

type mirrorHandler struct {
	store  *Store
	source string
	next   slog.Handler
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *mirrorHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.store.Record(Event{
		Time:    r.Time,
		Level:   r.Level.String(),
		Source:  h.source,
		Message: r.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, r)
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mirrorHandler{store: h.store, source: h.source, next: h.next.WithAttrs(attrs)}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	return &mirrorHandler{store: h.store, source: h.source, next: h.next.WithGroup(name)}
}
