// Package journal records scheduled task lifecycle events in a SQL database. It plugs into the
// scheduler as an Observer and exposes a small host namespace for scripts to query it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"rash/internal/logger"
	"rash/internal/scheduler"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverMySQL   = "mysql"
)

type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventFired      EventKind = "fired"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
)

// Event is one row of the journal.
type Event struct {
	Seq       int64
	TaskID    string
	Namespace string
	Name      string
	Kind      EventKind
	At        time.Time
	Elapsed   time.Duration
	Error     string
}

const defaultDialTimeout = 5 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS task_events (
	seq        BIGINT       NOT NULL,
	task_id    VARCHAR(64)  NOT NULL,
	namespace  VARCHAR(128) NOT NULL,
	name       VARCHAR(128) NOT NULL,
	event      VARCHAR(16)  NOT NULL,
	at_ms      BIGINT       NOT NULL,
	elapsed_us BIGINT       NOT NULL,
	error      TEXT
)`

const insertEvent = `INSERT INTO task_events (seq, task_id, namespace, name, event, at_ms, elapsed_us, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Journal writes events on its own goroutine so observer callbacks never wait on the database.
type Journal struct {
	db     *sql.DB
	driver string
	log    *slog.Logger

	seq     atomic.Int64
	dropped atomic.Int64
	events  chan journalOp
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type journalOp struct {
	event *Event
	flush chan struct{}
}

const defaultQueueSize = 256

type Option func(*Journal)

// WithQueueSize sets how many events may wait for the writer before new ones are dropped.
func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.events = make(chan journalOp, n)
		}
	}
}

// Open connects to the database, creates the table if needed and starts the writer.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Journal, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3:
	case DriverMySQL:
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if driver != DriverMySQL {
		// sqlite allows one writer; an in-memory database also exists per connection
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	j := &Journal{
		db:     db,
		driver: driver,
		log:    logger.NewLogger("journal"),
		events: make(chan journalOp, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_events`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("read journal: %w", err)
	}
	j.seq.Store(last.Int64)

	go j.writer()
	j.log.Debug("journal opened", slog.String("driver", driver))
	return j, nil
}

// normalizeMySQLDSN validates dsn and turns on the options the journal relies on.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultDialTimeout
	}
	return cfg.FormatDSN(), nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for op := range j.events {
		if op.event != nil {
			if err := j.insert(op.event); err != nil {
				j.log.Warn("failed to record task event",
					slog.String("task", op.event.TaskID),
					slog.String("event", string(op.event.Kind)),
					slog.Any("error", err))
			}
		}
		if op.flush != nil {
			close(op.flush)
		}
	}
}

func (j *Journal) insert(e *Event) error {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := j.db.Exec(insertEvent,
		e.Seq, e.TaskID, e.Namespace, e.Name, string(e.Kind),
		e.At.UnixMilli(), e.Elapsed.Microseconds(), errText)
	return err
}

// Record queues e for writing without waiting: observers run on the scheduler goroutine. Events
// recorded after Close, or while the queue is full, are dropped.
func (j *Journal) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	e.Seq = j.seq.Add(1)
	select {
	case j.events <- journalOp{event: &e}:
	default:
		j.dropped.Add(1)
		j.log.Warn("journal queue is full, dropping task event",
			slog.String("task", e.TaskID),
			slog.String("event", string(e.Kind)),
			slog.Int64("dropped", j.dropped.Load()))
	}
}

// Dropped counts the events lost to a full queue.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Flush waits until every event recorded so far has been written.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})

	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return errors.New("journal is closed")
	}
	select {
	case j.events <- journalOp{flush: done}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the events of a task in the order they were recorded.
func (j *Journal) History(ctx context.Context, taskID string) ([]Event, error) {
	if err := j.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx, `SELECT seq, task_id, namespace, name, event, at_ms, elapsed_us, error
FROM task_events WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			kind      string
			atMs      int64
			elapsedUs int64
			errText   sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.Namespace, &e.Name, &kind, &atMs, &elapsedUs, &errText); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Kind = EventKind(kind)
		e.At = time.UnixMilli(atMs)
		e.Elapsed = time.Duration(elapsedUs) * time.Microsecond
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns how many events of the given kind a task has.
func (j *Journal) Count(ctx context.Context, taskID string, kind EventKind) (int64, error) {
	if err := j.Flush(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_events WHERE task_id = ? AND event = ?`, taskID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count journal events: %w", err)
	}
	return n, nil
}

// Close writes out queued events and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.events)
		j.mu.Unlock()

		<-j.done
		err = j.db.Close()
		j.log.Debug("journal closed")
	})
	return err
}

func (j *Journal) TaskRegistered(info scheduler.Info) {
	j.Record(eventFor(info, EventRegistered))
}

func (j *Journal) TaskFired(info scheduler.Info, elapsed time.Duration, err error) {
	e := eventFor(info, EventFired)
	e.Elapsed = elapsed
	if err != nil {
		e.Kind = EventFailed
		e.Error = err.Error()
	}
	j.Record(e)
}

func (j *Journal) TaskCancelled(info scheduler.Info) {
	j.Record(eventFor(info, EventCancelled))
}

func eventFor(info scheduler.Info, kind EventKind) Event {
	return Event{TaskID: info.ID, Namespace: info.Namespace, Name: info.Name, Kind: kind}
}
