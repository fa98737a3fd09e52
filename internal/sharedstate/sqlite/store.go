// Package sqlite is a sharedstate backend on a SQLite database. Writers
// append to a change log and every process sharing the database file polls
// it to push changes to its own subscribers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qms/caller-service/internal/sharedstate"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Retention    time.Duration
	Logger       *log.Logger
}

type Store struct {
	db     *sql.DB
	fanout *sharedstate.Fanout
	logger *log.Logger

	pollInterval time.Duration
	batchSize    int
	retention    time.Duration

	// subMu orders subscription against publishing so a new subscriber's
	// base view and the changes it is sent line up.
	subMu       sync.Mutex
	offset      int64
	lastCleanup time.Time
	kick        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMemoryStore opens a private in-memory database.
func NewMemoryStore(opts Options) (*Store, error) {
	return newStore(":memory:", true, opts)
}

// NewFileStore opens (or creates) a database file that several processes
// may share.
func NewFileStore(path string, opts Options) (*Store, error) {
	return newStore(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", false, opts)
}

func newStore(dsn string, memory bool, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	s := &Store{
		db:           db,
		fanout:       sharedstate.NewFanout(opts.Logger),
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		retention:    opts.Retention,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM state_changes`).Scan(&s.offset); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load change offset: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// files created before change values were logged
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('state_changes') WHERE name = 'value'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		_, err := s.db.Exec(`ALTER TABLE state_changes ADD COLUMN value TEXT`)
		return err
	}
	return nil
}

func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.fanout.Close()
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return nil, err
	}
	value, err := resolve(ctx, s.db, path)
	if err != nil {
		return nil, sharedstate.Unavailable("get", path, err)
	}
	return value, nil
}

func resolve(ctx context.Context, q querier, path string) (json.RawMessage, error) {
	exact, err := readRow(ctx, q, path)
	if err != nil || exact != nil {
		return exact, err
	}

	ancestorPath, ancestor, err := nearestAncestor(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if ancestor != nil {
		return sharedstate.Resolve(path, nil, ancestorPath, ancestor, nil)
	}

	prefix := sharedstate.DescendantPrefix(path)
	rows, err := q.QueryContext(ctx, `
		SELECT path, value FROM shared_state WHERE path > ? AND path < ?
	`, prefix, prefix+"\xff")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	descendants := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		descendants[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sharedstate.Assemble(path, descendants)
}

func readRow(ctx context.Context, q querier, path string) (json.RawMessage, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM shared_state WHERE path = ?`, path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func nearestAncestor(ctx context.Context, q querier, path string) (string, json.RawMessage, error) {
	ancestors := sharedstate.Ancestors(path)
	if len(ancestors) == 0 {
		return "", nil, nil
	}
	args := make([]any, len(ancestors))
	for i, a := range ancestors {
		args[i] = a
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ancestors)), ",")
	var key, value string
	err := q.QueryRowContext(ctx, `
		SELECT path, value FROM shared_state WHERE path IN (`+placeholders+`)
		ORDER BY length(path) DESC LIMIT 1
	`, args...).Scan(&key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return key, json.RawMessage(value), nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := sharedstate.ValidatePath(path); err != nil {
		return err
	}
	raw, remove, err := sharedstate.Encode(value)
	if err != nil {
		return err
	}
	return s.write(ctx, "set", path, func(tx *sql.Tx, now time.Time) (json.RawMessage, error) {
		prefix := sharedstate.DescendantPrefix(path)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM shared_state WHERE path = ? OR (path > ? AND path < ?)
		`, path, prefix, prefix+"\xff"); err != nil {
			return nil, err
		}
		if remove {
			return nil, nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shared_state (path, value, updated_at) VALUES (?, ?, ?)
		`, path, string(raw), now)
		return raw, err
	})
}

func (s *Store) Update(ctx context.Context, path string, partial map[string]any) error {
	if err := sharedstate.ValidatePath(path); err != nil {
		return err
	}
	return s.write(ctx, "update", path, func(tx *sql.Tx, now time.Time) (json.RawMessage, error) {
		existing, err := readRow(ctx, tx, path)
		if err != nil {
			return nil, err
		}
		merged, err := sharedstate.Merge(existing, partial)
		if err != nil {
			return nil, err
		}
		return merged, upsert(ctx, tx, path, merged, now)
	})
}

var errNotApplied = errors.New("increment not applied")

func (s *Store) Increment(ctx context.Context, path, field string, delta int, extra map[string]any) (int, bool, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, false, err
	}
	var value int
	err := s.write(ctx, "increment", path, func(tx *sql.Tx, now time.Time) (json.RawMessage, error) {
		existing, err := readRow(ctx, tx, path)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", sharedstate.ErrNotFound, path)
		}
		updated, next, applied, err := sharedstate.ApplyIncrement(existing, field, delta, extra)
		if err != nil {
			return nil, err
		}
		value = next
		if !applied {
			return nil, errNotApplied
		}
		return updated, upsert(ctx, tx, path, updated, now)
	})
	if errors.Is(err, errNotApplied) {
		return value, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func upsert(ctx context.Context, tx *sql.Tx, path string, value json.RawMessage, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shared_state (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, path, string(value), now)
	return err
}

// write runs fn in a transaction that also rejects writes nested under a
// stored value and appends the change log entry. fn returns the value left
// at path, which the log records for subscribers.
func (s *Store) write(ctx context.Context, op, path string, fn func(tx *sql.Tx, now time.Time) (json.RawMessage, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ancestorPath, ancestor, err := nearestAncestor(ctx, tx, path)
	if err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	if ancestor != nil {
		return fmt.Errorf("%w: %s is stored as a single value", sharedstate.ErrInvalidPath, ancestorPath)
	}

	now := time.Now().UTC()
	stored, err := fn(tx, now)
	if err != nil {
		if errors.Is(err, errNotApplied) || errors.Is(err, sharedstate.ErrNotFound) || errors.Is(err, sharedstate.ErrInvalidPath) {
			return err
		}
		return sharedstate.Unavailable(op, path, err)
	}
	var logged sql.NullString
	if stored != nil {
		logged = sql.NullString{String: string(stored), Valid: true}
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO state_changes (path, value, created_at) VALUES (?, ?, ?)
	`, path, logged, now); err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	if err = tx.Commit(); err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe reads the base view and the change log position in one read
// transaction; changes up to that position are already in the base.
func (s *Store) Subscribe(path string, onChange func(json.RawMessage)) (sharedstate.Handle, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, sharedstate.Unavailable("subscribe", path, err)
	}
	defer func() { _ = tx.Rollback() }()

	var since int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM state_changes`).Scan(&since); err != nil {
		return 0, sharedstate.Unavailable("subscribe", path, err)
	}
	base, err := resolve(ctx, tx, path)
	if err != nil {
		return 0, sharedstate.Unavailable("subscribe", path, err)
	}
	return s.fanout.Add(path, base, since, onChange)
}

func (s *Store) Unsubscribe(h sharedstate.Handle) {
	s.fanout.Remove(h)
}
