// Package postgres is a sharedstate backend on PostgreSQL. Every write
// raises a NOTIFY carrying the changed path and the value written inside its
// transaction, and each store keeps one pooled connection LISTENing to fan
// changes out.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"qms/caller-service/internal/sharedstate"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notifyChannel = "shared_state_changes"

// maxNoticeValue keeps payloads under the 8000 byte NOTIFY limit. Larger
// values are sent without the value and read back by listeners.
const maxNoticeValue = 7000

type notice struct {
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reload bool            `json:"reload,omitempty"`
}

//go:embed migrations/*.sql
var migrations embed.FS

type Options struct {
	ReconnectDelay time.Duration
	Logger         *log.Logger
}

type Store struct {
	pool           *pgxpool.Pool
	fanout         *sharedstate.Fanout
	logger         *log.Logger
	reconnectDelay time.Duration
	subMu          sync.Mutex
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewStore applies the schema and starts the change listener.
func NewStore(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Store, error) {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if err := Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("migrate shared state: %w", err)
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:           pool,
		fanout:         sharedstate.NewFanout(opts.Logger),
		logger:         opts.Logger,
		reconnectDelay: opts.ReconnectDelay,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	ready := make(chan struct{})
	go s.listen(listenCtx, ready)
	select {
	case <-ready:
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, ctx.Err()
	}
	return s, nil
}

// Migrate runs the embedded schema files in name order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.fanout.Close()
	return nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return nil, err
	}
	value, err := resolve(ctx, s.pool, path)
	if err != nil {
		return nil, sharedstate.Unavailable("get", path, err)
	}
	return value, nil
}

func resolve(ctx context.Context, q queryer, path string) (json.RawMessage, error) {
	exact, err := readRow(ctx, q, path, false)
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

	rows, err := q.Query(ctx, `
		SELECT path, value::text FROM shared_state WHERE starts_with(path, $1)
	`, sharedstate.DescendantPrefix(path))
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

func readRow(ctx context.Context, q queryer, path string, forUpdate bool) (json.RawMessage, error) {
	query := `SELECT value::text FROM shared_state WHERE path = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var value string
	err := q.QueryRow(ctx, query, path).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func nearestAncestor(ctx context.Context, q queryer, path string) (string, json.RawMessage, error) {
	ancestors := sharedstate.Ancestors(path)
	if len(ancestors) == 0 {
		return "", nil, nil
	}
	var key, value string
	err := q.QueryRow(ctx, `
		SELECT path, value::text FROM shared_state WHERE path = ANY($1)
		ORDER BY length(path) DESC LIMIT 1
	`, ancestors).Scan(&key, &value)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.write(ctx, "set", path, func(tx pgx.Tx) (json.RawMessage, error) {
		if _, err := tx.Exec(ctx, `
			DELETE FROM shared_state WHERE path = $1 OR starts_with(path, $2)
		`, path, sharedstate.DescendantPrefix(path)); err != nil {
			return nil, err
		}
		if remove {
			return nil, nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO shared_state (path, value, updated_at) VALUES ($1, $2::jsonb, now())
		`, path, string(raw))
		return raw, err
	})
}

func (s *Store) Update(ctx context.Context, path string, partial map[string]any) error {
	if err := sharedstate.ValidatePath(path); err != nil {
		return err
	}
	patch, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("encode partial: %w", err)
	}
	return s.write(ctx, "update", path, func(tx pgx.Tx) (json.RawMessage, error) {
		var merged string
		err := tx.QueryRow(ctx, `
			INSERT INTO shared_state (path, value, updated_at) VALUES ($1, $2::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET
				value = CASE WHEN jsonb_typeof(shared_state.value) = 'object'
					THEN shared_state.value || excluded.value
					ELSE excluded.value END,
				updated_at = now()
			RETURNING value::text
		`, path, string(patch)).Scan(&merged)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(merged), nil
	})
}

var errNotApplied = errors.New("increment not applied")

func (s *Store) Increment(ctx context.Context, path, field string, delta int, extra map[string]any) (int, bool, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, false, err
	}
	var value int
	err := s.write(ctx, "increment", path, func(tx pgx.Tx) (json.RawMessage, error) {
		existing, err := readRow(ctx, tx, path, true)
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
		_, err = tx.Exec(ctx, `
			UPDATE shared_state SET value = $2::jsonb, updated_at = now() WHERE path = $1
		`, path, string(updated))
		return updated, err
	})
	if errors.Is(err, errNotApplied) {
		return value, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (s *Store) write(ctx context.Context, op, path string, fn func(tx pgx.Tx) (json.RawMessage, error)) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ancestorPath, ancestor, err := nearestAncestor(ctx, tx, path)
	if err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	if ancestor != nil {
		return fmt.Errorf("%w: %s is stored as a single value", sharedstate.ErrInvalidPath, ancestorPath)
	}

	stored, err := fn(tx)
	if err != nil {
		if errors.Is(err, errNotApplied) || errors.Is(err, sharedstate.ErrNotFound) {
			return err
		}
		return sharedstate.Unavailable(op, path, err)
	}
	payload, err := encodeNotice(path, stored)
	if err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	if _, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return sharedstate.Unavailable(op, path, err)
	}
	return nil
}

func encodeNotice(path string, value json.RawMessage) (string, error) {
	n := notice{Path: path, Value: value}
	if len(value) > maxNoticeValue {
		n = notice{Path: path, Reload: true}
	}
	payload, err := json.Marshal(n)
	return string(payload), err
}

// Subscribe reads the base view while the listener is held off, so no
// notice falls between the read and the registration. A notice for a write
// already in the base may still arrive once; it carries the same value.
func (s *Store) Subscribe(path string, onChange func(json.RawMessage)) (sharedstate.Handle, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base, err := s.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	return s.fanout.Add(path, base, 0, onChange)
}

func (s *Store) Unsubscribe(h sharedstate.Handle) {
	s.fanout.Remove(h)
}
