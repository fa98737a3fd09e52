package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"qms/caller-service/internal/sharedstate"
)

func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.poll(ctx)
	}
}

func (s *Store) poll(ctx context.Context) {
	for {
		changes, err := s.listChanges(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("list state changes failed", "err", err)
			}
			return
		}
		s.subMu.Lock()
		for _, c := range changes {
			s.offset = c.Seq
			s.fanout.Publish(c)
		}
		s.subMu.Unlock()
		if len(changes) < s.batchSize {
			break
		}
	}
	s.cleanup(ctx)
}

// listChanges drains the cursor before returning so no connection is held
// while subscribers read back.
func (s *Store) listChanges(ctx context.Context) ([]sharedstate.Change, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT seq, path, value FROM state_changes WHERE seq > ? ORDER BY seq LIMIT ?
	`, s.offset, s.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sharedstate.Change
	for rows.Next() {
		var (
			c     sharedstate.Change
			value sql.NullString
		)
		if err := rows.Scan(&c.Seq, &c.Path, &value); err != nil {
			return nil, err
		}
		if value.Valid {
			c.Value = json.RawMessage(value.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) cleanup(ctx context.Context) {
	now := time.Now().UTC()
	if now.Sub(s.lastCleanup) < s.retention {
		return
	}
	s.lastCleanup = now
	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(cleanupCtx, `
		DELETE FROM state_changes WHERE created_at < ? AND seq <= ?
	`, now.Add(-s.retention), s.offset); err != nil {
		s.logger.Warn("cleanup state changes failed", "err", err)
	}
}
