package postgres

import (
	"context"
	"encoding/json"
	"time"

	"qms/caller-service/internal/sharedstate"
)

func (s *Store) listen(ctx context.Context, ready chan struct{}) {
	defer close(s.done)
	signalled := false
	for {
		err := s.listenOnce(ctx, func() {
			if !signalled {
				signalled = true
				close(ready)
			}
		})
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("state listener stopped, reconnecting", "err", err, "delay", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, onReady func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN "+notifyChannel); err != nil {
			// a connection stuck mid-wait must not go back to the pool
			_ = conn.Conn().Close(unlistenCtx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	onReady()
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.publish(ctx, notification.Payload)
	}
}

func (s *Store) publish(ctx context.Context, payload string) {
	var n notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.logger.Warn("ignoring malformed state notice", "err", err)
		return
	}
	change := sharedstate.Change{Path: n.Path, Value: n.Value}
	if string(change.Value) == "null" {
		change.Value = nil
	}
	if n.Reload {
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		value, err := s.Get(readCtx, n.Path)
		cancel()
		if err != nil {
			s.logger.Warn("state notice read back failed", "path", n.Path, "err", err)
			return
		}
		change.Value = value
	}
	s.subMu.Lock()
	s.fanout.Publish(change)
	s.subMu.Unlock()
}
