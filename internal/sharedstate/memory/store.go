// Package memory is an in-process sharedstate backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"qms/caller-service/internal/sharedstate"

	"github.com/charmbracelet/log"
)

type Store struct {
	mu     sync.RWMutex
	rows   map[string]json.RawMessage
	fanout *sharedstate.Fanout
}

func New(logger *log.Logger) *Store {
	return &Store{
		rows:   make(map[string]json.RawMessage),
		fanout: sharedstate.NewFanout(logger),
	}
}

func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(path)
}

func (s *Store) resolveLocked(path string) (json.RawMessage, error) {
	if exact, ok := s.rows[path]; ok {
		return cloneRaw(exact), nil
	}
	ancestors := sharedstate.Ancestors(path)
	for i := len(ancestors) - 1; i >= 0; i-- {
		if value, ok := s.rows[ancestors[i]]; ok {
			return sharedstate.Resolve(path, nil, ancestors[i], value, nil)
		}
	}
	prefix := sharedstate.DescendantPrefix(path)
	descendants := map[string]json.RawMessage{}
	for key, value := range s.rows {
		if strings.HasPrefix(key, prefix) {
			descendants[key] = value
		}
	}
	return sharedstate.Assemble(path, descendants)
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := sharedstate.ValidatePath(path); err != nil {
		return err
	}
	raw, remove, err := sharedstate.Encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkAncestorsLocked(path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.deleteLocked(path)
	var stored json.RawMessage
	if !remove {
		s.rows[path] = raw
		stored = cloneRaw(raw)
	}
	s.fanout.Publish(sharedstate.Change{Path: path, Value: stored})
	s.mu.Unlock()
	return nil
}

func (s *Store) Update(ctx context.Context, path string, partial map[string]any) error {
	if err := sharedstate.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkAncestorsLocked(path); err != nil {
		s.mu.Unlock()
		return err
	}
	merged, err := sharedstate.Merge(s.rows[path], partial)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rows[path] = merged
	s.fanout.Publish(sharedstate.Change{Path: path, Value: cloneRaw(merged)})
	s.mu.Unlock()
	return nil
}

// Increment implements sharedstate.Incrementer under the store lock.
func (s *Store) Increment(ctx context.Context, path, field string, delta int, extra map[string]any) (int, bool, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	existing, ok := s.rows[path]
	if !ok {
		s.mu.Unlock()
		return 0, false, fmt.Errorf("%w: %s", sharedstate.ErrNotFound, path)
	}
	updated, value, applied, err := sharedstate.ApplyIncrement(existing, field, delta, extra)
	if err != nil || !applied {
		s.mu.Unlock()
		return value, false, err
	}
	s.rows[path] = updated
	s.fanout.Publish(sharedstate.Change{Path: path, Value: cloneRaw(updated)})
	s.mu.Unlock()
	return value, true, nil
}

// Subscribe takes the base view under the same lock writers publish under,
// so no change is missed or delivered twice.
func (s *Store) Subscribe(path string, onChange func(json.RawMessage)) (sharedstate.Handle, error) {
	if err := sharedstate.ValidatePath(path); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	base, err := s.resolveLocked(path)
	if err != nil {
		return 0, err
	}
	return s.fanout.Add(path, base, 0, onChange)
}

func (s *Store) Unsubscribe(h sharedstate.Handle) {
	s.fanout.Remove(h)
}

func (s *Store) Close() error {
	s.fanout.Close()
	return nil
}

func (s *Store) checkAncestorsLocked(path string) error {
	for _, ancestor := range sharedstate.Ancestors(path) {
		if _, ok := s.rows[ancestor]; ok {
			return fmt.Errorf("%w: %s is stored as a single value", sharedstate.ErrInvalidPath, ancestor)
		}
	}
	return nil
}

func (s *Store) deleteLocked(path string) {
	delete(s.rows, path)
	prefix := sharedstate.DescendantPrefix(path)
	for key := range s.rows {
		if strings.HasPrefix(key, prefix) {
			delete(s.rows, key)
		}
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
