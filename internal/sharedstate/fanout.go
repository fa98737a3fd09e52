package sharedstate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Change is one committed write. Value is the full value stored at Path
// after the write, nil when the path was removed. Seq orders changes from a
// backend's change log; zero means unordered.
type Change struct {
	Seq   int64
	Path  string
	Value json.RawMessage
}

// Fanout keeps the subscriber table for a backend and delivers pushes. Each
// subscriber has its own goroutine and FIFO, so a slow callback never holds
// up other subscribers and pushes to one subscriber never reorder.
//
// Views are derived from the recorded change values, never read back from
// the store, so every change reaches a subscriber as the value it wrote.
type Fanout struct {
	mu     sync.Mutex
	next   Handle
	subs   map[Handle]*subscriber
	logger *log.Logger
	closed bool
}

type subscriber struct {
	path     string
	since    int64
	view     json.RawMessage
	onChange func(json.RawMessage)

	mu      sync.Mutex
	pending []json.RawMessage
	wake    chan struct{}
	done    chan struct{}
}

func NewFanout(logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.Default()
	}
	return &Fanout{subs: make(map[Handle]*subscriber), logger: logger}
}

// Add registers a subscriber. base is the value of path when the
// subscription starts and since the last change already reflected in it;
// changes with a sequence at or below since are skipped.
func (f *Fanout) Add(path string, base json.RawMessage, since int64, onChange func(json.RawMessage)) (Handle, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, Unavailable("subscribe", path, context.Canceled)
	}
	f.next++
	sub := &subscriber{
		path:     path,
		since:    since,
		view:     base,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	f.subs[f.next] = sub
	go sub.run()
	return f.next, nil
}

func (f *Fanout) Remove(h Handle) {
	f.mu.Lock()
	sub, ok := f.subs[h]
	delete(f.subs, h)
	f.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Len reports the number of live subscriptions.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish queues c for every related subscriber. It never blocks on a
// callback, so backends may call it while holding their own locks to keep
// delivery in commit order.
func (f *Fanout) Publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !Related(sub.path, c.Path) {
			continue
		}
		if c.Seq != 0 && c.Seq <= sub.since {
			continue
		}
		view, err := project(sub.path, sub.view, c)
		if err != nil {
			f.logger.Warn("dropping push", "path", sub.path, "changed", c.Path, "err", err)
			continue
		}
		sub.view = view
		sub.push(view)
	}
}

// project derives the value at subscribed after c from its previous view.
func project(subscribed string, view json.RawMessage, c Change) (json.RawMessage, error) {
	switch {
	case subscribed == c.Path:
		return c.Value, nil
	case strings.HasPrefix(subscribed, DescendantPrefix(c.Path)):
		if c.Value == nil {
			return nil, nil
		}
		return Extract(c.Value, strings.TrimPrefix(subscribed, DescendantPrefix(c.Path))), nil
	default:
		return Patch(view, strings.TrimPrefix(c.Path, DescendantPrefix(subscribed)), c.Value)
	}
}

func (f *Fanout) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[Handle]*subscriber)
	f.closed = true
	f.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}

func (s *subscriber) push(value json.RawMessage) {
	s.mu.Lock()
	s.pending = append(s.pending, value)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			value := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.onChange(value)
		}
	}
}
