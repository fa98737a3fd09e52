// Package announce serializes call announcements on one client so they never
// overlap, and renders them as speech or as a clip sequence.
package announce

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type State int

const (
	Idle State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// DefaultItemDelay separates consecutive announcements.
const DefaultItemDelay = time.Second

type Announcement struct {
	ClinicName string
	Number     int
}

// Renderer plays one announcement and returns when it is finished or ctx is
// cancelled. Segment failures are its own concern.
type Renderer interface {
	Render(ctx context.Context, a Announcement)
}

type RendererFunc func(ctx context.Context, a Announcement)

func (f RendererFunc) Render(ctx context.Context, a Announcement) { f(ctx, a) }

type Options struct {
	ItemDelay time.Duration
	Logger    *log.Logger
}

// Scheduler is a single-flight FIFO: while one announcement plays, new ones
// wait in an unbounded queue.
type Scheduler struct {
	renderer  Renderer
	itemDelay time.Duration
	logger    *log.Logger

	mu         sync.Mutex
	state      State
	queue      []Announcement
	generation uint64
	cancel     context.CancelFunc
	idle       chan struct{}
}

func NewScheduler(renderer Renderer, opts Options) *Scheduler {
	if opts.ItemDelay <= 0 {
		opts.ItemDelay = DefaultItemDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		renderer:  renderer,
		itemDelay: opts.ItemDelay,
		logger:    opts.Logger,
		idle:      idle,
	}
}

// Enqueue starts rendering immediately when idle, otherwise queues.
func (s *Scheduler) Enqueue(clinicName string, number int) {
	a := Announcement{ClinicName: clinicName, Number: number}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Playing {
		s.queue = append(s.queue, a)
		s.logger.Debug("announcement queued", "clinic", clinicName, "number", number, "pending", len(s.queue))
		return
	}
	s.state = Playing
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.idle = make(chan struct{})
	go s.run(ctx, s.generation, a, s.idle)
}

// Stop cancels the announcement in flight, drops everything queued and
// returns to Idle before returning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.queue)
	s.queue = nil
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.state == Playing {
		s.logger.Info("announcements stopped", "dropped", dropped)
		close(s.idle)
	}
	s.state = Idle
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending is the number of queued announcements, excluding the one playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until the scheduler is idle or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, generation uint64, a Announcement, idle chan struct{}) {
	for {
		s.logger.Debug("announcement playing", "clinic", a.ClinicName, "number", a.Number)
		s.renderer.Render(ctx, a)

		if !s.hasNext(generation, idle) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.itemDelay):
		}
		var ok bool
		if a, ok = s.pop(generation, idle); !ok {
			return
		}
	}
}

// hasNext moves to Idle when nothing is queued. A stale generation means
// Stop already reset the scheduler.
func (s *Scheduler) hasNext(generation uint64, idle chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return false
	}
	if len(s.queue) == 0 {
		s.finishLocked(idle)
		return false
	}
	return true
}

func (s *Scheduler) pop(generation uint64, idle chan struct{}) (Announcement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return Announcement{}, false
	}
	if len(s.queue) == 0 {
		s.finishLocked(idle)
		return Announcement{}, false
	}
	a := s.queue[0]
	s.queue = s.queue[1:]
	return a, true
}

func (s *Scheduler) finishLocked(idle chan struct{}) {
	s.state = Idle
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	close(idle)
}
