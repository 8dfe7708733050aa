// Package control pushes settings snapshots to the sample server's control
// endpoint whenever a tracked field changes.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// PushError reports a failed push. Local settings are not affected.
type PushError struct {
	Seq    uint64
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *PushError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("control: push #%d: status %d: %v", e.Seq, e.Status, e.Err)
	}
	return fmt.Sprintf("control: push #%d: %v", e.Seq, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Pusher delivers one snapshot to the control endpoint.
type Pusher interface {
	Push(ctx context.Context, seq uint64, s wave.Settings) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, seq uint64, s wave.Settings) error

func (f PusherFunc) Push(ctx context.Context, seq uint64, s wave.Settings) error {
	return f(ctx, seq, s)
}

// Synchronizer fires an asynchronous push each time an observed snapshot
// differs field-wise from the previously observed one. Pushes are not
// serialised and never block Observe.
type Synchronizer struct {
	pusher  Pusher
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	last     wave.Key
	observed bool
	closed   bool
	seq      uint64
	onResult func(seq uint64, err error)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds each push. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResultHook registers fn to be called from the push goroutine when a
// push completes. err is nil or a *PushError.
func WithResultHook(fn func(seq uint64, err error)) Option {
	return func(s *Synchronizer) { s.onResult = fn }
}

// NewSynchronizer returns a synchronizer that has not observed anything yet;
// the first Observe always pushes.
func NewSynchronizer(p Pusher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		pusher:  p,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Observe compares settings with the previously observed snapshot and, on a
// change, starts a push of the full snapshot. It reports whether a push was
// started. After Close it never starts one.
func (s *Synchronizer) Observe(settings wave.Settings) bool {
	key := settings.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.observed && key == s.last) {
		return false
	}
	s.last = key
	s.observed = true
	s.seq++
	s.wg.Add(1)
	go s.push(s.seq, settings)
	return true
}

func (s *Synchronizer) push(seq uint64, settings wave.Settings) {
	defer s.wg.Done()

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err := s.pusher.Push(ctx, seq, settings)
	if err != nil {
		var perr *PushError
		if !errors.As(err, &perr) {
			err = &PushError{Seq: seq, Err: err}
		}
		s.logger.Warn("control: push failed", "seq", seq, "error", err)
	} else {
		s.logger.Debug("control: pushed", "seq", seq, "settings", settings.String())
	}
	if s.onResult != nil {
		s.onResult(seq, err)
	}
}

// Seq returns the sequence number of the latest push started.
func (s *Synchronizer) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Wait blocks until every started push has finished.
func (s *Synchronizer) Wait() { s.wg.Wait() }

// Close cancels outstanding pushes and waits for them. Later Observe calls
// are ignored.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
