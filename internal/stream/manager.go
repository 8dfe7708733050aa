// Package stream owns the streaming subscription that feeds the sample
// buffer. All state changes happen on a single event loop (Run); dial and
// read goroutines only post events tagged with the epoch of the connection
// they belong to, and events from an older epoch are dropped.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iburimskiy/wave-stream/internal/buffer"
	"github.com/iburimskiy/wave-stream/internal/wave"
)

// Conn is one open stream. ReadMessage blocks until the next frame and
// must return an error once Close has been called.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a stream for the given capacity.
type Dialer interface {
	Dial(ctx context.Context, capacity int) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, capacity int) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, capacity int) (Conn, error) {
	return f(ctx, capacity)
}

// ErrNotRunning is returned by commands issued after Run has returned.
var ErrNotRunning = errors.New("stream: manager is not running")

type event any

type (
	cmdOpen struct {
		capacity int
		ack      chan struct{}
	}
	cmdResize struct {
		capacity int
		ack      chan struct{}
	}
	cmdClose struct{ ack chan struct{} }

	evOpened struct {
		epoch uint64
		conn  Conn
	}
	evDialFailed struct {
		epoch uint64
		err   error
	}
	evMessage struct {
		epoch   uint64
		payload []byte
	}
	evClosed struct {
		epoch uint64
		err   error
	}
	evRetry struct{ epoch uint64 }
)

// Manager keeps exactly one live subscription bound to the current
// capacity and applies inbound batches to the buffer of that epoch.
type Manager struct {
	dialer    Dialer
	reconnect ReconnectConfig
	logger    *slog.Logger

	events chan event
	done   chan struct{}

	mu        sync.RWMutex
	snapshot  buffer.Buffer
	status    Status
	observers []func(Status)

	// Owned by the event loop.
	epoch      uint64
	state      State
	capacity   int
	buf        buffer.Buffer
	conn       Conn
	cancelDial context.CancelFunc
	retry      *time.Timer
	wantOpen   bool
	attempts   int
	frames     uint64
	dropped    uint64
	lastErr    error
	runCtx     context.Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnect sets the reconnect policy.
func WithReconnect(cfg ReconnectConfig) Option {
	return func(m *Manager) { m.reconnect = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager in the Closed state. Run must be started
// before Open, SetCapacity or Close are called.
func NewManager(d Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:    d,
		reconnect: DefaultReconnectConfig(),
		logger:    slog.Default(),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		buf:       buffer.New(buffer.MinCapacity),
	}
	for _, o := range opts {
		o(m)
	}
	m.capacity = m.buf.Cap()
	m.snapshot = m.buf
	m.status = Status{State: Closed, Capacity: m.capacity}
	return m
}

// OnChange registers fn to be called on the event loop after every state or
// buffer change. fn must not block and must not call back into the manager's
// commands.
func (m *Manager) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Snapshot returns a read-only copy of the current epoch's samples.
func (m *Manager) Snapshot() []wave.Sample {
	m.mu.RLock()
	b := m.snapshot
	m.mu.RUnlock()
	return b.Samples()
}

// Status returns the current observable status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Open opens a stream with the given capacity. An active connection is
// replaced. It returns once the loop has processed the request; the
// handshake itself completes asynchronously.
func (m *Manager) Open(capacity int) error {
	ack := make(chan struct{})
	return m.do(cmdOpen{capacity: capacity, ack: ack}, ack)
}

// SetCapacity replaces the connection when capacity differs from the
// current one. It is a no-op otherwise, or while the manager is closed by
// request.
func (m *Manager) SetCapacity(capacity int) error {
	ack := make(chan struct{})
	return m.do(cmdResize{capacity: capacity, ack: ack}, ack)
}

// Close closes the current connection. Closing a closed manager is a no-op.
func (m *Manager) Close() error {
	ack := make(chan struct{})
	if err := m.do(cmdClose{ack: ack}, ack); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) do(cmd event, ack chan struct{}) error {
	select {
	case m.events <- cmd:
	case <-m.done:
		return ErrNotRunning
	}
	select {
	case <-ack:
		return nil
	case <-m.done:
		return ErrNotRunning
	}
}

// post delivers an event from a dial, read or timer goroutine. It reports
// false once the loop has stopped.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Run processes events until ctx is cancelled. It leaves the manager in the
// Closed state.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev := <-m.events:
			ack := m.handle(ev)
			m.publish()
			if ack != nil {
				close(ack)
			}
		}
	}
}

// handle applies one event and returns the acknowledgement channel of a
// command, to be closed once the new state is published.
func (m *Manager) handle(ev event) chan struct{} {
	switch ev := ev.(type) {
	case cmdOpen:
		m.handleOpen(ev.capacity)
		return ev.ack
	case cmdResize:
		m.handleResize(ev.capacity)
		return ev.ack
	case cmdClose:
		m.handleClose()
		return ev.ack
	case evOpened:
		m.handleOpened(ev)
	case evDialFailed:
		m.handleDialFailed(ev)
	case evMessage:
		m.handleMessage(ev)
	case evClosed:
		m.handleClosed(ev)
	case evRetry:
		if ev.epoch == m.epoch && m.wantOpen && m.state == Closed {
			m.connect()
		}
	}
	return nil
}

func (m *Manager) clamp(requested int) int {
	capacity, err := buffer.ClampCapacity(requested)
	if err != nil {
		m.logger.Warn("stream: invalid capacity", "requested", requested, "capacity", capacity, "error", err)
	}
	return capacity
}

func (m *Manager) handleOpen(requested int) {
	capacity := m.clamp(requested)
	if m.wantOpen && capacity == m.capacity && (m.state == Open || m.state == Connecting) {
		return
	}
	m.wantOpen = true
	m.attempts = 0
	m.capacity = capacity
	m.connect()
}

// handleResize replaces the connection on a capacity change. The old
// buffer is discarded, not resized.
func (m *Manager) handleResize(requested int) {
	capacity := m.clamp(requested)
	if capacity == m.capacity {
		return
	}
	m.capacity = capacity
	if !m.wantOpen {
		return
	}
	m.logger.Info("stream: capacity changed", "capacity", capacity)
	m.attempts = 0
	m.connect()
}

// connect tears down the current connection and dials a new one under a
// fresh epoch with an empty buffer.
func (m *Manager) connect() {
	m.teardown()
	m.epoch++
	m.buf = buffer.New(m.capacity)
	m.state = Connecting

	ctx, cancel := context.WithCancel(m.runCtx)
	m.cancelDial = cancel
	epoch, capacity := m.epoch, m.capacity
	m.logger.Debug("stream: connecting", "epoch", epoch, "capacity", capacity)

	go func() {
		conn, err := m.dialer.Dial(ctx, capacity)
		if err != nil {
			m.post(evDialFailed{epoch: epoch, err: err})
			return
		}
		if !m.post(evOpened{epoch: epoch, conn: conn}) {
			conn.Close()
		}
	}()
}

// teardown releases the current connection without waiting for it; any
// event it still produces carries the old epoch.
func (m *Manager) teardown() {
	m.stopRetry()
	m.stopDial()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("stream: close", "epoch", m.epoch, "error", err)
		}
		m.conn = nil
	}
}

func (m *Manager) handleClose() {
	m.wantOpen = false
	m.stopRetry()
	switch m.state {
	case Closed, Closing:
		return
	case Connecting:
		// The dial goroutine reports back under this epoch.
		m.stopDial()
		m.state = Closing
	case Open:
		m.stopDial()
		m.state = Closing
		if m.conn != nil {
			if err := m.conn.Close(); err != nil {
				m.logger.Debug("stream: close", "epoch", m.epoch, "error", err)
			}
			m.conn = nil
		}
	}
}

func (m *Manager) handleOpened(ev evOpened) {
	if ev.epoch != m.epoch || m.state != Connecting {
		ev.conn.Close()
		if ev.epoch == m.epoch && m.state == Closing {
			m.state = Closed
		}
		return
	}
	m.conn = ev.conn
	m.state = Open
	m.attempts = 0
	m.lastErr = nil
	m.logger.Info("stream: connected", "epoch", ev.epoch, "capacity", m.capacity)

	conn, epoch := ev.conn, ev.epoch
	go func() {
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				m.post(evClosed{epoch: epoch, err: err})
				return
			}
			if !m.post(evMessage{epoch: epoch, payload: payload}) {
				return
			}
		}
	}()
}

func (m *Manager) handleDialFailed(ev evDialFailed) {
	if ev.epoch != m.epoch {
		return
	}
	m.stopDial()
	if m.state == Closing {
		m.state = Closed
		return
	}
	m.fail(&ConnectionError{Epoch: ev.epoch, Op: "dial", Err: ev.err})
}

func (m *Manager) handleMessage(ev evMessage) {
	if ev.epoch != m.epoch || m.state != Open {
		m.dropped++
		m.logger.Debug("stream: dropped stale frame", "epoch", ev.epoch, "active", m.epoch)
		return
	}
	batch, err := DecodeBatch(ev.payload)
	if err != nil {
		perr := &ParseError{Epoch: ev.epoch, Err: err}
		m.dropped++
		m.lastErr = perr
		m.logger.Warn("stream: dropping frame", "epoch", ev.epoch, "error", perr)
		return
	}
	m.frames++
	m.buf = m.buf.Append(batch)
}

func (m *Manager) handleClosed(ev evClosed) {
	if ev.epoch != m.epoch {
		return
	}
	m.conn = nil
	if m.state == Closing || !m.wantOpen {
		m.state = Closed
		m.logger.Info("stream: closed", "epoch", ev.epoch)
		return
	}
	m.fail(&ConnectionError{Epoch: ev.epoch, Op: "read", Err: ev.err})
}

// fail records a connection failure and schedules a retry per policy.
func (m *Manager) fail(err *ConnectionError) {
	m.state = Closed
	m.lastErr = err
	m.attempts++
	m.logger.Error("stream: connection failed", "epoch", err.Epoch, "attempt", m.attempts, "error", err)

	if !m.wantOpen || !m.reconnect.enabled() {
		return
	}
	if m.reconnect.exhausted(m.attempts) {
		m.logger.Error("stream: giving up", "max_retries", m.reconnect.MaxRetries)
		return
	}
	delay := m.reconnect.backoff(m.attempts)
	epoch := m.epoch
	m.logger.Warn("stream: retrying", "attempt", m.attempts, "delay", delay)
	m.retry = time.AfterFunc(delay, func() { m.post(evRetry{epoch: epoch}) })
}

func (m *Manager) stopDial() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) shutdown() {
	m.wantOpen = false
	m.teardown()
	m.state = Closed
	m.publish()
	m.logger.Info("stream: stopped", "epoch", m.epoch)
}

func (m *Manager) publish() {
	st := Status{
		State:     m.state,
		Epoch:     m.epoch,
		Capacity:  m.capacity,
		Attempts:  m.attempts,
		Frames:    m.frames,
		Dropped:   m.dropped,
		LastError: m.lastErr,
	}
	m.mu.Lock()
	changed := st != m.status || m.buf.Len() != m.snapshot.Len()
	m.snapshot = m.buf
	m.status = st
	observers := m.observers
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range observers {
		fn(st)
	}
}
