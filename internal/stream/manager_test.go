package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	caps  []int
	fail  error
}

func (d *fakeDialer) Dial(ctx context.Context, capacity int) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = append(d.caps, capacity)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.caps)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startManager(t *testing.T, d Dialer, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m := NewManager(d, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Manager, s State) {
	t.Helper()
	waitFor(t, "state "+s.String(), func() bool { return m.Status().State == s })
}

func TestOpenAppliesFrames(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)

	if err := m.Open(5); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, Open)

	c := d.conn(0)
	c.frames <- []byte("[1,2,3]")
	c.frames <- []byte("[4,5,6,7]")
	waitFor(t, "two frames", func() bool { return m.Status().Frames == 2 })

	if got, want := m.Snapshot(), []wave.Sample{3, 4, 5, 6, 7}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if st := m.Status(); st.Epoch != 1 || st.Capacity != 5 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	m.Open(4)
	waitState(t, m, Open)

	c := d.conn(0)
	c.frames <- []byte("[1,2]")
	c.frames <- []byte(`{"not":"an array"}`)
	c.frames <- []byte(`[1, "x"]`)
	c.frames <- []byte(`[null]`)
	waitFor(t, "drops", func() bool { return m.Status().Dropped == 3 })

	if got := m.Snapshot(); !slices.Equal(got, []wave.Sample{1, 2}) {
		t.Fatalf("buffer changed by malformed frames: %v", got)
	}
	var perr *ParseError
	if !errors.As(m.Status().LastError, &perr) {
		t.Fatalf("expected ParseError, got %v", m.Status().LastError)
	}
	if m.Status().State != Open {
		t.Fatalf("parse error must not close the stream")
	}
}

func TestCapacityChangeReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	m.Open(10)
	waitState(t, m, Open)
	d.conn(0).frames <- []byte("[1,2,3,4,5,6,7,8,9,10]")
	waitFor(t, "frame", func() bool { return len(m.Snapshot()) == 10 })

	if err := m.SetCapacity(3); err != nil {
		t.Fatal(err)
	}
	if !d.conn(0).isClosed() {
		t.Fatalf("old connection must be closed")
	}
	st := m.Status()
	if st.Epoch != 2 || st.Capacity != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := m.Snapshot(); len(got) != 0 {
		t.Fatalf("buffer must be recreated empty, got %v", got)
	}
	waitState(t, m, Open)

	// A frame from the old epoch that raced with the close.
	m.post(evMessage{epoch: 1, payload: []byte("[42]")})
	d.conn(1).frames <- []byte("[7,8,9,10]")
	waitFor(t, "new frame", func() bool { return m.Status().Frames == 1 })

	if got := m.Snapshot(); !slices.Equal(got, []wave.Sample{8, 9, 10}) {
		t.Fatalf("got %v", got)
	}
	if m.Status().Dropped != 1 {
		t.Fatalf("stale frame should be counted as dropped")
	}
}

func TestSetCapacitySameValueIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	m.Open(8)
	waitState(t, m, Open)
	m.SetCapacity(8)
	m.SetCapacity(8)
	if d.dials() != 1 || m.Status().Epoch != 1 {
		t.Fatalf("same capacity must not reconnect: dials=%d", d.dials())
	}
}

func TestStaleFrameAfterCloseIsIgnored(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	m.Open(4)
	waitState(t, m, Open)
	d.conn(0).frames <- []byte("[1]")
	waitFor(t, "frame", func() bool { return m.Status().Frames == 1 })

	m.Close()
	waitState(t, m, Closed)
	m.post(evMessage{epoch: 1, payload: []byte("[2,3]")})
	m.Close()

	if got := m.Snapshot(); !slices.Equal(got, []wave.Sample{1}) {
		t.Fatalf("got %v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	if err := m.Close(); err != nil {
		t.Fatalf("close on closed manager: %v", err)
	}
	m.Open(2)
	waitState(t, m, Open)
	for i := 0; i < 3; i++ {
		if err := m.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	waitState(t, m, Closed)
	if d.dials() != 1 {
		t.Fatalf("close must not redial, dials=%d", d.dials())
	}
}

func TestCloseWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	d := DialerFunc(func(ctx context.Context, capacity int) (Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return newFakeConn(), nil
		}
	})
	m := startManager(t, d)
	m.Open(3)
	if s := m.Status().State; s != Connecting {
		t.Fatalf("state = %v", s)
	}
	m.Close()
	waitState(t, m, Closed)
	close(release)
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d, WithReconnect(ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}))
	m.Open(4)
	waitState(t, m, Open)
	d.conn(0).frames <- []byte("[1,2]")
	waitFor(t, "frame", func() bool { return m.Status().Frames == 1 })

	close(d.conn(0).frames)
	waitFor(t, "redial", func() bool { return d.dials() == 2 && m.Status().State == Open })

	st := m.Status()
	if st.Epoch != 2 || st.Capacity != 4 || st.Attempts != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("reconnect must start with an empty buffer")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	d := &fakeDialer{fail: errRefused}
	m := startManager(t, d, WithReconnect(ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}))
	m.Open(4)
	waitFor(t, "attempts", func() bool { return m.Status().Attempts == 3 })
	time.Sleep(20 * time.Millisecond)

	if n := d.dials(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	st := m.Status()
	var cerr *ConnectionError
	if st.State != Closed || !errors.As(st.LastError, &cerr) || !errors.Is(st.LastError, errRefused) {
		t.Fatalf("unexpected status %+v", st)
	}

	d.setFail(nil)
	m.Open(4)
	waitState(t, m, Open)
	if m.Status().LastError != nil {
		t.Fatalf("successful open should clear the last error")
	}
}

func TestReconnectDisabled(t *testing.T) {
	d := &fakeDialer{fail: errRefused}
	m := startManager(t, d, WithReconnect(ReconnectConfig{MaxRetries: -1, RetryDelay: time.Millisecond}))
	m.Open(4)
	waitFor(t, "failure", func() bool { return m.Status().Attempts == 1 })
	time.Sleep(10 * time.Millisecond)
	if d.dials() != 1 {
		t.Fatalf("dials = %d", d.dials())
	}
}

func TestOpenClampsCapacity(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, d)
	m.Open(-3)
	waitState(t, m, Open)
	if c := m.Status().Capacity; c != 1 {
		t.Fatalf("capacity = %d", c)
	}
	d.conn(0).frames <- []byte("[1,2,3]")
	waitFor(t, "frame", func() bool { return m.Status().Frames == 1 })
	if got := m.Snapshot(); !slices.Equal(got, []wave.Sample{3}) {
		t.Fatalf("got %v", got)
	}
}

func TestRunCancelLeavesClosed(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	m.Open(4)
	waitState(t, m, Open)

	cancel()
	<-m.Done()
	if m.Status().State != Closed {
		t.Fatalf("state = %v", m.Status().State)
	}
	if !d.conn(0).isClosed() {
		t.Fatalf("connection left open")
	}
	if err := m.Open(4); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close after stop: %v", err)
	}
}

func TestOnChangeNotifies(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, WithLogger(quietLogger()))
	var mu sync.Mutex
	var states []State
	m.OnChange(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); <-m.Done() }()
	go m.Run(ctx)

	m.Open(2)
	waitState(t, m, Open)
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(states, Connecting) || !slices.Contains(states, Open) {
		t.Fatalf("states = %v", states)
	}
}

func TestBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}
