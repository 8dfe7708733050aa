package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

type recorder struct {
	mu     sync.Mutex
	pushes []wave.Settings
	seqs   []uint64
}

func (r *recorder) Push(ctx context.Context, seq uint64, s wave.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, s)
	r.seqs = append(r.seqs, seq)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestObservePushesOnEveryFieldChange(t *testing.T) {
	rec := &recorder{}
	s := NewSynchronizer(rec, quiet())
	defer s.Close()

	cur := wave.DefaultSettings()
	if !s.Observe(cur) {
		t.Fatalf("first observation should push")
	}

	edits := []func(*wave.Settings){
		func(s *wave.Settings) { s.Period = 20 },
		func(s *wave.Settings) { s.Amplitude = 10 },
		func(s *wave.Settings) { s.Phase = 1 },
		func(s *wave.Settings) { s.Noise.Factor = 3 },
		func(s *wave.Settings) { s.Noise.Rate = 7 },
	}
	for i, edit := range edits {
		next := cur
		edit(&next)
		if !s.Observe(next) {
			t.Fatalf("edit %d did not push", i)
		}
		cur = next
	}
	s.Wait()
	if rec.count() != 6 {
		t.Fatalf("pushes = %d, want 6", rec.count())
	}
	if got := rec.pushes[len(rec.pushes)-1]; got != cur {
		t.Fatalf("last push %+v, want full snapshot %+v", got, cur)
	}
}

func TestObserveSkipsIdenticalSnapshot(t *testing.T) {
	rec := &recorder{}
	s := NewSynchronizer(rec, quiet())
	defer s.Close()

	a := wave.Settings{Period: 3, Amplitude: 4, Phase: 5, Noise: wave.Noise{Factor: 6, Rate: 7}}
	b := wave.Settings{Period: 3, Amplitude: 4, Phase: 5, Noise: wave.Noise{Factor: 6, Rate: 7}}
	s.Observe(a)
	if s.Observe(b) {
		t.Fatalf("identical snapshot must not push")
	}
	if s.Observe(a) {
		t.Fatalf("repeated snapshot must not push")
	}
	s.Wait()
	if rec.count() != 1 {
		t.Fatalf("pushes = %d", rec.count())
	}
	if s.Seq() != 1 {
		t.Fatalf("seq = %d", s.Seq())
	}
}

func TestObserveAfterCloseStartsNoPush(t *testing.T) {
	rec := &recorder{}
	s := NewSynchronizer(rec, quiet())
	s.Observe(wave.DefaultSettings())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Close()
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			st := wave.DefaultSettings()
			st.Period = float64(i + 20)
			s.Observe(st)
		}
	}()
	wg.Wait()

	before := rec.count()
	st := wave.DefaultSettings()
	st.Amplitude = 1
	if s.Observe(st) {
		t.Fatalf("observe after close started a push")
	}
	s.Wait()
	if rec.count() != before {
		t.Fatalf("pushes after close: %d -> %d", before, rec.count())
	}
}

func TestObserveDoesNotBlockOnSlowPush(t *testing.T) {
	release := make(chan struct{})
	var inflight sync.WaitGroup
	inflight.Add(3)
	p := PusherFunc(func(ctx context.Context, seq uint64, s wave.Settings) error {
		inflight.Done()
		<-release
		return nil
	})
	s := NewSynchronizer(p, quiet(), WithTimeout(0))

	start := time.Now()
	for i := 1; i <= 3; i++ {
		st := wave.DefaultSettings()
		st.Period = float64(i)
		s.Observe(st)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Observe blocked on outstanding pushes")
	}
	// All three pushes are outstanding at once.
	inflight.Wait()
	close(release)
	s.Wait()
}

func TestPushFailureIsReported(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	var results []error
	p := PusherFunc(func(ctx context.Context, seq uint64, s wave.Settings) error { return boom })
	s := NewSynchronizer(p, quiet(), WithResultHook(func(seq uint64, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}))
	s.Observe(wave.DefaultSettings())
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	var perr *PushError
	if len(results) != 1 || !errors.As(results[0], &perr) || !errors.Is(results[0], boom) || perr.Seq != 1 {
		t.Fatalf("results = %v", results)
	}
	// A failed push does not reset change detection.
	if s.Observe(wave.DefaultSettings()) {
		t.Fatalf("unchanged snapshot pushed again after failure")
	}
}

func TestHTTPPusher(t *testing.T) {
	type got struct {
		method, seq, client, ctype string
		body                       wave.Settings
	}
	ch := make(chan got, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var g got
		g.method = r.Method
		g.seq = r.Header.Get(SeqHeader)
		g.client = r.Header.Get(ClientHeader)
		g.ctype = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&g.body)
		ch <- g
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL + "/params")
	want := wave.Settings{Period: 12, Amplitude: 3, Phase: 0.5, Noise: wave.Noise{Factor: 9, Rate: 2}}
	if err := p.Push(context.Background(), 42, want); err != nil {
		t.Fatal(err)
	}
	g := <-ch
	if g.method != http.MethodPut || g.seq != strconv.Itoa(42) || g.client == "" || g.ctype != "application/json" {
		t.Fatalf("unexpected request %+v", g)
	}
	if g.body != want {
		t.Fatalf("body = %+v", g.body)
	}
}

func TestHTTPPusherBodyShape(t *testing.T) {
	b, err := json.Marshal(wave.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"period":10,"amplitude":50,"phase":0,"noise":{"factor":100,"rate":5}}`
	if string(b) != want {
		t.Fatalf("body = %s", b)
	}
}

func TestHTTPPusherNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewHTTPPusher(srv.URL).Push(context.Background(), 1, wave.DefaultSettings())
	var perr *PushError
	if !errors.As(err, &perr) || perr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v", err)
	}
}
