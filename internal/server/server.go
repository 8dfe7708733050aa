// Package server serves generated samples over websocket and accepts
// parameter updates on the control endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iburimskiy/wave-stream/internal/config"
	"github.com/iburimskiy/wave-stream/internal/control"
	"github.com/iburimskiy/wave-stream/internal/synth"
	"github.com/iburimskiy/wave-stream/internal/transport"
	"github.com/iburimskiy/wave-stream/internal/wave"
)

const (
	sendQueue    = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Settings wave.Settings
	Tick     time.Duration
	Batch    int
	Height   int
	Seed     int64
}

// OptionsFrom derives server options from the shared configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Settings: cfg.Settings,
		Tick:     cfg.Stream.Tick,
		Batch:    cfg.Stream.Batch,
		Height:   cfg.Stream.Height,
		Seed:     time.Now().UnixNano(),
	}
}

type subscriber struct {
	id    string
	width int
	send  chan []byte
}

// Server owns one generator shared by all subscribers.
type Server struct {
	gen      *synth.Generator
	tap      *synth.Tap
	tick     time.Duration
	batch    int
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	seqs map[string]uint64
}

// New returns a server. Call Run to start generating.
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = 50 * time.Millisecond
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	gen := synth.NewGenerator(opts.Settings, opts.Height, opts.Seed)
	return &Server{
		gen:    gen,
		tap:    synth.NewTap(gen, config.HistorySize),
		tick:   opts.Tick,
		batch:  opts.Batch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
		seqs: make(map[string]uint64),
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get(transport.ParamsPath, s.handleGetParams)
	r.Put(transport.ParamsPath, s.handlePutParams)
	r.Get(transport.SamplesPath, s.handleSamples)
	return r
}

// Settings returns the parameters currently used for generation.
func (s *Server) Settings() wave.Settings { return s.gen.Settings() }

// Run generates a batch every tick and fans it out until ctx is done, then
// disconnects every subscriber.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	frames := make([][2]float64, s.batch)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-ticker.C:
			s.step(frames)
		}
	}
}

// step pulls one batch and fans it out. Holding mu keeps history sent by
// subscribe and live batches from overlapping.
func (s *Server) step(frames [][2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.tap.Stream(frames)
	payload, err := json.Marshal(synth.Mono(frames[:n]))
	if err != nil {
		s.logger.Error("server: encode batch", "error", err)
		return
	}
	for sub := range s.subs {
		select {
		case sub.send <- payload:
		default:
			s.logger.Warn("server: dropping slow subscriber", "session", sub.id)
			delete(s.subs, sub)
			close(sub.send)
		}
	}
}

// subscribe registers a subscriber and queues the recent history it can
// display before live batches.
func (s *Server) subscribe(width int) *subscriber {
	sub := &subscriber{id: uuid.NewString(), width: width, send: make(chan []byte, sendQueue)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if history := s.tap.Snapshot(width); len(history) > 0 {
		if payload, err := json.Marshal(history); err == nil {
			sub.send <- payload
		}
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.send)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.send)
	}
}

// Subscribers returns the number of connected stream clients.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	width := config.MaxScreenWidth
	if raw := r.URL.Query().Get(transport.WidthParam); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "width must be a positive integer", http.StatusBadRequest)
			return
		}
		width = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	sub := s.subscribe(width)
	defer s.unsubscribe(sub)
	log := s.logger.With("session", sub.id, "width", width)
	log.Info("server: subscriber connected", "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		return nil
	})

	// Reading is required to process close and pong frames.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("server: read", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case payload, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				log.Info("server: subscriber released")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("server: write", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			log.Info("server: subscriber disconnected")
			return
		}
	}
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gen.Settings())
}

func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	var settings wave.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&settings); err != nil {
		http.Error(w, "malformed settings: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	client := r.Header.Get(control.ClientHeader)
	var seq uint64
	if raw := r.Header.Get(control.SeqHeader); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "malformed sequence number", http.StatusBadRequest)
			return
		}
		seq = n
	}

	s.mu.Lock()
	if client != "" && seq > 0 {
		if last := s.seqs[client]; seq <= last {
			s.mu.Unlock()
			s.logger.Debug("server: stale params ignored", "client", client, "seq", seq, "applied", last)
			http.Error(w, "stale sequence number", http.StatusConflict)
			return
		}
		s.seqs[client] = seq
	}
	s.gen.SetSettings(settings)
	s.mu.Unlock()

	s.logger.Info("server: params updated", "client", client, "seq", seq, "settings", settings.String())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
