// Package transport connects the client pipeline to the sample server:
// endpoint URLs built from configuration and a websocket dialer for the
// sample stream.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iburimskiy/wave-stream/internal/stream"
)

const (
	SamplesPath = "/samples"
	ParamsPath  = "/params"

	// WidthParam carries the subscriber's capacity on the samples URL.
	WidthParam = "width"

	HandshakeTimeout = 10 * time.Second

	closeTimeout = time.Second
)

// Endpoint is the server address.
type Endpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

func (e Endpoint) hostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParamsURL returns the control endpoint URL.
func (e Endpoint) ParamsURL() string {
	scheme := "http"
	if e.UseTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: e.hostPort(), Path: ParamsPath}
	return u.String()
}

// SamplesURL returns the stream URL for a subscriber of the given capacity.
func (e Endpoint) SamplesURL(capacity int) string {
	scheme := "ws"
	if e.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     e.hostPort(),
		Path:     SamplesPath,
		RawQuery: url.Values{WidthParam: {strconv.Itoa(capacity)}}.Encode(),
	}
	return u.String()
}

// Dialer opens sample streams over websocket. It implements stream.Dialer.
type Dialer struct {
	Endpoint Endpoint
	// ReadTimeout bounds the silence between frames; zero disables it.
	ReadTimeout time.Duration

	ws *websocket.Dialer
}

// NewDialer returns a dialer for e.
func NewDialer(e Endpoint, handshakeTimeout time.Duration) *Dialer {
	return &Dialer{
		Endpoint:    e,
		ReadTimeout: 60 * time.Second,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

var _ stream.Dialer = (*Dialer)(nil)

// Dial opens the samples stream for capacity.
func (d *Dialer) Dial(ctx context.Context, capacity int) (stream.Conn, error) {
	ws := d.ws
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	target := d.Endpoint.SamplesURL(capacity)
	c, resp, err := ws.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn := &wsConn{c: c, readTimeout: d.ReadTimeout}
	if d.ReadTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		c.SetPingHandler(func(data string) error {
			c.SetReadDeadline(time.Now().Add(d.ReadTimeout))
			return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}
	return conn, nil
}

type wsConn struct {
	c           *websocket.Conn
	readTimeout time.Duration
	closed      atomic.Bool
}

// ReadMessage returns the payload of the next data frame.
func (w *wsConn) ReadMessage() ([]byte, error) {
	if w.closed.Load() {
		return nil, net.ErrClosed
	}
	_, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if w.closed.Load() {
		return nil, net.ErrClosed
	}
	if w.readTimeout > 0 {
		w.c.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	return data, nil
}

// Close unblocks any pending read at once, then sends a normal closure and
// closes the socket in the background. It never waits on the network.
func (w *wsConn) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.c.SetReadDeadline(time.Now())
	go func() {
		w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		w.c.Close()
	}()
	return nil
}
