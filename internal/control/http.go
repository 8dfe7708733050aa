package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

const (
	// SeqHeader carries the push sequence number; the server ignores
	// pushes older than the newest one it applied for the same client.
	SeqHeader = "X-Params-Seq"
	// ClientHeader identifies the pushing client.
	ClientHeader = "X-Client-ID"
)

// HTTPPusher sends PUT requests with the JSON settings body.
type HTTPPusher struct {
	URL      string
	ClientID string
	Client   *http.Client
}

// NewHTTPPusher returns a pusher for url with a fresh client id.
func NewHTTPPusher(url string) *HTTPPusher {
	return &HTTPPusher{
		URL:      url,
		ClientID: uuid.NewString(),
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Push sends s. Any 2xx response is success.
func (p *HTTPPusher) Push(ctx context.Context, seq uint64, s wave.Settings) error {
	body, err := json.Marshal(s)
	if err != nil {
		return &PushError{Seq: seq, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.URL, bytes.NewReader(body))
	if err != nil {
		return &PushError{Seq: seq, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SeqHeader, strconv.FormatUint(seq, 10))
	if p.ClientID != "" {
		req.Header.Set(ClientHeader, p.ClientID)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &PushError{Seq: seq, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &PushError{Seq: seq, Status: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(msg))}
	}
	return nil
}
