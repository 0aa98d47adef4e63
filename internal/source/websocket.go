// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"biotap/internal/analysis"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

// WebSocketSource reads sample payloads from a websocket server, one batch
// per text or binary message. Lost connections are redialed with
// exponential backoff until the context ends.
type WebSocketSource struct {
	URL               string
	Decoder           Decoder
	ReconnectDelay    time.Duration // Initial backoff (default 1s).
	MaxReconnectDelay time.Duration // Backoff ceiling (default 30s).
	Dialer            *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketSource creates a source for url.
func NewWebSocketSource(url string, dec Decoder, reconnect time.Duration) *WebSocketSource {
	return &WebSocketSource{
		URL:            url,
		Decoder:        dec,
		ReconnectDelay: reconnect,
	}
}

// Run connects and streams batches into sink.
func (s *WebSocketSource) Run(ctx context.Context, sink analysis.SampleSink) error {
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	maxDelay := s.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxReconnectDelay
	}

	for {
		received, err := s.session(ctx, sink)
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		if received > 0 {
			delay = s.ReconnectDelay
			if delay <= 0 {
				delay = defaultReconnectDelay
			}
		}
		logger.Warnf("Connection to %s lost: %v (retrying in %v)", s.URL, err, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}

// session runs one connection and returns the number of batches ingested.
func (s *WebSocketSource) session(ctx context.Context, sink analysis.SampleSink) (int, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return 0, errors.New("source closed")
	}
	s.conn = conn
	s.mu.Unlock()
	logger.Infof("Connected to %s", s.URL)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	received := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		batch, err := s.Decoder.Decode(payload)
		if err != nil {
			logger.Debugf("Dropping message: %v", err)
			continue
		}
		sink.Ingest(batch.Values, batch.Start)
		received++
	}
}

func (s *WebSocketSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the source and drops the current connection.
func (s *WebSocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Source = (*WebSocketSource)(nil)
