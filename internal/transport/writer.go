package transport

import (
	"encoding/json"
	"io"
	"sync"
)

// WriterTransport writes every message as one JSON line to w.
type WriterTransport struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterTransport returns a transport writing JSON lines to w.
func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{enc: json.NewEncoder(w)}
}

// Send encodes data as a JSON line.
func (wt *WriterTransport) Send(data any) error {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.enc.Encode(data)
}

// Close is a no-op; the writer belongs to the caller.
func (wt *WriterTransport) Close() error {
	return nil
}

var _ Transport = (*WriterTransport)(nil)
