// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biotap/internal/analysis"
	"biotap/pkg/utils"
)

// recordSink keeps a copy of every batch it is handed.
type recordSink struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recordSink) Ingest(values []float64, start float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, Batch{Start: start, Values: append([]float64(nil), values...)})
}

func (r *recordSink) Batches() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

func (r *recordSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

var _ analysis.SampleSink = (*recordSink)(nil)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		dec     Decoder
		payload string
		want    Batch
	}{
		{
			name:    "numbers",
			payload: `{"timestamp": 1.5, "data": [[0.1, -0.2, 3]]}`,
			want:    Batch{Start: 1.5, Values: []float64{0.1, -0.2, 3}},
		},
		{
			name:    "numeric strings",
			payload: `{"timestamp": 2, "data": [["0.5", " -1e-3 ", 7]]}`,
			want:    Batch{Start: 2, Values: []float64{0.5, -0.001, 7}},
		},
		{
			name:    "second channel",
			dec:     Decoder{Channel: 1},
			payload: `{"timestamp": 0, "data": [[1, 2], [3, 4]]}`,
			want:    Batch{Start: 0, Values: []float64{3, 4}},
		},
		{
			name:    "millisecond timestamps",
			dec:     Decoder{TimestampScale: 0.001},
			payload: `{"timestamp": 2500, "data": [[1]]}`,
			want:    Batch{Start: 2.5, Values: []float64{1}},
		},
		{
			name:    "empty channel",
			payload: `{"timestamp": 3, "data": [[]]}`,
			want:    Batch{Start: 3, Values: []float64{}},
		},
		{
			name:    "extra fields ignored",
			payload: `{"timestamp": 4, "device": "arm", "data": [[1]]}`,
			want:    Batch{Start: 4, Values: []float64{1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.dec.Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Start, got.Start, 1e-12)
			assert.InDeltaSlice(t, tt.want.Values, got.Values, 1e-12)
			assert.Len(t, got.Values, len(tt.want.Values))
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		dec     Decoder
		payload string
	}{
		{"not json", Decoder{}, `{"timestamp":`},
		{"not an object", Decoder{}, `[1, 2, 3]`},
		{"missing timestamp", Decoder{}, `{"data": [[1]]}`},
		{"missing data", Decoder{}, `{"timestamp": 1}`},
		{"string timestamp", Decoder{}, `{"timestamp": "1", "data": [[1]]}`},
		{"flat data", Decoder{}, `{"timestamp": 1, "data": [1, 2]}`},
		{"boolean sample", Decoder{}, `{"timestamp": 1, "data": [[true]]}`},
		{"non-numeric string", Decoder{}, `{"timestamp": 1, "data": [["abc"]]}`},
		{"NaN string", Decoder{}, `{"timestamp": 1, "data": [["NaN"]]}`},
		{"Inf string", Decoder{}, `{"timestamp": 1, "data": [["-Inf"]]}`},
		{"out of range number", Decoder{}, `{"timestamp": 1, "data": [[1e400]]}`},
		{"missing channel", Decoder{Channel: 2}, `{"timestamp": 1, "data": [[1]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.dec.Decode([]byte(tt.payload))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// wsServer serves scripted messages to every client and counts connections.
func wsServer(t *testing.T, messages []string, hold bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		if hold {
			// Block until the client goes away.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSourceIngestsAndSkipsMalformed(t *testing.T) {
	srv, _ := wsServer(t, []string{
		`{"timestamp": 10, "data": [[1, 2]]}`,
		`garbage`,
		`{"timestamp": 10.008, "data": [[3, 4]]}`,
	}, true)

	src := NewWebSocketSource(wsURL(srv), Decoder{}, 10*time.Millisecond)
	sink := &recordSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- src.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := sink.Batches()
	assert.Equal(t, Batch{Start: 10, Values: []float64{1, 2}}, got[0])
	assert.Equal(t, Batch{Start: 10.008, Values: []float64{3, 4}}, got[1])
}

func TestWebSocketSourceReconnects(t *testing.T) {
	srv, conns := wsServer(t, []string{`{"timestamp": 0, "data": [[1]]}`}, false)

	src := NewWebSocketSource(wsURL(srv), Decoder{}, 5*time.Millisecond)
	src.MaxReconnectDelay = 20 * time.Millisecond
	sink := &recordSink{}

	errc := make(chan error, 1)
	go func() { errc <- src.Run(context.Background(), sink) }()

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.GreaterOrEqual(t, sink.Len(), 3)
}

// fakeMessage satisfies mqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

func TestMQTTHandler(t *testing.T) {
	src := NewMQTTSource("tcp://127.0.0.1:1883", "biotap/emg", Decoder{Channel: 1})
	sink := &recordSink{}
	h := src.handler(sink)

	h(nil, fakeMessage{topic: "biotap/emg", payload: []byte(`{"timestamp": 5, "data": [[0], [0.25, "0.5"]]}`)})
	h(nil, fakeMessage{topic: "biotap/emg", payload: []byte(`{"timestamp": 6, "data": [[0]]}`)})

	got := sink.Batches()
	require.Len(t, got, 1)
	assert.Equal(t, Batch{Start: 5, Values: []float64{0.25, 0.5}}, got[0])
}

func TestMQTTSourceCloseBeforeRun(t *testing.T) {
	src := NewMQTTSource("tcp://127.0.0.1:1883", "biotap/emg", Decoder{})
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestSyntheticSourceLimit(t *testing.T) {
	src := NewSyntheticSource(250, 25)
	src.Realtime = false
	src.Limit = 6 * time.Second
	src.StartTime = 100

	sink := &recordSink{}
	require.NoError(t, src.Run(context.Background(), sink))

	batches := sink.Batches()
	require.Len(t, batches, 60)

	var all []float64
	for i, b := range batches {
		assert.InDelta(t, 100+float64(i)*0.1, b.Start, 1e-9, "batch %d start", i)
		all = append(all, b.Values...)
	}
	require.Len(t, all, 1500)

	// Bursts occupy [0,1) and [3,4); the gaps hold only noise.
	burst := utils.RMS(all[0:250])
	rest := utils.RMS(all[375:700])
	assert.Greater(t, burst, 0.6)
	assert.Less(t, rest, 0.05)
	assert.Greater(t, utils.RMS(all[750:1000]), 0.6)
}

func TestSyntheticSourceStopsOnClose(t *testing.T) {
	src := NewSyntheticSource(250, 10)
	sink := &recordSink{}

	errc := make(chan error, 1)
	go func() { errc <- src.Run(context.Background(), sink) }()

	require.Eventually(t, func() bool { return sink.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
