package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig waits 50 x 2ms = 100ms for responses.
func testConfig() Config {
	return Config{
		Name:            "test",
		WaitInterval:    2 * time.Millisecond,
		WaitAttempts:    50,
		IdentifyTimeout: 50 * time.Millisecond,
	}
}

// newTestServer starts both listeners of one instance on httptest servers.
func newTestServer(t *testing.T, cfg Config) (srv *Server, workers *httptest.Server, clients *httptest.Server) {
	t.Helper()

	srv = New(cfg, zaptest.NewLogger(t), nil)
	workers = httptest.NewServer(srv.WorkerHandler())
	clients = httptest.NewServer(srv.ClientHandler())

	t.Cleanup(func() {
		clients.Close()
		_ = srv.Close()
		workers.Close()
	})
	return srv, workers, clients
}

// dialWorker connects to the /workers endpoint of ts.
func dialWorker(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + WorkerPath
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendIdentify(t *testing.T, conn *websocket.Conn, shard string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"op": OpIdentify, "shard_id": shard}))
}

func waitForShard(t *testing.T, srv *Server, shard string, present bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Get(shard)
		return ok == present
	}, 2*time.Second, 2*time.Millisecond, "shard %q present=%v", shard, present)
}

// runFakeWorker answers every request on conn with a 200 whose body is
// label + ":" + path, so tests can tell which worker handled it. It stops
// when the connection closes.
func runFakeWorker(t *testing.T, conn *websocket.Conn, label string) {
	t.Helper()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req OutgoingRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}

			resp := Response{
				Op:        OpHTTPRequest,
				Meta:      ResponseMeta{ResponseType: ResponseComplete},
				RequestID: req.RequestID,
				Type:      "response.start",
				Status:    200,
				Headers:   [][]string{{"X-Worker", label}},
				Body:      label + ":" + req.Path,
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}()
}

// fakeSender records frames and optionally reacts to them.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	onSend func(req OutgoingRequest)
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	onSend, err := f.onSend, f.err
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if onSend != nil {
		var req OutgoingRequest
		if jerr := json.Unmarshal(frame, &req); jerr == nil {
			go onSend(req)
		}
	}
	return nil
}

func (f *fakeSender) sent() []OutgoingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]OutgoingRequest, 0, len(f.frames))
	for _, frame := range f.frames {
		var req OutgoingRequest
		if err := json.Unmarshal(frame, &req); err == nil {
			out = append(out, req)
		}
	}
	return out
}
