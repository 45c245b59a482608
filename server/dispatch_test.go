package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// echoSender answers every request with status 200 and body "ok:<path>".
func echoSender(store *Store) *fakeSender {
	return &fakeSender{onSend: func(req OutgoingRequest) {
		_ = store.Put(req.RequestID, &Response{
			Op:        OpHTTPRequest,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   [][]string{{"Content-Type", "text/plain"}},
			Body:      "ok:" + req.Path,
		})
	}}
}

func TestDispatchNoWorkers(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)

	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "No workers active", w.Body.String())
	assert.Equal(t, uint64(0), srv.Dispatcher().LastID(), "no id is allocated without a worker")
	assert.Equal(t, 0, srv.Store().Len())
}

func TestDispatchTimeout(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, zaptest.NewLogger(t), nil)
	silent := &fakeSender{}
	srv.Registry().Register(DefaultShard, silent)

	start := time.Now()
	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Server took too long to respond.", w.Body.String())
	assert.GreaterOrEqual(t, elapsed, cfg.WaitInterval*time.Duration(cfg.WaitAttempts))
	assert.Len(t, silent.sent(), 1)
	assert.Equal(t, 0, srv.Store().Len(), "timed out ids are forgotten")

	// a late answer is dropped rather than stored
	assert.ErrorIs(t, srv.Store().Put(1, &Response{RequestID: 1}), ErrNotAwaited)
}

func TestDispatchRoundTrip(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)
	worker := echoSender(srv.Store())
	srv.Registry().Register(DefaultShard, worker)

	r := httptest.NewRequest(http.MethodPost, "/submit?x=1&y=2", strings.NewReader("payload"))
	r.Header.Add("Accept", "text/html")
	r.Header.Add("Accept", "application/json")
	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok:/submit", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	sent := worker.sent()
	require.Len(t, sent, 1)
	req := sent[0]
	assert.Equal(t, OpHTTPRequest, req.Op)
	assert.Equal(t, uint64(1), req.RequestID)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/submit", req.Path)
	assert.Equal(t, "x=1&y=2", req.Query)
	assert.Equal(t, "payload", req.Body)
	assert.Equal(t, "HTTP/1.1", req.Version)
	assert.Equal(t, "text/html, application/json", req.Headers["Accept"])
	assert.Equal(t, "example.com", req.Headers["Host"])

	_, err := uuid.Parse(req.Headers["X-Request-Id"])
	assert.NoError(t, err, "a request id header is generated")
}

func TestDispatchKeepsClientRequestID(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)
	worker := echoSender(srv.Store())
	srv.Registry().Register(DefaultShard, worker)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "abc-123")
	srv.Dispatcher().ServeHTTP(httptest.NewRecorder(), r)

	require.Len(t, worker.sent(), 1)
	assert.Equal(t, "abc-123", worker.sent()[0].Headers["X-Request-Id"])
}

func TestDispatchIDsStrictlyIncrease(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)
	worker := echoSender(srv.Store())
	srv.Registry().Register(DefaultShard, worker)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/n/"+strconv.Itoa(i), nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	var last uint64
	for _, req := range worker.sent() {
		assert.Greater(t, req.RequestID, last)
		last = req.RequestID
	}
	assert.Equal(t, uint64(5), srv.Dispatcher().LastID())
}

func TestDispatchInvalidResponse(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)
	srv.Registry().Register(DefaultShard, &fakeSender{onSend: func(req OutgoingRequest) {
		_ = srv.Store().Put(req.RequestID, &Response{RequestID: req.RequestID, Status: 7})
	}})

	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, srv.Store().Len())
}

func TestDispatchStreamsPartialResponses(t *testing.T) {
	srv := New(testConfig(), zaptest.NewLogger(t), nil)
	srv.Registry().Register(DefaultShard, &fakeSender{onSend: func(req OutgoingRequest) {
		id := req.RequestID
		_ = srv.Store().Put(id, &Response{RequestID: id, Status: 200, Body: "a", MoreBody: true,
			Meta: ResponseMeta{ResponseType: ResponsePartial}})
		_ = srv.Store().Put(id, &Response{RequestID: id, Body: "b", MoreBody: true,
			Meta: ResponseMeta{ResponseType: ResponsePartial}})
		_ = srv.Store().Put(id, &Response{RequestID: id, Body: "c",
			Meta: ResponseMeta{ResponseType: ResponseComplete}})
	}})

	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Body.String())
	assert.True(t, w.Flushed)
	assert.Equal(t, 0, srv.Store().Len())
}

func TestDispatchSendFailureTimesOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv := New(testConfig(), zaptest.NewLogger(t), metrics)
	srv.Registry().Register(DefaultShard, &fakeSender{err: ErrQueueFull})

	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Server took too long to respond.", w.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sendFailures.WithLabelValues("test", "queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("test", "timeout")))
}

func TestDispatchClientGoneAbandonsWait(t *testing.T) {
	metrics := NewMetrics(nil)
	srv := New(testConfig(), zaptest.NewLogger(t), metrics)
	srv.Registry().Register(DefaultShard, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	srv.Dispatcher().ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, 0, srv.Store().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("test", "canceled")))
}

func TestDispatchBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 4
	srv := New(cfg, zaptest.NewLogger(t), nil)
	worker := &fakeSender{}
	srv.Registry().Register(DefaultShard, worker)

	w := httptest.NewRecorder()
	srv.Dispatcher().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, worker.sent())
	assert.Equal(t, uint64(0), srv.Dispatcher().LastID())
}

func TestDispatchPolicySelectsShard(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = RoutePolicy{
		Rules:    []RouteRule{{Shard: "admin", RoutePrefixes: []string{"/admin"}}},
		Fallback: DefaultShard,
	}
	srv := New(cfg, zaptest.NewLogger(t), nil)
	mainShard := echoSender(srv.Store())
	admin := echoSender(srv.Store())
	srv.Registry().Register(DefaultShard, mainShard)
	srv.Registry().Register("admin", admin)

	srv.Dispatcher().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	srv.Dispatcher().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/home", nil))

	require.Len(t, admin.sent(), 1)
	require.Len(t, mainShard.sent(), 1)
	assert.Equal(t, "/admin/users", admin.sent()[0].Path)
	assert.Equal(t, "/home", mainShard.sent()[0].Path)
}

func TestDispatchOverHTTP(t *testing.T) {
	srv, _, clients := newTestServer(t, testConfig())
	srv.Registry().Register(DefaultShard, echoSender(srv.Store()))

	res, err := http.Get(clients.URL + "/over/http")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok:/over/http", string(body))
}
