package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	bodyNoWorkers = "No workers active"
	bodyTimeout   = "Server took too long to respond."
)

// Dispatcher forwards client HTTP requests to workers and renders their
// correlated responses.
type Dispatcher struct {
	registry *Registry
	store    *Store
	policy   ShardPolicy
	cfg      Config
	log      *zap.Logger
	metrics  instanceMetrics

	nextID atomic.Uint64
}

// LastID is the most recently allocated request id, 0 before the first.
func (d *Dispatcher) LastID() uint64 {
	return d.nextID.Load()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	entry := requestLog{method: r.Method, path: r.URL.Path, remote: r.RemoteAddr, userAgent: r.UserAgent()}

	entry.shard = d.policy.SelectShard(r, d.registry.Shards())
	sender, ok := d.registry.Get(entry.shard)
	if !ok {
		d.metrics.request("no_workers")
		entry.status = http.StatusServiceUnavailable
		entry.err = ErrNoWorkers
		writeText(w, http.StatusServiceUnavailable, bodyNoWorkers)
		d.logRequest(entry, start)
		return
	}

	body, err := d.readBody(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		d.metrics.request("bad_request")
		entry.status, entry.err = status, err
		writeText(w, status, http.StatusText(status))
		d.logRequest(entry, start)
		return
	}

	entry.id = d.nextID.Add(1)
	out := d.buildRequest(r, entry.id, body)
	entry.traceID = out.Headers["X-Request-Id"]

	frame, err := json.Marshal(out)
	if err != nil {
		d.metrics.request("error")
		entry.status, entry.err = http.StatusInternalServerError, err
		writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		d.logRequest(entry, start)
		return
	}

	d.store.Expect(entry.id)
	if err := sender.Send(frame); err != nil {
		// the wait below runs into the timeout
		reason := "error"
		switch {
		case errors.Is(err, ErrWorkerGone):
			reason = "worker_gone"
		case errors.Is(err, ErrQueueFull):
			reason = "queue_full"
		}
		d.metrics.sendFailed(reason)
		d.log.Warn("send to worker failed",
			zap.Uint64("request_id", entry.id), zap.String("shard", entry.shard), zap.Error(err))
	}

	resp, err := d.store.Wait(r.Context(), entry.id, d.cfg.WaitInterval, d.cfg.WaitAttempts)
	d.metrics.waited(time.Since(start).Seconds())
	if err != nil {
		entry.err = err
		if errors.Is(err, ErrResponseTimeout) {
			d.metrics.request("timeout")
			entry.status = http.StatusServiceUnavailable
			writeText(w, http.StatusServiceUnavailable, bodyTimeout)
		} else {
			// client went away
			d.metrics.request("canceled")
		}
		d.logRequest(entry, start)
		return
	}

	status, err := writeResponse(w, resp)
	if err != nil {
		d.store.Abandon(entry.id)
		entry.err = err
		if status == 0 {
			d.metrics.request("invalid_response")
			entry.status = statusForError(err)
			writeText(w, entry.status, http.StatusText(entry.status))
		} else {
			d.metrics.request("write_error")
			entry.status = status
		}
		d.logRequest(entry, start)
		return
	}
	entry.status = status

	if resp.MoreBody {
		entry.err = d.stream(w, r, entry.id, resp)
	}
	if entry.err != nil {
		d.metrics.request("stream_error")
	} else {
		d.metrics.request("ok")
	}
	d.logRequest(entry, start)
}

// stream relays the remaining chunks of a partial response. Headers are
// already sent, so failures just end the body early.
func (d *Dispatcher) stream(w http.ResponseWriter, r *http.Request, id uint64, first *Response) error {
	if err := writeChunk(w, &Response{}); err != nil {
		d.store.Abandon(id)
		return err
	}

	for chunk := first; chunk.MoreBody; {
		next, err := d.store.Wait(r.Context(), id, d.cfg.WaitInterval, d.cfg.WaitAttempts)
		if err != nil {
			return err
		}
		if err := writeChunk(w, next); err != nil {
			d.store.Abandon(id)
			return err
		}
		chunk = next
	}
	return nil
}

func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	defer r.Body.Close()

	var src io.Reader = r.Body
	if d.cfg.MaxBodyBytes > 0 {
		src = http.MaxBytesReader(w, r.Body, d.cfg.MaxBodyBytes)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// buildRequest turns r into the envelope sent to the worker. Repeated
// headers are joined with ", " and an X-Request-Id is added when missing.
func (d *Dispatcher) buildRequest(r *http.Request, id uint64, body string) *OutgoingRequest {
	headers := make(map[string]string, len(r.Header)+2)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	if _, ok := headers["X-Request-Id"]; !ok {
		headers["X-Request-Id"] = uuid.New().String()
	}

	return &OutgoingRequest{
		Op:        OpHTTPRequest,
		RequestID: id,
		Method:    r.Method,
		Remote:    r.RemoteAddr,
		Path:      r.URL.Path,
		Headers:   headers,
		Version:   r.Proto,
		Body:      body,
		Query:     r.URL.RawQuery,
	}
}

type requestLog struct {
	id        uint64
	traceID   string
	method    string
	path      string
	shard     string
	status    int
	remote    string
	userAgent string
	err       error
}

func (d *Dispatcher) logRequest(e requestLog, start time.Time) {
	fields := []zap.Field{
		zap.Uint64("id", e.id),
		zap.String("method", e.method),
		zap.String("path", e.path),
		zap.String("shard", e.shard),
		zap.Int("status", e.status),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		zap.String("remote_addr", e.remote),
	}
	if e.traceID != "" {
		fields = append(fields, zap.String("trace_id", e.traceID))
	}
	if e.userAgent != "" {
		fields = append(fields, zap.String("user_agent", e.userAgent))
	}
	if e.err != nil {
		fields = append(fields, zap.Error(e.err))
		d.log.Warn("request", fields...)
		return
	}
	d.log.Info("request", fields...)
}
