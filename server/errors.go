package server

import (
	"errors"
	"net/http"
)

var (
	ErrBadHandshake    = errors.New("bad websocket handshake")
	ErrUnauthorized    = errors.New("worker not authorized")
	ErrNoWorkers       = errors.New("no workers active")
	ErrWorkerGone      = errors.New("worker connection closed")
	ErrQueueFull       = errors.New("worker outbound queue full")
	ErrResponseTimeout = errors.New("worker response timeout")
	ErrMalformedFrame  = errors.New("malformed worker frame")
	ErrNotAwaited      = errors.New("no dispatcher awaiting request id")
	ErrInvalidResponse = errors.New("invalid worker response")
)

// statusForError converts dispatch errors into HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNoWorkers), errors.Is(err, ErrResponseTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadHandshake):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
