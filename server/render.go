package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// validateResponse checks everything that would make net/http panic or emit
// a broken response. Status 0 means 200.
func validateResponse(resp *Response) (int, error) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	// 1xx would be sent as an interim response followed by an implicit 200
	if status < 200 || status > 999 {
		return 0, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.Status)
	}

	for i, pair := range resp.Headers {
		if len(pair) != 2 {
			return 0, fmt.Errorf("%w: header %d has %d elements", ErrInvalidResponse, i, len(pair))
		}
		if !httpguts.ValidHeaderFieldName(pair[0]) {
			return 0, fmt.Errorf("%w: header name %q", ErrInvalidResponse, pair[0])
		}
		if !httpguts.ValidHeaderFieldValue(pair[1]) {
			return 0, fmt.Errorf("%w: value of header %q", ErrInvalidResponse, pair[0])
		}
	}
	return status, nil
}

// writeResponse renders resp. Nothing is written when validation fails, so
// the caller can still send an error status.
func writeResponse(w http.ResponseWriter, resp *Response) (int, error) {
	status, err := validateResponse(resp)
	if err != nil {
		return 0, err
	}

	h := w.Header()
	for _, pair := range resp.Headers {
		h.Add(pair[0], pair[1])
	}
	w.WriteHeader(status)

	if _, err := io.WriteString(w, resp.Body); err != nil {
		return status, err
	}
	return status, nil
}

// writeChunk appends a streamed body chunk and flushes it to the client.
func writeChunk(w http.ResponseWriter, resp *Response) error {
	if resp.Body != "" {
		if _, err := io.WriteString(w, resp.Body); err != nil {
			return err
		}
	}
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
