package server

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// CheckUpgrade validates the RFC 6455 upgrade headers and returns the
// client's Sec-WebSocket-Key.
func CheckUpgrade(r *http.Request) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return "", fmt.Errorf("%w: Upgrade header is not websocket", ErrBadHandshake)
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")) != "13" {
		return "", fmt.Errorf("%w: unsupported Sec-WebSocket-Version", ErrBadHandshake)
	}
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return "", fmt.Errorf("%w: Connection header lacks Upgrade", ErrBadHandshake)
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return "", fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrBadHandshake)
	}
	return key, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Handshake upgrades worker connections. The header checks run before
// gorilla takes over the transport so a bad request never reaches it.
type Handshake struct {
	upgrader websocket.Upgrader
}

func NewHandshake(readBuf, writeBuf int) *Handshake {
	return &Handshake{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			// workers are local processes, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				http.Error(w, http.StatusText(status), status)
			},
		},
	}
}

// Upgrade writes 400 and returns ErrBadHandshake on invalid requests,
// otherwise replies 101 and returns the framed connection.
func (h *Handshake) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if _, err := CheckUpgrade(r); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return conn, nil
}
