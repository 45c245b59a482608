//go:build linux

package server

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenReusableSharesPort(t *testing.T) {
	first, err := ListenReusable(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	port := first.Addr().(*net.TCPAddr).Port
	second, err := ListenReusable(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "a second instance binds the same client port")
	defer second.Close()

	assert.Equal(t, port, second.Addr().(*net.TCPAddr).Port)
}
