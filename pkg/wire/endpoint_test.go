package wire_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/spits/pkg/wire"
)

func pipePair(t *testing.T) (*wire.Endpoint, *wire.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverConnCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-serverConnCh
	require.NotNil(t, serverConn)

	return wire.New(clientConn), wire.New(serverConn)
}

func TestInt64RoundTrip(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, client.WriteInt64(-42, deadline))
	v, err := server.ReadInt64(deadline)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)
}

func TestStringRoundTrip(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, client.WriteString("job-42", deadline))
	s, err := server.ReadString(deadline)
	require.NoError(t, err)
	assert.Equal(t, "job-42", s)
}

func TestBytesRoundTripEmpty(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, client.WriteBytes(nil, deadline))
	b, err := server.ReadBytes(deadline)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestReadTimeout(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	_, err := server.ReadInt64(time.Now().Add(20 * time.Millisecond))
	require.Error(t, err)
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wire.Timeout, werr.Kind)
}

func TestSocketClosedMidRead(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	client.Close()
	_, err := server.ReadInt64(time.Now().Add(2 * time.Second))
	require.Error(t, err)
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wire.SocketClosed, werr.Kind)
}

func TestHandshakeMatch(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	done := make(chan struct {
		ok  bool
		err error
	}, 1)
	go func() {
		ok, err := wire.Handshake(server, "job-1", deadline)
		done <- struct {
			ok  bool
			err error
		}{ok, err}
	}()

	ok, err := wire.Handshake(client, "job-1", deadline)
	require.NoError(t, err)
	assert.True(t, ok)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.ok)
}

func TestHandshakeMismatch(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	done := make(chan bool, 1)
	go func() {
		ok, _ := wire.Handshake(server, "job-server", deadline)
		done <- ok
	}()

	ok, err := wire.Handshake(client, "job-client", deadline)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, <-done)
}
