package mbtcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-mbus/mbus"
)

func awaitDial(t *testing.T, pending <-chan mbus.DialResult) mbus.DialResult {
	t.Helper()

	select {
	case res := <-pending:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("dial result not delivered")
		return mbus.DialResult{}
	}
}

func TestTCPProvider_DialWriteRead(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		// read holding registers request: 7-byte header + 5-byte PDU
		request := make([]byte, 12)
		if _, err := io.ReadFull(conn, request); err != nil {
			serverErr <- err
			return
		}

		// echo the transaction identifier back with a response PDU
		response := []byte{request[0], request[1], 0x00, 0x00, 0x00, 0x04, request[6], 0x03, 0x02, 0xCD}
		_, err = conn.Write(response)
		serverErr <- err
	}()

	provider := NewTCPProvider(context.Background(), ln.Addr().String(),
		ProviderDialBackoff(50*time.Millisecond),
		ProviderMaxDialRetries(2),
	)
	defer provider.Release()

	delivered := make(chan *mbus.InboundEnvelope, 1)
	provider.OnDelivery(func(env *mbus.InboundEnvelope) {
		delivered <- env
	})

	conn, pending := provider.Acquire()
	require.Nil(conn)
	require.NotNil(pending)

	res := awaitDial(t, pending)
	require.NoError(res.Err)
	require.NotNil(res.Conn)

	// the established connection is handed out synchronously from now on
	conn, pending = provider.Acquire()
	require.NotNil(conn)
	require.Nil(pending)

	env := &mbus.Envelope{
		TransactionID: 0x0A0B,
		UnitID:        0x11,
		PDU:           mbus.PDU{FuncCode: 0x03, Data: []byte{0x00, 0x6B, 0x00, 0x01}},
	}
	require.NoError(conn.Write(env))

	require.NoError(<-serverErr)

	select {
	case inbound := <-delivered:
		require.Equal(uint16(0x0A0B), inbound.TransactionID)
		require.Equal(byte(0x11), inbound.UnitID)
		require.Equal(byte(0x03), inbound.PDU.FuncCode)
		require.Equal([]byte{0x02, 0xCD}, inbound.PDU.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound envelope not delivered")
	}
}

func TestTCPProvider_SharedDialAttempt(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	provider := NewTCPProvider(context.Background(), ln.Addr().String())
	defer provider.Release()
	provider.OnDelivery(func(_ *mbus.InboundEnvelope) {})

	_, pending1 := provider.Acquire()
	_, pending2 := provider.Acquire()

	res1 := awaitDial(t, pending1)
	res2 := awaitDial(t, pending2)

	require.NoError(res1.Err)
	require.NoError(res2.Err)
	require.Same(res1.Conn, res2.Conn)
}

func TestTCPProvider_DialFailure(t *testing.T) {
	require := require.New(t)

	// grab a port and close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := ln.Addr().String()
	require.NoError(ln.Close())

	provider := NewTCPProvider(context.Background(), addr,
		ProviderDialBackoff(20*time.Millisecond),
		ProviderMaxDialRetries(1),
	)
	defer provider.Release()
	provider.OnDelivery(func(_ *mbus.InboundEnvelope) {})

	conn, pending := provider.Acquire()
	require.Nil(conn)

	res := awaitDial(t, pending)
	require.Error(res.Err)
	require.Nil(res.Conn)

	// a later acquisition starts a fresh dial attempt
	conn, pending = provider.Acquire()
	require.Nil(conn)
	res = awaitDial(t, pending)
	require.Error(res.Err)
}

func TestTCPProvider_Release(t *testing.T) {
	require := require.New(t)

	provider := NewTCPProvider(context.Background(), "127.0.0.1:1502")
	provider.OnDelivery(func(_ *mbus.InboundEnvelope) {})

	provider.Release()

	conn, pending := provider.Acquire()
	require.Nil(conn)

	res := awaitDial(t, pending)
	require.ErrorIs(res.Err, mbus.ErrClosed)

	// idempotent
	provider.Release()
}

func TestTCPProvider_PeerDisconnectTriggersRedial(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	provider := NewTCPProvider(context.Background(), ln.Addr().String())
	defer provider.Release()
	provider.OnDelivery(func(_ *mbus.InboundEnvelope) {})

	_, pending := provider.Acquire()
	res := awaitDial(t, pending)
	require.NoError(res.Err)

	// peer drops the connection; the provider tears it down
	serverConn := <-accepted
	require.NoError(serverConn.Close())

	require.Eventually(func() bool {
		conn, pending := provider.Acquire()
		if conn != nil {
			return false
		}
		res := awaitDial(t, pending)
		return res.Err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
