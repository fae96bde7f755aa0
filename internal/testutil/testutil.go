// Package testutil provides the loopback server harness the core's
// own tests use to drive a session against a fake TDS server without
// a real SQL Server instance.
package testutil

import (
	"net"
	"testing"
)

// LoopbackServer starts a TCP listener on 127.0.0.1, accepts exactly
// one connection, and runs handler against the server side of it on a
// separate goroutine, returning the client side for the test to drive.
// Grounded on the teacher's bad-server test harness: spin up a
// listener, accept once, hand the accepted conn to a caller-supplied
// handler.
func LoopbackServer(t *testing.T, handler func(net.Conn)) net.Conn {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot start loopback listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("cannot dial loopback listener: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// Pipe returns an in-memory, synchronous net.Conn pair (client,
// server) with no network stack involved, for tests that don't need
// real TCP fragmentation behavior.
func Pipe() (client, server net.Conn) {
	return net.Pipe()
}
