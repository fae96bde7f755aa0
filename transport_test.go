package tds

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdscore/tds/internal/testutil"
)

func writeRawPacket(t *testing.T, conn net.Conn, h header, payload []byte) {
	t.Helper()
	h.Length = uint16(headerSize + len(payload))
	var buf [headerSize]byte
	encodeHeader(h, buf[:])
	_, err := conn.Write(buf[:])
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

func TestTransportReadSyncDeliversPayload(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()

	go writeRawPacket(t, server, header{PacketType: packetTypeReply, Status: statusEOM}, []byte("hello"))

	tr := NewTransport(client, defaultPacketSize)
	pkt, err := tr.ReadSync(context.Background())
	require.NoError(t, err)
	defer pkt.Release()

	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.True(t, pkt.Header.isEOM())
}

func TestTransportReadSyncAcrossFragmentedWrites(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("0123456789")
	go func() {
		h := header{PacketType: packetTypeReply, Status: statusEOM, Length: uint16(headerSize + len(payload))}
		var buf [headerSize]byte
		encodeHeader(h, buf[:])
		// Dribble the header and payload out a few bytes at a time to
		// exercise io.ReadFull's short-read tolerance.
		all := append(buf[:], payload...)
		for i := 0; i < len(all); i += 3 {
			end := i + 3
			if end > len(all) {
				end = len(all)
			}
			_, _ = server.Write(all[i:end])
			time.Sleep(time.Millisecond)
		}
	}()

	tr := NewTransport(client, defaultPacketSize)
	pkt, err := tr.ReadSync(context.Background())
	require.NoError(t, err)
	defer pkt.Release()
	assert.Equal(t, payload, pkt.Payload)
}

func TestTransportReadAsyncDeliversViaCallback(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()

	go writeRawPacket(t, server, header{PacketType: packetTypeReply, Status: statusEOM}, []byte("async"))

	tr := NewTransport(client, defaultPacketSize)
	done := make(chan struct{})
	var got *Packet
	var gotErr error
	tr.ReadAsync(func(pkt *Packet, err error) {
		got, gotErr = pkt, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async read completion")
	}
	require.NoError(t, gotErr)
	assert.Equal(t, []byte("async"), got.Payload)
	got.Release()
}

func TestTransportCancelOutstandingUnblocksRead(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, defaultPacketSize)
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReadSync(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.CancelOutstanding()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CancelOutstanding did not unblock the read")
	}
}

func TestTransportReleaseReusesPool(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		writeRawPacket(t, server, header{PacketType: packetTypeReply, Status: statusEOM}, []byte("aaaa"))
		writeRawPacket(t, server, header{PacketType: packetTypeReply, Status: statusEOM}, []byte("bbbb"))
	}()

	tr := NewTransport(client, defaultPacketSize)
	p1, err := tr.ReadSync(context.Background())
	require.NoError(t, err)
	p1.Release()
	p1.Release() // must be idempotent

	p2, err := tr.ReadSync(context.Background())
	require.NoError(t, err)
	defer p2.Release()
	assert.Equal(t, []byte("bbbb"), p2.Payload)
}
