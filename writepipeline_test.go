package tds

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdscore/tds/internal/testutil"
)

func readHeaderAndPayload(t *testing.T, conn io.Reader) (header, []byte) {
	t.Helper()
	var hb [headerSize]byte
	_, err := io.ReadFull(conn, hb[:])
	require.NoError(t, err)
	h, err := decodeHeader(hb[:], defaultPacketSize)
	require.NoError(t, err)
	payload := make([]byte, h.bytesInPacket())
	if len(payload) > 0 {
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	return h, payload
}

func TestFlushHardSetsEOMAndResetsPacketNumber(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeQuery)
	require.NoError(t, w.WriteBytes([]byte("hello")))

	done := make(chan struct{})
	var h header
	var payload []byte
	go func() {
		h, payload = readHeaderAndPayload(t, server)
		close(done)
	}()

	require.NoError(t, w.Flush(FlushHard))
	<-done

	assert.True(t, h.isEOM())
	assert.EqualValues(t, 1, h.PacketNo)
	assert.Equal(t, []byte("hello"), payload)
	assert.EqualValues(t, 1, w.packetNo.current(), "packet number must reset to 1 after a hard flush")
}

func TestFlushSoftMarksBatchAndBumpsPacketNumber(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeQuery)
	require.NoError(t, w.WriteBytes([]byte("x")))

	done := make(chan struct{})
	go func() {
		readHeaderAndPayload(t, server)
		close(done)
	}()

	require.NoError(t, w.Flush(FlushSoft))
	<-done
	assert.EqualValues(t, 2, w.packetNo.current(), "soft flush must bump the packet number")
}

func TestCancelMidRequestBeforeAnyPacketSentDiscards(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeQuery)
	err := w.CancelMidRequest()
	assert.ErrorIs(t, err, ErrOperationCancelled)
}

func TestCancelMidRequestAfterFirstPacketSendsIgnoreThenAttention(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeQuery)
	require.NoError(t, w.WriteBytes([]byte("first")))

	flushDone := make(chan struct{})
	go func() {
		readHeaderAndPayload(t, server)
		close(flushDone)
	}()
	require.NoError(t, w.Flush(FlushSoft))
	<-flushDone

	require.NoError(t, w.WriteBytes([]byte("partial")))

	var headers []header
	readDone := make(chan struct{})
	go func() {
		for i := 0; i < 2; i++ {
			h, _ := readHeaderAndPayload(t, server)
			headers = append(headers, h)
		}
		close(readDone)
	}()

	require.NoError(t, w.CancelMidRequest())
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe the final IGNORE packet followed by attention")
	}

	require.Len(t, headers, 2)
	assert.Equal(t, statusEOM|statusIgnore, headers[0].Status)
	assert.Equal(t, packetTypeAttention, headers[1].PacketType)
	assert.Equal(t, statusEOM, headers[1].Status)
}

// TestCancelMidRequestDiscardsBufferedButUnflushedBytes covers §4.6's
// other boundary: bytes sitting in the local buffer that never reached
// the wire must be discarded, not emitted as a final IGNORE packet.
func TestCancelMidRequestDiscardsBufferedButUnflushedBytes(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeQuery)
	require.NoError(t, w.WriteBytes([]byte("partial")))

	err := w.CancelMidRequest()
	assert.ErrorIs(t, err, ErrOperationCancelled)

	wroteToWire := make(chan struct{})
	go func() {
		var b [1]byte
		if _, err := server.Read(b[:]); err == nil {
			close(wroteToWire)
		}
	}()
	select {
	case <-wroteToWire:
		t.Fatal("CancelMidRequest must not write buffered-but-unflushed bytes to the wire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWaitForAccumulatedWritesReturnsStashedAsyncError(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	sentinel := assert.AnError
	w.incrementPending()
	w.recordAsyncError(sentinel)
	w.decrementPending()

	err := w.WaitForAccumulatedWrites(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestWriteSecretRejectsThirdConcurrentSecret(t *testing.T) {
	client, server := testutil.Pipe()
	defer client.Close()
	defer server.Close()
	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})
	w := sess.WritePipeline()

	w.BeginMessage(packetTypeLogin7)
	require.NoError(t, w.WriteSecret([]byte("pw1"), 0))
	require.NoError(t, w.WriteSecret([]byte("pw2"), 8))
	assert.Error(t, w.WriteSecret([]byte("pw3"), 16))
}
