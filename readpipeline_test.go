package tds

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/tdscore/tds/internal/testutil"
)

func newSyncTestSession(t *testing.T) (*Session, func(payload []byte, eom bool)) {
	t.Helper()
	client, server := testutil.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	sess := NewSession(1, NewTransport(client, defaultPacketSize), &Config{PacketSize: defaultPacketSize})

	// Each packet is written from its own goroutine; prev chains them so
	// packets reach the wire in the order send was called.
	var prev chan struct{}
	send := func(payload []byte, eom bool) {
		status := byte(0)
		if eom {
			status = statusEOM
		} else {
			status = statusBatch
		}
		h := header{PacketType: packetTypeReply, Status: status, Length: uint16(headerSize + len(payload))}
		var buf [headerSize]byte
		encodeHeader(h, buf[:])
		wait, done := prev, make(chan struct{})
		prev = done
		go func() {
			defer close(done)
			if wait != nil {
				<-wait
			}
			_, _ = server.Write(buf[:])
			if len(payload) > 0 {
				_, _ = server.Write(payload)
			}
		}()
	}
	return sess, send
}

func TestTryReadByteFromFirstPacket(t *testing.T) {
	sess, send := newSyncTestSession(t)
	send([]byte{0xAB}, true)

	r := sess.ReadPipeline().TryReadByte()
	require.Equal(t, Completed, r.Outcome)
	assert.EqualValues(t, 0xAB, r.Value)
}

func TestTryReadUint32SplitAcrossTwoPackets(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0xDEADBEEF)

	send(buf[:2], false)
	send(buf[2:], true)

	r := sess.ReadPipeline().TryReadUint32()
	require.Equal(t, Completed, r.Outcome)
	assert.EqualValues(t, 0xDEADBEEF, r.Value)
}

func TestTryReadBytesSkipMode(t *testing.T) {
	sess, send := newSyncTestSession(t)
	send([]byte{1, 2, 3, 4, 5}, true)

	p := sess.ReadPipeline()
	skip := p.TryReadBytes(nil, 3)
	require.Equal(t, Completed, skip.Outcome)
	assert.Equal(t, 3, skip.Value)

	rest := make([]byte, 2)
	r := p.TryReadBytes(rest, 2)
	require.Equal(t, Completed, r.Outcome)
	assert.Equal(t, []byte{4, 5}, rest)
}

func TestTryReadStringUTF16(t *testing.T) {
	sess, send := newSyncTestSession(t)
	want := "hi"
	units := []byte{'h', 0, 'i', 0}
	send(units, true)

	r := sess.ReadPipeline().TryReadStringUTF16(2)
	require.Equal(t, Completed, r.Outcome)
	assert.Equal(t, want, r.Value)
}

func TestTryReadStringWithEncoding(t *testing.T) {
	sess, send := newSyncTestSession(t)
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, err := enc.NewEncoder().String("hey")
	require.NoError(t, err)
	send([]byte(encoded), true)

	r := sess.ReadPipeline().TryReadString(enc, len(encoded), false)
	require.Equal(t, Completed, r.Outcome)
	assert.Equal(t, "hey", r.Value)
}

func TestTryReadPLPBytesAssemblesChunks(t *testing.T) {
	sess, send := newSyncTestSession(t)

	var msg []byte
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], plpUnknownLen)
	msg = append(msg, lenBuf[:]...)

	chunks := [][]byte{
		make([]byte, 4096),
		make([]byte, 4096),
		make([]byte, 123),
	}
	for i := range chunks[0] {
		chunks[0][i] = byte(i)
	}
	for i := range chunks[1] {
		chunks[1][i] = byte(i + 1)
	}
	for i := range chunks[2] {
		chunks[2][i] = byte(i + 2)
	}
	for _, c := range chunks {
		var clen [4]byte
		binary.LittleEndian.PutUint32(clen[:], uint32(len(c)))
		msg = append(msg, clen[:]...)
		msg = append(msg, c...)
	}
	var terminator [4]byte
	msg = append(msg, terminator[:]...)

	// The stream is longer than one packet, so frame it into packets no
	// larger than the negotiated packet size.
	const maxPayload = defaultPacketSize - headerSize
	for len(msg) > maxPayload {
		send(msg[:maxPayload], false)
		msg = msg[maxPayload:]
	}
	send(msg, true)

	p := sess.ReadPipeline()
	lr := p.TryReadPLPLength()
	require.Equal(t, Completed, lr.Outcome)
	assert.True(t, IsPLPUnknownLength(lr.Value))

	var assembled []byte
	chunkBuf := make([]byte, 4096)
	for {
		cr := p.TryReadPLPBytes(chunkBuf)
		require.Equal(t, Completed, cr.Outcome)
		assembled = append(assembled, chunkBuf[:cr.N]...)
		if cr.Done {
			break
		}
	}
	assert.Len(t, assembled, 4096+4096+123)
}

// TestTryReadPLPBytesDetectsChunkOverrunningDeclaredTotal covers §7's
// corrupted-stream condition: a server that declares a total length
// up front and then sends chunks summing past it.
func TestTryReadPLPBytesDetectsChunkOverrunningDeclaredTotal(t *testing.T) {
	sess, send := newSyncTestSession(t)

	var msg []byte
	var lenBuf [8]byte
	const declaredTotal = 100
	binary.LittleEndian.PutUint64(lenBuf[:], declaredTotal)
	msg = append(msg, lenBuf[:]...)

	// A single chunk longer than the declared total.
	chunk := make([]byte, declaredTotal+1)
	var clen [4]byte
	binary.LittleEndian.PutUint32(clen[:], uint32(len(chunk)))
	msg = append(msg, clen[:]...)
	msg = append(msg, chunk...)

	send(msg, true)

	p := sess.ReadPipeline()
	lr := p.TryReadPLPLength()
	require.Equal(t, Completed, lr.Outcome)
	assert.EqualValues(t, declaredTotal, lr.Value)

	chunkBuf := make([]byte, declaredTotal+1)
	cr := p.TryReadPLPBytes(chunkBuf)
	require.Equal(t, Failed, cr.Outcome)
	assert.ErrorIs(t, cr.Err, ErrCorruptedStream)
}
