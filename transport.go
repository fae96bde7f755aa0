package tds

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Packet is one physical TDS packet delivered by a Transport. The
// Transport owns Payload's backing array; callers must call Release
// before requesting the next packet (§4.1 "The adapter OWNS the
// packet buffer it delivers; callers must release it before the next
// read").
type Packet struct {
	Header  header
	Payload []byte

	release func()
	pool    *sync.Pool
	buf     []byte
}

// Release returns the packet's backing buffer to the transport's pool.
// It is safe to call multiple times; only the first call has effect.
func (p *Packet) Release() {
	if p == nil || p.release == nil {
		return
	}
	rel := p.release
	p.release = nil
	rel()
}

// Transport is the Framed Transport Adapter (C1): it sends and
// receives opaque packets over a byte transport. It is the only
// component that talks to the operating system's networking
// primitives; everything above it is pure state manipulation.
type Transport interface {
	// ReadSync blocks until a full packet has arrived, ctx is done, or
	// the transport fails.
	ReadSync(ctx context.Context) (*Packet, error)
	// ReadAsync starts a read in the background and invokes onComplete
	// exactly once, from a goroutine owned by the transport, when a
	// packet (or error) is available.
	ReadAsync(onComplete func(*Packet, error))
	// Write sends a single already-framed packet. sync selects whether
	// Write blocks until the bytes are on the wire (true) or may
	// return pending=true and complete later via onComplete, which is
	// invoked exactly once (synchronously before Write returns, or
	// later from a transport-owned goroutine) whenever pending is
	// true. onComplete may be nil when sync is true.
	Write(ctx context.Context, payload []byte, sync bool, onComplete func(error)) (pending bool, err error)
	// CancelOutstanding unblocks any in-flight ReadSync/ReadAsync,
	// causing it to complete with an error. It is idempotent.
	CancelOutstanding()
	// CheckAlive reports whether the transport still believes the
	// underlying connection is usable.
	CheckAlive() bool
	Close() error
}

// netTransport is the default Transport, implemented over a
// net.Conn. Grounded in the teacher's buf.go read_next_packet loop,
// generalized to tolerate a header split across multiple Read calls
// and to support a background (ReadAsync) read.
type netTransport struct {
	conn       net.Conn
	packetSize int
	pool       sync.Pool

	mu     sync.Mutex // serializes physical writes
	closed atomic.Bool

	partial partialHeader
}

// NewTransport wraps conn as a Transport using packetSize-sized packet
// buffers (the negotiated packet size, §3 Session invariants: equal,
// configurable, default 4 KiB, max 32767 bytes).
func NewTransport(conn net.Conn, packetSize int) Transport {
	t := &netTransport{conn: conn, packetSize: packetSize}
	t.pool.New = func() interface{} {
		return make([]byte, packetSize)
	}
	return t
}

func (t *netTransport) getBuf() []byte {
	return t.pool.Get().([]byte)
}

func (t *netTransport) putBuf(b []byte) {
	t.pool.Put(b) //nolint:staticcheck // intentionally reusing the pooled slice
}

// readFull reads exactly len(dst) bytes, tolerating short physical
// reads (a header split across two TCP segments resumes here without
// any replay, per §4.2).
func readFull(conn net.Conn, dst []byte) error {
	_, err := io.ReadFull(conn, dst)
	return err
}

func (t *netTransport) readPacketLocked() (*Packet, error) {
	var hdrBuf [headerSize]byte
	if err := readFull(t.conn, hdrBuf[:]); err != nil {
		return nil, err
	}
	h, err := decodeHeader(hdrBuf[:], t.packetSize)
	if err != nil {
		return nil, err
	}
	n := h.bytesInPacket()
	if n < 0 {
		return nil, ErrCorruptedStream
	}
	buf := t.getBuf()
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	payload := buf[:n]
	if n > 0 {
		if err := readFull(t.conn, payload); err != nil {
			t.putBuf(buf)
			return nil, err
		}
	}
	pkt := &Packet{Header: h, Payload: payload, buf: buf}
	pkt.release = func() { t.putBuf(buf) }
	return pkt, nil
}

func (t *netTransport) ReadSync(ctx context.Context) (pkt *Packet, err error) {
	defer recoverStreamPanic(&err)
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(noDeadline)
	}
	pkt, err = t.readPacketLocked()
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func (t *netTransport) ReadAsync(onComplete func(*Packet, error)) {
	go func() {
		pkt, err := t.readPacketAsync()
		onComplete(pkt, err)
	}()
}

// readPacketAsync is the goroutine-owned boundary recoverStreamPanic
// guards: a panic raised anywhere in the decode layer while assembling
// this packet is converted into the returned error instead of
// crashing the background goroutine.
func (t *netTransport) readPacketAsync() (pkt *Packet, err error) {
	defer recoverStreamPanic(&err)
	_ = t.conn.SetReadDeadline(noDeadline)
	return t.readPacketLocked()
}

// Write always completes synchronously on a plain net.Conn: TCP writes
// here are not pipelined through an OS async-IO facility the way the
// teacher's Windows IOCP transport is. sync/onComplete are accepted for
// interface conformance and ignored here: the write always blocks and
// returns pending=false, so higher layers written against the
// capability still work over a transport that does complete writes
// asynchronously.
func (t *netTransport) Write(ctx context.Context, payload []byte, sync bool, onComplete func(error)) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(noDeadline)
	}
	_, err := t.conn.Write(payload)
	// Returning pending=false means this write already completed
	// synchronously; the caller has err directly and must not also
	// receive an onComplete callback it never registered a pending slot
	// for (see the Write doc comment on the Transport interface).
	return false, err
}

// CancelOutstanding forces any blocked Read to return promptly by
// collapsing its deadline into the past. This is the transport-level
// half of the attention interlock; the session decides whether the
// resulting error means "cancelled" or something else.
func (t *netTransport) CancelOutstanding() {
	_ = t.conn.SetReadDeadline(pastDeadline())
}

func (t *netTransport) CheckAlive() bool {
	return !t.closed.Load()
}

func (t *netTransport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}
