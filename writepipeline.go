package tds

import (
	"context"
	"fmt"
	"sync"
)

// flushMode selects how Flush stamps the packet it hands to the
// transport (§4.6).
type flushMode int

const (
	// FlushSoft marks the packet BATCH (more packets expected in this
	// message) and bumps the packet-number counter.
	FlushSoft flushMode = iota
	// FlushHard marks the packet EOM and resets the packet-number
	// counter to 1 for the next message.
	FlushHard
)

// writePipeline is the Write Pipeline (C6): it accumulates outbound
// bytes into a single packet-sized buffer, emits soft/hard flush
// packets, tracks outstanding asynchronous write completions, and
// honors cancellation mid-request.
type writePipeline struct {
	sess *Session

	mu sync.Mutex // the writer lock (§5)

	packetSize  int
	buf         []byte // len == packetSize; buf[:headerSize] reserved for the header
	fill        int    // write cursor, always >= headerSize while a message is open
	packetNo    *packetCounter
	messageType uint8

	firstPacketSent bool
	unlockSecretMem func()

	waitersMu     sync.Mutex
	pendingWrites int32
	waiters       []chan error
	stashedErr    error

	secretsMu       sync.Mutex
	secretsInFlight int
}

func newWritePipeline(sess *Session) *writePipeline {
	w := &writePipeline{
		sess:       sess,
		packetSize: sess.packetSize,
		packetNo:   newPacketCounter(),
	}
	w.buf = make([]byte, w.packetSize)
	if unlock, ok := lockSecretPages(w.buf); ok {
		w.unlockSecretMem = unlock
	} else {
		w.unlockSecretMem = func() {}
	}
	w.resetFill()
	return w
}

func (w *writePipeline) resetFill() { w.fill = headerSize }

// BeginMessage opens a new logical message of the given packet type
// and resets the packet-number counter to 1 (§4.2: every message
// starts numbering fresh).
func (w *writePipeline) BeginMessage(packetType uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messageType = packetType
	w.packetNo.reset()
	w.firstPacketSent = false
	w.resetFill()
}

// HasPendingData reports whether anything has been written for the
// currently open message that the cancellation path needs to account
// for (§4.5's "data is pending" check).
func (w *writePipeline) HasPendingData() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fill > headerSize || w.firstPacketSent
}

func (w *writePipeline) WriteByte(b byte) error {
	return w.WriteBytes([]byte{b})
}

func (w *writePipeline) WriteBytes(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		room := len(w.buf) - w.fill
		if room == 0 {
			if err := w.flushLocked(FlushSoft); err != nil {
				return err
			}
			room = len(w.buf) - w.fill
		}
		n := room
		if n > len(p) {
			n = len(p)
		}
		copy(w.buf[w.fill:], p[:n])
		w.fill += n
		p = p[n:]
	}
	return nil
}

// WriteSecret copies secret into the outbound buffer at offset (counted
// from the end of the header) when it is called; it does not move the
// write cursor. The outbound buffer is mlocked where the platform
// allows it, but flushLocked hands the transport an ordinary heap copy
// of the packet, so the secret's bytes are also present in that
// unpinned copy. At most two secrets (login password, change-password)
// may be staged at once (§4.6).
func (w *writePipeline) WriteSecret(secret []byte, offset int) error {
	w.secretsMu.Lock()
	if w.secretsInFlight >= 2 {
		w.secretsMu.Unlock()
		return fmt.Errorf("mssql: too many secrets in flight")
	}
	w.secretsInFlight++
	w.secretsMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if headerSize+offset+len(secret) > len(w.buf) {
		return invalidPacketSizeError{size: headerSize + offset + len(secret)}
	}
	copy(w.buf[headerSize+offset:], secret)
	return nil
}

func (w *writePipeline) releaseSecrets(n int) {
	if n == 0 {
		return
	}
	w.secretsMu.Lock()
	w.secretsInFlight -= n
	if w.secretsInFlight < 0 {
		w.secretsInFlight = 0
	}
	w.secretsMu.Unlock()
}

// Flush stamps the accumulated bytes with a header and hands the
// packet to the transport.
func (w *writePipeline) Flush(mode flushMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(mode)
}

func (w *writePipeline) flushLocked(mode flushMode) error {
	w.waitersMu.Lock()
	stashed := w.stashedErr
	w.stashedErr = nil
	w.waitersMu.Unlock()
	if stashed != nil {
		return stashed
	}

	var status byte
	if mode == FlushHard {
		status = statusEOM
	} else {
		status = statusBatch
	}
	h := header{
		PacketType: w.messageType,
		Status:     status,
		Length:     uint16(w.fill),
		PacketNo:   w.packetNo.current(),
	}
	encodeHeader(h, w.buf[:headerSize])

	payload := append([]byte(nil), w.buf[:w.fill]...)

	w.secretsMu.Lock()
	secretsThisFlush := w.secretsInFlight
	w.secretsMu.Unlock()

	pending, err := w.sess.transport.Write(context.Background(), payload, true, func(werr error) {
		if werr != nil {
			w.recordAsyncError(werr)
		}
		w.decrementPending()
	})
	if pending {
		w.incrementPending()
	}
	w.releaseSecrets(secretsThisFlush)

	w.firstPacketSent = true
	if mode == FlushHard {
		w.packetNo.reset()
	} else {
		w.packetNo.advance()
	}
	w.resetFill()
	return err
}

func (w *writePipeline) incrementPending() {
	w.waitersMu.Lock()
	w.pendingWrites++
	w.waitersMu.Unlock()
}

func (w *writePipeline) decrementPending() {
	w.waitersMu.Lock()
	w.pendingWrites--
	var ready []chan error
	if w.pendingWrites <= 0 {
		ready, w.waiters = w.waiters, nil
	}
	w.waitersMu.Unlock()
	for _, ch := range ready {
		ch <- nil
	}
}

// recordAsyncError implements §4.6's "stash it; surface it to the
// first subsequent waiter or the next synchronous write" rule for a
// write completion that fails before anyone is waiting on it yet.
func (w *writePipeline) recordAsyncError(err error) {
	w.waitersMu.Lock()
	defer w.waitersMu.Unlock()
	if len(w.waiters) > 0 {
		ch := w.waiters[0]
		w.waiters = w.waiters[1:]
		ch <- err
		return
	}
	if w.stashedErr == nil {
		w.stashedErr = err
	}
}

// WaitForAccumulatedWrites blocks until every write issued so far has
// completed, surfacing the first error observed either from a stash
// left by an earlier completion or from this call's own wait slot.
func (w *writePipeline) WaitForAccumulatedWrites(ctx context.Context) error {
	w.waitersMu.Lock()
	if w.stashedErr != nil {
		err := w.stashedErr
		w.stashedErr = nil
		w.waitersMu.Unlock()
		return err
	}
	if w.pendingWrites <= 0 {
		w.waitersMu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	w.waiters = append(w.waiters, ch)
	w.waitersMu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAttention writes the header-only out-of-band attention packet
// (§6), independent of whatever message is currently open.
func (w *writePipeline) SendAttention() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var hdrBuf [headerSize]byte
	h := header{PacketType: packetTypeAttention, Status: statusEOM, Length: headerSize, PacketNo: 1}
	encodeHeader(h, hdrBuf[:])
	_, err := w.sess.transport.Write(context.Background(), hdrBuf[:], true, nil)
	return err
}

// CancelMidRequest implements §4.6's cancellation rule: if nothing has
// been sent yet for the current message, discard the buffer and
// report OperationCancelled; otherwise emit a final EOM|IGNORE packet
// and send attention so the server aborts the request cleanly.
func (w *writePipeline) CancelMidRequest() error {
	w.mu.Lock()
	sentAny := w.firstPacketSent
	if !sentAny {
		w.resetFill()
		w.firstPacketSent = false
		w.mu.Unlock()
		return ErrOperationCancelled
	}

	h := header{
		PacketType: w.messageType,
		Status:     statusEOM | statusIgnore,
		Length:     uint16(w.fill),
		PacketNo:   w.packetNo.current(),
	}
	encodeHeader(h, w.buf[:headerSize])
	payload := append([]byte(nil), w.buf[:w.fill]...)
	w.packetNo.reset()
	w.resetFill()
	w.firstPacketSent = false
	w.mu.Unlock()

	if _, err := w.sess.transport.Write(context.Background(), payload, true, nil); err != nil {
		return err
	}
	return w.SendAttention()
}
