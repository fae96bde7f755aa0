package tds

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"

	"golang.org/x/text/encoding"
)

// Outcome is the tristate every try_read_* and flush operation in this
// core returns: completed with a value, suspended pending more network
// data, or failed with an error already recorded on the session.
type Outcome int

const (
	Completed Outcome = iota
	Suspended
	Failed
)

// Result carries the tristate outcome of a single-value read.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// PLPChunkResult is the outcome of one TryReadPLPBytes call: N bytes
// were copied into the caller's destination this call, and Done
// reports whether the zero-length chunk terminator was observed.
type PLPChunkResult struct {
	N       int
	Done    bool
	Outcome Outcome
	Err     error
}

// PLP sentinel lengths (§4.3, §6).
const (
	plpNullLen    uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownLen uint64 = 0xFFFFFFFFFFFFFFFE
)

// IsPLPNull reports whether a length read by TryReadPLPLength denotes
// a SQL NULL value rather than a byte stream.
func IsPLPNull(length uint64) bool { return length == plpNullLen }

// IsPLPUnknownLength reports whether the server declined to declare a
// total length up front (UNKNOWN_LEN, §4.3).
func IsPLPUnknownLength(length uint64) bool { return length == plpUnknownLen }

// ReadPipeline is the Read Pipeline (C3): it produces a lazy stream of
// primitive values out of the framed byte stream arriving through the
// owning Session's Transport, and supports suspend/resume without
// losing parser position (§4.3).
//
// Every exported TryRead* method follows the same re-entrancy contract:
// on Suspended, the caller must not mutate any field of this struct,
// and must call the exact same method with the exact same arguments
// again once more data is available (either after Resume has been
// called by the async completion path, or after blocking for it in
// sync-over-async mode). Internal progress toward the requested value
// is preserved across calls via p.pending/p.destActive.
type ReadPipeline struct {
	sess *Session

	cur    *Packet
	curOff int

	bytesUsed int

	pendingData            bool
	errorTokenReceived     bool
	messageStatus          byte
	longLen                uint64
	longLenLeft            uint64
	longLenConsumed        uint64
	openResult             bool
	columnMetadataReceived bool
	attentionReceived      bool
	nullBitmap             *nullBitmapCache

	snap *snapshot

	// fixed-width scratch state (TryReadByte..TryReadFloat64).
	pending    bool
	wantLen    int
	scratch    [8]byte
	scratchLen int

	// variable-length destination state (TryReadBytes, strings, PLP
	// chunk bodies).
	destActive bool
	destIsSkip bool
	destBuf    []byte
	destLen    int
	destFilled int

	resumeErr error
}

func newReadPipeline(sess *Session) *ReadPipeline {
	return &ReadPipeline{sess: sess, nullBitmap: newNullBitmapCache(0)}
}

// bytesInPacket reports how many unconsumed bytes remain in the
// current packet, 0 if there is none (§3 invariant: bytes_in_packet ≥ 0
// holds trivially here since it is a derived, never-negative count).
func (p *ReadPipeline) bytesInPacket() int {
	if p.cur == nil {
		return 0
	}
	return len(p.cur.Payload) - p.curOff
}

// BeginSnapshot starts recording packets consumed from this point so a
// retryable read can later be replayed from the buffer instead of
// touching the transport again (§4.4).
func (p *ReadPipeline) BeginSnapshot() {
	p.snap = takeSnapshot(p)
}

// DiscardSnapshot drops the active snapshot once the high-level
// operation it was guarding has committed its progress.
func (p *ReadPipeline) DiscardSnapshot() {
	p.snap = nil
}

// ReplayFromSnapshot rewinds the pipeline to the state captured by
// BeginSnapshot and begins replaying buffered packets.
func (p *ReadPipeline) ReplayFromSnapshot() {
	if p.snap == nil {
		return
	}
	if p.cur != nil {
		p.cur.Release()
		p.cur = nil
	}
	p.snap.restore(p)
}

// Resume delivers a packet (or error) obtained by an async transport
// read to a suspended pipeline. It must be called at most once per
// suspension, before the caller re-invokes the TryRead* method that
// returned Suspended.
func (p *ReadPipeline) Resume(pkt *Packet, err error) {
	if err != nil {
		p.resumeErr = err
		return
	}
	if p.snap != nil {
		p.snap.record(pkt.Payload)
	}
	p.cur = pkt
	p.curOff = 0
}

// advance moves to the next packet, preferring a buffered snapshot
// packet over a live transport read, and never re-requesting a
// replayed packet from the transport (§4.4).
func (p *ReadPipeline) advance() (Outcome, error) {
	if p.cur != nil {
		p.cur.Release()
		p.cur = nil
	}
	if payload, ok := p.snap.nextReplayPacket(); ok {
		p.cur = &Packet{Payload: payload}
		p.curOff = 0
		return Completed, nil
	}
	if p.resumeErr != nil {
		err := p.resumeErr
		p.resumeErr = nil
		return Failed, err
	}
	if p.sess.effectiveSync() {
		pkt, err := p.sess.blockingReadPacket()
		if err != nil {
			return Failed, err
		}
		if p.snap != nil {
			p.snap.record(pkt.Payload)
		}
		p.cur = pkt
		p.curOff = 0
		return Completed, nil
	}
	p.sess.ensureAsyncRead(p)
	return Suspended, nil
}

func (p *ReadPipeline) nextByte() (byte, Outcome, error) {
	for p.cur == nil || p.curOff >= len(p.cur.Payload) {
		outcome, err := p.advance()
		if outcome != Completed {
			return 0, outcome, err
		}
	}
	b := p.cur.Payload[p.curOff]
	p.curOff++
	p.bytesUsed++
	return b, Completed, nil
}

func (p *ReadPipeline) fillBytes(n int) ([]byte, Outcome, error) {
	if !p.pending {
		p.pending = true
		p.wantLen = n
		p.scratchLen = 0
	}
	for p.scratchLen < p.wantLen {
		b, outcome, err := p.nextByte()
		if outcome != Completed {
			return nil, outcome, err
		}
		p.scratch[p.scratchLen] = b
		p.scratchLen++
	}
	p.pending = false
	return p.scratch[:n], Completed, nil
}

// fillDest copies n bytes into dest (discarding them if dest is nil,
// the try_read_bytes(dest=null) "skip" mode from §4.3), tolerating
// suspension partway through by remembering progress in destFilled.
func (p *ReadPipeline) fillDest(dest []byte, n int) (int, Outcome, error) {
	if !p.destActive {
		if dest != nil && len(dest) < n {
			badStreamPanicf("try_read_bytes destination shorter than requested length (%d < %d)", len(dest), n)
		}
		p.destActive = true
		p.destIsSkip = dest == nil
		p.destBuf = dest
		p.destLen = n
		p.destFilled = 0
	}
	for p.destFilled < p.destLen {
		if p.cur == nil || p.curOff >= len(p.cur.Payload) {
			outcome, err := p.advance()
			if outcome != Completed {
				return p.destFilled, outcome, err
			}
			continue
		}
		avail := len(p.cur.Payload) - p.curOff
		want := p.destLen - p.destFilled
		if want > avail {
			want = avail
		}
		if !p.destIsSkip {
			copy(p.destBuf[p.destFilled:p.destFilled+want], p.cur.Payload[p.curOff:p.curOff+want])
		}
		p.curOff += want
		p.bytesUsed += want
		p.destFilled += want
	}
	filled := p.destFilled
	p.destActive = false
	return filled, Completed, nil
}

// TryReadByte reads a single byte.
func (p *ReadPipeline) TryReadByte() Result[byte] {
	b, outcome, err := p.fillBytes(1)
	if outcome != Completed {
		return Result[byte]{Outcome: outcome, Err: err}
	}
	return Result[byte]{Value: b[0], Outcome: Completed}
}

func (p *ReadPipeline) TryReadUint16() Result[uint16] {
	b, outcome, err := p.fillBytes(2)
	if outcome != Completed {
		return Result[uint16]{Outcome: outcome, Err: err}
	}
	return Result[uint16]{Value: binary.LittleEndian.Uint16(b), Outcome: Completed}
}

func (p *ReadPipeline) TryReadInt16() Result[int16] {
	r := p.TryReadUint16()
	return Result[int16]{Value: int16(r.Value), Outcome: r.Outcome, Err: r.Err}
}

func (p *ReadPipeline) TryReadUint32() Result[uint32] {
	b, outcome, err := p.fillBytes(4)
	if outcome != Completed {
		return Result[uint32]{Outcome: outcome, Err: err}
	}
	return Result[uint32]{Value: binary.LittleEndian.Uint32(b), Outcome: Completed}
}

func (p *ReadPipeline) TryReadInt32() Result[int32] {
	r := p.TryReadUint32()
	return Result[int32]{Value: int32(r.Value), Outcome: r.Outcome, Err: r.Err}
}

func (p *ReadPipeline) TryReadUint64() Result[uint64] {
	b, outcome, err := p.fillBytes(8)
	if outcome != Completed {
		return Result[uint64]{Outcome: outcome, Err: err}
	}
	return Result[uint64]{Value: binary.LittleEndian.Uint64(b), Outcome: Completed}
}

func (p *ReadPipeline) TryReadInt64() Result[int64] {
	r := p.TryReadUint64()
	return Result[int64]{Value: int64(r.Value), Outcome: r.Outcome, Err: r.Err}
}

func (p *ReadPipeline) TryReadFloat32() Result[float32] {
	r := p.TryReadUint32()
	if r.Outcome != Completed {
		return Result[float32]{Outcome: r.Outcome, Err: r.Err}
	}
	return Result[float32]{Value: math.Float32frombits(r.Value), Outcome: Completed}
}

func (p *ReadPipeline) TryReadFloat64() Result[float64] {
	r := p.TryReadUint64()
	if r.Outcome != Completed {
		return Result[float64]{Outcome: r.Outcome, Err: r.Err}
	}
	return Result[float64]{Value: math.Float64frombits(r.Value), Outcome: Completed}
}

// TryReadBytes reads n bytes into dest (dest must have length >= n),
// or discards n bytes if dest is nil.
func (p *ReadPipeline) TryReadBytes(dest []byte, n int) Result[int] {
	copied, outcome, err := p.fillDest(dest, n)
	return Result[int]{Value: copied, Outcome: outcome, Err: err}
}

// TryReadStringUTF16 reads charCount UTF-16LE code units and decodes
// them to a Go string.
func (p *ReadPipeline) TryReadStringUTF16(charCount int) Result[string] {
	n := charCount * 2
	buf := p.destBuf
	if !p.destActive {
		buf = make([]byte, n)
	}
	_, outcome, err := p.fillDest(buf, n)
	if outcome != Completed {
		return Result[string]{Outcome: outcome, Err: err}
	}
	units := make([]uint16, charCount)
	for i := 0; i < charCount; i++ {
		units[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}
	return Result[string]{Value: string(utf16.Decode(units)), Outcome: Completed}
}

// TryReadString reads len bytes (or, if isPLP, a full PLP stream) and
// decodes them through enc — the collation-specific encoding.Encoding
// chosen by the token parser above this layer, which owns collation
// tracking (out of scope here per §1).
func (p *ReadPipeline) TryReadString(enc encoding.Encoding, byteLen int, isPLP bool) Result[string] {
	if isPLP {
		return p.tryReadPLPString(enc)
	}
	buf := p.destBuf
	if !p.destActive {
		buf = make([]byte, byteLen)
	}
	_, outcome, err := p.fillDest(buf, byteLen)
	if outcome != Completed {
		return Result[string]{Outcome: outcome, Err: err}
	}
	decoded, decErr := enc.NewDecoder().String(string(buf))
	if decErr != nil {
		return Result[string]{Outcome: Failed, Err: decErr}
	}
	return Result[string]{Value: decoded, Outcome: Completed}
}

func (p *ReadPipeline) tryReadPLPString(enc encoding.Encoding) Result[string] {
	// A full PLP string assembly is driven the same way S6 drives PLP
	// byte assembly: read the declared length, then chunks, into a
	// growing buffer until the terminator.
	if p.longLen == 0 && p.longLenLeft == 0 && !p.pending {
		lr := p.TryReadPLPLength()
		if lr.Outcome != Completed {
			return Result[string]{Outcome: lr.Outcome, Err: lr.Err}
		}
		if IsPLPNull(lr.Value) {
			return Result[string]{Outcome: Completed}
		}
	}
	chunk := make([]byte, 4096)
	var assembled []byte
	for {
		cr := p.TryReadPLPBytes(chunk)
		if cr.Outcome != Completed {
			return Result[string]{Outcome: cr.Outcome, Err: cr.Err}
		}
		assembled = append(assembled, chunk[:cr.N]...)
		if cr.Done {
			break
		}
	}
	decoded, err := enc.NewDecoder().String(string(assembled))
	if err != nil {
		return Result[string]{Outcome: Failed, Err: err}
	}
	return Result[string]{Value: decoded, Outcome: Completed}
}

// TryReadPLPLength reads the 8-byte PLP total-length prefix, setting
// up longLen/longLenLeft for the chunk reads that follow (§4.3).
func (p *ReadPipeline) TryReadPLPLength() Result[uint64] {
	r := p.TryReadUint64()
	if r.Outcome != Completed {
		return Result[uint64]{Outcome: r.Outcome, Err: r.Err}
	}
	p.longLen = r.Value
	p.longLenLeft = 0
	p.longLenConsumed = 0
	return Result[uint64]{Value: r.Value, Outcome: Completed}
}

// TryReadPLPBytes copies up to len(dest) bytes of the current PLP
// stream, pulling in a new chunk-length prefix whenever the previous
// chunk is exhausted. Done reports that the zero-length terminator
// chunk was consumed; a caller assembling the whole value loops until
// Done is true. When longLen is a declared total (neither plpNullLen
// nor plpUnknownLen), a chunk length that would push the running total
// consumed past that declared total is the "PLP chunk past declared
// total" corrupted-stream condition (§7) and fails the read with
// ErrCorruptedStream rather than over-reading the chunk.
func (p *ReadPipeline) TryReadPLPBytes(dest []byte) PLPChunkResult {
	total := 0
	for total < len(dest) {
		if p.longLenLeft == 0 {
			r := p.TryReadUint32()
			if r.Outcome != Completed {
				return PLPChunkResult{N: total, Outcome: r.Outcome, Err: r.Err}
			}
			if r.Value == 0 {
				return PLPChunkResult{N: total, Done: true, Outcome: Completed}
			}
			if !IsPLPNull(p.longLen) && !IsPLPUnknownLength(p.longLen) &&
				p.longLenConsumed+uint64(r.Value) > p.longLen {
				return PLPChunkResult{N: total, Outcome: Failed, Err: fmt.Errorf("%w: PLP chunk overruns its declared total length", ErrCorruptedStream)}
			}
			p.longLenLeft = uint64(r.Value)
		}
		want := len(dest) - total
		if uint64(want) > p.longLenLeft {
			want = int(p.longLenLeft)
		}
		rb := p.TryReadBytes(dest[total:total+want], want)
		if rb.Outcome != Completed {
			return PLPChunkResult{N: total, Outcome: rb.Outcome, Err: rb.Err}
		}
		p.longLenLeft -= uint64(want)
		p.longLenConsumed += uint64(want)
		total += want
	}
	return PLPChunkResult{N: total, Outcome: Completed}
}
