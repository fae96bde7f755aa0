package tds

// nullBitmapCache is the cloneable null-bitmap structure referenced by
// a Snapshot (§3 Read Snapshot). It is reference-shared between the
// live parser state and any snapshot taken of it until one of them
// mutates it, at which point the mutator clones first (copy-on-write).
type nullBitmapCache struct {
	bits   []byte
	shared bool
}

func newNullBitmapCache(n int) *nullBitmapCache {
	return &nullBitmapCache{bits: make([]byte, n)}
}

// clone returns a reference-sharing copy suitable for stashing in a
// Snapshot; both the original and the clone are marked shared so the
// next mutator on either side copies first.
func (c *nullBitmapCache) clone() *nullBitmapCache {
	if c == nil {
		return nil
	}
	c.shared = true
	return &nullBitmapCache{bits: c.bits, shared: true}
}

// forMutation returns a cache safe to write into, copying the backing
// slice the first time a shared cache is mutated.
func (c *nullBitmapCache) forMutation() *nullBitmapCache {
	if c == nil {
		return newNullBitmapCache(0)
	}
	if !c.shared {
		return c
	}
	cp := append([]byte(nil), c.bits...)
	return &nullBitmapCache{bits: cp, shared: false}
}

// parserState is every derived field the read pipeline needs to
// restore exactly at a snapshot's replay point (§3 Read Snapshot).
type parserState struct {
	bytesUsed              int
	bytesInPacket           int
	pendingData             bool
	errorTokenReceived      bool
	messageStatus           byte
	longLen                uint64
	longLenLeft             uint64
	longLenConsumed         uint64
	openResult              bool
	columnMetadataReceived  bool
	attentionReceived       bool
	nullBitmap              *nullBitmapCache
}

// snapshot is the Snapshot & Replay component (C4). It is created
// before a retryable read begins, appended to on every successful
// packet receive, and discarded once the high-level operation commits
// its progress.
type snapshot struct {
	packets [][]byte
	pos     int
	state   parserState
	taken   bool
}

// takeSnapshot captures p's current parser state and returns a fresh,
// empty snapshot ready to record packets.
func takeSnapshot(p *ReadPipeline) *snapshot {
	s := &snapshot{
		taken: true,
		state: parserState{
			bytesUsed:             p.bytesUsed,
			bytesInPacket:          p.bytesInPacket(),
			pendingData:            p.pendingData,
			errorTokenReceived:     p.errorTokenReceived,
			messageStatus:          p.messageStatus,
			longLen:                p.longLen,
			longLenLeft:            p.longLenLeft,
			longLenConsumed:        p.longLenConsumed,
			openResult:             p.openResult,
			columnMetadataReceived: p.columnMetadataReceived,
			attentionReceived:      p.attentionReceived,
			nullBitmap:             p.nullBitmap.clone(),
		},
	}
	return s
}

// record appends a packet payload consumed since the snapshot was
// taken (or since the last record, including ones fetched live during
// a prior replay) so that a future replay never re-requests it from
// the transport.
func (s *snapshot) record(payload []byte) {
	cp := append([]byte(nil), payload...)
	s.packets = append(s.packets, cp)
}

// restore rewinds p to exactly the state captured at snapshot time and
// rewinds the replay cursor to the beginning of the buffered packets.
// Taking a snapshot with zero buffered packets, performing no reads,
// and replaying is a no-op by construction: pos starts and ends at 0
// and state is restored to itself.
func (s *snapshot) restore(p *ReadPipeline) {
	p.bytesUsed = s.state.bytesUsed
	p.pendingData = s.state.pendingData
	p.errorTokenReceived = s.state.errorTokenReceived
	p.messageStatus = s.state.messageStatus
	p.longLen = s.state.longLen
	p.longLenLeft = s.state.longLenLeft
	p.longLenConsumed = s.state.longLenConsumed
	p.openResult = s.state.openResult
	p.columnMetadataReceived = s.state.columnMetadataReceived
	p.attentionReceived = s.state.attentionReceived
	p.nullBitmap = s.state.nullBitmap.clone()
	s.pos = 0
	p.cur = nil
	p.curOff = 0
}

// nextReplayPacket returns the next buffered packet payload, if replay
// hasn't caught up to the live edge yet. A replayed packet is never
// re-requested from the transport: the caller must not fall through to
// a live read when ok is true.
func (s *snapshot) nextReplayPacket() (payload []byte, ok bool) {
	if s == nil || s.pos >= len(s.packets) {
		return nil, false
	}
	payload = s.packets[s.pos]
	s.pos++
	return payload, true
}

// replaying reports whether this snapshot still has buffered packets
// left to hand back before live reads resume.
func (s *snapshot) replaying() bool {
	return s != nil && s.pos < len(s.packets)
}
