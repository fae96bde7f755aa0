package tds

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tdscore/tds/internal/diag"
)

// weakRef approximates a weak owner reference (Design Notes "current
// operation owner"): it lets the holder of a strong reference clear
// itself out on teardown, and lets a third party attempt to recover
// the reference without extending its lifetime beyond what the holder
// already guarantees. Go has no runtime weak pointer below 1.24, so
// this is the conventional stand-in: a pointer the owner promises to
// clear before it lets go, guarded by a mutex rather than the GC.
type weakRef struct {
	mu  sync.Mutex
	ptr interface{}
}

func (w *weakRef) set(v interface{}) {
	w.mu.Lock()
	w.ptr = v
	w.mu.Unlock()
}

func (w *weakRef) clear() {
	w.mu.Lock()
	w.ptr = nil
	w.mu.Unlock()
}

// tryUpgrade reports whether the owner is still attached.
func (w *weakRef) tryUpgrade() (interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ptr, w.ptr != nil
}

// Session is the Session Object (C7): it aggregates the error/warning
// collections a batch produces, tracks MARS activation, and owns the
// Read Pipeline, Write Pipeline, Transport, and Timeout Supervisor
// that make up one physical TDS connection's protocol state.
type Session struct {
	id int64

	cfg       *Config
	transport Transport
	read      *ReadPipeline
	write     *writePipeline
	timeout   *TimeoutSupervisor

	packetSize int

	// ctxLog and logMask back Session.logEvent: the diagnostic path
	// every AddError/AddWarning/MarkBroken call and the timeout
	// supervisor's attention dance report through, per the ambient
	// stack's "the core never logs directly to stdout" rule.
	ctxLog  ContextLogger
	logMask uint64

	// forcedSync latches true the moment any error or warning is
	// recorded (§4.3): from then on every read on this session is
	// synchronous, never suspended, even if PreferAsync was set.
	forcedSync atomic.Bool

	asyncMu          sync.Mutex
	asyncOutstanding bool
	packetReady      chan struct{}

	mu           sync.Mutex
	errors       []Error
	warnings     []Error
	clientErrors []error

	activationCount int32
	owner           weakRef

	txMu                   sync.Mutex
	transactions           map[uint64]*internalTransaction
	nextLocalTxKey         uint64
	nonTransactedOpenResult int32

	cancelled bool
	attention bool

	closed atomic.Bool
	broken atomic.Bool

	// pooled reports whether this session is currently sitting idle in
	// a connection pool rather than owned by an active caller; the
	// timeout supervisor skips the attention dance in that state
	// (§4.5 S4).
	pooled loggedInFlag

	// loggedIn reports whether login has completed; expiration before
	// login never sends attention (there is no server-side request to
	// abort yet).
	loggedIn loggedInFlag
}

// loggedInFlag is a tiny named bool wrapper purely so the two session
// flags above read unambiguously at call sites (s.pooled.set(true)
// rather than a bare s.pooled = true next to unrelated bools).
type loggedInFlag struct {
	v atomic.Bool
}

func (f *loggedInFlag) set(v bool) { f.v.Store(v) }
func (f *loggedInFlag) get() bool  { return f.v.Load() }

// NewSession builds a Session around an already-open Transport. Login
// and PRELOGIN negotiation are a collaborator's concern; by the time a
// Session exists the packet size in cfg must already match what the
// transport was constructed with (the buffer-size-equal invariant,
// §3 Session invariants).
func NewSession(id int64, transport Transport, cfg *Config) *Session {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Session{
		id:          id,
		cfg:         cfg,
		transport:   transport,
		packetSize:  cfg.packetSize(),
		packetReady: make(chan struct{}, 1),
		ctxLog:      resolveContextLogger(cfg),
		logMask:     cfg.LogMask,
	}
	s.read = newReadPipeline(s)
	s.write = newWritePipeline(s)
	s.timeout = newTimeoutSupervisor(s)
	s.transactions = make(map[uint64]*internalTransaction)
	return s
}

// registerTransaction adds an internal transaction to the session's
// id-keyed registry (Design Notes "Cyclic session ↔ transaction
// registry": the session owns transactions by id; transactions hold
// only the session pointer plus a capability to post tokens back).
// Every transaction is registered under a locally-allocated key with
// localTxKeyBit set. rekeyTransaction can move an entry to its
// server-assigned id; activate does not call it.
func (s *Session) registerTransaction(t *internalTransaction) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.nextLocalTxKey++
	s.transactions[s.nextLocalTxKey|localTxKeyBit] = t
}

// rekeyTransaction moves a transaction from its placeholder local key
// to its server-assigned transaction id once the BeginTransaction
// env-change arrives.
func (s *Session) rekeyTransaction(localKey, serverID uint64) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if t, ok := s.transactions[localKey]; ok {
		delete(s.transactions, localKey)
		s.transactions[serverID] = t
	}
}

// detachTransaction removes a terminal transaction from the registry;
// called by internalTransaction.zombie.
func (s *Session) detachTransaction(t *internalTransaction) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	for k, v := range s.transactions {
		if v == t {
			delete(s.transactions, k)
			return
		}
	}
}

// addNonTransactedOpenResults folds a terminated transaction's
// leftover open-result count into the session-wide counter for later
// cleanup (§4.8).
func (s *Session) addNonTransactedOpenResults(n int32) {
	atomic.AddInt32(&s.nonTransactedOpenResult, n)
}

// localTxKeyBit keeps locally-allocated placeholder transaction keys
// out of the 64-bit server transaction-id space, which is always a
// small dense set of values assigned by the server.
const localTxKeyBit = uint64(1) << 63

// ReadPipeline returns the session's Read Pipeline.
func (s *Session) ReadPipeline() *ReadPipeline { return s.read }

// WritePipeline returns the session's Write Pipeline.
func (s *Session) WritePipeline() *writePipeline { return s.write }

// effectiveSync reports whether the next read must block rather than
// suspend: either because PreferAsync was never set, or because this
// session has already recorded an error or warning.
func (s *Session) effectiveSync() bool {
	return s.forcedSync.Load() || !s.cfg.preferAsync()
}

// blockingReadPacket performs a synchronous transport read bounded by
// the timeout supervisor's current deadline.
func (s *Session) blockingReadPacket() (*Packet, error) {
	ctx := s.timeout.deadlineContext(context.Background())
	return s.transport.ReadSync(ctx)
}

// ensureAsyncRead issues a single background read if one is not
// already outstanding, wiring its completion back into p via Resume
// and signaling packetReady so a caller awaiting progress can wake.
func (s *Session) ensureAsyncRead(p *ReadPipeline) {
	s.asyncMu.Lock()
	if s.asyncOutstanding {
		s.asyncMu.Unlock()
		return
	}
	s.asyncOutstanding = true
	s.asyncMu.Unlock()

	s.transport.ReadAsync(func(pkt *Packet, err error) {
		p.Resume(pkt, err)
		s.asyncMu.Lock()
		s.asyncOutstanding = false
		s.asyncMu.Unlock()
		select {
		case s.packetReady <- struct{}{}:
		default:
		}
	})
}

// AwaitPacket blocks until a suspended read's async completion has
// landed, or ctx is done. Token parsers drive the suspend/resume loop
// by calling a TryRead* method, and on Suspended, calling AwaitPacket
// before retrying the same call.
func (s *Session) AwaitPacket(ctx context.Context) error {
	select {
	case <-s.packetReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logEvent is the one path every diagnostic emission in this package
// goes through: it reports to the per-session ContextLogger only when
// category is set in logMask, and unconditionally posts to the
// process-wide internal/diag sink regardless of mask, since a Listener
// registered there may be watching for categories the session itself
// was never configured to surface.
func (s *Session) logEvent(ctx context.Context, category uint64, msg string) {
	if s.logMask&category != 0 {
		s.ctxLog.Log(ctx, diag.Log(category), msg)
	}
	diag.Post(diag.Event{Category: diag.Log(category), ObjectID: uint64(s.id), Message: msg})
}

// AddError appends a server error to this session's aggregated
// collection and latches forcedSync (§4.3: "the moment an error or
// warning token is seen, all subsequent reads on this session become
// synchronous").
func (s *Session) AddError(e Error) {
	s.mu.Lock()
	s.errors = append(s.errors, e)
	s.mu.Unlock()
	s.forcedSync.Store(true)
	s.logEvent(context.Background(), logErrors, e.Message)
	if e.Fatal() {
		s.broken.Store(true)
	}
}

// AddWarning appends a server informational message.
func (s *Session) AddWarning(e Error) {
	s.mu.Lock()
	s.warnings = append(s.warnings, e)
	s.mu.Unlock()
	s.forcedSync.Store(true)
	s.logEvent(context.Background(), logMessages, e.Message)
}

// GetFullAndClear returns and clears the accumulated errors and
// warnings, for the collaborator assembling the end-of-batch result.
func (s *Session) GetFullAndClear() (errs, warnings []Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs, warnings = s.errors, s.warnings
	s.errors, s.warnings = nil, nil
	return errs, warnings
}

// ConsumeClientErrors returns and clears the client-originated error
// collection (timeouts, corrupted-stream failures, and the like).
func (s *Session) ConsumeClientErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.clientErrors
	s.clientErrors = nil
	return errs
}

// RecordClientError appends a client-originated error (timeout,
// cancellation, corrupted stream) to the collection returned by the
// next ConsumeClientErrors; GetFullAndClear does not include it. Unlike
// AddError, this does not latch forcedSync: a timeout or cancel is
// already routing the session onto the synchronous attention-drain
// path explicitly.
func (s *Session) RecordClientError(err error) {
	s.mu.Lock()
	s.clientErrors = append(s.clientErrors, err)
	s.mu.Unlock()
}

// pendingAttention holds errors/warnings stashed across an attention
// interlock by StoreForAttention, returned by RestoreAfterAttention.
type pendingAttention struct {
	errors   []Error
	warnings []Error
}

// StoreForAttention snapshots and clears the error/warning collections
// before an attention is sent, so that the DONE(ATTN) token's arrival
// doesn't get its accounting mixed up with whatever operation sent the
// attention (§4.5).
func (s *Session) StoreForAttention() *pendingAttention {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := &pendingAttention{errors: s.errors, warnings: s.warnings}
	s.errors, s.warnings = nil, nil
	return saved
}

// RestoreAfterAttention re-merges whatever the attention-bearing
// message itself produced on top of what was stashed.
func (s *Session) RestoreAfterAttention(saved *pendingAttention) {
	if saved == nil {
		return
	}
	s.mu.Lock()
	s.errors = append(saved.errors, s.errors...)
	s.warnings = append(saved.warnings, s.warnings...)
	s.mu.Unlock()
}

// Activate increments the MARS activation count; a session with a
// positive activation count and a dead owner is orphaned (Activate is
// paired with Deactivate around each logical operation on the
// session).
func (s *Session) Activate() {
	atomic.AddInt32(&s.activationCount, 1)
}

func (s *Session) Deactivate() {
	atomic.AddInt32(&s.activationCount, -1)
}

// SetOwner records the current logical owner (e.g. a command or
// transaction handle) of this session's attention.
func (s *Session) SetOwner(owner interface{}) { s.owner.set(owner) }

// ClearOwner detaches the current owner; called on the owner's own
// teardown path so Orphaned can observe it going away even while
// activationCount has not yet reached zero.
func (s *Session) ClearOwner() { s.owner.clear() }

// Orphaned reports whether this session still has outstanding
// activations but its owner is gone — the signal that whatever issued
// those activations can no longer be waited on and the session should
// be torn down rather than reused.
func (s *Session) Orphaned() bool {
	if atomic.LoadInt32(&s.activationCount) <= 0 {
		return false
	}
	_, alive := s.owner.tryUpgrade()
	return !alive
}

// DrainPending reads and discards whole packets straight from the
// transport until one marked EOM arrives. A collaborator pool's
// reclamation pass calls this on an Orphaned session before deciding
// whether to recycle or discard the underlying connection, so that
// whatever the abandoned operation was still sending can't land in the
// middle of the next caller's read (§4.7). It bypasses the read
// pipeline's suspend/resume bookkeeping entirely since a reclaimed
// session has no caller left to resume.
func (s *Session) DrainPending() error {
	ctx := s.timeout.deadlineContext(context.Background())
	for {
		pkt, err := s.transport.ReadSync(ctx)
		if err != nil {
			return err
		}
		eom := pkt.Header.isEOM()
		pkt.Release()
		if eom {
			return nil
		}
	}
}

// SetCancelled and SetAttentionPending record the interlock flags the
// Timeout & Cancellation Supervisor (C5) maintains; both are guarded by the same lock as the error/warning
// collections since they are inspected together when assembling a
// result.
func (s *Session) SetCancelled(v bool) {
	s.mu.Lock()
	s.cancelled = v
	s.mu.Unlock()
}

func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) SetAttentionPending(v bool) {
	s.mu.Lock()
	s.attention = v
	s.mu.Unlock()
}

func (s *Session) AttentionPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attention
}

// Broken reports whether this session has recorded a fatal server
// error and must not be used for further operations.
func (s *Session) Broken() bool { return s.broken.Load() }

// MarkBroken forces the session into the broken state, e.g. after a
// transport-level error the read/write pipelines cannot recover from.
func (s *Session) MarkBroken() {
	s.broken.Store(true)
	s.logEvent(context.Background(), logErrors, "session marked broken")
}

// SetPooled records whether this session is currently idle in a pool.
func (s *Session) SetPooled(v bool) { s.pooled.set(v) }

// Pooled reports whether SetPooled(true) is currently in effect.
func (s *Session) Pooled() bool { return s.pooled.get() }

// SetLoggedIn records whether login has completed on this session.
func (s *Session) SetLoggedIn(v bool) { s.loggedIn.set(v) }

// LoggedIn reports whether SetLoggedIn(true) is currently in effect.
func (s *Session) LoggedIn() bool { return s.loggedIn.get() }

// Closed reports whether Close has already run.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close tears down the transport and timeout supervisor. It is safe
// to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logEvent(context.Background(), logDebug, "session closing")
	s.timeout.Stop()
	s.write.unlockSecretMem()
	return s.transport.Close()
}
