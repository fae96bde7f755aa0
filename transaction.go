package tds

import (
	"context"
	"sync"
)

// TransactionState is the internal transaction's state machine (§3,
// §4.8): Pending → Active → one of the three terminal states.
type TransactionState int

const (
	TxPending TransactionState = iota
	TxActive
	TxAborted
	TxCommitted
	TxUnknown
)

func (s TransactionState) terminal() bool {
	return s == TxAborted || s == TxCommitted || s == TxUnknown
}

// TransactionType records how a transaction came into being, per §3.
type TransactionType int

const (
	TxLocalFromTSQL TransactionType = iota
	TxLocalFromAPI
	TxDelegated
	TxDistributed
	TxContext
)

// IsolationLevel mirrors the handful of TDS isolation levels a
// begin/commit round trip needs to carry; the numeric values are not
// interpreted here, only threaded through to the collaborator that
// encodes the BEGIN TRANSACTION token.
type IsolationLevel uint8

const (
	IsolationReadUncommitted IsolationLevel = 1
	IsolationReadCommitted   IsolationLevel = 2
	IsolationRepeatableRead  IsolationLevel = 3
	IsolationSerializable    IsolationLevel = 4
	IsolationSnapshot        IsolationLevel = 5
)

// internalTransaction is the Internal Transaction half of C8: it
// tracks server-confirmed state and open-result bookkeeping,
// independent of whether any API handle still references it.
type internalTransaction struct {
	mu sync.Mutex

	id         uint64 // 0 until the server's BeginTransaction env-change assigns one
	typ        TransactionType
	state      TransactionState
	openResult int32

	// partialZombie is set the instant commit() writes COMMIT on a
	// Yukon+ server, before the server's env-change has confirmed it
	// (§4.8 "the single most subtle state in the system"). A rollback
	// observed in this window silently clears the reference instead
	// of raising TransactionZombied.
	partialZombie bool

	sess   *Session // nil once fully zombied
	handle weakRef  // weak back-reference to the API handle
}

func newInternalTransaction(sess *Session, typ TransactionType) *internalTransaction {
	return &internalTransaction{sess: sess, typ: typ, state: TxPending}
}

// activate moves Pending→Active once the server has confirmed the
// transaction is open (the BeginTransaction env-change arriving with
// a non-zero id, or an equivalent local confirmation for
// LocalFromTSQL transactions the client only observed after the
// fact).
func (t *internalTransaction) activate(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxPending {
		return
	}
	t.id = id
	t.state = TxActive
}

// observeEnvChange drives the state machine from a transaction-state
// env-change token (§6 "Transaction tokens").
func (t *internalTransaction) observeEnvChange(kind envChangeKind, newTxnID uint64) {
	t.mu.Lock()
	switch kind {
	case envChangeBeginTransaction:
		t.id = newTxnID
		if t.state == TxPending {
			t.state = TxActive
		}
		t.mu.Unlock()
		return
	case envChangeCommitTransaction:
		t.state = TxCommitted
		t.partialZombie = false
	case envChangeRollbackTransaction:
		t.state = TxAborted
		t.partialZombie = false
	case envChangeDefectTransaction:
		t.state = TxUnknown
		t.partialZombie = false
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.zombie()
}

// State returns the current state under lock.
func (t *internalTransaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// zombie detaches this transaction from its API handle and session
// (§4.8 "zombie on the internal transaction"). Safe to call more than
// once.
func (t *internalTransaction) zombie() {
	if h, ok := t.handle.tryUpgrade(); ok {
		if apiHandle, ok := h.(*Tx); ok {
			apiHandle.markZombied()
		}
	}
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess != nil {
		sess.detachTransaction(t)
	}
}

// incrementOpenResult records a newly opened result set under this
// transaction.
func (t *internalTransaction) incrementOpenResult() {
	t.mu.Lock()
	t.openResult++
	t.mu.Unlock()
}

// decrementOpenResult records a result set closing; going negative is
// a protocol violation (§4.8, §8 invariant 3).
func (t *internalTransaction) decrementOpenResult() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openResult <= 0 {
		return ErrOpenResultCountExceeded
	}
	t.openResult--
	return nil
}

// transferOpenResultsToSession moves any still-open result count onto
// the owning session's non-transacted counter on termination (§4.8).
func (t *internalTransaction) transferOpenResultsToSession() {
	t.mu.Lock()
	n := t.openResult
	t.openResult = 0
	sess := t.sess
	t.mu.Unlock()
	if sess != nil && n > 0 {
		sess.addNonTransactedOpenResults(n)
	}
}

// envChangeKind enumerates the transaction-relevant env-change
// sub-codes a token parser reports back through (§6).
type envChangeKind int

const (
	envChangeNone envChangeKind = iota - 1
	envChangeBeginTransaction
	envChangeCommitTransaction
	envChangeRollbackTransaction
	envChangeDistributedTransactionBegin
	envChangePromoteTransaction
	envChangeDefectTransaction
)

// Tx is the API Transaction Handle (§3 "API Transaction Handle"): a
// thin facade over an internalTransaction. Once the internal
// transaction reaches a terminal state the handle is zombied: every
// operation except the legacy partial-zombie rollback raises
// ErrTransactionZombied.
type Tx struct {
	mu        sync.Mutex
	internal  *internalTransaction
	isolation IsolationLevel
	zombied   bool
}

// BeginTx opens a new transaction on sess, returning the API handle.
// The internal transaction starts Pending and is activated once the
// caller observes the server's confirmation.
func BeginTx(sess *Session, isolation IsolationLevel, typ TransactionType) *Tx {
	internal := newInternalTransaction(sess, typ)
	handle := &Tx{internal: internal, isolation: isolation}
	internal.handle.set(handle)
	sess.registerTransaction(internal)
	return handle
}

// IsolationLevel returns the isolation level this transaction was
// opened with.
func (tx *Tx) IsolationLevel() IsolationLevel {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.isolation
}

func (tx *Tx) markZombied() {
	tx.mu.Lock()
	tx.zombied = true
	tx.mu.Unlock()
}

func (tx *Tx) zombiedLocked() bool { return tx.zombied }

// Commit emits COMMIT TRANSACTION, then marks the handle zombied and
// enters the partial-zombie window (§4.8); the internal transaction is
// zombied later by the server's CommitTransaction env-change, not here.
// When waitForAck is non-nil Commit also waits on it; a wait error that
// reports Timeout() marks the session broken and returns a
// commitWaitTimeoutError. There is no separate pre-Yukon path.
func (tx *Tx) Commit(ctx context.Context, emit func(ctx context.Context) error, waitForAck func(ctx context.Context) error) error {
	tx.mu.Lock()
	if tx.zombied {
		tx.mu.Unlock()
		return ErrTransactionZombied
	}
	tx.mu.Unlock()

	if err := emit(ctx); err != nil {
		return err
	}

	tx.internal.mu.Lock()
	tx.internal.partialZombie = true
	tx.internal.mu.Unlock()
	tx.markZombied()

	if waitForAck == nil {
		return nil
	}
	if err := waitForAck(ctx); err != nil {
		if to, ok := err.(interface{ Timeout() bool }); ok && to.Timeout() {
			if sess := tx.internal.sessionRef(); sess != nil {
				sess.MarkBroken()
			}
			return newCommitWaitTimeoutError()
		}
		return err
	}
	return nil
}

// Rollback emits ROLLBACK TRANSACTION (unqualified). It tolerates the
// partial-zombie window: if commit() has already run but the server's
// env-change hasn't arrived yet, this silently clears the internal
// reference instead of raising ErrTransactionZombied (§4.8).
func (tx *Tx) Rollback(ctx context.Context, emit func(ctx context.Context) error) error {
	tx.mu.Lock()
	if tx.zombied {
		tx.internal.mu.Lock()
		partial := tx.internal.partialZombie
		tx.internal.mu.Unlock()
		tx.mu.Unlock()
		if partial {
			tx.internal.zombie()
			return nil
		}
		return ErrTransactionZombied
	}
	tx.mu.Unlock()

	if emit != nil {
		if err := emit(ctx); err != nil {
			return err
		}
	}
	tx.markZombied()
	tx.internal.zombie()
	return nil
}

// RollbackNamed emits ROLLBACK TRANSACTION <name>, rolling back to a
// savepoint rather than the whole transaction.
func (tx *Tx) RollbackNamed(ctx context.Context, name string, emit func(ctx context.Context, name string) error) error {
	if name == "" {
		return ErrNullEmptyTransactionName
	}
	tx.mu.Lock()
	if tx.zombied {
		tx.mu.Unlock()
		return ErrTransactionZombied
	}
	tx.mu.Unlock()
	return emit(ctx, name)
}

// Save emits SAVE TRANSACTION <name>, establishing a savepoint.
func (tx *Tx) Save(ctx context.Context, name string, emit func(ctx context.Context, name string) error) error {
	if name == "" {
		return ErrNullEmptyTransactionName
	}
	tx.mu.Lock()
	if tx.zombied {
		tx.mu.Unlock()
		return ErrTransactionZombied
	}
	tx.mu.Unlock()
	return emit(ctx, name)
}

// Dispose implements the implicit-rollback-on-teardown rule: rollback
// if still active, swallowing any error it raises (§4.8 "dispose"). The
// handle is zombied afterwards even when the rollback failed.
func (tx *Tx) Dispose(ctx context.Context, emit func(ctx context.Context) error) {
	tx.mu.Lock()
	already := tx.zombied
	tx.mu.Unlock()
	if already {
		return
	}
	if err := tx.Rollback(ctx, emit); err != nil {
		tx.markZombied()
		tx.internal.zombie()
	}
}

func (t *internalTransaction) sessionRef() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}
