package tds

import (
	"errors"
	"fmt"

	"github.com/tdscore/tds/internal/mssqlerror"
)

// Error is a server-reported error or warning record, re-exported at
// the package boundary so callers never need to import the internal
// error package directly.
type Error = mssqlerror.Error

// ServerError and RetryableError classify an Error/I-O error for the
// session's dispose/reconnect logic; see internal/mssqlerror for the
// Unwrap/Is behavior callers can rely on.
type ServerError = mssqlerror.ServerError
type RetryableError = mssqlerror.RetryableError

// StreamError reports a malformed TDS byte stream, always fatal.
type StreamError = mssqlerror.StreamError

var badStreamPanic = mssqlerror.BadStreamPanic
var badStreamPanicf = mssqlerror.BadStreamPanicf

// streamErrorf formats a StreamError, mirroring the unexported helper
// of the same name in internal/mssqlerror (not reachable from this
// package since it is unexported there).
func streamErrorf(format string, v ...interface{}) StreamError {
	return StreamError{Message: "Invalid TDS stream: " + fmt.Sprintf(format, v...)}
}

// recoverStreamPanic is deferred at the single sync/async boundary
// that owns the goroutine driving a read (transport.go's ReadSync and
// ReadAsync): it converts any panic whose value is an error (a
// badStreamPanic/badStreamPanicf panic, or a runtime error such as an
// out-of-range slice index) back into a regular error rather than
// letting it crash the process. A panic with a non-error value is
// re-raised unchanged.
func recoverStreamPanic(errp *error) {
	if r := recover(); r != nil {
		if err, ok := r.(error); ok {
			*errp = err
			return
		}
		panic(r)
	}
}

// Sentinel errors surfaced by the session and transaction APIs. Wrap
// these with fmt.Errorf("...: %w", ErrX) or compare with errors.Is.
var (
	// ErrOperationCancelled is returned by the write pipeline's
	// CancelMidRequest when a message is cancelled before any of its
	// packets reached the wire. TimeoutSupervisor.Cancel and
	// AttentionAcked do not return it.
	ErrOperationCancelled = errors.New("mssql: operation was cancelled")

	// ErrTransactionZombied is returned by any transaction-handle
	// operation (other than the legacy partial-zombie rollback) once
	// the handle's internal transaction has reached a terminal state.
	ErrTransactionZombied = errors.New("mssql: transaction has already been committed or rolled back")

	// ErrOpenResultCountExceeded reports an attempt to close more open
	// results than were ever opened under a transaction (§4.8).
	ErrOpenResultCountExceeded = errors.New("mssql: open result count would go negative")

	// ErrNullEmptyTransactionName is returned by Rollback(name) and
	// Save(name) when name is empty.
	ErrNullEmptyTransactionName = errors.New("mssql: transaction or savepoint name must not be empty")

	// ErrCorruptedStream is the corrupted-stream sentinel that
	// TryReadPLPBytes wraps when a PLP chunk overruns the declared total
	// length. decodeHeader reports an invalid header length as a
	// StreamError instead.
	ErrCorruptedStream = errors.New("mssql: corrupted TDS stream")

	// ErrTimeoutExpired is recorded by the timeout supervisor when the
	// per-operation deadline elapses (§4.5).
	ErrTimeoutExpired = errors.New("mssql: operation timeout expired")

	// ErrSessionBroken describes a session that has transitioned to
	// Broken. No operation in this package checks Broken up front or
	// returns this error.
	ErrSessionBroken = errors.New("mssql: session is broken and cannot be used")

	// ErrSessionClosed describes a session that has been explicitly
	// closed. No operation in this package checks Closed up front or
	// returns this error.
	ErrSessionClosed = errors.New("mssql: session is closed")

	// ErrAttentionAckTimeout is recorded when the 5 second grace
	// window for an attention acknowledgement elapses (§4.5).
	ErrAttentionAckTimeout = errors.New("mssql: timed out waiting for attention acknowledgement")
)

// invalidPacketSizeError reports a write that would run past the end of
// the packet-sized outbound buffer; size is the end offset the write
// would have needed.
type invalidPacketSizeError struct {
	size int
}

func (e invalidPacketSizeError) Error() string {
	return fmt.Sprintf("mssql: invalid packet size %d", e.size)
}

// waitTimeoutNativeCode is the SNI wait-timeout constant the spec
// requires commit's wait-timeout wrapped error to compare equal to
// (§4.8's commit row). Grounded on the native SNI error code used by
// the teacher's network layer for a timed out synchronous wait.
const waitTimeoutNativeCode = 258

// commitWaitTimeoutError is returned by (*Tx).Commit when the server's
// env-change acknowledgement never arrives within the command timeout
// on a Yukon+ server. Per §4.8, the connection must be aborted rather
// than returned to a pool when this error is observed.
type commitWaitTimeoutError struct {
	nativeCode int32
}

func (e commitWaitTimeoutError) Error() string {
	return fmt.Sprintf("mssql: commit timed out waiting for server acknowledgement (native error %d)", e.nativeCode)
}

func (e commitWaitTimeoutError) Timeout() bool { return true }

func newCommitWaitTimeoutError() commitWaitTimeoutError {
	return commitWaitTimeoutError{nativeCode: waitTimeoutNativeCode}
}
