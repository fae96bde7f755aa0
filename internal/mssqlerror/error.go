// Package mssqlerror defines the error types surfaced by the session core.
//
// Error represents a server-reported error/warning record; StreamError
// represents client-side detection of a malformed wire stream; the two
// wrapper types (ServerError, RetryableError) let the core attach extra
// behavior (the legacy "had internal error" message, driver.ErrBadConn
// compatibility) without losing access to the underlying value via
// errors.Unwrap/errors.Is.
package mssqlerror

import (
	"fmt"
)

// Error represents an SQL Server error or warning record. This type
// includes accessor methods so that calling programs can check for
// specific error conditions without importing this package directly.
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

// FatalClassThreshold is the server error class at and above which the
// session that received the error must be considered broken.
const FatalClassThreshold uint8 = 20

func (e Error) Error() string {
	return "mssql: " + e.Message
}

// Fatal reports whether this error's class requires the owning session
// to transition to Broken.
func (e Error) Fatal() bool {
	return e.Class >= FatalClassThreshold
}

func (e Error) SQLErrorNumber() int32     { return e.Number }
func (e Error) SQLErrorState() uint8      { return e.State }
func (e Error) SQLErrorClass() uint8      { return e.Class }
func (e Error) SQLErrorMessage() string   { return e.Message }
func (e Error) SQLErrorServerName() string { return e.ServerName }
func (e Error) SQLErrorProcName() string  { return e.ProcName }
func (e Error) SQLErrorLineNo() int32     { return e.LineNo }

// ServerError preserves the legacy "SQL Server had internal error"
// message for a fatal server-reported Error while still exposing the
// underlying record through Unwrap.
type ServerError struct {
	SQLError Error
}

func (e ServerError) Error() string {
	return "SQL Server had internal error"
}

func (e ServerError) Unwrap() error {
	return e.SQLError
}

// RetryableError marks an underlying error (typically an I/O error
// classified as a wait-timeout) as safe to retry via the attention
// dance rather than treated as fatal. It reports true for
// errors.Is(err, driver.ErrBadConn)-style checks against the wrapped
// error so callers upstream of this package don't need to know about
// RetryableError to recognize a bad connection.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func (e RetryableError) Is(target error) bool {
	return e.Err == target
}

// StreamError represents a client-detected malformed TDS stream
// condition: a corrupted header, a malformed env-change value, and the
// like. It is always fatal to the session that produced it. (A PLP
// chunk that overruns its declared total is reported by wrapping the
// root package's ErrCorruptedStream, not as a StreamError.)
type StreamError struct {
	Message string
}

func (e StreamError) Error() string {
	return e.Message
}

func streamErrorf(format string, v ...interface{}) StreamError {
	return StreamError{"Invalid TDS stream: " + fmt.Sprintf(format, v...)}
}

// BadStreamPanic panics with err. It is used at the lowest decode
// layer for conditions that are true protocol corruption rather than
// recoverable stream state; the panic is always recovered at the
// single sync/async boundary that owns the goroutine driving the read
// pipeline, and converted back into a regular error there.
func BadStreamPanic(err error) {
	panic(err)
}

// BadStreamPanicf formats a StreamError and panics with it.
func BadStreamPanicf(format string, v ...interface{}) {
	panic(streamErrorf(format, v...))
}
