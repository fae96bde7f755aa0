package tds

import (
	"context"
	"sync"
	"time"
)

// timeoutState is the supervisor's own state machine (§3 Timeout
// Identity), distinct from the session's Broken/Closed state.
type timeoutState int

const (
	tsStopped timeoutState = iota
	tsRunning
	tsExpiredAsync
	tsExpiredSync
)

// unassociatedOpID is the reserved sentinel meaning "no operation
// currently owns this timer"; a cancel targeting it is always a
// no-op (§4.5).
const unassociatedOpID int64 = -1

const (
	attentionGrace      = 5 * time.Second
	cancelLockBound     = 2 * time.Second
	cancelPollInterval  = 5 * time.Millisecond
)

// TimeoutSupervisor is the Timeout & Cancellation Supervisor (C5): it
// owns a single-shot timer per session, orchestrates the attention
// out-of-band signal on expiration, and handles user-thread
// cancellation of the currently active operation.
type TimeoutSupervisor struct {
	sess *Session

	mu            sync.Mutex
	state         timeoutState
	identity      uint64
	timer         *time.Timer
	graceTimer    *time.Timer
	currentOpID   int64
	attentionSent bool
	opDeadline    time.Time
}

func newTimeoutSupervisor(sess *Session) *TimeoutSupervisor {
	return &TimeoutSupervisor{sess: sess, currentOpID: unassociatedOpID}
}

// StartOperation transitions Stopped→Running, allocates a fresh
// identity, associates opID as the currently cancellable operation,
// and arms the timer if d > 0 (d <= 0 means infinite, §4.5 set_timeout).
func (t *TimeoutSupervisor) StartOperation(opID int64, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.identity++
	id := t.identity
	t.state = tsRunning
	t.currentOpID = opID
	t.attentionSent = false
	if d > 0 {
		t.opDeadline = time.Now().Add(d)
		t.timer = time.AfterFunc(d, func() { t.fire(id) })
	} else {
		t.opDeadline = time.Time{}
	}
}

// Succeeded transitions Running→Stopped on normal completion of the
// operation started by the most recent StartOperation.
func (t *TimeoutSupervisor) Succeeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = tsStopped
	t.currentOpID = unassociatedOpID
}

// Stop unconditionally disarms both timers, used on session Close.
func (t *TimeoutSupervisor) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.state = tsStopped
}

// deadlineContext derives a context bounded by the currently armed
// operation timer, if any, for use by the session's blocking
// transport reads. The returned cancel is deliberately not surfaced
// to the caller: the context simply expires on its own, and the
// attention/timeout machinery above takes over from there rather than
// the context's own cancellation error.
func (t *TimeoutSupervisor) deadlineContext(parent context.Context) context.Context {
	t.mu.Lock()
	dl := t.opDeadline
	t.mu.Unlock()
	if dl.IsZero() {
		return parent
	}
	ctx, cancel := context.WithDeadline(parent, dl)
	context.AfterFunc(ctx, cancel)
	return ctx
}

// fire is the timer callback for the async expiration path. Late
// callbacks whose identity no longer matches the supervisor's current
// identity (the operation already completed and a new one may have
// started) are dropped silently.
func (t *TimeoutSupervisor) fire(identity uint64) {
	t.mu.Lock()
	if identity != t.identity || t.state != tsRunning {
		t.mu.Unlock()
		return
	}
	t.state = tsExpiredAsync
	t.mu.Unlock()
	t.expire()
}

// ExpireSync reports expiration observed directly on a synchronous
// blocking read that timed out (rather than via the background
// timer), e.g. when the transport's own read deadline elapsed first.
func (t *TimeoutSupervisor) ExpireSync() {
	t.mu.Lock()
	if t.state != tsRunning {
		t.mu.Unlock()
		return
	}
	t.state = tsExpiredSync
	t.mu.Unlock()
	t.expire()
}

// expire implements §4.5's expiration handling: record the timeout,
// and either send attention (arming a bounded grace window for the
// ack) or, for a pool-member session, break it directly without
// touching the wire.
func (t *TimeoutSupervisor) expire() {
	t.sess.RecordClientError(ErrTimeoutExpired)
	t.sess.logEvent(context.Background(), logErrors, "operation timed out")

	if t.sess.Pooled() {
		t.sess.MarkBroken()
		return
	}
	if !t.sess.LoggedIn() {
		return
	}

	t.mu.Lock()
	alreadySent := t.attentionSent
	t.mu.Unlock()
	if alreadySent {
		return
	}
	t.sendAttentionLocked()
}

// sendAttentionLocked issues the out-of-band attention packet exactly
// once per operation and arms the 5 second grace timer for its ack.
func (t *TimeoutSupervisor) sendAttentionLocked() {
	t.mu.Lock()
	if t.attentionSent {
		t.mu.Unlock()
		return
	}
	t.attentionSent = true
	t.mu.Unlock()

	t.sess.logEvent(context.Background(), logDebug, "sending attention")
	t.sess.SetAttentionPending(true)
	if err := t.sess.write.SendAttention(); err != nil {
		t.sess.MarkBroken()
		return
	}
	t.armGraceTimer()
}

func (t *TimeoutSupervisor) armGraceTimer() {
	t.mu.Lock()
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.graceTimer = time.AfterFunc(attentionGrace, func() {
		t.sess.RecordClientError(ErrAttentionAckTimeout)
		t.sess.logEvent(context.Background(), logErrors, "attention ack timed out")
		t.sess.MarkBroken()
	})
	t.mu.Unlock()
}

// AttentionAcked is called by the token parser once the DONE token
// carrying the attention bit has been fully drained from the stream
// (§4.5 "the supervisor must drain remaining tokens ... before
// returning the session to a clean state"). It disarms the grace
// timer and clears the interlock flags.
func (t *TimeoutSupervisor) AttentionAcked() {
	t.mu.Lock()
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.attentionSent = false
	t.mu.Unlock()

	t.sess.logEvent(context.Background(), logDebug, "attention acked")
	t.sess.SetAttentionPending(false)
	t.sess.SetCancelled(false)
}

// Cancel implements user-thread cancellation (§4.5, §5 ordering
// guarantees). It acquires the session lock with a bounded busy-poll,
// verifies the cancel targets the currently active operation (the
// unassociated sentinel never matches), and sends attention if data
// is pending and none has been sent yet. Cancel is idempotent and a
// no-op once the session is Broken or Closed.
func (t *TimeoutSupervisor) Cancel(opID int64) error {
	if opID == unassociatedOpID {
		return nil
	}
	if t.sess.Broken() || t.sess.Closed() {
		return nil
	}

	deadline := time.Now().Add(cancelLockBound)
	locked := false
	for time.Now().Before(deadline) {
		if t.sess.mu.TryLock() {
			locked = true
			break
		}
		time.Sleep(cancelPollInterval)
	}
	if !locked {
		return ErrTimeoutExpired
	}

	t.mu.Lock()
	same := t.currentOpID == opID
	t.mu.Unlock()
	if !same {
		t.sess.mu.Unlock()
		return nil
	}

	t.sess.cancelled = true
	// Release the session lock before sending attention:
	// sendAttentionLocked takes it again via SetAttentionPending.
	t.sess.mu.Unlock()
	t.sess.logEvent(context.Background(), logTransaction, "operation cancelled")
	if t.sess.write.HasPendingData() {
		t.sendAttentionLocked()
	}
	return nil
}
