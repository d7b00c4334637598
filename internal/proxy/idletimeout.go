package proxy

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// errIdleTimeout reports that the upstream stopped sending body bytes.
var errIdleTimeout = errors.New("upstream body idle timeout")

// idleTimeoutReader wraps an upstream body and cancels the upstream request
// when a Read waits longer than the configured duration. The timer only runs
// while a Read is pending, so a slow client writer does not count against
// the upstream. The cancellation unblocks the pending Read, which then
// reports errIdleTimeout.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

// newIdleTimeoutReader wraps rc; cancel must cancel the request that produced rc.
func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	r.timer.Stop()
	return r
}

// Read reads from the upstream body with the idle timer armed.
func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	if r.expired.Load() {
		return 0, errIdleTimeout
	}
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.timer.Stop()
	if r.expired.Load() {
		return n, errIdleTimeout
	}
	return n, err
}

// Close stops the timer and closes the underlying reader.
func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
