// Package testutil provides polling helpers and descriptor builders for tests.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Message  string // reported by the Must helpers on timeout
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WithMessage names what is being waited for in the timeout failure.
func WithMessage(msg string) WaitOption {
	return func(o *WaitOptions) {
		o.Message = msg
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
		Message:  "condition",
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or timeout is reached.
// The condition is checked once more at the deadline, so a slow final
// interval does not lose a result that arrived just in time.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return waitFor(condition, buildOptions(opts))
}

func waitFor(condition func() bool, o WaitOptions) bool {
	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// Counter is an atomic counter such as atomic.Int32 or atomic.Int64.
type Counter[T int32 | int64] interface {
	Load() T
}

// WaitForCount polls until counter reaches target or timeout is reached.
func WaitForCount[T int32 | int64](tb testing.TB, counter Counter[T], target T, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := buildOptions(opts)
	if !waitFor(condition, o) {
		tb.Fatalf("timed out after %v waiting for %s", o.Timeout, o.Message)
	}
}

// MustWaitForCount polls until counter reaches target or fails the test on timeout.
func MustWaitForCount[T int32 | int64](tb testing.TB, counter Counter[T], target T, opts ...WaitOption) {
	tb.Helper()
	o := buildOptions(opts)
	if !waitFor(func() bool { return counter.Load() >= target }, o) {
		tb.Fatalf("timed out after %v waiting for %s to reach %d (current: %d)", o.Timeout, o.Message, target, counter.Load())
	}
}
