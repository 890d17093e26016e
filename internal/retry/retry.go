// Package retry runs an operation under a bounded, attempt-indexed backoff policy.
//
// The same executor serves two purposes in the reconciler: waiting for the
// search index to converge after a write, and retrying writes that failed with
// a transient authentication error. Callers choose which failures are retryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetryExhausted is returned when a retryable failure persists past MaxAttempts.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNonRetryable is returned when a failure is classified as terminal.
	ErrNonRetryable = errors.New("non-retryable failure")

	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

type (
	// Operation is one attempt. attempt starts at 1.
	Operation func(ctx context.Context, attempt int) error

	// Classifier reports whether a failure should be retried.
	Classifier func(err error) bool

	// Sleeper waits for d or until ctx is done.
	Sleeper func(ctx context.Context, d time.Duration) error

	// Policy bounds the executor.
	Policy struct {
		MaxAttempts int
		Backoff     Backoff

		// Notify, when set, observes every scheduled retry.
		Notify func(attempt int, wait time.Duration, err error)

		// Sleep overrides the timer; tests use it to avoid real waits.
		Sleep Sleeper
	}

	// Result describes a finished execution.
	Result struct {
		Attempts      int
		TotalDuration time.Duration
	}

	// Error wraps the terminal outcome of an execution. errors.Is matches both
	// the reason (ErrRetryExhausted, ErrNonRetryable or a context error) and
	// the last underlying failure.
	Error struct {
		Reason   error
		Attempts int
		Last     error
	}
)

func (e *Error) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v after %d attempt(s)", e.Reason, e.Attempts)
	}

	return fmt.Sprintf("%v after %d attempt(s): %v", e.Reason, e.Attempts, e.Last)
}

// Unwrap exposes both the reason and the last failure to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Reason}
	}

	return []error{e.Reason, e.Last}
}

// Validate checks the policy can run at least once.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}

	return nil
}

// WithMaxAttempts returns a copy of p with a different attempt cap.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n

	return p
}

// Execute runs op until it succeeds, fails terminally, or MaxAttempts is reached.
//
// Behaviour:
//   - success returns immediately
//   - a failure isRetryable rejects returns *Error{Reason: ErrNonRetryable} at once
//   - a retryable failure waits Backoff(attempt) and tries again
//   - after exactly MaxAttempts retryable failures returns *Error{Reason: ErrRetryExhausted}
//   - no wait follows the final attempt
//   - cancelling ctx during a wait returns *Error{Reason: ctx.Err()}
func Execute(ctx context.Context, p Policy, isRetryable Classifier, op Operation) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}

	start := time.Now()

	var last error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, TotalDuration: time.Since(start)},
				&Error{Reason: err, Attempts: attempt - 1, Last: last}
		}

		err := op(ctx, attempt)
		if err == nil {
			return Result{Attempts: attempt, TotalDuration: time.Since(start)}, nil
		}

		last = err

		if isRetryable == nil || !isRetryable(err) {
			return Result{Attempts: attempt, TotalDuration: time.Since(start)},
				&Error{Reason: ErrNonRetryable, Attempts: attempt, Last: err}
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := backoff(attempt)
		if p.Notify != nil {
			p.Notify(attempt, wait, err)
		}

		if err := sleep(ctx, wait); err != nil {
			return Result{Attempts: attempt, TotalDuration: time.Since(start)},
				&Error{Reason: err, Attempts: attempt, Last: last}
		}
	}

	return Result{Attempts: p.MaxAttempts, TotalDuration: time.Since(start)},
		&Error{Reason: ErrRetryExhausted, Attempts: p.MaxAttempts, Last: last}
}

// Do is Execute for operations that produce a value.
func Do[T any](
	ctx context.Context,
	p Policy,
	isRetryable Classifier,
	op func(ctx context.Context, attempt int) (T, error),
) (T, Result, error) {
	var value T

	res, err := Execute(ctx, p, isRetryable, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}

		value = v

		return nil
	})
	if err != nil {
		var zero T

		return zero, res, err
	}

	return value, res, nil
}

// On returns a classifier that retries failures matching any of targets.
func On(targets ...error) Classifier {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}

		return false
	}
}

// Never classifies every failure as terminal.
func Never(error) bool { return false }

// Attempts extracts the attempt count from an execution error, or 0.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}

	return 0
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
