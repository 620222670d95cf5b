package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is matched by every *RejectedError.
	ErrRejected = errors.New("compile request rejected")

	// ErrContractViolation marks requests that should never have been issued
	// (abstract method, uninitialised holder).
	ErrContractViolation = errors.New("contract violation")

	// ErrInvalidated reports a request that became moot before it finished.
	ErrInvalidated = errors.New("request invalidated")

	// ErrResourceExhausted reports an install that found the code cache full.
	ErrResourceExhausted = errors.New("code cache full")

	// ErrStopped is returned to workers (and drained waiters) once compilation
	// is disabled forever or the broker is shut down.
	ErrStopped = errors.New("compilation stopped")

	// ErrDrained is the cause recorded on requests freed by a backpressure drain.
	ErrDrained = errors.New("queue drained")

	// ErrWaitAbandoned is returned to a blocking caller that gave up waiting.
	// The request keeps running and is freed by its worker.
	ErrWaitAbandoned = errors.New("wait abandoned")

	// ErrWaiterRegistered is returned on a second waiter registration.
	ErrWaiterRegistered = errors.New("waiter already registered")

	// ErrTierDisabled is returned by operations addressing a tier that is
	// not configured or failed to initialise.
	ErrTierDisabled = errors.New("tier disabled")

	// errRetire is the internal signal telling a worker to exit its loop.
	errRetire = errors.New("worker retiring")
)

// RejectReason says why admission refused to create a request.
type RejectReason uint8

const (
	RejectUnknownMethod RejectReason = iota + 1
	RejectContractViolation
	RejectTierDisabled
	RejectNotCompilable
	RejectCompilationStopped
	RejectCompilationDisabled
	RejectAlreadyQueued
	RejectIDOutOfRange
)

var rejectNames = map[RejectReason]string{
	RejectUnknownMethod:       "unknown method",
	RejectContractViolation:   "abstract method or uninitialized holder",
	RejectTierDisabled:        "tier disabled",
	RejectNotCompilable:       "not compilable",
	RejectCompilationStopped:  "compilation stopped",
	RejectCompilationDisabled: "compilation disabled",
	RejectAlreadyQueued:       "already queued",
	RejectIDOutOfRange:        "compile id outside configured range",
}

func (r RejectReason) String() string {
	if s, ok := rejectNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reject(%d)", uint8(r))
}

// RejectedError is the synchronous ValidationError of admission: nothing was
// enqueued.
type RejectedError struct {
	Method MethodID
	Tier   Tier
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("compile %s@%s rejected: %s", e.Method, e.Tier, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	if target == ErrRejected {
		return true
	}
	return target == ErrContractViolation && e.Reason == RejectContractViolation
}

// Rejection returns the reject reason carried by err, or 0.
func Rejection(err error) RejectReason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return 0
}

// RetryPolicy classifies a failed attempt.
type RetryPolicy uint8

const (
	// RetryLater leaves method state untouched; a later trigger re-enqueues.
	RetryLater RetryPolicy = iota
	// RetryAtLowerTier blocks only the failing (tier, entry kind).
	RetryAtLowerTier
	// NeverRetry marks the method permanently not compilable at the tier.
	NeverRetry
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryLater:
		return "retry-later"
	case RetryAtLowerTier:
		return "retry-at-lower-tier"
	case NeverRetry:
		return "never-retry"
	default:
		return fmt.Sprintf("retry(%d)", uint8(p))
	}
}

// Bailout is returned by a Compiler that declined the attempt.
type Bailout struct {
	Reason string
	Retry  RetryPolicy
	// Quiet suppresses the not-compilable diagnostic.
	Quiet bool
}

func (b *Bailout) Error() string {
	return fmt.Sprintf("bailout (%s): %s", b.Retry, b.Reason)
}

// InitError is the FatalInit outcome of a tier's compiler.
type InitError struct {
	Tier Tier
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("tier %s: compiler init: %v", e.Tier, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// retryPolicyOf maps a terminal error to its retry classification.
func retryPolicyOf(err error) RetryPolicy {
	var bo *Bailout
	if errors.As(err, &bo) {
		return bo.Retry
	}
	return RetryLater
}
