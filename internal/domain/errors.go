package domain

import (
	"errors"
	"strings"
)

// ErrorCategory groups engine errors by the stage of a call that rejected it.
type ErrorCategory string

const (
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryValidation    ErrorCategory = "validation"
	CategoryScheduling    ErrorCategory = "scheduling"
	CategoryExecution     ErrorCategory = "execution"
	CategoryInternal      ErrorCategory = "internal"
)

// engineError is a sentinel error tagged with its taxonomy category and a
// stable wire code.
type engineError struct {
	category ErrorCategory
	code     string
	msg      string
}

func (e *engineError) Error() string { return e.msg }

var byCode = map[string]error{}

func newError(category ErrorCategory, msg string) error {
	e := &engineError{category: category, code: strings.ReplaceAll(msg, " ", "_"), msg: msg}
	byCode[e.code] = e
	return e
}

// Infrastructure errors shared by stores and caches.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")
)

// Authorization errors are returned before any engine state is read.
var (
	ErrUnauthorized = newError(CategoryAuthorization, "unauthorized")
)

// Validation errors are returned after cheap local checks.
var (
	ErrBasketNotFound    = newError(CategoryValidation, "basket not found")
	ErrInvalidTargetSet  = newError(CategoryValidation, "invalid target set")
	ErrUnauthorizedAsset = newError(CategoryValidation, "asset not configured for trading")
	ErrZeroSize          = newError(CategoryValidation, "trade size resolves to zero")
	ErrInvalidParameters = newError(CategoryValidation, "invalid parameters")
	ErrInvalidVenue      = newError(CategoryValidation, "invalid venue")
)

// Scheduling errors are returned after consulting scheduler or ledger state.
var (
	ErrNotEligible       = newError(CategoryScheduling, "asset not eligible for trading")
	ErrNothingToTrade    = newError(CategoryScheduling, "nothing to trade")
	ErrStaleRebalance    = newError(CategoryScheduling, "stale rebalance")
	ErrNoActiveRebalance = newError(CategoryScheduling, "no active rebalance")
	ErrTargetsNotMet     = newError(CategoryScheduling, "targets not met")
)

// Execution errors are detected mid-operation; the whole call is rolled back.
var (
	ErrSlippageExceeded     = newError(CategoryExecution, "slippage exceeded")
	ErrVenueUnavailable     = newError(CategoryExecution, "venue unavailable")
	ErrInvalidAssetPair     = newError(CategoryExecution, "invalid asset pair")
	ErrTransferFailed       = newError(CategoryExecution, "transfer failed")
	ErrInsufficientHoldings = newError(CategoryExecution, "insufficient holdings")
	ErrTargetOvershoot      = newError(CategoryExecution, "fill would overshoot target")
	ErrInvalidFill          = newError(CategoryExecution, "fill does not match reservation")
)

// ErrUnitMismatch signals a broken raw-unit/multiplier round trip in the ledger.
var ErrUnitMismatch = newError(CategoryInternal, "unit does not round-trip through position multiplier")

// CategoryOf returns the taxonomy category of err, or CategoryInternal when
// err does not wrap an engine sentinel.
func CategoryOf(err error) ErrorCategory {
	var e *engineError
	if errors.As(err, &e) {
		return e.category
	}
	return CategoryInternal
}

// CodeOf returns the wire code of the engine sentinel err wraps, or "".
func CodeOf(err error) string {
	var e *engineError
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// ErrorForCode returns the engine sentinel with the given wire code.
func ErrorForCode(code string) (error, bool) {
	err, ok := byCode[code]
	return err, ok
}
