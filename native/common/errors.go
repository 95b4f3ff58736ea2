package common

import "errors"

// Kind classifies protocol failures so transports can map them consistently.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation marks malformed input: zero amounts, unknown ids, bad tiers.
	KindValidation
	// KindState marks caller misuse against current state: inactive, not owner, paused.
	KindState
	// KindSolvency marks protocol-protecting rejections such as LTV breaches.
	KindSolvency
	// KindOracle marks stale, tripped, out of range or low confidence prices.
	KindOracle
	// KindArithmetic marks overflow, underflow and division by zero.
	KindArithmetic
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindSolvency:
		return "solvency"
	case KindOracle:
		return "oracle"
	case KindArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel. Package level values are compared with
// errors.Is and survive fmt.Errorf("%w") wrapping.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind returns the classification of the sentinel.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, msg string) *Error { return &Error{kind: kind, msg: msg} }

// Validation declares a sentinel for malformed caller input.
func Validation(msg string) *Error { return newError(KindValidation, msg) }

// State declares a sentinel for calls that conflict with current state.
func State(msg string) *Error { return newError(KindState, msg) }

// Solvency declares a sentinel for calls rejected to keep the protocol solvent.
func Solvency(msg string) *Error { return newError(KindSolvency, msg) }

// Oracle declares a sentinel for price feed failures.
func Oracle(msg string) *Error { return newError(KindOracle, msg) }

// Arithmetic declares a sentinel for checked math failures.
func Arithmetic(msg string) *Error { return newError(KindArithmetic, msg) }

// KindOf reports the classification of the first classified error in the chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindUnknown
}

var (
	// ErrInvalidAmount is shared by every engine for zero or missing amounts.
	ErrInvalidAmount = Validation("amount must be positive")
	// ErrZeroAddress rejects the empty account.
	ErrZeroAddress = Validation("zero address")
	// ErrNotOwner is returned when a caller acts on someone else's position.
	ErrNotOwner = State("caller does not own position")
)
