package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when an order does not exist.
	ErrOrderNotFound = errors.New("orders: not found")
	// ErrInvalidStatus is returned for an unknown status string.
	ErrInvalidStatus = errors.New("orders: invalid status")
	// ErrTerminal is returned when an order no longer accepts transitions.
	ErrTerminal = errors.New("orders: order is terminal")
	// ErrOrderNumberTaken is returned when the order number already exists.
	ErrOrderNumberTaken = errors.New("orders: order number already exists")
	// ErrNilOrder is returned when saving a nil order.
	ErrNilOrder = errors.New("orders: nil order")
	// ErrNotPermitted is returned when the actor lacks the capability for a
	// non-transition action such as recording a payment.
	ErrNotPermitted = errors.New("orders: action not permitted for role")
	// ErrStatusConflict is returned when a status write finds the order no
	// longer in the status the transition was computed from.
	ErrStatusConflict = errors.New("orders: status changed concurrently")
	// ErrNotPayable is returned when a payment is recorded outside added_to_bank.
	ErrNotPayable = errors.New("orders: order does not accept payments in this status")
)

// ValidationError reports malformed input. It is surfaced to the caller as-is
// and is never retried.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field Field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ExternalError wraps a failed store or ledger call. Local state is left
// untouched when it is returned, so the caller may retry.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Retryable is always true for external failures.
func (e *ExternalError) Retryable() bool { return true }

// WrapExternal wraps err unless it is nil or already a domain error.
func WrapExternal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrOrderNumberTaken) {
		return err
	}
	var ext *ExternalError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalError{Op: op, Err: err}
}

// IsExternal reports whether err is an ExternalError.
func IsExternal(err error) bool {
	var target *ExternalError
	return errors.As(err, &target)
}
