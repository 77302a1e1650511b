package market

import (
	"errors"
	"fmt"
)

// Precondition failures. The operation made no state change and the caller
// can correct the request and retry.
var (
	ErrUnauthorized          = errors.New("market: caller not permitted")
	ErrInvalidAmount         = errors.New("market: amount must be positive")
	ErrZeroToken             = errors.New("market: token address is zero")
	ErrInvalidBitcoinAddress = errors.New("market: invalid bitcoin address")
	ErrNotFound              = errors.New("market: no such record")
	ErrClosed                = errors.New("market: record already closed")
	ErrInsufficientCapacity  = errors.New("market: amount exceeds order remaining")
	ErrNotExpired            = errors.New("market: accepted order not yet expired")
	ErrInvalidProof          = errors.New("market: payment proof rejected")
)

// ErrInvariant is matched by every *InvariantError.
var ErrInvariant = errors.New("market: invariant violated")

// InvariantError reports an accounting state that should be unreachable. The
// operation was aborted without state change, but the condition indicates a
// defect rather than a caller mistake.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("market: invariant violated in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

func invariant(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
