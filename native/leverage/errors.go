package leverage

import (
	"errors"
	"fmt"
)

var (
	// Business-rule rejections. The caller may retry with different
	// arguments; no state has been committed.
	ErrInvalidArgument          = errors.New("leverage: invalid argument")
	ErrInvalidLeverageFactor    = errors.New("leverage: invalid leverage factor")
	ErrBorrowLimitExceeded      = errors.New("leverage: borrow limit exceeded")
	ErrLiquidateHealthyPosition = errors.New("leverage: liquidate healthy position")
	ErrInsufficientBalance      = errors.New("leverage: insufficient balance")
	ErrUnknownReserve           = errors.New("leverage: reserve not found")
	ErrUnknownMarket            = errors.New("leverage: market not found")
	ErrUnknownPosition          = errors.New("leverage: position not found")

	// ErrArithmetic marks an internal computation fault: checked-arithmetic
	// overflow, division by zero, a negative elapsed interval, or a value
	// exceeding its target range. Operations that hit it abort without any
	// state change and must not be retried.
	ErrArithmetic = errors.New("leverage: arithmetic fault")

	// ErrGovernance marks a governance parameter that does not survive
	// normalization to the kernel's working scale.
	ErrGovernance = errors.New("leverage: governance parameter out of range")
)

// IsFatal reports whether err belongs to the unrecoverable tier: the caller
// must treat the operation as aborted and re-read fresh state before doing
// anything else.
func IsFatal(err error) bool {
	return errors.Is(err, ErrArithmetic) || errors.Is(err, ErrGovernance)
}

func arithErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArithmetic, fmt.Sprintf(format, args...))
}
