// Package gas provides the compute and value budgets of one execution and the
// block-wide gas allowance.
package gas

import "fmt"

// Deterministic error codes for budget violations.
const (
	ErrCodeGasExceeded       = "ERR_GAS_LIMIT_EXCEEDED"
	ErrCodeAllowanceExceeded = "ERR_GAS_ALLOWANCE_EXCEEDED"
	ErrCodeValueInsufficient = "ERR_VALUE_INSUFFICIENT"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrGasExceeded       = &Error{Code: ErrCodeGasExceeded}
	ErrAllowanceExceeded = &Error{Code: ErrCodeAllowanceExceeded}
	ErrInsufficientValue = &Error{Code: ErrCodeValueInsufficient}
)

// ChargeResult reports whether a charge could be applied.
type ChargeResult int

const (
	Enough ChargeResult = iota
	NotEnough
)

func (r ChargeResult) String() string {
	if r == Enough {
		return "enough"
	}
	return "not_enough"
}

// Error is a typed budget violation.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Limit     uint64 `json:"limit"`
	Requested uint64 `json:"requested"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (left=%d, requested=%d)", e.Code, e.Message, e.Limit, e.Requested)
}

// Is matches on Code so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Counter tracks the gas of one execution. Left never goes negative and
// burned never exceeds the initial limit.
type Counter struct {
	limit   uint64
	left    uint64
	burned  uint64
	reduced uint64
}

// NewCounter returns a counter holding limit gas.
func NewCounter(limit uint64) *Counter {
	return &Counter{limit: limit, left: limit}
}

// Charge burns amount if enough gas is left. On NotEnough the counter is untouched.
func (c *Counter) Charge(amount uint64) ChargeResult {
	if amount > c.left {
		return NotEnough
	}
	c.left -= amount
	c.burned += amount
	return Enough
}

// Reduce moves amount out of the counter without burning it, e.g. gas
// attached to an outgoing message.
func (c *Counter) Reduce(amount uint64) ChargeResult {
	if amount > c.left {
		return NotEnough
	}
	c.left -= amount
	c.reduced += amount
	return Enough
}

// Refund returns up to amount of burned gas and reports how much was refunded.
func (c *Counter) Refund(amount uint64) uint64 {
	if amount > c.burned {
		amount = c.burned
	}
	c.burned -= amount
	c.left += amount
	return amount
}

// BurnAll burns every unit left. Used when a charge fails on gas exhaustion.
func (c *Counter) BurnAll() {
	c.burned += c.left
	c.left = 0
}

// Limit returns the initial amount.
func (c *Counter) Limit() uint64 { return c.limit }

// Left returns the gas still available.
func (c *Counter) Left() uint64 { return c.left }

// Burned returns the gas spent so far.
func (c *Counter) Burned() uint64 { return c.burned }

// Reduced returns the gas handed to outgoing messages.
func (c *Counter) Reduced() uint64 { return c.reduced }

// Exceeded builds the error reported when a charge of amount failed.
func (c *Counter) Exceeded(amount uint64) error {
	return &Error{
		Code:      ErrCodeGasExceeded,
		Message:   "gas limit exceeded",
		Limit:     c.left,
		Requested: amount,
	}
}

// AllowanceCounter tracks the gas the engine may still spend in the current
// block. It is shared by every execution of the block.
type AllowanceCounter struct {
	left uint64
}

// NewAllowanceCounter returns an allowance of amount gas.
func NewAllowanceCounter(amount uint64) *AllowanceCounter {
	return &AllowanceCounter{left: amount}
}

// Charge spends amount if available. On NotEnough nothing changes.
func (a *AllowanceCounter) Charge(amount uint64) ChargeResult {
	if amount > a.left {
		return NotEnough
	}
	a.left -= amount
	return Enough
}

// Refund gives amount back to the allowance.
func (a *AllowanceCounter) Refund(amount uint64) {
	a.left += amount
}

// Left returns the remaining allowance.
func (a *AllowanceCounter) Left() uint64 { return a.left }

// Exhausted reports whether nothing is left.
func (a *AllowanceCounter) Exhausted() bool { return a.left == 0 }

// Exceeded builds the error reported when the allowance cannot cover amount.
func (a *AllowanceCounter) Exceeded(amount uint64) error {
	return &Error{
		Code:      ErrCodeAllowanceExceeded,
		Message:   "block gas allowance exceeded",
		Limit:     a.left,
		Requested: amount,
	}
}

// ValueCounter tracks the value a program may still transfer during one execution.
type ValueCounter struct {
	left uint64
}

// NewValueCounter returns a counter holding balance.
func NewValueCounter(balance uint64) *ValueCounter {
	return &ValueCounter{left: balance}
}

// Reduce debits amount, or fails without mutation when the balance would go negative.
func (v *ValueCounter) Reduce(amount uint64) error {
	if amount > v.left {
		return &Error{
			Code:      ErrCodeValueInsufficient,
			Message:   "insufficient value balance",
			Limit:     v.left,
			Requested: amount,
		}
	}
	v.left -= amount
	return nil
}

// Left returns the remaining transferable value.
func (v *ValueCounter) Left() uint64 { return v.left }
