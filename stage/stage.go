package stage

import "context"

// Status is one decoded controller status report. The firmware is
// free to omit any field from a reply, so each numeric field carries
// an OK flag; a Status with nothing set is a normal outcome.
type Status struct {
	Position   int
	PositionOK bool

	MaxLimit   int
	MaxLimitOK bool

	Homed bool
}

// Confirmation is the outcome of waiting for a move to register.
// Confirmed is false when the deadline passed with the controller
// still echoing the baseline position; Position then holds the last
// known reading (Known reports whether one was ever obtained).
type Confirmation struct {
	Position  int
	Known     bool
	Confirmed bool
}

// A Controller drives a single motorized focus axis.
type Controller interface {
	SelectObjective(n int) error
	SetSweepSpeed(n int) error

	// Home starts a homing cycle and waits for the controller to
	// report completion. It returns false when the wait expired
	// without a completion marker; the move may still have finished.
	Home(ctx context.Context) (bool, error)

	Query() (Status, error)
	MoveRelative(steps int) error

	// ConfirmMove polls until the reported position departs from
	// last, or the confirmation window closes.
	ConfirmMove(ctx context.Context, last int, haveLast bool) (Confirmation, error)

	// Release disengages the motor.
	Release() error
}
