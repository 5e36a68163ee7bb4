package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors. Callers surface these to the user and never retry them.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrPaymentMismatch       = errors.New("payment amount mismatch")
	ErrCardReferenceRequired = errors.New("card reference required")
	ErrRefundExceedsTotal    = errors.New("refund exceeds original amount")
	ErrOrderPaid             = errors.New("order already paid")
)

// MismatchError carries the variance of a rejected settlement.
// Difference is tendered minus due: negative is a shortfall, positive an excess.
type MismatchError struct {
	Expected   decimal.Decimal
	Tendered   decimal.Decimal
	Variance   decimal.Decimal
	Difference decimal.Decimal
}

func (e *MismatchError) Error() string {
	kind := "excess"
	if e.Difference.IsNegative() {
		kind = "shortfall"
	}
	return fmt.Sprintf("%s: tendered %s against %s (%s %s)",
		ErrPaymentMismatch, e.Tendered.StringFixed(2), e.Expected.StringFixed(2), kind, e.Difference.Abs().String())
}

func (e *MismatchError) Unwrap() error {
	return ErrPaymentMismatch
}

// CheckSettlement returns a *MismatchError when tendered is not within
// Tolerance of expected.
func CheckSettlement(tendered, expected decimal.Decimal) error {
	if WithinTolerance(tendered, expected) {
		return nil
	}
	difference := tendered.Sub(expected)
	return &MismatchError{
		Expected:   expected,
		Tendered:   tendered,
		Variance:   difference.Abs(),
		Difference: difference,
	}
}

func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidInput,
		ErrInvalidTransition,
		ErrPaymentMismatch,
		ErrCardReferenceRequired,
		ErrRefundExceedsTotal,
		ErrOrderPaid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
