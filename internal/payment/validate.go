package payment

import (
	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
)

// Validation is the outcome of checking tendered amounts against what is due.
type Validation struct {
	Status     domain.ValidationStatus `json:"validation_status"`
	Expected   decimal.Decimal         `json:"expected"`
	Tendered   decimal.Decimal         `json:"tendered"`
	Variance   decimal.Decimal         `json:"variance"`
	Difference decimal.Decimal         `json:"difference"`
}

func (v Validation) Valid() bool {
	return v.Status == domain.ValidationValid
}

// Err returns a *domain.MismatchError for a mismatch and nil otherwise.
func (v Validation) Err() error {
	if v.Valid() {
		return nil
	}
	return &domain.MismatchError{
		Expected:   v.Expected,
		Tendered:   v.Tendered,
		Variance:   v.Variance,
		Difference: v.Difference,
	}
}

// Validate compares cash + card against expected. The settlement is valid only
// when the variance is strictly below domain.Tolerance.
func Validate(cash, card, expected decimal.Decimal) Validation {
	tendered := cash.Add(card)
	difference := tendered.Sub(expected)
	v := Validation{
		Status:     domain.ValidationMismatch,
		Expected:   expected,
		Tendered:   tendered,
		Variance:   difference.Abs(),
		Difference: difference,
	}
	if domain.WithinTolerance(tendered, expected) {
		v.Status = domain.ValidationValid
	}
	return v
}

// TransactionTypeFor derives the tender type from the split.
func TransactionTypeFor(cash, card decimal.Decimal) domain.TransactionType {
	switch {
	case card.IsZero():
		return domain.TransactionCash
	case cash.IsZero():
		return domain.TransactionCard
	default:
		return domain.TransactionPartial
	}
}
