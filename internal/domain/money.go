package domain

import "github.com/shopspring/decimal"

// Tolerance is the largest unexplained variance (exclusive) a settlement may carry.
var Tolerance = decimal.New(1, -2)

// RoundMoney rounds half away from zero to two places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinTolerance reports |a - b| < Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Tolerance)
}
