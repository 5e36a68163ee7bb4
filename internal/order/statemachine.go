package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// CanTransition allows forward moves along pending -> cooking -> ready.
// Paid is reserved for the payment reconciler.
func CanTransition(from, to domain.OrderStatus) error {
	if from == domain.OrderPaid {
		return domain.ErrOrderPaid
	}
	if !to.Valid() || !from.Valid() {
		return fmt.Errorf("%w: unknown status %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if to == domain.OrderPaid {
		return fmt.Errorf("%w: orders become paid only through payment completion", domain.ErrInvalidTransition)
	}
	if to.Rank() <= from.Rank() {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// CanAdvanceLine allows kitchen lines to move forward along
// waiting -> preparing -> done.
func CanAdvanceLine(line domain.OrderLine, to domain.KitchenStatus) error {
	if !line.KitchenRelevant {
		return fmt.Errorf("%w: line %q is not prepared by the kitchen", domain.ErrInvalidTransition, line.Name)
	}
	if to.Rank() == 0 {
		return fmt.Errorf("%w: unknown kitchen status %q", domain.ErrInvalidTransition, to)
	}
	from := line.KitchenStatus
	if from == "" {
		from = domain.KitchenWaiting
	}
	if to.Rank() <= from.Rank() {
		return fmt.Errorf("%w: line %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// KitchenComplete reports whether every kitchen-relevant line is done.
// Orders without kitchen lines are trivially complete.
func KitchenComplete(order domain.Order) bool {
	for _, line := range order.Lines {
		if line.KitchenRelevant && line.KitchenStatus != domain.KitchenDone {
			return false
		}
	}
	return true
}

// RecomputeTotals derives subtotal, tax and total from the lines, discount and
// tax rate. total = max(0, subtotal - discount) + tax.
func RecomputeTotals(order *domain.Order) {
	subtotal := decimal.Zero
	for _, line := range order.Lines {
		subtotal = subtotal.Add(line.LineTotal())
	}
	subtotal = domain.RoundMoney(subtotal)

	taxable := subtotal.Sub(order.Discount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	tax := domain.RoundMoney(taxable.Mul(order.TaxRatePercent).Div(hundred))

	order.Subtotal = subtotal
	order.Tax = tax
	order.TotalAmount = taxable.Add(tax)
}

func validateLine(in domain.OrderLineInput) error {
	if in.MenuItemID == "" && in.Name == "" {
		return fmt.Errorf("%w: line needs a menu item id or name", domain.ErrInvalidInput)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", domain.ErrInvalidInput)
	}
	if in.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must be >= 0", domain.ErrInvalidInput)
	}
	for _, mod := range in.Modifiers {
		if mod.Price.IsNegative() {
			return fmt.Errorf("%w: modifier price must be >= 0", domain.ErrInvalidInput)
		}
	}
	return nil
}

func newLine(in domain.OrderLineInput) domain.OrderLine {
	line := domain.OrderLine{
		MenuItemID:      in.MenuItemID,
		Name:            in.Name,
		Quantity:        in.Quantity,
		UnitPrice:       in.UnitPrice,
		Notes:           in.Notes,
		KitchenRelevant: in.KitchenRelevant,
		InventoryItemID: in.InventoryItemID,
	}
	if line.Name == "" {
		line.Name = line.MenuItemID
	}
	if len(in.Modifiers) > 0 {
		line.Modifiers = append([]domain.Modifier(nil), in.Modifiers...)
	}
	if line.KitchenRelevant {
		line.KitchenStatus = domain.KitchenWaiting
	}
	return line
}

func validateMoneyInputs(discount, taxRate decimal.Decimal) error {
	if discount.IsNegative() {
		return fmt.Errorf("%w: discount must be >= 0", domain.ErrInvalidInput)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return fmt.Errorf("%w: tax rate must be between 0 and 100", domain.ErrInvalidInput)
	}
	return nil
}
