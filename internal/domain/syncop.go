package domain

import (
	"encoding/json"
	"time"
)

type OperationType string

const (
	OpCreateOrder OperationType = "create_order"
	OpUpdateOrder OperationType = "update_order"
	OpPayment     OperationType = "payment"
	OpInventory   OperationType = "inventory"
)

type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationFailed  OperationStatus = "failed"
)

// OperationPayload is the closed set of mutations a terminal replays to the
// gateway. Only the four op types in this file implement it.
type OperationPayload interface {
	OperationType() OperationType
	// OrderingKey groups operations that must be applied in enqueue order.
	OrderingKey() string
	isOperationPayload()
}

type CreateOrderOp struct {
	Order Order `json:"order"`
}

type UpdateOrderOp struct {
	Order Order `json:"order"`
}

type PaymentOp struct {
	Payment PaymentSync `json:"payment"`
}

type InventoryOp struct {
	Entry InventoryLogEntry `json:"entry"`
}

func (CreateOrderOp) OperationType() OperationType { return OpCreateOrder }
func (UpdateOrderOp) OperationType() OperationType { return OpUpdateOrder }
func (PaymentOp) OperationType() OperationType     { return OpPayment }
func (InventoryOp) OperationType() OperationType   { return OpInventory }

func (op CreateOrderOp) OrderingKey() string { return "order:" + op.Order.ID }
func (op UpdateOrderOp) OrderingKey() string { return "order:" + op.Order.ID }
func (op PaymentOp) OrderingKey() string     { return "order:" + op.Payment.OrderID }
func (op InventoryOp) OrderingKey() string   { return "item:" + op.Entry.ItemID }

func (CreateOrderOp) isOperationPayload() {}
func (UpdateOrderOp) isOperationPayload() {}
func (PaymentOp) isOperationPayload()     {}
func (InventoryOp) isOperationPayload()   {}

// SyncOperation is a queued, not yet acknowledged mutation.
type SyncOperation struct {
	ID            string           `json:"id"`
	Type          OperationType    `json:"type"`
	Payload       OperationPayload `json:"data"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        OperationStatus  `json:"status"`
	Attempts      int              `json:"attempts"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
}

func EncodePayload(payload OperationPayload) ([]byte, error) {
	if payload == nil {
		return nil, invalidf("nil operation payload")
	}
	return json.Marshal(payload)
}

func DecodePayload(opType OperationType, raw []byte) (OperationPayload, error) {
	switch opType {
	case OpCreateOrder:
		var op CreateOrderOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpUpdateOrder:
		var op UpdateOrderOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpPayment:
		var op PaymentOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpInventory:
		var op InventoryOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, invalidf("unknown operation type %q", opType)
	}
}
