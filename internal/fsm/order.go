package fsm

import (
	"github.com/looplab/fsm"
)

// OrderStateMachine validates fulfillment order transitions:
// CREATED -> PAID -> PURCHASING -> PURCHASED, and any non-terminal state
// -> FAILED.
type OrderStateMachine struct {
	*machine
}

func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{machine: newMachine(
		OrderStateCreated,
		fsm.Events{
			{Name: OrderEventConfirmPayment, Src: []string{OrderStateCreated}, Dst: OrderStatePaid},
			{Name: OrderEventBeginPurchase, Src: []string{OrderStatePaid}, Dst: OrderStatePurchasing},
			{Name: OrderEventCompletePurchase, Src: []string{OrderStatePurchasing}, Dst: OrderStatePurchased},
			{Name: OrderEventFail, Src: []string{OrderStateCreated, OrderStatePaid, OrderStatePurchasing}, Dst: OrderStateFailed},
		},
	)}
}
