package fsm

import (
	"github.com/looplab/fsm"
)

// ProductStateMachine validates product status changes.
type ProductStateMachine struct {
	*machine
}

func NewProductStateMachine() *ProductStateMachine {
	return &ProductStateMachine{machine: newMachine(
		ProductStatePending,
		fsm.Events{
			{Name: ProductEventApprove, Src: []string{ProductStatePending}, Dst: ProductStateApproved},
			{Name: ProductEventReject, Src: []string{ProductStatePending, ProductStateApproved}, Dst: ProductStateRejected},
			{Name: ProductEventPublish, Src: []string{ProductStateApproved}, Dst: ProductStatePublished},
			{Name: ProductEventDeactivate, Src: []string{ProductStatePending, ProductStateApproved, ProductStateRejected, ProductStatePublished}, Dst: ProductStateInactive},
		},
	)}
}
