// Package fsm wraps looplab/fsm machines for orders, products and lifecycle
// stages. Each machine is stateless from the caller's view: the current state
// is supplied on every call, so one instance can be shared process-wide.
package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

const (
	OrderStateCreated    = "CREATED"
	OrderStatePaid       = "PAID"
	OrderStatePurchasing = "PURCHASING"
	OrderStatePurchased  = "PURCHASED"
	OrderStateFailed     = "FAILED"
)

const (
	OrderEventConfirmPayment   = "confirm_payment"
	OrderEventBeginPurchase    = "begin_purchase"
	OrderEventCompletePurchase = "complete_purchase"
	OrderEventFail             = "fail"
)

const (
	ProductStatePending   = "PENDING"
	ProductStateApproved  = "APPROVED"
	ProductStateRejected  = "REJECTED"
	ProductStatePublished = "PUBLISHED"
	ProductStateInactive  = "INACTIVE"
)

const (
	ProductEventApprove    = "approve"
	ProductEventReject     = "reject"
	ProductEventPublish    = "publish"
	ProductEventDeactivate = "deactivate"
)

const (
	StageStatePending    = "pending"
	StageStateInProgress = "in-progress"
	StageStateCompleted  = "completed"
	StageStateFailed     = "failed"
	StageStateSkipped    = "skipped"
	StageStateNotNeeded  = "not-needed"
)

const (
	StageEventStart    = "start"
	StageEventComplete = "complete"
	StageEventFail     = "fail"
	StageEventSkip     = "skip"
	StageEventBypass   = "bypass"
	StageEventRetry    = "retry"
)

// machine serializes access to a looplab FSM whose state is reset per call.
type machine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func newMachine(initial string, events fsm.Events) *machine {
	return &machine{fsm: fsm.NewFSM(initial, events, fsm.Callbacks{})}
}

func (m *machine) CanTransition(currentState, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	return m.fsm.Can(event)
}

func (m *machine) Transition(ctx context.Context, currentState, event string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	if err := m.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return m.fsm.Current(), nil
}

func (m *machine) AvailableEvents(currentState string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(currentState)
	return m.fsm.AvailableTransitions()
}
