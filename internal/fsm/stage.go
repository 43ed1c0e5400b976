package fsm

import (
	"github.com/looplab/fsm"
)

// StageStateMachine validates the status of a single lifecycle stage.
// Ordering between stages is enforced by the workflow package.
type StageStateMachine struct {
	*machine
}

func NewStageStateMachine() *StageStateMachine {
	return &StageStateMachine{machine: newMachine(
		StageStatePending,
		fsm.Events{
			{Name: StageEventStart, Src: []string{StageStatePending}, Dst: StageStateInProgress},
			{Name: StageEventComplete, Src: []string{StageStatePending, StageStateInProgress}, Dst: StageStateCompleted},
			{Name: StageEventFail, Src: []string{StageStatePending, StageStateInProgress}, Dst: StageStateFailed},
			{Name: StageEventSkip, Src: []string{StageStatePending}, Dst: StageStateNotNeeded},
			{Name: StageEventBypass, Src: []string{StageStatePending, StageStateFailed}, Dst: StageStateSkipped},
			{Name: StageEventRetry, Src: []string{StageStateFailed}, Dst: StageStatePending},
		},
	)}
}
