package fsm

import (
	"context"
	"testing"
)

func TestStageStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		from  string
		event string
		want  string
		ok    bool
	}{
		{StageStatePending, StageEventStart, StageStateInProgress, true},
		{StageStatePending, StageEventComplete, StageStateCompleted, true},
		{StageStateInProgress, StageEventComplete, StageStateCompleted, true},
		{StageStateInProgress, StageEventFail, StageStateFailed, true},
		{StageStatePending, StageEventSkip, StageStateNotNeeded, true},
		{StageStatePending, StageEventBypass, StageStateSkipped, true},
		{StageStateFailed, StageEventBypass, StageStateSkipped, true},
		{StageStateFailed, StageEventRetry, StageStatePending, true},

		{StageStateCompleted, StageEventStart, "", false},
		{StageStateCompleted, StageEventFail, "", false},
		{StageStateCompleted, StageEventRetry, "", false},
		{StageStateInProgress, StageEventStart, "", false},
		{StageStateInProgress, StageEventSkip, "", false},
		{StageStateNotNeeded, StageEventComplete, "", false},
		{StageStateSkipped, StageEventRetry, "", false},
		{StageStateFailed, StageEventComplete, "", false},
	}

	ssm := NewStageStateMachine()
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.from+"_"+tt.event, func(t *testing.T) {
			if got := ssm.CanTransition(tt.from, tt.event); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.event, got, tt.ok)
			}

			got, err := ssm.Transition(ctx, tt.from, tt.event)
			if tt.ok {
				if err != nil {
					t.Fatalf("Transition() error = %v", err)
				}
				if got != tt.want {
					t.Errorf("Transition() = %q, want %q", got, tt.want)
				}
				return
			}
			if err == nil {
				t.Errorf("Transition(%s, %s) succeeded, want error", tt.from, tt.event)
			}
		})
	}
}

func TestProductStateMachine_Transitions(t *testing.T) {
	psm := NewProductStateMachine()

	tests := []struct {
		from  string
		event string
		want  bool
	}{
		{ProductStatePending, ProductEventApprove, true},
		{ProductStatePending, ProductEventReject, true},
		{ProductStatePending, ProductEventPublish, false},
		{ProductStateApproved, ProductEventPublish, true},
		{ProductStateApproved, ProductEventReject, true},
		{ProductStatePublished, ProductEventApprove, false},
		{ProductStatePublished, ProductEventDeactivate, true},
		{ProductStateRejected, ProductEventPublish, false},
		{ProductStateInactive, ProductEventDeactivate, false},
		{ProductStateInactive, ProductEventApprove, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_"+tt.event, func(t *testing.T) {
			if got := psm.CanTransition(tt.from, tt.event); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.event, got, tt.want)
			}
		})
	}
}
