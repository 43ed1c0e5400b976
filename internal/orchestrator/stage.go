package orchestrator

import "fmt"

// Stage is one step of a cycle. The set is closed; stages run in
// declaration order.
type Stage int

const (
	StageTrends Stage = iota
	StageSupplierSearch
	StagePricing
	StageMarketplaceCompare
	StagePublish
	StageSale
	StagePaymentCapture
	StageSupplierPurchase
	StageTracking
	StageAccounting

	numStages
)

var stageNames = [numStages]string{
	"trends",
	"aliexpressSearch",
	"pricing",
	"marketplaceCompare",
	"publish",
	"sale",
	"paypalCapture",
	"aliexpressPurchase",
	"tracking",
	"accounting",
}

// Stages lists every stage in execution order.
func Stages() []Stage {
	out := make([]Stage, numStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	if s < 0 || s >= numStages {
		return nil, fmt.Errorf("unknown stage %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, ok := ParseStage(string(b))
	if !ok {
		return fmt.Errorf("unknown stage %q", b)
	}
	*s = v
	return nil
}

// ParseStage maps a stage name to its Stage.
func ParseStage(name string) (Stage, bool) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return 0, false
}

// postSale reports whether s only makes sense after a real sale.
func (s Stage) postSale() bool { return s >= StageSale }

// hardDeps lists, per stage, the stages whose output it consumes. trends
// and marketplaceCompare feed nothing, so their failure blocks nothing.
var hardDeps = [numStages][]Stage{
	StagePricing:            {StageSupplierSearch},
	StageMarketplaceCompare: {StagePricing},
	StagePublish:            {StagePricing},
	StageSale:               {StagePublish},
	StagePaymentCapture:     {StageSale},
	StageSupplierPurchase:   {StagePaymentCapture},
	StageTracking:           {StageSupplierPurchase},
	StageAccounting:         {StageSupplierPurchase},
}

// Decision is what the planner does with a stage before invoking it.
type Decision int

const (
	Run Decision = iota
	Skip
	BlockedByUpstream
	Aborted
	Cancelled
)

func (d Decision) String() string {
	switch d {
	case Run:
		return "run"
	case Skip:
		return "skip"
	case BlockedByUpstream:
		return "blocked"
	case Aborted:
		return "aborted"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Stage error strings reported in StageResult.Error.
const (
	ErrTextUpstreamFailed = "upstream-failed"
	ErrTextAborted        = "cycle-aborted"
	ErrTextCancelled      = "cancelled"
	ErrTextProfitGuard    = "profit-guard"
)

// planState is what the planner knows when deciding on a stage.
type planState struct {
	results      *[numStages]StageResult
	skipPostSale bool
	// manualPublish leaves publishing to an operator.
	manualPublish bool
	aborted       bool
	cancelled     bool
}

// decide computes the decision for s from earlier results only.
func decide(s Stage, st planState) Decision {
	switch {
	case st.aborted:
		return Aborted
	case st.cancelled:
		return Cancelled
	case st.skipPostSale && s.postSale() && st.results[StagePublish].OK:
		return Skip
	case st.manualPublish && s >= StagePublish && st.results[StagePricing].OK:
		// Nothing past publish has a listing to work on.
		return Skip
	}
	for _, dep := range hardDeps[s] {
		if !st.results[dep].OK {
			return BlockedByUpstream
		}
	}
	return Run
}
