// Package domain holds the records shared by the workflow, fulfillment and
// orchestration layers.
package domain

import (
	"time"

	"github.com/buildtall-systems/dropship/internal/settlement"
)

// Stage is one phase of a product's lifecycle.
type Stage string

const (
	StageScrape          Stage = "scrape"
	StageAnalyze         Stage = "analyze"
	StagePublish         Stage = "publish"
	StagePurchase        Stage = "purchase"
	StageFulfillment     Stage = "fulfillment"
	StageCustomerService Stage = "customerService"
)

// Stages lists lifecycle stages in order.
var Stages = []Stage{
	StageScrape,
	StageAnalyze,
	StagePublish,
	StagePurchase,
	StageFulfillment,
	StageCustomerService,
}

// Index returns the stage's position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// StageStatus is the status of one stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in-progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
	StageNotNeeded  StageStatus = "not-needed"
)

// Satisfied reports whether a later stage may complete after this one.
func (s StageStatus) Satisfied() bool {
	return s == StageCompleted || s == StageSkipped || s == StageNotNeeded
}

// StageMode says who drives a stage.
type StageMode string

const (
	ModeManual    StageMode = "manual"
	ModeAutomatic StageMode = "automatic"
	ModeGuided    StageMode = "guided"
)

// ParseStageMode returns the mode named by s, defaulting to automatic.
func ParseStageMode(s string) StageMode {
	switch StageMode(s) {
	case ModeManual, ModeGuided:
		return StageMode(s)
	default:
		return ModeAutomatic
	}
}

// StageInfo is the persisted state of one stage.
type StageInfo struct {
	Stage       Stage       `json:"stage" db:"stage"`
	Status      StageStatus `json:"status" db:"status"`
	Mode        StageMode   `json:"mode" db:"mode"`
	CompletedAt *time.Time  `json:"completedAt,omitempty" db:"completed_at"`
	ExternalRef string      `json:"externalRef,omitempty" db:"external_ref"`
	Reason      string      `json:"reason,omitempty" db:"reason"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}

// ProductStatus is the commercial status of a product.
type ProductStatus string

const (
	ProductPending   ProductStatus = "PENDING"
	ProductApproved  ProductStatus = "APPROVED"
	ProductRejected  ProductStatus = "REJECTED"
	ProductPublished ProductStatus = "PUBLISHED"
	ProductInactive  ProductStatus = "INACTIVE"
)

// Opportunity is a candidate product found at a supplier. It is not
// persisted until it is promoted to a Product.
type Opportunity struct {
	Title        string           `json:"title"`
	SupplierCost settlement.Money `json:"supplierCost"`
	Shipping     settlement.Money `json:"shipping"`
	SupplierURL  string           `json:"supplierUrl"`
	SupplierRef  string           `json:"supplierRef"`
	DiscoveredAt time.Time        `json:"discoveredAt"`
}

// Product is an opportunity committed to the lifecycle.
type Product struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	SupplierURL  string              `json:"supplierUrl"`
	SupplierRef  string              `json:"supplierRef"`
	SupplierCost settlement.Money    `json:"supplierCost"`
	Shipping     settlement.Money    `json:"shipping"`
	TotalCost    settlement.Money    `json:"totalCost"`
	Price        settlement.Money    `json:"price"`
	Status       ProductStatus       `json:"status"`
	CurrentStage Stage               `json:"currentStage"`
	ListingID    string              `json:"listingId,omitempty"`
	Stages       map[Stage]StageInfo `json:"stages"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// TimelineEvent is one immutable entry in a product's audit trail.
type TimelineEvent struct {
	ID        string    `json:"id" db:"id"`
	ProductID string    `json:"productId" db:"product_id"`
	Stage     Stage     `json:"stage" db:"stage"`
	Action    string    `json:"action" db:"action"`
	Actor     string    `json:"actor" db:"actor"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// CurrentStage returns the first stage, in order, that is not yet satisfied.
// When every stage is satisfied it returns the last stage.
func CurrentStage(stages map[Stage]StageInfo) Stage {
	for _, s := range Stages {
		if !stages[s].Status.Satisfied() {
			return s
		}
	}
	return Stages[len(Stages)-1]
}

// Timeline actions.
const (
	ActionCreated   = "created"
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionSkipped   = "skipped"
	ActionBypassed  = "bypassed"
	ActionRetried   = "retried"
	ActionStatus    = "status-changed"
	ActionPriced    = "priced"
	ActionListed    = "listed"
)
