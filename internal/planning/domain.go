package planning

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// SupplyStatus tracks a planned supply through its lifecycle.
type SupplyStatus string

const (
	SupplyOpen      SupplyStatus = "OPEN"
	SupplyReceived  SupplyStatus = "RECEIVED"
	SupplyCancelled SupplyStatus = "CANCELLED"
)

// SupplySourceType distinguishes anticipated purchases from planned production.
type SupplySourceType string

const (
	SourcePurchase   SupplySourceType = "PURCHASE"
	SourceProduction SupplySourceType = "PRODUCTION"
)

// PlannedSupply is an anticipated future receipt. Its quantity is never
// mutated by allocation; availability is always derived at read time from
// the active planned reservations against it.
type PlannedSupply struct {
	ID         uuid.UUID
	Tenant     shared.Tenant
	ProductID  uuid.UUID
	VendorID   *uuid.UUID
	Quantity   decimal.Decimal
	SourceType SupplySourceType
	SourceCode string
	ExpectedAt time.Time
	Status     SupplyStatus
	CreatedAt  time.Time
	CreatedBy  string
}

// ReservationStatus mirrors the firm reservation state machine.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationConsumed  ReservationStatus = "CONSUMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// PlannedReservation allocates a batch's demand against future supply.
type PlannedReservation struct {
	ID              uuid.UUID
	Tenant          shared.Tenant
	BatchID         uuid.UUID
	PlannedSupplyID uuid.UUID
	Quantity        decimal.Decimal
	Status          ReservationStatus
	ReservedAt      time.Time
	ReservedBy      string
}

// PegSupplyType says which side of the ledger a peg points at.
type PegSupplyType string

const (
	PegOnHand  PegSupplyType = "ON_HAND"
	PegPlanned PegSupplyType = "PLANNED"
)

// Peg is an immutable traceability record linking a demand to the supply
// earmarked for it. Pegs are write-once: there are no update or delete
// operations.
type Peg struct {
	ID         uuid.UUID
	Tenant     shared.Tenant
	DemandType string
	DemandID   uuid.UUID
	SupplyType PegSupplyType
	SupplyID   uuid.UUID
	ProductID  uuid.UUID
	Quantity   decimal.Decimal
	PeggedAt   time.Time
}

// SupplyAvailability is a read-model row for the FAFO engine: one open
// planned supply with the sum of its active planned reservations.
type SupplyAvailability struct {
	SupplyID   uuid.UUID
	VendorID   *uuid.UUID
	SourceType SupplySourceType
	SourceCode string
	ExpectedAt time.Time
	Quantity   decimal.Decimal
	Reserved   decimal.Decimal
}

// Available is the unallocated portion of the planned supply.
func (s SupplyAvailability) Available() decimal.Decimal {
	return s.Quantity.Sub(s.Reserved)
}

// PlannedPick is one allocation line produced by FAFO selection.
type PlannedPick struct {
	PlannedSupplyID uuid.UUID
	SourceType      SupplySourceType
	SourceCode      string
	ExpectedAt      time.Time
	Available       decimal.Decimal
	Quantity        decimal.Decimal
}

// PlannedSelection is the outcome of a FAFO run; Shortage is zero when the
// requirement is fully covered by open supply.
type PlannedSelection struct {
	Picks    []PlannedPick
	Shortage decimal.Decimal
}

// CreateSupplyInput registers an anticipated receipt.
type CreateSupplyInput struct {
	ProductID  uuid.UUID
	VendorID   *uuid.UUID
	Quantity   decimal.Decimal
	SourceType SupplySourceType
	SourceCode string
	ExpectedAt time.Time
	CreatedBy  string
}

// ReservePlannedInput places a hold against a specific planned supply.
type ReservePlannedInput struct {
	BatchID         uuid.UUID
	PlannedSupplyID uuid.UUID
	Quantity        decimal.Decimal
	ReservedBy      string
}

// Requirement is one demand line fed into an MRP run.
type Requirement struct {
	ProductID uuid.UUID
	VendorID  *uuid.UUID
	Quantity  decimal.Decimal
}

// MRPInput drives a material plan for one batch.
type MRPInput struct {
	BatchID      uuid.UUID
	DemandType   string
	Requirements []Requirement
	RunBy        string
}

// MRPLine reports how one requirement was covered.
type MRPLine struct {
	ProductID uuid.UUID
	Required  decimal.Decimal
	OnHand    decimal.Decimal
	Planned   decimal.Decimal
	Shortage  decimal.Decimal
}

// MRPResult is the outcome of an MRP run.
type MRPResult struct {
	BatchID uuid.UUID
	Lines   []MRPLine
	Pegs    []Peg
	RanAt   time.Time
}

// TimedQuantity is a raw (timestamp, quantity) pair aggregated by the
// availability projector.
type TimedQuantity struct {
	At       time.Time
	Quantity decimal.Decimal
}

// WeekBucket is one week of the time-phased availability projection.
// AvailableStart and AvailableEnd roll cumulatively: each week starts where
// the previous one ended.
type WeekBucket struct {
	WeekStart          time.Time
	PlannedSupply      decimal.Decimal
	PlannedReserved    decimal.Decimal
	InventoryReserved  decimal.Decimal
	FutureRequirements decimal.Decimal
	AvailableStart     decimal.Decimal
	AvailableEnd       decimal.Decimal
}

// Projection is the full time-phased availability answer for a product.
type Projection struct {
	ProductID   uuid.UUID
	VendorID    *uuid.UUID
	OnHand      decimal.Decimal
	Weeks       []WeekBucket
	GeneratedAt time.Time
}

// ProjectionInput bounds a projection window. A zero End defaults to the
// configured horizon from Start.
type ProjectionInput struct {
	ProductID uuid.UUID
	VendorID  *uuid.UUID
	Start     time.Time
	End       time.Time
}
