package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// MovementType enumerates supported inventory movements.
type MovementType string

const (
	MovementReceipt    MovementType = "RECEIPT"
	MovementIssue      MovementType = "ISSUE"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementProduction MovementType = "PRODUCTION"
)

// ItemType classifies the stock held in a bucket.
type ItemType string

const (
	ItemTypeRawMaterial  ItemType = "RAW_MATERIAL"
	ItemTypeSemiFinished ItemType = "SEMI_FINISHED"
	ItemTypeFinishedGood ItemType = "FINISHED_GOOD"
)

// Item is one quantity bucket for a (product, lot, vendor, location, type)
// combination within a tenant. Quantity never goes negative; receipts
// matching the same combination merge into the existing bucket.
type Item struct {
	ID         uuid.UUID
	Tenant     shared.Tenant
	ProductID  uuid.UUID
	LotID      *uuid.UUID
	VendorID   *uuid.UUID
	LocationID uuid.UUID
	Type       ItemType
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	Currency   string
	CreatedAt  time.Time
	CreatedBy  string
	UpdatedAt  time.Time
}

// Lot identifies a production or vendor lot of a product.
type Lot struct {
	ID             uuid.UUID
	Tenant         shared.Tenant
	ProductID      uuid.UUID
	Code           string
	Quantity       decimal.Decimal
	ManufacturedAt *time.Time
	ExpirationAt   *time.Time
	VendorID       *uuid.UUID
	IsOwnProduct   bool
	CreatedAt      time.Time
}

// Movement is the immutable audit record written alongside every ledger
// mutation, in the same transaction.
type Movement struct {
	ID                    uuid.UUID
	Tenant                shared.Tenant
	ItemID                uuid.UUID
	Type                  MovementType
	Quantity              decimal.Decimal
	SourceLocationID      *uuid.UUID
	DestinationLocationID *uuid.UUID
	Reason                string
	WorkOrderID           *uuid.UUID
	CreatedAt             time.Time
	CreatedBy             string
}

// ReservationStatus models the reservation state machine. RESERVED is the
// only non-terminal state.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationConsumed  ReservationStatus = "CONSUMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation is a firm hold of bucket quantity for a batch.
type Reservation struct {
	ID              uuid.UUID
	Tenant          shared.Tenant
	ItemID          uuid.UUID
	BatchID         uuid.UUID
	Quantity        decimal.Decimal
	UnitOfMeasureID *uuid.UUID
	Status          ReservationStatus
	ReservedAt      time.Time
	ReservedBy      string
	ReleasedAt      *time.Time
	ReleasedBy      *string
	Notes           *string
}

// Consumption traces material issued to a batch from a specific bucket.
type Consumption struct {
	ID            uuid.UUID
	Tenant        shared.Tenant
	BatchID       uuid.UUID
	ProductID     uuid.UUID
	ItemID        uuid.UUID
	ReservationID uuid.UUID
	Quantity      decimal.Decimal
	ConsumedAt    time.Time
	ConsumedBy    string
}

// ReceiveInput describes a stock receipt. Exactly one of LotID or LotCode is
// required; with only a code, the lot is created on the fly.
type ReceiveInput struct {
	ProductID      uuid.UUID
	LotID          *uuid.UUID
	LotCode        string
	VendorID       *uuid.UUID
	ExpirationDate *time.Time
	Quantity       decimal.Decimal
	LocationID     uuid.UUID
	Type           ItemType
	Price          *decimal.Decimal
	Currency       string
	MovementType   MovementType
	WorkOrderID    *uuid.UUID
	ReceivedBy     string
	Reference      string
}

// AdjustInput corrects a bucket quantity by a signed delta.
type AdjustInput struct {
	ItemID     uuid.UUID
	Delta      decimal.Decimal
	Reason     string
	AdjustedBy string
}

// TransferInput moves quantity from a bucket to another location.
type TransferInput struct {
	ItemID                uuid.UUID
	Quantity              decimal.Decimal
	DestinationLocationID uuid.UUID
	CreatedBy             string
}

// ReserveInput places a firm hold on a bucket for a batch.
type ReserveInput struct {
	ItemID          uuid.UUID
	BatchID         uuid.UUID
	Quantity        decimal.Decimal
	UnitOfMeasureID *uuid.UUID
	ReservedBy      string
	Notes           *string
}

// Pick is one allocation line produced by lot selection.
type Pick struct {
	ItemID       uuid.UUID
	LotID        *uuid.UUID
	LotCode      string
	ExpirationAt *time.Time
	LocationID   uuid.UUID
	Available    decimal.Decimal
	Quantity     decimal.Decimal
}

// Selection is the outcome of a lot selection run. Shortage is zero when the
// requirement was fully satisfiable.
type Selection struct {
	Picks    []Pick
	Shortage decimal.Decimal
}

// BucketAvailability is a read-model row used by the FEFO engine: one bucket
// joined with its lot and the sum of its active reservations.
type BucketAvailability struct {
	ItemID       uuid.UUID
	LotID        *uuid.UUID
	LotCode      string
	ExpirationAt *time.Time
	LocationID   uuid.UUID
	Quantity     decimal.Decimal
	Reserved     decimal.Decimal
	CreatedAt    time.Time
}

// Available is the unreserved portion of the bucket.
func (b BucketAvailability) Available() decimal.Decimal {
	return b.Quantity.Sub(b.Reserved)
}
