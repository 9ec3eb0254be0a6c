package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error)
	GetLot(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID) (Lot, error)
	GetReservation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error)
	ListMovementsByItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, limit int) ([]Movement, error)
	AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NotifierPort publishes fire-and-forget change events. Implementations must
// never fail the calling operation.
type NotifierPort interface {
	Publish(ctx context.Context, event string, payload map[string]any)
}

// MetricsPort records core engine metrics.
type MetricsPort interface {
	AllocationObserved(op string, shortage float64)
	LockContention(op string)
}

// Service coordinates ledger, movement and reservation operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	notifier    NotifierPort
	metrics     MetricsPort
	idempotency *shared.IdempotencyStore
}

// NewService builds Service. audit, notifier, metrics and idempotency may be nil.
func NewService(repo RepositoryPort, audit AuditPort, notifier NotifierPort, metrics MetricsPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, audit: audit, notifier: notifier, metrics: metrics, idempotency: idem}
}

// Receive books stock into the ledger. Buckets matching the same
// (product, lot, vendor, location, type) tuple are merged, never duplicated,
// and exactly one movement row is written in the same transaction.
func (s *Service) Receive(ctx context.Context, tenant shared.Tenant, in ReceiveInput) (Item, error) {
	if err := tenant.Validate(); err != nil {
		return Item{}, err
	}
	if in.ProductID == uuid.Nil || in.LocationID == uuid.Nil {
		return Item{}, fmt.Errorf("inventory: product and location required: %w", shared.ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return Item{}, fmt.Errorf("inventory: receive quantity must be positive: %w", shared.ErrValidation)
	}
	if in.LotID == nil && in.LotCode == "" {
		return Item{}, fmt.Errorf("inventory: lot id or lot code required: %w", shared.ErrValidation)
	}
	movementType := in.MovementType
	switch movementType {
	case "":
		movementType = MovementReceipt
	case MovementReceipt, MovementTransfer, MovementProduction:
	default:
		return Item{}, fmt.Errorf("inventory: movement type %s not allowed on receipt: %w", movementType, shared.ErrValidation)
	}

	insertedKey := false
	idemKey := ""
	if s.idempotency != nil && in.Reference != "" {
		idemKey = fmt.Sprintf("receive:%s:%s", tenant, in.Reference)
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "inventory"); err != nil {
			return Item{}, err
		}
		insertedKey = true
	}

	now := time.Now().UTC()
	var bucket Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lotID, err := s.resolveLot(ctx, tx, tenant, in, now)
		if err != nil {
			return err
		}

		existing, err := tx.FindMergeTargetForUpdate(ctx, tenant, in.ProductID, lotID, in.VendorID, in.LocationID, in.Type)
		switch {
		case err == nil:
			bucket = existing
			bucket.Quantity = existing.Quantity.Add(in.Quantity)
			if in.Price != nil {
				bucket.Price = in.Price
			}
			if in.Currency != "" {
				bucket.Currency = in.Currency
			}
			if err := tx.UpdateItemQuantity(ctx, tenant, existing.ID, bucket.Quantity, in.Price, in.Currency); err != nil {
				return err
			}
		case errors.Is(err, shared.ErrNotFound):
			bucket = Item{
				ID:         uuid.New(),
				Tenant:     tenant,
				ProductID:  in.ProductID,
				LotID:      &lotID,
				VendorID:   in.VendorID,
				LocationID: in.LocationID,
				Type:       in.Type,
				Quantity:   in.Quantity,
				Price:      in.Price,
				Currency:   in.Currency,
				CreatedAt:  now,
				CreatedBy:  in.ReceivedBy,
				UpdatedAt:  now,
			}
			if err := tx.InsertItem(ctx, bucket); err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.AddLotQuantity(ctx, tenant, lotID, in.Quantity); err != nil {
			return err
		}

		return tx.InsertMovement(ctx, Movement{
			ID:                    uuid.New(),
			Tenant:                tenant,
			ItemID:                bucket.ID,
			Type:                  movementType,
			Quantity:              in.Quantity,
			DestinationLocationID: &in.LocationID,
			Reason:                receiveReason(in.Reference),
			WorkOrderID:           in.WorkOrderID,
			CreatedAt:             now,
			CreatedBy:             in.ReceivedBy,
		})
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Item{}, err
	}

	s.recordAudit(ctx, tenant, in.ReceivedBy, "inventory:receive", "inventory_item", bucket.ID.String(), map[string]any{
		"product_id": in.ProductID.String(),
		"quantity":   in.Quantity.String(),
	})
	s.publish(ctx, "inventory.received", tenant, bucket.ID, in.ProductID, in.Quantity)
	return bucket, nil
}

// resolveLot returns the lot id for a receipt, creating the lot when only a
// code was supplied. The supplied date is treated as the expiration; the
// manufacture timestamp is the receipt instant.
func (s *Service) resolveLot(ctx context.Context, tx TxRepository, tenant shared.Tenant, in ReceiveInput, now time.Time) (uuid.UUID, error) {
	if in.LotID != nil {
		return *in.LotID, nil
	}
	lot, err := tx.FindLotByCode(ctx, tenant, in.ProductID, in.LotCode)
	if err == nil {
		return lot.ID, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return uuid.Nil, err
	}
	manufactured := now
	lot = Lot{
		ID:             uuid.New(),
		Tenant:         tenant,
		ProductID:      in.ProductID,
		Code:           in.LotCode,
		Quantity:       decimal.Zero,
		ManufacturedAt: &manufactured,
		ExpirationAt:   in.ExpirationDate,
		VendorID:       in.VendorID,
		IsOwnProduct:   in.VendorID == nil,
		CreatedAt:      now,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return uuid.Nil, err
	}
	return lot.ID, nil
}

// Adjust corrects a bucket quantity by a signed delta and records an
// ADJUSTMENT movement. A delta driving the quantity negative fails and
// leaves state untouched.
func (s *Service) Adjust(ctx context.Context, tenant shared.Tenant, in AdjustInput) (decimal.Decimal, error) {
	if err := tenant.Validate(); err != nil {
		return decimal.Zero, err
	}
	if in.Delta.IsZero() {
		return decimal.Zero, fmt.Errorf("inventory: adjustment delta must be non-zero: %w", shared.ErrValidation)
	}
	if in.Reason == "" {
		return decimal.Zero, fmt.Errorf("inventory: adjustment reason required: %w", shared.ErrValidation)
	}

	now := time.Now().UTC()
	var newQuantity decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, tenant, in.ItemID)
		if err != nil {
			return err
		}
		newQuantity = item.Quantity.Add(in.Delta)
		if newQuantity.IsNegative() {
			return fmt.Errorf("inventory: adjustment would drive bucket %s negative: %w", item.ID, shared.ErrInvalidState)
		}
		if err := tx.UpdateItemQuantity(ctx, tenant, item.ID, newQuantity, nil, ""); err != nil {
			return err
		}
		movement := Movement{
			ID:        uuid.New(),
			Tenant:    tenant,
			ItemID:    item.ID,
			Type:      MovementAdjustment,
			Quantity:  in.Delta.Abs(),
			Reason:    in.Reason,
			CreatedAt: now,
			CreatedBy: in.AdjustedBy,
		}
		if in.Delta.IsNegative() {
			movement.SourceLocationID = &item.LocationID
		} else {
			movement.DestinationLocationID = &item.LocationID
		}
		return tx.InsertMovement(ctx, movement)
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.recordAudit(ctx, tenant, in.AdjustedBy, "inventory:adjust", "inventory_item", in.ItemID.String(), map[string]any{
		"delta":  in.Delta.String(),
		"reason": in.Reason,
	})
	s.publish(ctx, "inventory.adjusted", tenant, in.ItemID, uuid.Nil, in.Delta)
	return newQuantity, nil
}

// Transfer moves unreserved quantity from a bucket to a destination location,
// merging into an existing destination bucket when one matches. Both buckets
// and both TRANSFER movements are written in one transaction.
func (s *Service) Transfer(ctx context.Context, tenant shared.Tenant, in TransferInput) (Item, error) {
	if err := tenant.Validate(); err != nil {
		return Item{}, err
	}
	if !in.Quantity.IsPositive() {
		return Item{}, fmt.Errorf("inventory: transfer quantity must be positive: %w", shared.ErrValidation)
	}
	if in.DestinationLocationID == uuid.Nil {
		return Item{}, fmt.Errorf("inventory: destination location required: %w", shared.ErrValidation)
	}

	now := time.Now().UTC()
	var destination Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.GetItemForUpdate(ctx, tenant, in.ItemID)
		if err != nil {
			return err
		}
		if source.LocationID == in.DestinationLocationID {
			return fmt.Errorf("inventory: source and destination location must differ: %w", shared.ErrValidation)
		}
		reserved, err := tx.ActiveReservedQuantity(ctx, tenant, source.ID)
		if err != nil {
			return err
		}
		available := source.Quantity.Sub(reserved)
		if available.LessThan(in.Quantity) {
			return fmt.Errorf("inventory: transfer of %s exceeds available %s on bucket %s: %w",
				in.Quantity, available, source.ID, shared.ErrInsufficientAvailability)
		}
		if err := tx.UpdateItemQuantity(ctx, tenant, source.ID, source.Quantity.Sub(in.Quantity), nil, ""); err != nil {
			return err
		}

		var lotID uuid.UUID
		if source.LotID != nil {
			lotID = *source.LotID
		}
		// Locks are taken source first, then destination merge target. Two
		// opposite-direction transfers over the same pair can therefore
		// deadlock; Postgres aborts one of them and the caller retries.
		existing, err := tx.FindMergeTargetForUpdate(ctx, tenant, source.ProductID, lotID, source.VendorID, in.DestinationLocationID, source.Type)
		switch {
		case err == nil:
			destination = existing
			destination.Quantity = existing.Quantity.Add(in.Quantity)
			if err := tx.UpdateItemQuantity(ctx, tenant, existing.ID, destination.Quantity, nil, ""); err != nil {
				return err
			}
		case errors.Is(err, shared.ErrNotFound):
			destination = Item{
				ID:         uuid.New(),
				Tenant:     tenant,
				ProductID:  source.ProductID,
				LotID:      source.LotID,
				VendorID:   source.VendorID,
				LocationID: in.DestinationLocationID,
				Type:       source.Type,
				Quantity:   in.Quantity,
				Price:      source.Price,
				Currency:   source.Currency,
				CreatedAt:  now,
				CreatedBy:  in.CreatedBy,
				UpdatedAt:  now,
			}
			if err := tx.InsertItem(ctx, destination); err != nil {
				return err
			}
		default:
			return err
		}

		out := Movement{
			ID:                    uuid.New(),
			Tenant:                tenant,
			ItemID:                source.ID,
			Type:                  MovementTransfer,
			Quantity:              in.Quantity,
			SourceLocationID:      &source.LocationID,
			DestinationLocationID: &in.DestinationLocationID,
			Reason:                "transfer out",
			CreatedAt:             now,
			CreatedBy:             in.CreatedBy,
		}
		if err := tx.InsertMovement(ctx, out); err != nil {
			return err
		}
		inMove := out
		inMove.ID = uuid.New()
		inMove.ItemID = destination.ID
		inMove.Reason = "transfer in"
		return tx.InsertMovement(ctx, inMove)
	})
	if err != nil {
		return Item{}, err
	}

	s.recordAudit(ctx, tenant, in.CreatedBy, "inventory:transfer", "inventory_item", in.ItemID.String(), map[string]any{
		"quantity":    in.Quantity.String(),
		"destination": in.DestinationLocationID.String(),
	})
	s.publish(ctx, "inventory.transferred", tenant, in.ItemID, destination.ProductID, in.Quantity)
	return destination, nil
}

// GetItem loads one bucket.
func (s *Service) GetItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	if err := tenant.Validate(); err != nil {
		return Item{}, err
	}
	return s.repo.GetItem(ctx, tenant, itemID)
}

// GetLot loads one lot.
func (s *Service) GetLot(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID) (Lot, error) {
	if err := tenant.Validate(); err != nil {
		return Lot{}, err
	}
	return s.repo.GetLot(ctx, tenant, lotID)
}

// GetReservation loads one reservation.
func (s *Service) GetReservation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error) {
	if err := tenant.Validate(); err != nil {
		return Reservation{}, err
	}
	return s.repo.GetReservation(ctx, tenant, id)
}

// ListMovements returns the newest movements of a bucket.
func (s *Service) ListMovements(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, limit int) ([]Movement, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMovementsByItem(ctx, tenant, itemID, limit)
}

// Availability returns the FEFO-ordered available buckets of a product.
func (s *Service) Availability(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.AvailableBuckets(ctx, tenant, productID, vendorID)
}

func receiveReason(reference string) string {
	if reference == "" {
		return "stock receipt"
	}
	return "stock receipt " + reference
}

func (s *Service) recordAudit(ctx context.Context, tenant shared.Tenant, actor, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Tenant:   tenant,
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}

func (s *Service) publish(ctx context.Context, event string, tenant shared.Tenant, itemID, productID uuid.UUID, qty decimal.Decimal) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, event, map[string]any{
		"entity_id":  tenant.EntityID.String(),
		"plant_id":   tenant.PlantID.String(),
		"item_id":    itemID.String(),
		"product_id": productID.String(),
		"quantity":   qty.String(),
	})
}
