package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Reserve places a firm hold on a bucket. The bucket row is locked for the
// whole check-then-insert sequence, and availability is derived from the
// current state after the lock is held, so concurrent reservers on the same
// bucket serialize and cannot oversell.
func (s *Service) Reserve(ctx context.Context, tenant shared.Tenant, in ReserveInput) (Reservation, error) {
	if err := tenant.Validate(); err != nil {
		return Reservation{}, err
	}
	if !in.Quantity.IsPositive() {
		return Reservation{}, fmt.Errorf("inventory: reservation quantity must be positive: %w", shared.ErrValidation)
	}
	if in.BatchID == uuid.Nil {
		return Reservation{}, fmt.Errorf("inventory: batch required: %w", shared.ErrValidation)
	}

	now := time.Now().UTC()
	var reservation Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, tenant, in.ItemID)
		if err != nil {
			return err
		}
		reserved, err := tx.ActiveReservedQuantity(ctx, tenant, item.ID)
		if err != nil {
			return err
		}
		available := item.Quantity.Sub(reserved)
		if available.LessThan(in.Quantity) {
			return fmt.Errorf("inventory: requested %s exceeds available %s on bucket %s: %w",
				in.Quantity, available, item.ID, shared.ErrInsufficientAvailability)
		}
		reservation = Reservation{
			ID:              uuid.New(),
			Tenant:          tenant,
			ItemID:          item.ID,
			BatchID:         in.BatchID,
			Quantity:        in.Quantity,
			UnitOfMeasureID: in.UnitOfMeasureID,
			Status:          ReservationReserved,
			ReservedAt:      now,
			ReservedBy:      in.ReservedBy,
			Notes:           in.Notes,
		}
		return tx.InsertReservation(ctx, reservation)
	})
	if err != nil {
		return Reservation{}, err
	}

	s.recordAudit(ctx, tenant, in.ReservedBy, "inventory:reserve", "inventory_reservation", reservation.ID.String(), map[string]any{
		"item_id":  in.ItemID.String(),
		"batch_id": in.BatchID.String(),
		"quantity": in.Quantity.String(),
	})
	s.publish(ctx, "inventory.reserved", tenant, in.ItemID, uuid.Nil, in.Quantity)
	return reservation, nil
}

// Release transitions a reservation to RELEASED. Stock stays in the bucket;
// it simply becomes unreserved. Releasing a terminal reservation fails
// cleanly without side effects.
func (s *Service) Release(ctx context.Context, tenant shared.Tenant, reservationID uuid.UUID, actor string) error {
	return s.transition(ctx, tenant, reservationID, actor, ReservationReleased, "inventory:release", "inventory.released")
}

// Cancel transitions a reservation to CANCELLED without touching stock.
func (s *Service) Cancel(ctx context.Context, tenant shared.Tenant, reservationID uuid.UUID, actor string) error {
	return s.transition(ctx, tenant, reservationID, actor, ReservationCancelled, "inventory:cancel", "inventory.cancelled")
}

func (s *Service) transition(ctx context.Context, tenant shared.Tenant, reservationID uuid.UUID, actor string, to ReservationStatus, action, event string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	var itemID uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservationForUpdate(ctx, tenant, reservationID)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return fmt.Errorf("inventory: reservation %s is %s, not RESERVED: %w", res.ID, res.Status, shared.ErrInvalidState)
		}
		itemID = res.ItemID
		return tx.UpdateReservationStatus(ctx, tenant, res.ID, to, actor, now)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, tenant, actor, action, "inventory_reservation", reservationID.String(), nil)
	s.publish(ctx, event, tenant, itemID, uuid.Nil, decimal.Zero)
	return nil
}

// Consume issues the reserved quantity: the bucket shrinks, an ISSUE movement
// and a consumption trace row are written, and the reservation becomes
// CONSUMED, all in one transaction.
func (s *Service) Consume(ctx context.Context, tenant shared.Tenant, reservationID uuid.UUID, actor string) (Consumption, error) {
	if err := tenant.Validate(); err != nil {
		return Consumption{}, err
	}
	now := time.Now().UTC()
	var trace Consumption
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservationForUpdate(ctx, tenant, reservationID)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return fmt.Errorf("inventory: cannot consume reservation %s in status %s: %w", res.ID, res.Status, shared.ErrInvalidState)
		}
		item, err := tx.GetItemForUpdate(ctx, tenant, res.ItemID)
		if err != nil {
			return err
		}
		newQuantity := item.Quantity.Sub(res.Quantity)
		if newQuantity.IsNegative() {
			return fmt.Errorf("inventory: consuming %s would drive bucket %s negative: %w", res.Quantity, item.ID, shared.ErrInvalidState)
		}
		if err := tx.UpdateItemQuantity(ctx, tenant, item.ID, newQuantity, nil, ""); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			ID:               uuid.New(),
			Tenant:           tenant,
			ItemID:           item.ID,
			Type:             MovementIssue,
			Quantity:         res.Quantity,
			SourceLocationID: &item.LocationID,
			Reason:           "consumed by batch " + res.BatchID.String(),
			CreatedAt:        now,
			CreatedBy:        actor,
		}); err != nil {
			return err
		}
		trace = Consumption{
			ID:            uuid.New(),
			Tenant:        tenant,
			BatchID:       res.BatchID,
			ProductID:     item.ProductID,
			ItemID:        item.ID,
			ReservationID: res.ID,
			Quantity:      res.Quantity,
			ConsumedAt:    now,
			ConsumedBy:    actor,
		}
		if err := tx.InsertConsumption(ctx, trace); err != nil {
			return err
		}
		return tx.UpdateReservationStatus(ctx, tenant, res.ID, ReservationConsumed, actor, now)
	})
	if err != nil {
		return Consumption{}, err
	}

	s.recordAudit(ctx, tenant, actor, "inventory:consume", "inventory_reservation", reservationID.String(), map[string]any{
		"quantity": trace.Quantity.String(),
	})
	s.publish(ctx, "inventory.consumed", tenant, trace.ItemID, trace.ProductID, trace.Quantity)
	return trace, nil
}

// RemoveByBatch releases every active reservation held by a batch, typically
// when a draft demand is cancelled. Returns the number of released holds.
func (s *Service) RemoveByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID, actor string) (int, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	released := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reservations, err := tx.ListActiveReservationsByBatch(ctx, tenant, batchID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if err := tx.UpdateReservationStatus(ctx, tenant, res.ID, ReservationReleased, actor, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if released > 0 {
		s.recordAudit(ctx, tenant, actor, "inventory:remove_by_batch", "batch", batchID.String(), map[string]any{
			"released": released,
		})
	}
	return released, nil
}
