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

// SelectionInput describes a lot selection request.
type SelectionInput struct {
	ProductID        uuid.UUID
	VendorID         *uuid.UUID
	RequiredQuantity decimal.Decimal
}

// AllocateInput describes an atomic select-and-reserve request.
type AllocateInput struct {
	SelectionInput
	BatchID    uuid.UUID
	ReservedBy string
	// FailFast requests NOWAIT locks: if any selected bucket is locked by
	// another operation the whole allocation aborts with ErrLockContention.
	FailFast bool
}

// SelectFEFO plans a first-expired-first-out allocation over the available
// buckets of a (product, vendor) pair. The result is advisory: no
// reservations are created, and callers acting on the picks must re-acquire
// a lock per bucket and re-validate availability (or use SelectAndReserveFEFO).
func (s *Service) SelectFEFO(ctx context.Context, tenant shared.Tenant, in SelectionInput) (Selection, error) {
	if err := tenant.Validate(); err != nil {
		return Selection{}, err
	}
	if !in.RequiredQuantity.IsPositive() {
		return Selection{}, fmt.Errorf("inventory: required quantity must be positive: %w", shared.ErrValidation)
	}
	buckets, err := s.repo.AvailableBuckets(ctx, tenant, in.ProductID, in.VendorID)
	if err != nil {
		return Selection{}, err
	}
	selection := allocateGreedy(buckets, in.RequiredQuantity)
	if s.metrics != nil {
		s.metrics.AllocationObserved("select_fefo", selection.Shortage.InexactFloat64())
	}
	return selection, nil
}

// SelectAndReserveFEFO runs FEFO selection and reservation as one atomic
// operation: candidate buckets are locked in id order, availability is
// re-derived under the locks, and one reservation per pick is inserted.
// Partial coverage is allowed; the returned selection carries the shortage.
func (s *Service) SelectAndReserveFEFO(ctx context.Context, tenant shared.Tenant, in AllocateInput) (Selection, []Reservation, error) {
	if err := tenant.Validate(); err != nil {
		return Selection{}, nil, err
	}
	if !in.RequiredQuantity.IsPositive() {
		return Selection{}, nil, fmt.Errorf("inventory: required quantity must be positive: %w", shared.ErrValidation)
	}
	if in.BatchID == uuid.Nil {
		return Selection{}, nil, fmt.Errorf("inventory: batch required: %w", shared.ErrValidation)
	}

	now := time.Now().UTC()
	var selection Selection
	var reservations []Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		candidates, err := tx.AvailableBuckets(ctx, tenant, in.ProductID, in.VendorID)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(candidates))
		for _, b := range candidates {
			ids = append(ids, b.ItemID)
		}
		if err := tx.LockItems(ctx, tenant, ids, !in.FailFast); err != nil {
			return err
		}
		// Availability may have shifted between the snapshot and the lock;
		// the re-read under the lock is what the allocation trusts.
		buckets, err := tx.AvailableBuckets(ctx, tenant, in.ProductID, in.VendorID)
		if err != nil {
			return err
		}
		selection = allocateGreedy(buckets, in.RequiredQuantity)
		for _, pick := range selection.Picks {
			res := Reservation{
				ID:         uuid.New(),
				Tenant:     tenant,
				ItemID:     pick.ItemID,
				BatchID:    in.BatchID,
				Quantity:   pick.Quantity,
				Status:     ReservationReserved,
				ReservedAt: now,
				ReservedBy: in.ReservedBy,
			}
			if err := tx.InsertReservation(ctx, res); err != nil {
				return err
			}
			reservations = append(reservations, res)
		}
		return nil
	})
	if err != nil {
		if s.metrics != nil && isLockContention(err) {
			s.metrics.LockContention("select_and_reserve_fefo")
		}
		return Selection{}, nil, err
	}

	if s.metrics != nil {
		s.metrics.AllocationObserved("select_and_reserve_fefo", selection.Shortage.InexactFloat64())
	}
	s.recordAudit(ctx, tenant, in.ReservedBy, "inventory:allocate", "batch", in.BatchID.String(), map[string]any{
		"product_id": in.ProductID.String(),
		"picks":      len(selection.Picks),
		"shortage":   selection.Shortage.String(),
	})
	return selection, reservations, nil
}

// allocateGreedy walks buckets in the order given (FEFO for on-hand stock)
// and drains each until the requirement is covered or buckets run out.
func allocateGreedy(buckets []BucketAvailability, required decimal.Decimal) Selection {
	remaining := required
	var picks []Pick
	for _, b := range buckets {
		if !remaining.IsPositive() {
			break
		}
		available := b.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		picks = append(picks, Pick{
			ItemID:       b.ItemID,
			LotID:        b.LotID,
			LotCode:      b.LotCode,
			ExpirationAt: b.ExpirationAt,
			LocationID:   b.LocationID,
			Available:    available,
			Quantity:     take,
		})
		remaining = remaining.Sub(take)
	}
	return Selection{Picks: picks, Shortage: remaining}
}

func isLockContention(err error) bool {
	return errors.Is(err, shared.ErrLockContention)
}
