package planning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/inventory"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSupply(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error)
	OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error)
	OnHandTotal(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) (decimal.Decimal, error)
	SupplyInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error)
	PlannedReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error)
	FirmReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error)
	RequirementsInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, from, to time.Time) ([]TimedQuantity, error)
	ListPegsByDemand(ctx context.Context, tenant shared.Tenant, demandID uuid.UUID) ([]Peg, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records allocation metrics.
type MetricsPort interface {
	AllocationObserved(op string, shortage float64)
	LockContention(op string)
}

// ServiceConfig groups planning settings.
type ServiceConfig struct {
	// HorizonWeeks is the default projection horizon when the caller gives
	// no end bound. Zero falls back to 8.
	HorizonWeeks int
}

// Service coordinates planned supply, FAFO allocation, MRP runs and the
// availability projection.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	horizon int
}

// NewService builds Service. audit and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	horizon := cfg.HorizonWeeks
	if horizon <= 0 {
		horizon = 8
	}
	return &Service{repo: repo, audit: audit, metrics: metrics, horizon: horizon}
}

// CreateSupply registers an anticipated future receipt.
func (s *Service) CreateSupply(ctx context.Context, tenant shared.Tenant, in CreateSupplyInput) (PlannedSupply, error) {
	if err := tenant.Validate(); err != nil {
		return PlannedSupply{}, err
	}
	if in.ProductID == uuid.Nil {
		return PlannedSupply{}, fmt.Errorf("planning: product required: %w", shared.ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return PlannedSupply{}, fmt.Errorf("planning: supply quantity must be positive: %w", shared.ErrValidation)
	}
	if in.ExpectedAt.IsZero() {
		return PlannedSupply{}, fmt.Errorf("planning: expected date required: %w", shared.ErrValidation)
	}
	switch in.SourceType {
	case SourcePurchase, SourceProduction:
	default:
		return PlannedSupply{}, fmt.Errorf("planning: unknown source type %q: %w", in.SourceType, shared.ErrValidation)
	}

	supply := PlannedSupply{
		ID:         uuid.New(),
		Tenant:     tenant,
		ProductID:  in.ProductID,
		VendorID:   in.VendorID,
		Quantity:   in.Quantity,
		SourceType: in.SourceType,
		SourceCode: in.SourceCode,
		ExpectedAt: in.ExpectedAt.UTC(),
		Status:     SupplyOpen,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  in.CreatedBy,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertSupply(ctx, supply)
	})
	if err != nil {
		return PlannedSupply{}, err
	}
	s.recordAudit(ctx, tenant, in.CreatedBy, "planning:create_supply", "planned_supply", supply.ID.String(), map[string]any{
		"product_id": in.ProductID.String(),
		"quantity":   in.Quantity.String(),
	})
	return supply, nil
}

// SelectFAFO plans a first-arrives-first-out allocation over open planned
// supply. Advisory only; callers must reserve through ReservePlanned, which
// re-derives availability under a row lock.
func (s *Service) SelectFAFO(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, required decimal.Decimal) (PlannedSelection, error) {
	if err := tenant.Validate(); err != nil {
		return PlannedSelection{}, err
	}
	if !required.IsPositive() {
		return PlannedSelection{}, fmt.Errorf("planning: required quantity must be positive: %w", shared.ErrValidation)
	}
	supplies, err := s.repo.OpenSupplies(ctx, tenant, productID, vendorID)
	if err != nil {
		return PlannedSelection{}, err
	}
	selection := allocateFAFO(supplies, required)
	if s.metrics != nil {
		s.metrics.AllocationObserved("select_fafo", selection.Shortage.InexactFloat64())
	}
	return selection, nil
}

// ReservePlanned places a hold against one planned supply. The supply row is
// locked and availability re-derived before the insert, so planned supply is
// never oversold and its quantity column is never touched.
func (s *Service) ReservePlanned(ctx context.Context, tenant shared.Tenant, in ReservePlannedInput) (PlannedReservation, error) {
	if err := tenant.Validate(); err != nil {
		return PlannedReservation{}, err
	}
	if !in.Quantity.IsPositive() {
		return PlannedReservation{}, fmt.Errorf("planning: reservation quantity must be positive: %w", shared.ErrValidation)
	}
	if in.BatchID == uuid.Nil {
		return PlannedReservation{}, fmt.Errorf("planning: batch required: %w", shared.ErrValidation)
	}

	now := time.Now().UTC()
	var reservation PlannedReservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		supply, err := tx.GetSupplyForUpdate(ctx, tenant, in.PlannedSupplyID)
		if err != nil {
			return err
		}
		if supply.Status != SupplyOpen {
			return fmt.Errorf("planning: supply %s is %s, not OPEN: %w", supply.ID, supply.Status, shared.ErrInvalidState)
		}
		reserved, err := tx.ActivePlannedReservedQuantity(ctx, tenant, supply.ID)
		if err != nil {
			return err
		}
		available := supply.Quantity.Sub(reserved)
		if available.LessThan(in.Quantity) {
			return fmt.Errorf("planning: requested %s exceeds available %s on supply %s: %w",
				in.Quantity, available, supply.ID, shared.ErrInsufficientAvailability)
		}
		reservation = PlannedReservation{
			ID:              uuid.New(),
			Tenant:          tenant,
			BatchID:         in.BatchID,
			PlannedSupplyID: supply.ID,
			Quantity:        in.Quantity,
			Status:          ReservationReserved,
			ReservedAt:      now,
			ReservedBy:      in.ReservedBy,
		}
		return tx.InsertPlannedReservation(ctx, reservation)
	})
	if err != nil {
		return PlannedReservation{}, err
	}

	s.recordAudit(ctx, tenant, in.ReservedBy, "planning:reserve", "planned_reservation", reservation.ID.String(), map[string]any{
		"planned_supply_id": in.PlannedSupplyID.String(),
		"quantity":          in.Quantity.String(),
	})
	return reservation, nil
}

// ReleasePlanned transitions a planned reservation to RELEASED.
func (s *Service) ReleasePlanned(ctx context.Context, tenant shared.Tenant, id uuid.UUID, actor string) error {
	return s.transitionPlanned(ctx, tenant, id, actor, ReservationReleased, "planning:release")
}

// CancelPlanned transitions a planned reservation to CANCELLED.
func (s *Service) CancelPlanned(ctx context.Context, tenant shared.Tenant, id uuid.UUID, actor string) error {
	return s.transitionPlanned(ctx, tenant, id, actor, ReservationCancelled, "planning:cancel")
}

func (s *Service) transitionPlanned(ctx context.Context, tenant shared.Tenant, id uuid.UUID, actor string, to ReservationStatus, action string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetPlannedReservationForUpdate(ctx, tenant, id)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return fmt.Errorf("planning: planned reservation %s is %s, not RESERVED: %w", res.ID, res.Status, shared.ErrInvalidState)
		}
		return tx.UpdatePlannedReservationStatus(ctx, tenant, res.ID, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenant, actor, action, "planned_reservation", id.String(), nil)
	return nil
}

// RemovePlannedByBatch releases every active planned reservation of a batch.
func (s *Service) RemovePlannedByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID, actor string) (int, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	released := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reservations, err := tx.ListActivePlannedByBatch(ctx, tenant, batchID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if err := tx.UpdatePlannedReservationStatus(ctx, tenant, res.ID, ReservationReleased); err != nil {
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
		s.recordAudit(ctx, tenant, actor, "planning:remove_by_batch", "batch", batchID.String(), map[string]any{
			"released": released,
		})
	}
	return released, nil
}

// RunMRP commits a material plan for one batch in a single transaction.
// Every candidate bucket and supply row is pre-locked in fail-fast mode:
// if any lock is not immediately available the whole run aborts with
// ErrLockContention and the caller retries the entire operation. Demand is
// pegged to on-hand stock first (FEFO), then to planned supply (FAFO).
func (s *Service) RunMRP(ctx context.Context, tenant shared.Tenant, in MRPInput) (MRPResult, error) {
	if err := tenant.Validate(); err != nil {
		return MRPResult{}, err
	}
	if in.BatchID == uuid.Nil {
		return MRPResult{}, fmt.Errorf("planning: batch required: %w", shared.ErrValidation)
	}
	if len(in.Requirements) == 0 {
		return MRPResult{}, fmt.Errorf("planning: at least one requirement required: %w", shared.ErrValidation)
	}
	demandType := in.DemandType
	if demandType == "" {
		demandType = "BATCH"
	}

	now := time.Now().UTC()
	result := MRPResult{BatchID: in.BatchID, RanAt: now}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, req := range in.Requirements {
			if !req.Quantity.IsPositive() {
				return fmt.Errorf("planning: requirement for %s must be positive: %w", req.ProductID, shared.ErrValidation)
			}
			line := MRPLine{ProductID: req.ProductID, Required: req.Quantity}
			remaining := req.Quantity

			onHand, err := s.allocateOnHand(ctx, tx, tenant, in, req, demandType, remaining, now, &result)
			if err != nil {
				return err
			}
			line.OnHand = onHand
			remaining = remaining.Sub(onHand)

			if remaining.IsPositive() {
				planned, err := s.allocatePlanned(ctx, tx, tenant, in, req, demandType, remaining, now, &result)
				if err != nil {
					return err
				}
				line.Planned = planned
				remaining = remaining.Sub(planned)
			}

			line.Shortage = remaining
			result.Lines = append(result.Lines, line)
		}
		return nil
	})
	if err != nil {
		if s.metrics != nil && isLockContention(err) {
			s.metrics.LockContention("mrp_run")
		}
		return MRPResult{}, err
	}

	if s.metrics != nil {
		for _, line := range result.Lines {
			s.metrics.AllocationObserved("mrp_run", line.Shortage.InexactFloat64())
		}
	}
	s.recordAudit(ctx, tenant, in.RunBy, "planning:mrp_run", "batch", in.BatchID.String(), map[string]any{
		"requirements": len(in.Requirements),
		"pegs":         len(result.Pegs),
	})
	return result, nil
}

func (s *Service) allocateOnHand(ctx context.Context, tx TxRepository, tenant shared.Tenant, in MRPInput, req Requirement, demandType string, remaining decimal.Decimal, now time.Time, result *MRPResult) (decimal.Decimal, error) {
	candidates, err := tx.OnHandBuckets(ctx, tenant, req.ProductID, req.VendorID)
	if err != nil {
		return decimal.Zero, err
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, b := range candidates {
		ids = append(ids, b.ItemID)
	}
	if err := tx.LockOnHandBuckets(ctx, tenant, ids, false); err != nil {
		return decimal.Zero, err
	}
	buckets, err := tx.OnHandBuckets(ctx, tenant, req.ProductID, req.VendorID)
	if err != nil {
		return decimal.Zero, err
	}

	allocated := decimal.Zero
	for _, b := range buckets {
		if !remaining.IsPositive() {
			break
		}
		available := b.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		if err := tx.InsertFirmReservation(ctx, inventory.Reservation{
			ID:         uuid.New(),
			Tenant:     tenant,
			ItemID:     b.ItemID,
			BatchID:    in.BatchID,
			Quantity:   take,
			Status:     inventory.ReservationReserved,
			ReservedAt: now,
			ReservedBy: in.RunBy,
		}); err != nil {
			return decimal.Zero, err
		}
		peg := Peg{
			ID:         uuid.New(),
			Tenant:     tenant,
			DemandType: demandType,
			DemandID:   in.BatchID,
			SupplyType: PegOnHand,
			SupplyID:   b.ItemID,
			ProductID:  req.ProductID,
			Quantity:   take,
			PeggedAt:   now,
		}
		if err := tx.InsertPeg(ctx, peg); err != nil {
			return decimal.Zero, err
		}
		result.Pegs = append(result.Pegs, peg)
		allocated = allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	return allocated, nil
}

func (s *Service) allocatePlanned(ctx context.Context, tx TxRepository, tenant shared.Tenant, in MRPInput, req Requirement, demandType string, remaining decimal.Decimal, now time.Time, result *MRPResult) (decimal.Decimal, error) {
	candidates, err := tx.OpenSupplies(ctx, tenant, req.ProductID, req.VendorID)
	if err != nil {
		return decimal.Zero, err
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.SupplyID)
	}
	if err := tx.LockSupplies(ctx, tenant, ids, false); err != nil {
		return decimal.Zero, err
	}
	supplies, err := tx.OpenSupplies(ctx, tenant, req.ProductID, req.VendorID)
	if err != nil {
		return decimal.Zero, err
	}

	allocated := decimal.Zero
	for _, supply := range supplies {
		if !remaining.IsPositive() {
			break
		}
		available := supply.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		if err := tx.InsertPlannedReservation(ctx, PlannedReservation{
			ID:              uuid.New(),
			Tenant:          tenant,
			BatchID:         in.BatchID,
			PlannedSupplyID: supply.SupplyID,
			Quantity:        take,
			Status:          ReservationReserved,
			ReservedAt:      now,
			ReservedBy:      in.RunBy,
		}); err != nil {
			return decimal.Zero, err
		}
		peg := Peg{
			ID:         uuid.New(),
			Tenant:     tenant,
			DemandType: demandType,
			DemandID:   in.BatchID,
			SupplyType: PegPlanned,
			SupplyID:   supply.SupplyID,
			ProductID:  req.ProductID,
			Quantity:   take,
			PeggedAt:   now,
		}
		if err := tx.InsertPeg(ctx, peg); err != nil {
			return decimal.Zero, err
		}
		result.Pegs = append(result.Pegs, peg)
		allocated = allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	return allocated, nil
}

// GetSupply loads one planned supply.
func (s *Service) GetSupply(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	if err := tenant.Validate(); err != nil {
		return PlannedSupply{}, err
	}
	return s.repo.GetSupply(ctx, tenant, supplyID)
}

// Pegs returns the pegs recorded for a demand.
func (s *Service) Pegs(ctx context.Context, tenant shared.Tenant, demandID uuid.UUID) ([]Peg, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListPegsByDemand(ctx, tenant, demandID)
}

// allocateFAFO drains open supplies in arrival order.
func allocateFAFO(supplies []SupplyAvailability, required decimal.Decimal) PlannedSelection {
	remaining := required
	var picks []PlannedPick
	for _, supply := range supplies {
		if !remaining.IsPositive() {
			break
		}
		available := supply.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		picks = append(picks, PlannedPick{
			PlannedSupplyID: supply.SupplyID,
			SourceType:      supply.SourceType,
			SourceCode:      supply.SourceCode,
			ExpectedAt:      supply.ExpectedAt,
			Available:       available,
			Quantity:        take,
		})
		remaining = remaining.Sub(take)
	}
	return PlannedSelection{Picks: picks, Shortage: remaining}
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

func isLockContention(err error) bool {
	return errors.Is(err, shared.ErrLockContention)
}
