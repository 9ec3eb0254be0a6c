package planning

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fabrex-mes/fabrex/internal/shared"
	"github.com/google/uuid"
)

// Project builds a time-phased availability picture for a product: current
// on-hand stock rolled forward week by week against planned supply, planned
// and firm reservations, and future batch requirements. The projection is a
// pure read model; nothing is locked or written.
func (s *Service) Project(ctx context.Context, tenant shared.Tenant, in ProjectionInput) (Projection, error) {
	if err := tenant.Validate(); err != nil {
		return Projection{}, err
	}
	if in.ProductID == uuid.Nil {
		return Projection{}, fmt.Errorf("planning: product required: %w", shared.ErrValidation)
	}

	start := in.Start
	if start.IsZero() {
		start = time.Now()
	}
	start = weekStart(start.UTC())
	end := in.End
	if end.IsZero() {
		end = start.AddDate(0, 0, 7*s.horizon)
	}
	end = end.UTC()
	if !end.After(start) {
		return Projection{}, fmt.Errorf("planning: projection end must follow start: %w", shared.ErrValidation)
	}

	var (
		onHand          decimal.Decimal
		supply          []TimedQuantity
		plannedReserved []TimedQuantity
		firmReserved    []TimedQuantity
		requirements    []TimedQuantity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		onHand, err = s.repo.OnHandTotal(gctx, tenant, in.ProductID, in.VendorID)
		return err
	})
	g.Go(func() error {
		var err error
		supply, err = s.repo.SupplyInWindow(gctx, tenant, in.ProductID, in.VendorID, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		plannedReserved, err = s.repo.PlannedReservedInWindow(gctx, tenant, in.ProductID, in.VendorID, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		firmReserved, err = s.repo.FirmReservedInWindow(gctx, tenant, in.ProductID, in.VendorID, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		requirements, err = s.repo.RequirementsInWindow(gctx, tenant, in.ProductID, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return Projection{}, err
	}

	weeks := buildWeeks(start, end, onHand, supply, plannedReserved, firmReserved, requirements)
	return Projection{
		ProductID:   in.ProductID,
		VendorID:    in.VendorID,
		OnHand:      onHand,
		Weeks:       weeks,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// buildWeeks rolls availability forward: each week starts with the previous
// week's closing balance, adds supply expected that week and subtracts the
// demand falling in it.
func buildWeeks(start, end time.Time, onHand decimal.Decimal, supply, plannedReserved, firmReserved, requirements []TimedQuantity) []WeekBucket {
	var weeks []WeekBucket
	running := onHand
	for cursor := start; cursor.Before(end); cursor = cursor.AddDate(0, 0, 7) {
		next := cursor.AddDate(0, 0, 7)
		bucket := WeekBucket{
			WeekStart:          cursor,
			PlannedSupply:      sumWindow(supply, cursor, next),
			PlannedReserved:    sumWindow(plannedReserved, cursor, next),
			InventoryReserved:  sumWindow(firmReserved, cursor, next),
			FutureRequirements: sumWindow(requirements, cursor, next),
			AvailableStart:     running,
		}
		running = running.
			Add(bucket.PlannedSupply).
			Sub(bucket.PlannedReserved).
			Sub(bucket.InventoryReserved).
			Sub(bucket.FutureRequirements)
		bucket.AvailableEnd = running
		weeks = append(weeks, bucket)
	}
	return weeks
}

func sumWindow(points []TimedQuantity, from, to time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, p := range points {
		if !p.At.Before(from) && p.At.Before(to) {
			total = total.Add(p.Quantity)
		}
	}
	return total
}

// weekStart aligns a timestamp to the Monday of its ISO week, midnight UTC.
func weekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
