package planning

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrex-mes/fabrex/internal/inventory"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

type onHandBucket struct {
	ItemID    uuid.UUID
	ProductID uuid.UUID
	VendorID  *uuid.UUID
	Quantity  decimal.Decimal
	CreatedAt time.Time
}

type memoryRepo struct {
	mu       sync.Mutex
	supplies map[uuid.UUID]PlannedSupply
	planned  map[uuid.UUID]PlannedReservation
	pegs     []Peg
	onHand   map[uuid.UUID]onHandBucket
	firm     []inventory.Reservation

	// projector window fixtures set directly by tests
	firmWindow []TimedQuantity
	reqWindow  []TimedQuantity
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		supplies: make(map[uuid.UUID]PlannedSupply),
		planned:  make(map[uuid.UUID]PlannedReservation),
		onHand:   make(map[uuid.UUID]onHandBucket),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetSupply(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getSupply(tenant, supplyID)
}

func (r *memoryRepo) getSupply(tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	supply, ok := r.supplies[supplyID]
	if !ok || supply.Tenant != tenant {
		return PlannedSupply{}, shared.ErrNotFound
	}
	return supply, nil
}

func (r *memoryRepo) OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openSupplies(tenant, productID, vendorID), nil
}

func (r *memoryRepo) openSupplies(tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) []SupplyAvailability {
	var out []SupplyAvailability
	for _, supply := range r.supplies {
		if supply.Tenant != tenant || supply.ProductID != productID || supply.Status != SupplyOpen {
			continue
		}
		if vendorID != nil && (supply.VendorID == nil || *supply.VendorID != *vendorID) {
			continue
		}
		out = append(out, SupplyAvailability{
			SupplyID:   supply.ID,
			VendorID:   supply.VendorID,
			SourceType: supply.SourceType,
			SourceCode: supply.SourceCode,
			ExpectedAt: supply.ExpectedAt,
			Quantity:   supply.Quantity,
			Reserved:   r.activePlannedReserved(supply.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpectedAt.Equal(out[j].ExpectedAt) {
			return out[i].ExpectedAt.Before(out[j].ExpectedAt)
		}
		return out[i].SupplyID.String() < out[j].SupplyID.String()
	})
	return out
}

func (r *memoryRepo) activePlannedReserved(supplyID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, res := range r.planned {
		if res.PlannedSupplyID == supplyID && res.Status == ReservationReserved {
			sum = sum.Add(res.Quantity)
		}
	}
	return sum
}

func (r *memoryRepo) OnHandTotal(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, b := range r.onHand {
		if b.ProductID == productID {
			total = total.Add(b.Quantity)
		}
	}
	return total, nil
}

func (r *memoryRepo) SupplyInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TimedQuantity
	for _, supply := range r.supplies {
		if supply.Tenant != tenant || supply.ProductID != productID || supply.Status != SupplyOpen {
			continue
		}
		if supply.ExpectedAt.Before(from) || !supply.ExpectedAt.Before(to) {
			continue
		}
		out = append(out, TimedQuantity{At: supply.ExpectedAt, Quantity: supply.Quantity})
	}
	return out, nil
}

func (r *memoryRepo) PlannedReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TimedQuantity
	for _, res := range r.planned {
		if res.Tenant != tenant || res.Status != ReservationReserved {
			continue
		}
		supply, ok := r.supplies[res.PlannedSupplyID]
		if !ok || supply.ProductID != productID {
			continue
		}
		if supply.ExpectedAt.Before(from) || !supply.ExpectedAt.Before(to) {
			continue
		}
		out = append(out, TimedQuantity{At: supply.ExpectedAt, Quantity: res.Quantity})
	}
	return out, nil
}

func (r *memoryRepo) FirmReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.firmWindow, nil
}

func (r *memoryRepo) RequirementsInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.reqWindow, nil
}

func (r *memoryRepo) ListPegsByDemand(ctx context.Context, tenant shared.Tenant, demandID uuid.UUID) ([]Peg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Peg
	for _, peg := range r.pegs {
		if peg.Tenant == tenant && peg.DemandID == demandID {
			out = append(out, peg)
		}
	}
	return out, nil
}

func (tx *memoryTx) GetSupplyForUpdate(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	return tx.repo.getSupply(tenant, supplyID)
}

func (tx *memoryTx) LockSupplies(ctx context.Context, tenant shared.Tenant, supplyIDs []uuid.UUID, wait bool) error {
	for _, id := range supplyIDs {
		if _, err := tx.repo.getSupply(tenant, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error) {
	return tx.repo.openSupplies(tenant, productID, vendorID), nil
}

func (tx *memoryTx) ActivePlannedReservedQuantity(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (decimal.Decimal, error) {
	return tx.repo.activePlannedReserved(supplyID), nil
}

func (tx *memoryTx) InsertPlannedReservation(ctx context.Context, r PlannedReservation) error {
	tx.repo.planned[r.ID] = r
	return nil
}

func (tx *memoryTx) GetPlannedReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (PlannedReservation, error) {
	res, ok := tx.repo.planned[id]
	if !ok || res.Tenant != tenant {
		return PlannedReservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (tx *memoryTx) UpdatePlannedReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus) error {
	res, ok := tx.repo.planned[id]
	if !ok || res.Tenant != tenant {
		return shared.ErrNotFound
	}
	res.Status = status
	tx.repo.planned[id] = res
	return nil
}

func (tx *memoryTx) ListActivePlannedByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]PlannedReservation, error) {
	var out []PlannedReservation
	for _, res := range tx.repo.planned {
		if res.Tenant == tenant && res.BatchID == batchID && res.Status == ReservationReserved {
			out = append(out, res)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertSupply(ctx context.Context, s PlannedSupply) error {
	tx.repo.supplies[s.ID] = s
	return nil
}

func (tx *memoryTx) InsertPeg(ctx context.Context, p Peg) error {
	tx.repo.pegs = append(tx.repo.pegs, p)
	return nil
}

func (tx *memoryTx) OnHandBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]inventory.BucketAvailability, error) {
	var out []inventory.BucketAvailability
	for _, b := range tx.repo.onHand {
		if b.ProductID != productID {
			continue
		}
		if vendorID != nil && (b.VendorID == nil || *b.VendorID != *vendorID) {
			continue
		}
		reserved := decimal.Zero
		for _, res := range tx.repo.firm {
			if res.ItemID == b.ItemID && res.Status == inventory.ReservationReserved {
				reserved = reserved.Add(res.Quantity)
			}
		}
		out = append(out, inventory.BucketAvailability{
			ItemID:    b.ItemID,
			Quantity:  b.Quantity,
			Reserved:  reserved,
			CreatedAt: b.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ItemID.String() < out[j].ItemID.String()
	})
	return out, nil
}

func (tx *memoryTx) LockOnHandBuckets(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error {
	return nil
}

func (tx *memoryTx) InsertFirmReservation(ctx context.Context, r inventory.Reservation) error {
	tx.repo.firm = append(tx.repo.firm, r)
	return nil
}

func testTenant() shared.Tenant {
	return shared.Tenant{EntityID: uuid.New(), PlantID: uuid.New()}
}

func qty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func arrives(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, days)
}

func createSupply(t *testing.T, svc *Service, tenant shared.Tenant, productID uuid.UUID, quantity string, expected time.Time) PlannedSupply {
	t.Helper()
	supply, err := svc.CreateSupply(context.Background(), tenant, CreateSupplyInput{
		ProductID:  productID,
		Quantity:   qty(quantity),
		SourceType: SourcePurchase,
		SourceCode: "PO-1",
		ExpectedAt: expected,
		CreatedBy:  "planner",
	})
	require.NoError(t, err)
	return supply
}

func TestCreateSupplyValidatesSource(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{})

	_, err := svc.CreateSupply(context.Background(), testTenant(), CreateSupplyInput{
		ProductID:  uuid.New(),
		Quantity:   qty("10"),
		SourceType: "FORECAST",
		ExpectedAt: arrives(7),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSelectFAFOOrdersByArrival(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	productID := uuid.New()

	late := createSupply(t, svc, tenant, productID, "50", arrives(30))
	early := createSupply(t, svc, tenant, productID, "20", arrives(7))

	selection, err := svc.SelectFAFO(context.Background(), tenant, productID, nil, qty("60"))
	require.NoError(t, err)
	require.True(t, selection.Shortage.IsZero())
	require.Len(t, selection.Picks, 2)
	require.Equal(t, early.ID, selection.Picks[0].PlannedSupplyID)
	require.True(t, selection.Picks[0].Quantity.Equal(qty("20")))
	require.Equal(t, late.ID, selection.Picks[1].PlannedSupplyID)
	require.True(t, selection.Picks[1].Quantity.Equal(qty("40")))
}

func TestReservePlannedDerivesAvailability(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	ctx := context.Background()

	supply := createSupply(t, svc, tenant, uuid.New(), "100", arrives(14))

	_, err := svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
		BatchID:         uuid.New(),
		PlannedSupplyID: supply.ID,
		Quantity:        qty("70"),
	})
	require.NoError(t, err)

	_, err = svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
		BatchID:         uuid.New(),
		PlannedSupplyID: supply.ID,
		Quantity:        qty("40"),
	})
	require.ErrorIs(t, err, shared.ErrInsufficientAvailability)

	// the supply row itself is never mutated by allocation
	got, err := svc.GetSupply(ctx, tenant, supply.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(qty("100")))
}

func TestPlannedReservationTransitions(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	ctx := context.Background()

	supply := createSupply(t, svc, tenant, uuid.New(), "10", arrives(7))
	res, err := svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
		BatchID:         uuid.New(),
		PlannedSupplyID: supply.ID,
		Quantity:        qty("10"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.ReleasePlanned(ctx, tenant, res.ID, "planner"))
	require.ErrorIs(t, svc.ReleasePlanned(ctx, tenant, res.ID, "planner"), shared.ErrInvalidState)
	require.ErrorIs(t, svc.CancelPlanned(ctx, tenant, res.ID, "planner"), shared.ErrInvalidState)

	// released holds return to the pool
	_, err = svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
		BatchID:         uuid.New(),
		PlannedSupplyID: supply.ID,
		Quantity:        qty("10"),
	})
	require.NoError(t, err)
}

func TestRemovePlannedByBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	ctx := context.Background()
	batchID := uuid.New()

	supply := createSupply(t, svc, tenant, uuid.New(), "30", arrives(7))
	for i := 0; i < 2; i++ {
		_, err := svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
			BatchID:         batchID,
			PlannedSupplyID: supply.ID,
			Quantity:        qty("5"),
		})
		require.NoError(t, err)
	}

	released, err := svc.RemovePlannedByBatch(ctx, tenant, batchID, "planner")
	require.NoError(t, err)
	require.Equal(t, 2, released)

	released, err = svc.RemovePlannedByBatch(ctx, tenant, batchID, "planner")
	require.NoError(t, err)
	require.Equal(t, 0, released)
}

func TestRunMRPPegsOnHandThenPlanned(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	ctx := context.Background()
	productID := uuid.New()
	batchID := uuid.New()

	itemID := uuid.New()
	repo.onHand[itemID] = onHandBucket{
		ItemID:    itemID,
		ProductID: productID,
		Quantity:  qty("40"),
		CreatedAt: time.Now().UTC(),
	}
	supply := createSupply(t, svc, tenant, productID, "50", arrives(14))

	result, err := svc.RunMRP(ctx, tenant, MRPInput{
		BatchID: batchID,
		Requirements: []Requirement{
			{ProductID: productID, Quantity: qty("100")},
		},
		RunBy: "planner",
	})
	require.NoError(t, err)
	require.Len(t, result.Lines, 1)

	line := result.Lines[0]
	require.True(t, line.OnHand.Equal(qty("40")), "on-hand stock is consumed first")
	require.True(t, line.Planned.Equal(qty("50")))
	require.True(t, line.Shortage.Equal(qty("10")))

	require.Len(t, result.Pegs, 2)
	require.Equal(t, PegOnHand, result.Pegs[0].SupplyType)
	require.Equal(t, itemID, result.Pegs[0].SupplyID)
	require.Equal(t, PegPlanned, result.Pegs[1].SupplyType)
	require.Equal(t, supply.ID, result.Pegs[1].SupplyID)

	// allocation left a firm hold and a planned hold behind
	require.Len(t, repo.firm, 1)
	require.True(t, repo.firm[0].Quantity.Equal(qty("40")))
	reserved := repo.activePlannedReserved(supply.ID)
	require.True(t, reserved.Equal(qty("50")))

	pegs, err := svc.Pegs(ctx, tenant, batchID)
	require.NoError(t, err)
	require.Len(t, pegs, 2)
}

func TestRunMRPSkipsPlannedWhenOnHandCovers(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	productID := uuid.New()

	itemID := uuid.New()
	repo.onHand[itemID] = onHandBucket{
		ItemID:    itemID,
		ProductID: productID,
		Quantity:  qty("100"),
		CreatedAt: time.Now().UTC(),
	}
	createSupply(t, svc, tenant, productID, "50", arrives(14))

	result, err := svc.RunMRP(context.Background(), tenant, MRPInput{
		BatchID: uuid.New(),
		Requirements: []Requirement{
			{ProductID: productID, Quantity: qty("60")},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Pegs, 1)
	require.Equal(t, PegOnHand, result.Pegs[0].SupplyType)
	require.True(t, result.Lines[0].Planned.IsZero())
	require.True(t, result.Lines[0].Shortage.IsZero())
}

func TestRunMRPRejectsEmptyRequirements(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{})

	_, err := svc.RunMRP(context.Background(), testTenant(), MRPInput{BatchID: uuid.New()})
	require.ErrorIs(t, err, shared.ErrValidation)
}
