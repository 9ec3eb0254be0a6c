package inventory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

type memoryRepo struct {
	mu           sync.Mutex
	items        map[uuid.UUID]Item
	lots         map[uuid.UUID]Lot
	reservations map[uuid.UUID]Reservation
	movements    []Movement
	consumptions []Consumption
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:        make(map[uuid.UUID]Item),
		lots:         make(map[uuid.UUID]Lot),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

// WithTx serializes callers on the repo mutex, mirroring row-lock
// serialization on the real database.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getItem(tenant, itemID)
}

func (r *memoryRepo) getItem(tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	item, ok := r.items[itemID]
	if !ok || item.Tenant != tenant {
		return Item{}, shared.ErrNotFound
	}
	return item, nil
}

func (r *memoryRepo) GetLot(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID) (Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lot, ok := r.lots[lotID]
	if !ok || lot.Tenant != tenant {
		return Lot{}, shared.ErrNotFound
	}
	return lot, nil
}

func (r *memoryRepo) GetReservation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || res.Tenant != tenant {
		return Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (r *memoryRepo) ListMovementsByItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, limit int) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// newest first, matching the repository ordering
	var out []Movement
	for i := len(r.movements) - 1; i >= 0; i-- {
		m := r.movements[i]
		if m.Tenant == tenant && m.ItemID == itemID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableBuckets(tenant, productID, vendorID), nil
}

func (r *memoryRepo) availableBuckets(tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) []BucketAvailability {
	var out []BucketAvailability
	for _, item := range r.items {
		if item.Tenant != tenant || item.ProductID != productID {
			continue
		}
		if vendorID != nil && (item.VendorID == nil || *item.VendorID != *vendorID) {
			continue
		}
		b := BucketAvailability{
			ItemID:     item.ID,
			LotID:      item.LotID,
			LocationID: item.LocationID,
			Quantity:   item.Quantity,
			Reserved:   r.reservedQuantity(item.ID),
			CreatedAt:  item.CreatedAt,
		}
		if item.LotID != nil {
			if lot, ok := r.lots[*item.LotID]; ok {
				b.LotCode = lot.Code
				b.ExpirationAt = lot.ExpirationAt
			}
		}
		if !b.Available().IsPositive() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpirationAt == nil && b.ExpirationAt != nil:
			return false
		case a.ExpirationAt != nil && b.ExpirationAt == nil:
			return true
		case a.ExpirationAt != nil && b.ExpirationAt != nil && !a.ExpirationAt.Equal(*b.ExpirationAt):
			return a.ExpirationAt.Before(*b.ExpirationAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ItemID.String() < b.ItemID.String()
	})
	return out
}

func (r *memoryRepo) reservedQuantity(itemID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, res := range r.reservations {
		if res.ItemID == itemID && res.Status == ReservationReserved {
			sum = sum.Add(res.Quantity)
		}
	}
	return sum
}

func (tx *memoryTx) GetItemForUpdate(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	return tx.repo.getItem(tenant, itemID)
}

func (tx *memoryTx) LockItems(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error {
	for _, id := range itemIDs {
		if _, err := tx.repo.getItem(tenant, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) FindMergeTargetForUpdate(ctx context.Context, tenant shared.Tenant, productID, lotID uuid.UUID, vendorID *uuid.UUID, locationID uuid.UUID, itemType ItemType) (Item, error) {
	for _, item := range tx.repo.items {
		if item.Tenant != tenant || item.ProductID != productID || item.LocationID != locationID || item.Type != itemType {
			continue
		}
		itemLot := uuid.Nil
		if item.LotID != nil {
			itemLot = *item.LotID
		}
		if itemLot != lotID {
			continue
		}
		if (item.VendorID == nil) != (vendorID == nil) {
			continue
		}
		if item.VendorID != nil && *item.VendorID != *vendorID {
			continue
		}
		return item, nil
	}
	return Item{}, shared.ErrNotFound
}

func (tx *memoryTx) InsertItem(ctx context.Context, item Item) error {
	tx.repo.items[item.ID] = item
	return nil
}

func (tx *memoryTx) UpdateItemQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, quantity decimal.Decimal, price *decimal.Decimal, currency string) error {
	item, err := tx.repo.getItem(tenant, itemID)
	if err != nil {
		return err
	}
	item.Quantity = quantity
	if price != nil {
		item.Price = price
	}
	if currency != "" {
		item.Currency = currency
	}
	item.UpdatedAt = time.Now().UTC()
	tx.repo.items[itemID] = item
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) error {
	tx.repo.movements = append(tx.repo.movements, m)
	return nil
}

func (tx *memoryTx) FindLotByCode(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, code string) (Lot, error) {
	for _, lot := range tx.repo.lots {
		if lot.Tenant == tenant && lot.ProductID == productID && lot.Code == code {
			return lot, nil
		}
	}
	return Lot{}, shared.ErrNotFound
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) error {
	tx.repo.lots[lot.ID] = lot
	return nil
}

func (tx *memoryTx) AddLotQuantity(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID, delta decimal.Decimal) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok || lot.Tenant != tenant {
		return shared.ErrNotFound
	}
	lot.Quantity = lot.Quantity.Add(delta)
	tx.repo.lots[lotID] = lot
	return nil
}

func (tx *memoryTx) ActiveReservedQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (decimal.Decimal, error) {
	return tx.repo.reservedQuantity(itemID), nil
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r Reservation) error {
	tx.repo.reservations[r.ID] = r
	return nil
}

func (tx *memoryTx) GetReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error) {
	res, ok := tx.repo.reservations[id]
	if !ok || res.Tenant != tenant {
		return Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

func (tx *memoryTx) UpdateReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus, actor string, at time.Time) error {
	res, ok := tx.repo.reservations[id]
	if !ok || res.Tenant != tenant {
		return shared.ErrNotFound
	}
	res.Status = status
	if status != ReservationReserved {
		res.ReleasedAt = &at
		res.ReleasedBy = &actor
	}
	tx.repo.reservations[id] = res
	return nil
}

func (tx *memoryTx) ListActiveReservationsByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]Reservation, error) {
	var out []Reservation
	for _, res := range tx.repo.reservations {
		if res.Tenant == tenant && res.BatchID == batchID && res.Status == ReservationReserved {
			out = append(out, res)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertConsumption(ctx context.Context, c Consumption) error {
	tx.repo.consumptions = append(tx.repo.consumptions, c)
	return nil
}

func (tx *memoryTx) AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	return tx.repo.availableBuckets(tenant, productID, vendorID), nil
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

func TestReceiveMergesMatchingBuckets(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	productID := uuid.New()
	locationID := uuid.New()

	first, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  productID,
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: locationID,
		Type:       ItemTypeRawMaterial,
		ReceivedBy: "operator",
	})
	require.NoError(t, err)
	require.True(t, first.Quantity.Equal(qty("10")))

	second, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  productID,
		LotCode:    "LOT-001",
		Quantity:   qty("5"),
		LocationID: locationID,
		Type:       ItemTypeRawMaterial,
		ReceivedBy: "operator",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Quantity.Equal(qty("15")))

	require.Len(t, repo.items, 1)
	require.Len(t, repo.movements, 2)
	require.Len(t, repo.lots, 1)
	for _, lot := range repo.lots {
		require.True(t, lot.Quantity.Equal(qty("15")))
		require.True(t, lot.IsOwnProduct)
	}
}

func TestReceiveRequiresLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)

	_, err := svc.Receive(context.Background(), testTenant(), ReceiveInput{
		ProductID:  uuid.New(),
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReceiveRejectsIssueMovement(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)

	_, err := svc.Receive(context.Background(), testTenant(), ReceiveInput{
		ProductID:    uuid.New(),
		LotCode:      "LOT-X",
		Quantity:     qty("1"),
		LocationID:   uuid.New(),
		Type:         ItemTypeRawMaterial,
		MovementType: MovementIssue,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAdjustNegativeGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("3"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, tenant, AdjustInput{ItemID: item.ID, Delta: qty("-5"), Reason: "cycle count"})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	got, err := svc.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(qty("3")))

	newQty, err := svc.Adjust(ctx, tenant, AdjustInput{ItemID: item.ID, Delta: qty("-2"), Reason: "cycle count"})
	require.NoError(t, err)
	require.True(t, newQty.Equal(qty("1")))
}

func TestTransferRespectsReservations(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("6")})
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, tenant, TransferInput{
		ItemID:                item.ID,
		Quantity:              qty("5"),
		DestinationLocationID: uuid.New(),
	})
	require.ErrorIs(t, err, shared.ErrInsufficientAvailability)

	destination, err := svc.Transfer(ctx, tenant, TransferInput{
		ItemID:                item.ID,
		Quantity:              qty("4"),
		DestinationLocationID: uuid.New(),
	})
	require.NoError(t, err)
	require.True(t, destination.Quantity.Equal(qty("4")))

	source, err := svc.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.True(t, source.Quantity.Equal(qty("6")))
}

func TestReserveInsufficientAvailability(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("7")})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("4")})
	require.ErrorIs(t, err, shared.ErrInsufficientAvailability)

	got, err := svc.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(qty("10")), "reserving must not change bucket quantity")
}

func TestConsumeFlow(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()
	batchID := uuid.New()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	reservation, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: batchID, Quantity: qty("4")})
	require.NoError(t, err)

	trace, err := svc.Consume(ctx, tenant, reservation.ID, "operator")
	require.NoError(t, err)
	require.True(t, trace.Quantity.Equal(qty("4")))
	require.Equal(t, batchID, trace.BatchID)

	got, err := svc.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(qty("6")))

	res, err := svc.GetReservation(ctx, tenant, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, ReservationConsumed, res.Status)

	var issues int
	for _, m := range repo.movements {
		if m.Type == MovementIssue {
			issues++
		}
	}
	require.Equal(t, 1, issues)
	require.Len(t, repo.consumptions, 1)

	// terminal reservation cannot be consumed again
	_, err = svc.Consume(ctx, tenant, reservation.ID, "operator")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReleaseTerminalReservation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("5"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	reservation, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("2")})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, tenant, reservation.ID, "planner"))
	require.ErrorIs(t, svc.Release(ctx, tenant, reservation.ID, "planner"), shared.ErrInvalidState)
	require.ErrorIs(t, svc.Cancel(ctx, tenant, reservation.ID, "planner"), shared.ErrInvalidState)

	got, err := svc.GetItem(ctx, tenant, item.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(qty("5")), "release must leave stock in place")
}

func TestRemoveByBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()
	batchID := uuid.New()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: batchID, Quantity: qty("3")})
		require.NoError(t, err)
	}
	_, err = svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("2")})
	require.NoError(t, err)

	released, err := svc.RemoveByBatch(ctx, tenant, batchID, "planner")
	require.NoError(t, err)
	require.Equal(t, 2, released)

	for _, res := range repo.reservations {
		if res.BatchID == batchID {
			require.Equal(t, ReservationReleased, res.Status)
		} else {
			require.Equal(t, ReservationReserved, res.Status)
		}
	}
}

func TestListMovementsNewestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	productID := uuid.New()
	locationID := uuid.New()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  productID,
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: locationID,
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  productID,
		LotCode:    "LOT-001",
		Quantity:   qty("5"),
		LocationID: locationID,
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	movements, err := svc.ListMovements(ctx, tenant, item.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.True(t, movements[0].Quantity.Equal(qty("5")), "latest movement must come first")
	require.True(t, movements[1].Quantity.Equal(qty("10")))
}

func TestConcurrentReserversCannotOversell(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item, err := svc.Receive(ctx, tenant, ReceiveInput{
		ProductID:  uuid.New(),
		LotCode:    "LOT-001",
		Quantity:   qty("10"),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
	})
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("6")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, shared.ErrInsufficientAvailability)
			failures++
		}
	}
	require.Equal(t, 1, failures, "exactly one reserver must lose the race")
}
