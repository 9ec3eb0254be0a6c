package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// committedRepo refines memoryRepo with read-committed visibility rules:
// a transaction's writes stay private until commit, every statement reads
// the latest committed state, and a bucket's row lock is held until the
// transaction ends. memoryRepo cannot express the case where a reserver
// blocks on the row lock and must then observe holds committed while it was
// waiting, because it serializes whole callbacks on one mutex.
type committedRepo struct {
	*memoryRepo

	lockMu   sync.Mutex
	rowLocks map[uuid.UUID]chan struct{}

	// firstLockGate, when set, runs after a row lock is acquired. Tests use
	// it to keep the first lock holder parked while a rival queues up.
	firstLockGate func()
}

func newCommittedRepo() *committedRepo {
	return &committedRepo{
		memoryRepo: newMemoryRepo(),
		rowLocks:   make(map[uuid.UUID]chan struct{}),
	}
}

func (r *committedRepo) rowLock(itemID uuid.UUID) chan struct{} {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	ch, ok := r.rowLocks[itemID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.rowLocks[itemID] = ch
	}
	return ch
}

func (r *committedRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &committedTx{memoryTx: &memoryTx{repo: r.memoryRepo}, outer: r}
	err := fn(ctx, tx)
	if err == nil {
		r.mu.Lock()
		for _, res := range tx.pending {
			r.reservations[res.ID] = res
		}
		r.mu.Unlock()
	}
	for _, itemID := range tx.locked {
		<-r.rowLock(itemID)
	}
	return err
}

type committedTx struct {
	*memoryTx
	outer   *committedRepo
	pending []Reservation
	locked  []uuid.UUID
}

func (tx *committedTx) GetItemForUpdate(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	tx.outer.rowLock(itemID) <- struct{}{}
	tx.locked = append(tx.locked, itemID)
	if tx.outer.firstLockGate != nil {
		tx.outer.firstLockGate()
	}
	tx.outer.mu.Lock()
	defer tx.outer.mu.Unlock()
	return tx.outer.getItem(tenant, itemID)
}

func (tx *committedTx) ActiveReservedQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (decimal.Decimal, error) {
	tx.outer.mu.Lock()
	sum := tx.outer.reservedQuantity(itemID)
	tx.outer.mu.Unlock()
	for _, res := range tx.pending {
		if res.ItemID == itemID && res.Status == ReservationReserved {
			sum = sum.Add(res.Quantity)
		}
	}
	return sum, nil
}

func (tx *committedTx) InsertReservation(ctx context.Context, r Reservation) error {
	tx.pending = append(tx.pending, r)
	return nil
}

// Two reservers race for 6 units of a 10-unit bucket. The first one acquires
// the row lock and is held there until the second is queued behind it; after
// the first commits, the second's availability read must include the
// freshly committed hold and fail. A transaction-wide snapshot taken before
// the first commit would miss the insert-only reservation and let both
// succeed.
func TestReserverWaitingOnLockSeesCommittedHold(t *testing.T) {
	repo := newCommittedRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	item := Item{
		ID:         uuid.New(),
		Tenant:     tenant,
		ProductID:  uuid.New(),
		LocationID: uuid.New(),
		Type:       ItemTypeRawMaterial,
		Quantity:   qty("10"),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	repo.items[item.ID] = item

	lockHeld := make(chan struct{})
	release := make(chan struct{})
	var gateOnce sync.Once
	repo.firstLockGate = func() {
		gateOnce.Do(func() {
			close(lockHeld)
			<-release
		})
	}

	errFirst := make(chan error, 1)
	go func() {
		_, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("6")})
		errFirst <- err
	}()

	<-lockHeld
	errSecond := make(chan error, 1)
	go func() {
		_, err := svc.Reserve(ctx, tenant, ReserveInput{ItemID: item.ID, BatchID: uuid.New(), Quantity: qty("6")})
		errSecond <- err
	}()

	// give the second reserver time to park on the row lock
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-errFirst)
	require.ErrorIs(t, <-errSecond, shared.ErrInsufficientAvailability)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.reservations, 1)
	require.True(t, repo.reservedQuantity(item.ID).Equal(qty("6")), "only the first hold may stand")
}
