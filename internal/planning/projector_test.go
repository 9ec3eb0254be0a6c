package planning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

func TestProjectRollsAvailabilityForward(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	tenant := testTenant()
	ctx := context.Background()
	productID := uuid.New()

	start := weekStart(time.Now().UTC())
	end := start.AddDate(0, 0, 21)

	itemID := uuid.New()
	repo.onHand[itemID] = onHandBucket{
		ItemID:    itemID,
		ProductID: productID,
		Quantity:  qty("100"),
		CreatedAt: start,
	}

	// 50 arriving in week two, 20 of it already promised to a batch
	supply := createSupply(t, svc, tenant, productID, "50", start.AddDate(0, 0, 8))
	_, err := svc.ReservePlanned(ctx, tenant, ReservePlannedInput{
		BatchID:         uuid.New(),
		PlannedSupplyID: supply.ID,
		Quantity:        qty("20"),
	})
	require.NoError(t, err)

	repo.firmWindow = []TimedQuantity{{At: start.AddDate(0, 0, 1), Quantity: qty("30")}}
	repo.reqWindow = []TimedQuantity{{At: start.AddDate(0, 0, 15), Quantity: qty("25")}}

	projection, err := svc.Project(ctx, tenant, ProjectionInput{
		ProductID: productID,
		Start:     start,
		End:       end,
	})
	require.NoError(t, err)
	require.True(t, projection.OnHand.Equal(qty("100")))
	require.Len(t, projection.Weeks, 3)

	week1 := projection.Weeks[0]
	require.True(t, week1.WeekStart.Equal(start))
	require.True(t, week1.AvailableStart.Equal(qty("100")))
	require.True(t, week1.InventoryReserved.Equal(qty("30")))
	require.True(t, week1.AvailableEnd.Equal(qty("70")))

	week2 := projection.Weeks[1]
	require.True(t, week2.AvailableStart.Equal(qty("70")), "weeks roll cumulatively")
	require.True(t, week2.PlannedSupply.Equal(qty("50")))
	require.True(t, week2.PlannedReserved.Equal(qty("20")))
	require.True(t, week2.AvailableEnd.Equal(qty("100")))

	week3 := projection.Weeks[2]
	require.True(t, week3.AvailableStart.Equal(qty("100")))
	require.True(t, week3.FutureRequirements.Equal(qty("25")))
	require.True(t, week3.AvailableEnd.Equal(qty("75")))
}

func TestProjectDefaultsToConfiguredHorizon(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{HorizonWeeks: 4})

	projection, err := svc.Project(context.Background(), testTenant(), ProjectionInput{
		ProductID: uuid.New(),
	})
	require.NoError(t, err)
	require.Len(t, projection.Weeks, 4)
}

func TestProjectAlignsStartToMonday(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})

	// a mid-week start snaps back to the Monday of that week
	wednesday := weekStart(time.Now().UTC()).AddDate(0, 0, 2)
	projection, err := svc.Project(context.Background(), testTenant(), ProjectionInput{
		ProductID: uuid.New(),
		Start:     wednesday,
		End:       wednesday.AddDate(0, 0, 12),
	})
	require.NoError(t, err)
	require.NotEmpty(t, projection.Weeks)
	require.Equal(t, time.Monday, projection.Weeks[0].WeekStart.Weekday())
}

func TestProjectRejectsInvertedWindow(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, ServiceConfig{})
	start := weekStart(time.Now().UTC())

	_, err := svc.Project(context.Background(), testTenant(), ProjectionInput{
		ProductID: uuid.New(),
		Start:     start,
		End:       start.AddDate(0, 0, -7),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}
