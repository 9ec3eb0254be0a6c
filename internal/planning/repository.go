package planning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/inventory"
	"github.com/fabrex-mes/fabrex/internal/platform/db"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Repository persists planned supply, planned reservations and pegs in
// PostgreSQL. The MRP bulk path also touches the on-hand tables so that a
// full material plan commits or aborts as one transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	GetSupplyForUpdate(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error)
	LockSupplies(ctx context.Context, tenant shared.Tenant, supplyIDs []uuid.UUID, wait bool) error
	OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error)
	ActivePlannedReservedQuantity(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (decimal.Decimal, error)
	InsertPlannedReservation(ctx context.Context, r PlannedReservation) error
	GetPlannedReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (PlannedReservation, error)
	UpdatePlannedReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus) error
	ListActivePlannedByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]PlannedReservation, error)
	InsertSupply(ctx context.Context, s PlannedSupply) error
	InsertPeg(ctx context.Context, p Peg) error

	// On-hand mirror used by the MRP bulk path.
	OnHandBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]inventory.BucketAvailability, error)
	LockOnHandBuckets(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error
	InsertFirmReservation(ctx context.Context, r inventory.Reservation) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("planning repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const supplySelect = `SELECT id, entity_id, plant_id, product_id, vendor_id, quantity, source_type, source_code, expected_at, status, created_at, created_by
FROM planned_supply`

// GetSupply loads a planned supply outside a transaction.
func (r *Repository) GetSupply(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	return scanSupply(r.pool.QueryRow(ctx, supplySelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, supplyID))
}

// OpenSupplies lists open planned supply for a product in FAFO order with
// derived availability. Advisory outside a transaction.
func (r *Repository) OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error) {
	return queryOpenSupplies(ctx, r.pool, tenant, productID, vendorID)
}

// OnHandTotal sums all bucket quantities for a product.
func (r *Repository) OnHandTotal(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) (decimal.Decimal, error) {
	var total pgtype.Numeric
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM inventory_item
WHERE entity_id=$1 AND plant_id=$2 AND product_id=$3 AND ($4::uuid IS NULL OR vendor_id=$4)`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID)).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return db.NumericToDecimal(total), nil
}

// SupplyInWindow returns open planned supply rows expected inside the window.
func (r *Repository) SupplyInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.queryTimed(ctx, `SELECT expected_at, quantity FROM planned_supply
WHERE entity_id=$1 AND plant_id=$2 AND product_id=$3 AND ($4::uuid IS NULL OR vendor_id=$4)
AND status=$5 AND expected_at >= $6 AND expected_at < $7
ORDER BY expected_at ASC`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(SupplyOpen), from.UnixMilli(), to.UnixMilli())
}

// PlannedReservedInWindow returns active planned reservations made inside the window.
func (r *Repository) PlannedReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.queryTimed(ctx, `SELECT pr.reserved_at, pr.quantity
FROM planned_reservation pr
JOIN planned_supply ps ON ps.id = pr.planned_supply_id AND ps.entity_id = pr.entity_id AND ps.plant_id = pr.plant_id
WHERE pr.entity_id=$1 AND pr.plant_id=$2 AND ps.product_id=$3 AND ($4::uuid IS NULL OR ps.vendor_id=$4)
AND pr.status=$5 AND pr.reserved_at >= $6 AND pr.reserved_at < $7
ORDER BY pr.reserved_at ASC`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(ReservationReserved), from.UnixMilli(), to.UnixMilli())
}

// FirmReservedInWindow returns active firm reservations made inside the window.
func (r *Repository) FirmReservedInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.queryTimed(ctx, `SELECT res.reserved_at, res.quantity
FROM inventory_reservation res
JOIN inventory_item i ON i.id = res.inventory_item_id AND i.entity_id = res.entity_id AND i.plant_id = res.plant_id
WHERE res.entity_id=$1 AND res.plant_id=$2 AND i.product_id=$3 AND ($4::uuid IS NULL OR i.vendor_id=$4)
AND res.status=$5 AND res.reserved_at >= $6 AND res.reserved_at < $7
ORDER BY res.reserved_at ASC`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(ReservationReserved), from.UnixMilli(), to.UnixMilli())
}

// RequirementsInWindow returns batch-material demand of work orders whose
// planned start falls inside the window. Informational only.
func (r *Repository) RequirementsInWindow(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, from, to time.Time) ([]TimedQuantity, error) {
	return r.queryTimed(ctx, `SELECT wo.planned_start_at, bm.quantity
FROM batch_material bm
JOIN work_order wo ON wo.id = bm.work_order_id AND wo.entity_id = bm.entity_id AND wo.plant_id = bm.plant_id
WHERE bm.entity_id=$1 AND bm.plant_id=$2 AND bm.product_id=$3
AND wo.planned_start_at >= $4 AND wo.planned_start_at < $5
ORDER BY wo.planned_start_at ASC`,
		tenant.EntityID, tenant.PlantID, productID, from.UnixMilli(), to.UnixMilli())
}

// ListPegsByDemand returns the pegs recorded for a demand, oldest first.
func (r *Repository) ListPegsByDemand(ctx context.Context, tenant shared.Tenant, demandID uuid.UUID) ([]Peg, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, demand_type, demand_id, supply_type, supply_id, product_id, quantity, pegged_at
FROM pegging
WHERE entity_id=$1 AND plant_id=$2 AND demand_id=$3
ORDER BY pegged_at ASC, id ASC`, tenant.EntityID, tenant.PlantID, demandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pegs []Peg
	for rows.Next() {
		var p Peg
		var qty pgtype.Numeric
		var supplyType string
		var peggedAt int64
		if err := rows.Scan(&p.ID, &p.DemandType, &p.DemandID, &supplyType, &p.SupplyID, &p.ProductID, &qty, &peggedAt); err != nil {
			return nil, err
		}
		p.Tenant = tenant
		p.SupplyType = PegSupplyType(supplyType)
		p.Quantity = db.NumericToDecimal(qty)
		p.PeggedAt = time.UnixMilli(peggedAt).UTC()
		pegs = append(pegs, p)
	}
	return pegs, rows.Err()
}

func (r *Repository) queryTimed(ctx context.Context, sql string, args ...any) ([]TimedQuantity, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimedQuantity
	for rows.Next() {
		var at int64
		var qty pgtype.Numeric
		if err := rows.Scan(&at, &qty); err != nil {
			return nil, err
		}
		out = append(out, TimedQuantity{At: time.UnixMilli(at).UTC(), Quantity: db.NumericToDecimal(qty)})
	}
	return out, rows.Err()
}

func (r *txRepository) GetSupplyForUpdate(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (PlannedSupply, error) {
	return scanSupply(r.tx.QueryRow(ctx, supplySelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3 FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, supplyID))
}

func (r *txRepository) LockSupplies(ctx context.Context, tenant shared.Tenant, supplyIDs []uuid.UUID, wait bool) error {
	return lockRows(ctx, r.tx, `SELECT id FROM planned_supply WHERE entity_id=$1 AND plant_id=$2 AND id = ANY($3) ORDER BY id FOR UPDATE`,
		tenant, supplyIDs, wait, "planning: planned supply")
}

func (r *txRepository) OpenSupplies(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error) {
	return queryOpenSupplies(ctx, r.tx, tenant, productID, vendorID)
}

func (r *txRepository) ActivePlannedReservedQuantity(ctx context.Context, tenant shared.Tenant, supplyID uuid.UUID) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM planned_reservation
WHERE entity_id=$1 AND plant_id=$2 AND planned_supply_id=$3 AND status=$4`,
		tenant.EntityID, tenant.PlantID, supplyID, string(ReservationReserved)).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return db.NumericToDecimal(sum), nil
}

func (r *txRepository) InsertPlannedReservation(ctx context.Context, res PlannedReservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO planned_reservation (id, entity_id, plant_id, batch_id, planned_supply_id, quantity, status, reserved_at, reserved_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		res.ID, res.Tenant.EntityID, res.Tenant.PlantID, res.BatchID, res.PlannedSupplyID,
		db.DecimalToNumeric(res.Quantity), string(res.Status), res.ReservedAt.UnixMilli(), res.ReservedBy)
	return err
}

const plannedReservationSelect = `SELECT id, entity_id, plant_id, batch_id, planned_supply_id, quantity, status, reserved_at, reserved_by
FROM planned_reservation`

func (r *txRepository) GetPlannedReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (PlannedReservation, error) {
	res, err := scanPlannedReservation(r.tx.QueryRow(ctx, plannedReservationSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3 FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlannedReservation{}, fmt.Errorf("planning: planned reservation: %w", shared.ErrNotFound)
		}
		return PlannedReservation{}, err
	}
	return res, nil
}

func (r *txRepository) UpdatePlannedReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE planned_reservation SET status=$4 WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("planning: planned reservation %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepository) ListActivePlannedByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]PlannedReservation, error) {
	rows, err := r.tx.Query(ctx, plannedReservationSelect+` WHERE entity_id=$1 AND plant_id=$2 AND batch_id=$3 AND status=$4 ORDER BY reserved_at ASC, id ASC FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, batchID, string(ReservationReserved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlannedReservation
	for rows.Next() {
		res, err := scanPlannedReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertSupply(ctx context.Context, s PlannedSupply) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO planned_supply (id, entity_id, plant_id, product_id, vendor_id, quantity, source_type, source_code, expected_at, status, created_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.Tenant.EntityID, s.Tenant.PlantID, s.ProductID, nullUUID(s.VendorID), db.DecimalToNumeric(s.Quantity),
		string(s.SourceType), s.SourceCode, s.ExpectedAt.UnixMilli(), string(s.Status), s.CreatedAt.UnixMilli(), s.CreatedBy)
	return err
}

func (r *txRepository) InsertPeg(ctx context.Context, p Peg) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO pegging (id, entity_id, plant_id, demand_type, demand_id, supply_type, supply_id, product_id, quantity, pegged_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.Tenant.EntityID, p.Tenant.PlantID, p.DemandType, p.DemandID, string(p.SupplyType), p.SupplyID,
		p.ProductID, db.DecimalToNumeric(p.Quantity), p.PeggedAt.UnixMilli())
	return err
}

func (r *txRepository) OnHandBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]inventory.BucketAvailability, error) {
	rows, err := r.tx.Query(ctx, `SELECT i.id, i.lot_id, COALESCE(l.code, ''), l.expiration_at, i.location_id, i.quantity, COALESCE(res.reserved, 0), i.created_at
FROM inventory_item i
LEFT JOIN lot l ON l.id = i.lot_id AND l.entity_id = i.entity_id AND l.plant_id = i.plant_id
LEFT JOIN (
	SELECT inventory_item_id, SUM(quantity) AS reserved
	FROM inventory_reservation
	WHERE entity_id=$1 AND plant_id=$2 AND status=$5
	GROUP BY inventory_item_id
) res ON res.inventory_item_id = i.id
WHERE i.entity_id=$1 AND i.plant_id=$2 AND i.product_id=$3
AND ($4::uuid IS NULL OR i.vendor_id=$4)
AND i.quantity - COALESCE(res.reserved, 0) > 0
ORDER BY l.expiration_at ASC NULLS LAST, i.created_at ASC, i.id ASC`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(inventory.ReservationReserved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var buckets []inventory.BucketAvailability
	for rows.Next() {
		var b inventory.BucketAvailability
		var lotID pgtype.UUID
		var expiration pgtype.Int8
		var qty, reserved pgtype.Numeric
		var createdAt int64
		if err := rows.Scan(&b.ItemID, &lotID, &b.LotCode, &expiration, &b.LocationID, &qty, &reserved, &createdAt); err != nil {
			return nil, err
		}
		if lotID.Valid {
			u := uuid.UUID(lotID.Bytes)
			b.LotID = &u
		}
		if expiration.Valid {
			t := time.UnixMilli(expiration.Int64).UTC()
			b.ExpirationAt = &t
		}
		b.Quantity = db.NumericToDecimal(qty)
		b.Reserved = db.NumericToDecimal(reserved)
		b.CreatedAt = time.UnixMilli(createdAt).UTC()
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (r *txRepository) LockOnHandBuckets(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error {
	return lockRows(ctx, r.tx, `SELECT id FROM inventory_item WHERE entity_id=$1 AND plant_id=$2 AND id = ANY($3) ORDER BY id FOR UPDATE`,
		tenant, itemIDs, wait, "planning: bucket")
}

func (r *txRepository) InsertFirmReservation(ctx context.Context, res inventory.Reservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_reservation (id, entity_id, plant_id, inventory_item_id, batch_id, quantity, unit_of_measure_id, status, reserved_at, reserved_by, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		res.ID, res.Tenant.EntityID, res.Tenant.PlantID, res.ItemID, res.BatchID, db.DecimalToNumeric(res.Quantity),
		nullUUID(res.UnitOfMeasureID), string(res.Status), res.ReservedAt.UnixMilli(), res.ReservedBy, res.Notes)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryOpenSupplies(ctx context.Context, q querier, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]SupplyAvailability, error) {
	rows, err := q.Query(ctx, `SELECT ps.id, ps.vendor_id, ps.source_type, ps.source_code, ps.expected_at, ps.quantity, COALESCE(res.reserved, 0)
FROM planned_supply ps
LEFT JOIN (
	SELECT planned_supply_id, SUM(quantity) AS reserved
	FROM planned_reservation
	WHERE entity_id=$1 AND plant_id=$2 AND status=$5
	GROUP BY planned_supply_id
) res ON res.planned_supply_id = ps.id
WHERE ps.entity_id=$1 AND ps.plant_id=$2 AND ps.product_id=$3
AND ($4::uuid IS NULL OR ps.vendor_id=$4)
AND ps.status=$6
AND ps.quantity - COALESCE(res.reserved, 0) > 0
ORDER BY ps.expected_at ASC, ps.id ASC`,
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(ReservationReserved), string(SupplyOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var supplies []SupplyAvailability
	for rows.Next() {
		var s SupplyAvailability
		var vendor pgtype.UUID
		var sourceType string
		var expectedAt int64
		var qty, reserved pgtype.Numeric
		if err := rows.Scan(&s.SupplyID, &vendor, &sourceType, &s.SourceCode, &expectedAt, &qty, &reserved); err != nil {
			return nil, err
		}
		if vendor.Valid {
			u := uuid.UUID(vendor.Bytes)
			s.VendorID = &u
		}
		s.SourceType = SupplySourceType(sourceType)
		s.ExpectedAt = time.UnixMilli(expectedAt).UTC()
		s.Quantity = db.NumericToDecimal(qty)
		s.Reserved = db.NumericToDecimal(reserved)
		supplies = append(supplies, s)
	}
	return supplies, rows.Err()
}

func lockRows(ctx context.Context, tx pgx.Tx, query string, tenant shared.Tenant, ids []uuid.UUID, wait bool, what string) error {
	if len(ids) == 0 {
		return nil
	}
	if !wait {
		query += " NOWAIT"
	}
	rows, err := tx.Query(ctx, query, tenant.EntityID, tenant.PlantID, ids)
	if err != nil {
		if db.IsLockNotAvailable(err) {
			return fmt.Errorf("%s locked by another operation: %w", what, shared.ErrLockContention)
		}
		return err
	}
	defer rows.Close()
	locked := 0
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		locked++
	}
	if err := rows.Err(); err != nil {
		if db.IsLockNotAvailable(err) {
			return fmt.Errorf("%s locked by another operation: %w", what, shared.ErrLockContention)
		}
		return err
	}
	if locked != len(ids) {
		return fmt.Errorf("%s missing during lock: %w", what, shared.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupply(row pgx.Row) (PlannedSupply, error) {
	var s PlannedSupply
	var vendor pgtype.UUID
	var qty pgtype.Numeric
	var sourceType, status string
	var expectedAt, createdAt int64
	err := row.Scan(&s.ID, &s.Tenant.EntityID, &s.Tenant.PlantID, &s.ProductID, &vendor, &qty,
		&sourceType, &s.SourceCode, &expectedAt, &status, &createdAt, &s.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlannedSupply{}, fmt.Errorf("planning: planned supply: %w", shared.ErrNotFound)
		}
		return PlannedSupply{}, err
	}
	if vendor.Valid {
		u := uuid.UUID(vendor.Bytes)
		s.VendorID = &u
	}
	s.Quantity = db.NumericToDecimal(qty)
	s.SourceType = SupplySourceType(sourceType)
	s.Status = SupplyStatus(status)
	s.ExpectedAt = time.UnixMilli(expectedAt).UTC()
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	return s, nil
}

func scanPlannedReservation(row rowScanner) (PlannedReservation, error) {
	var res PlannedReservation
	var qty pgtype.Numeric
	var status string
	var reservedAt int64
	err := row.Scan(&res.ID, &res.Tenant.EntityID, &res.Tenant.PlantID, &res.BatchID, &res.PlannedSupplyID,
		&qty, &status, &reservedAt, &res.ReservedBy)
	if err != nil {
		return PlannedReservation{}, err
	}
	res.Quantity = db.NumericToDecimal(qty)
	res.Status = ReservationStatus(status)
	res.ReservedAt = time.UnixMilli(reservedAt).UTC()
	return res, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
