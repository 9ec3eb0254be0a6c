package inventory

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

	"github.com/fabrex-mes/fabrex/internal/platform/db"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Repository persists ledger, movement and reservation data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
// Every method is tenant-scoped; callers hold the transaction for the whole
// check-then-mutate sequence.
type TxRepository interface {
	GetItemForUpdate(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error)
	LockItems(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error
	FindMergeTargetForUpdate(ctx context.Context, tenant shared.Tenant, productID, lotID uuid.UUID, vendorID *uuid.UUID, locationID uuid.UUID, itemType ItemType) (Item, error)
	InsertItem(ctx context.Context, item Item) error
	UpdateItemQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, quantity decimal.Decimal, price *decimal.Decimal, currency string) error
	InsertMovement(ctx context.Context, m Movement) error
	FindLotByCode(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, code string) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) error
	AddLotQuantity(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID, delta decimal.Decimal) error
	ActiveReservedQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (decimal.Decimal, error)
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus, actor string, at time.Time) error
	ListActiveReservationsByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]Reservation, error)
	InsertConsumption(ctx context.Context, c Consumption) error
	AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Any
// error rolls back every mutation made by the callback.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetItem loads a bucket outside a transaction.
func (r *Repository) GetItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	return scanItem(r.pool.QueryRow(ctx, itemSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, itemID))
}

// AvailableBuckets lists buckets with unreserved quantity for a product,
// FEFO-ordered. The read is advisory: callers that act on it must re-validate
// under a row lock.
func (r *Repository) AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	return queryAvailableBuckets(ctx, r.pool, tenant, productID, vendorID)
}

// GetLot loads a lot outside a transaction.
func (r *Repository) GetLot(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID) (Lot, error) {
	return scanLot(r.pool.QueryRow(ctx, lotSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, lotID))
}

// GetReservation loads a reservation outside a transaction.
func (r *Repository) GetReservation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, reservationSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, id))
}

// ListMovementsByItem returns the movement history of a bucket, newest first.
func (r *Repository) ListMovementsByItem(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, limit int) ([]Movement, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, inventory_item_id, movement_type, quantity, source_location_id, destination_location_id, reason, work_order_id, created_at, created_by
FROM inventory_movement
WHERE entity_id=$1 AND plant_id=$2 AND inventory_item_id=$3
ORDER BY created_at DESC, id DESC
LIMIT $4`, tenant.EntityID, tenant.PlantID, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		var qty pgtype.Numeric
		var src, dst, workOrder pgtype.UUID
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ItemID, &m.Type, &qty, &src, &dst, &m.Reason, &workOrder, &createdAt, &m.CreatedBy); err != nil {
			return nil, err
		}
		m.Tenant = tenant
		m.Quantity = db.NumericToDecimal(qty)
		m.SourceLocationID = uuidPtr(src)
		m.DestinationLocationID = uuidPtr(dst)
		m.WorkOrderID = uuidPtr(workOrder)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

const itemSelect = `SELECT id, entity_id, plant_id, product_id, lot_id, vendor_id, location_id, item_type, quantity, price, currency, created_at, created_by, updated_at
FROM inventory_item`

const lotSelect = `SELECT id, entity_id, plant_id, product_id, code, quantity, manufactured_at, expiration_at, vendor_id, is_own_product, created_at
FROM lot`

const reservationSelect = `SELECT id, entity_id, plant_id, inventory_item_id, batch_id, quantity, unit_of_measure_id, status, reserved_at, reserved_by, released_at, released_by, notes
FROM inventory_reservation`

func (r *txRepository) GetItemForUpdate(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (Item, error) {
	return scanItem(r.tx.QueryRow(ctx, itemSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3 FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, itemID))
}

// LockItems acquires row locks on the given buckets in id order so that
// concurrent multi-bucket operations cannot deadlock. With wait=false the
// statement uses NOWAIT and an unavailable lock surfaces as ErrLockContention.
func (r *txRepository) LockItems(ctx context.Context, tenant shared.Tenant, itemIDs []uuid.UUID, wait bool) error {
	if len(itemIDs) == 0 {
		return nil
	}
	query := `SELECT id FROM inventory_item WHERE entity_id=$1 AND plant_id=$2 AND id = ANY($3) ORDER BY id FOR UPDATE`
	if !wait {
		query += " NOWAIT"
	}
	rows, err := r.tx.Query(ctx, query, tenant.EntityID, tenant.PlantID, itemIDs)
	if err != nil {
		if db.IsLockNotAvailable(err) {
			return fmt.Errorf("inventory: bucket locked by another operation: %w", shared.ErrLockContention)
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
			return fmt.Errorf("inventory: bucket locked by another operation: %w", shared.ErrLockContention)
		}
		return err
	}
	if locked != len(itemIDs) {
		return fmt.Errorf("inventory: bucket missing during lock: %w", shared.ErrNotFound)
	}
	return nil
}

func (r *txRepository) FindMergeTargetForUpdate(ctx context.Context, tenant shared.Tenant, productID, lotID uuid.UUID, vendorID *uuid.UUID, locationID uuid.UUID, itemType ItemType) (Item, error) {
	return scanItem(r.tx.QueryRow(ctx, itemSelect+` WHERE entity_id=$1 AND plant_id=$2 AND product_id=$3 AND lot_id=$4
AND vendor_id IS NOT DISTINCT FROM $5 AND location_id=$6 AND item_type=$7
FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, productID, lotID, nullUUID(vendorID), locationID, string(itemType)))
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_item (id, entity_id, plant_id, product_id, lot_id, vendor_id, location_id, item_type, quantity, price, currency, created_at, created_by, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		item.ID, item.Tenant.EntityID, item.Tenant.PlantID, item.ProductID, nullUUID(item.LotID), nullUUID(item.VendorID),
		item.LocationID, string(item.Type), db.DecimalToNumeric(item.Quantity), nullDecimal(item.Price), item.Currency,
		item.CreatedAt.UnixMilli(), item.CreatedBy, item.UpdatedAt.UnixMilli())
	return err
}

func (r *txRepository) UpdateItemQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID, quantity decimal.Decimal, price *decimal.Decimal, currency string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_item
SET quantity=$4, price=COALESCE($5, price), currency=COALESCE(NULLIF($6,''), currency), updated_at=$7
WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, itemID, db.DecimalToNumeric(quantity), nullDecimal(price), currency, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory: bucket %s: %w", itemID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_movement (id, entity_id, plant_id, inventory_item_id, movement_type, quantity, source_location_id, destination_location_id, reason, work_order_id, created_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.Tenant.EntityID, m.Tenant.PlantID, m.ItemID, string(m.Type), db.DecimalToNumeric(m.Quantity),
		nullUUID(m.SourceLocationID), nullUUID(m.DestinationLocationID), m.Reason, nullUUID(m.WorkOrderID),
		m.CreatedAt.UnixMilli(), m.CreatedBy)
	return err
}

func (r *txRepository) FindLotByCode(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, code string) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, lotSelect+` WHERE entity_id=$1 AND plant_id=$2 AND product_id=$3 AND code=$4`,
		tenant.EntityID, tenant.PlantID, productID, code))
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO lot (id, entity_id, plant_id, product_id, code, quantity, manufactured_at, expiration_at, vendor_id, is_own_product, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		lot.ID, lot.Tenant.EntityID, lot.Tenant.PlantID, lot.ProductID, lot.Code, db.DecimalToNumeric(lot.Quantity),
		nullMillis(lot.ManufacturedAt), nullMillis(lot.ExpirationAt), nullUUID(lot.VendorID), lot.IsOwnProduct,
		lot.CreatedAt.UnixMilli())
	return err
}

func (r *txRepository) AddLotQuantity(ctx context.Context, tenant shared.Tenant, lotID uuid.UUID, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lot SET quantity = quantity + $4 WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, lotID, db.DecimalToNumeric(delta))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory: lot %s: %w", lotID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepository) ActiveReservedQuantity(ctx context.Context, tenant shared.Tenant, itemID uuid.UUID) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM inventory_reservation
WHERE entity_id=$1 AND plant_id=$2 AND inventory_item_id=$3 AND status=$4`,
		tenant.EntityID, tenant.PlantID, itemID, string(ReservationReserved)).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return db.NumericToDecimal(sum), nil
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_reservation (id, entity_id, plant_id, inventory_item_id, batch_id, quantity, unit_of_measure_id, status, reserved_at, reserved_by, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		res.ID, res.Tenant.EntityID, res.Tenant.PlantID, res.ItemID, res.BatchID, db.DecimalToNumeric(res.Quantity),
		nullUUID(res.UnitOfMeasureID), string(res.Status), res.ReservedAt.UnixMilli(), res.ReservedBy, res.Notes)
	return err
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.tx.QueryRow(ctx, reservationSelect+` WHERE entity_id=$1 AND plant_id=$2 AND id=$3 FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, id))
}

func (r *txRepository) UpdateReservationStatus(ctx context.Context, tenant shared.Tenant, id uuid.UUID, status ReservationStatus, actor string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_reservation SET status=$4, released_at=$5, released_by=$6
WHERE entity_id=$1 AND plant_id=$2 AND id=$3`,
		tenant.EntityID, tenant.PlantID, id, string(status), at.UnixMilli(), actor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory: reservation %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepository) ListActiveReservationsByBatch(ctx context.Context, tenant shared.Tenant, batchID uuid.UUID) ([]Reservation, error) {
	rows, err := r.tx.Query(ctx, reservationSelect+` WHERE entity_id=$1 AND plant_id=$2 AND batch_id=$3 AND status=$4 ORDER BY reserved_at ASC, id ASC FOR UPDATE`,
		tenant.EntityID, tenant.PlantID, batchID, string(ReservationReserved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reservations []Reservation
	for rows.Next() {
		res, err := scanReservationRow(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

func (r *txRepository) InsertConsumption(ctx context.Context, c Consumption) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO material_consumption (id, entity_id, plant_id, batch_id, product_id, inventory_item_id, reservation_id, quantity, consumed_at, consumed_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.Tenant.EntityID, c.Tenant.PlantID, c.BatchID, c.ProductID, c.ItemID, c.ReservationID,
		db.DecimalToNumeric(c.Quantity), c.ConsumedAt.UnixMilli(), c.ConsumedBy)
	return err
}

func (r *txRepository) AvailableBuckets(ctx context.Context, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	return queryAvailableBuckets(ctx, r.tx, tenant, productID, vendorID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryAvailableBuckets(ctx context.Context, q querier, tenant shared.Tenant, productID uuid.UUID, vendorID *uuid.UUID) ([]BucketAvailability, error) {
	rows, err := q.Query(ctx, `SELECT i.id, i.lot_id, COALESCE(l.code, ''), l.expiration_at, i.location_id, i.quantity, COALESCE(res.reserved, 0), i.created_at
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
		tenant.EntityID, tenant.PlantID, productID, nullUUID(vendorID), string(ReservationReserved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var buckets []BucketAvailability
	for rows.Next() {
		var b BucketAvailability
		var lotID pgtype.UUID
		var expiration pgtype.Int8
		var qty, reserved pgtype.Numeric
		var createdAt int64
		if err := rows.Scan(&b.ItemID, &lotID, &b.LotCode, &expiration, &b.LocationID, &qty, &reserved, &createdAt); err != nil {
			return nil, err
		}
		b.LotID = uuidPtr(lotID)
		b.ExpirationAt = timePtr(expiration)
		b.Quantity = db.NumericToDecimal(qty)
		b.Reserved = db.NumericToDecimal(reserved)
		b.CreatedAt = time.UnixMilli(createdAt).UTC()
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	var lotID, vendorID pgtype.UUID
	var qty, price pgtype.Numeric
	var createdAt, updatedAt int64
	var itemType string
	err := row.Scan(&item.ID, &item.Tenant.EntityID, &item.Tenant.PlantID, &item.ProductID, &lotID, &vendorID,
		&item.LocationID, &itemType, &qty, &price, &item.Currency, &createdAt, &item.CreatedBy, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fmt.Errorf("inventory: bucket: %w", shared.ErrNotFound)
		}
		return Item{}, err
	}
	item.LotID = uuidPtr(lotID)
	item.VendorID = uuidPtr(vendorID)
	item.Type = ItemType(itemType)
	item.Quantity = db.NumericToDecimal(qty)
	if price.Valid {
		p := db.NumericToDecimal(price)
		item.Price = &p
	}
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return item, nil
}

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var qty pgtype.Numeric
	var manufactured, expiration pgtype.Int8
	var vendorID pgtype.UUID
	var createdAt int64
	err := row.Scan(&lot.ID, &lot.Tenant.EntityID, &lot.Tenant.PlantID, &lot.ProductID, &lot.Code, &qty,
		&manufactured, &expiration, &vendorID, &lot.IsOwnProduct, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("inventory: lot: %w", shared.ErrNotFound)
		}
		return Lot{}, err
	}
	lot.Quantity = db.NumericToDecimal(qty)
	lot.ManufacturedAt = timePtr(manufactured)
	lot.ExpirationAt = timePtr(expiration)
	lot.VendorID = uuidPtr(vendorID)
	lot.CreatedAt = time.UnixMilli(createdAt).UTC()
	return lot, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row pgx.Row) (Reservation, error) {
	res, err := scanReservationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("inventory: reservation: %w", shared.ErrNotFound)
		}
		return Reservation{}, err
	}
	return res, nil
}

func scanReservationRow(row rowScanner) (Reservation, error) {
	var res Reservation
	var qty pgtype.Numeric
	var uomID pgtype.UUID
	var status string
	var reservedAt int64
	var releasedAt pgtype.Int8
	var releasedBy, notes pgtype.Text
	err := row.Scan(&res.ID, &res.Tenant.EntityID, &res.Tenant.PlantID, &res.ItemID, &res.BatchID, &qty,
		&uomID, &status, &reservedAt, &res.ReservedBy, &releasedAt, &releasedBy, &notes)
	if err != nil {
		return Reservation{}, err
	}
	res.Quantity = db.NumericToDecimal(qty)
	res.UnitOfMeasureID = uuidPtr(uomID)
	res.Status = ReservationStatus(status)
	res.ReservedAt = time.UnixMilli(reservedAt).UTC()
	res.ReleasedAt = timePtr(releasedAt)
	if releasedBy.Valid {
		res.ReleasedBy = &releasedBy.String
	}
	if notes.Valid {
		res.Notes = &notes.String
	}
	return res, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return db.DecimalToNumeric(*d)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func uuidPtr(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func timePtr(ms pgtype.Int8) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
