package masterdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Repository persists master data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, sku, name, type, unit_of_measure_id, active, created_at
FROM product WHERE entity_id=$1 AND plant_id=$2 AND id=$3`, tenant.EntityID, tenant.PlantID, id)
	return scanProduct(row, tenant)
}

// CountProducts counts the active products of a tenant.
func (r *Repository) CountProducts(ctx context.Context, tenant shared.Tenant) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM product
WHERE entity_id=$1 AND plant_id=$2 AND active`, tenant.EntityID, tenant.PlantID).Scan(&total)
	return total, err
}

// ListProducts returns one page of active products ordered by SKU.
func (r *Repository) ListProducts(ctx context.Context, tenant shared.Tenant, limit, offset int) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, type, unit_of_measure_id, active, created_at
FROM product WHERE entity_id=$1 AND plant_id=$2 AND active ORDER BY sku ASC LIMIT $3 OFFSET $4`,
		tenant.EntityID, tenant.PlantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows, tenant)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertProduct stores a new product.
func (r *Repository) InsertProduct(ctx context.Context, p Product) error {
	var uom any
	if p.UnitOfMeasureID != nil {
		uom = *p.UnitOfMeasureID
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO product (id, entity_id, plant_id, sku, name, type, unit_of_measure_id, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.Tenant.EntityID, p.Tenant.PlantID, p.SKU, p.Name, p.Type, uom, p.Active, p.CreatedAt.UnixMilli())
	return err
}

// GetVendor loads one vendor.
func (r *Repository) GetVendor(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Vendor, error) {
	var v Vendor
	var createdAt int64
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active, created_at
FROM vendor WHERE entity_id=$1 AND plant_id=$2 AND id=$3`, tenant.EntityID, tenant.PlantID, id).
		Scan(&v.ID, &v.Code, &v.Name, &v.Active, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, fmt.Errorf("masterdata: vendor: %w", shared.ErrNotFound)
		}
		return Vendor{}, err
	}
	v.Tenant = tenant
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	return v, nil
}

// InsertVendor stores a new vendor.
func (r *Repository) InsertVendor(ctx context.Context, v Vendor) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO vendor (id, entity_id, plant_id, code, name, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.Tenant.EntityID, v.Tenant.PlantID, v.Code, v.Name, v.Active, v.CreatedAt.UnixMilli())
	return err
}

// GetLocation loads one location.
func (r *Repository) GetLocation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Location, error) {
	var l Location
	var createdAt int64
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active, created_at
FROM location WHERE entity_id=$1 AND plant_id=$2 AND id=$3`, tenant.EntityID, tenant.PlantID, id).
		Scan(&l.ID, &l.Code, &l.Name, &l.Active, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, fmt.Errorf("masterdata: location: %w", shared.ErrNotFound)
		}
		return Location{}, err
	}
	l.Tenant = tenant
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	return l, nil
}

// InsertLocation stores a new location.
func (r *Repository) InsertLocation(ctx context.Context, l Location) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO location (id, entity_id, plant_id, code, name, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.Tenant.EntityID, l.Tenant.PlantID, l.Code, l.Name, l.Active, l.CreatedAt.UnixMilli())
	return err
}

// ListUnits returns the units of measure of a tenant.
func (r *Repository) ListUnits(ctx context.Context, tenant shared.Tenant) ([]UnitOfMeasure, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name FROM unit_of_measure
WHERE entity_id=$1 AND plant_id=$2 ORDER BY code ASC`, tenant.EntityID, tenant.PlantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnitOfMeasure
	for rows.Next() {
		var u UnitOfMeasure
		if err := rows.Scan(&u.ID, &u.Code, &u.Name); err != nil {
			return nil, err
		}
		u.Tenant = tenant
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner, tenant shared.Tenant) (Product, error) {
	var p Product
	var uom pgtype.UUID
	var createdAt int64
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Type, &uom, &p.Active, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, fmt.Errorf("masterdata: product: %w", shared.ErrNotFound)
		}
		return Product{}, err
	}
	p.Tenant = tenant
	if uom.Valid {
		u := uuid.UUID(uom.Bytes)
		p.UnitOfMeasureID = &u
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, nil
}
