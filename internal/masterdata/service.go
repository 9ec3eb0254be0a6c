package masterdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Service exposes master data lookups and registration.
type Service struct {
	repo  *Repository
	audit AuditPort
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewService builds Service. audit may be nil.
func NewService(repo *Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// CreateProduct registers a product.
func (s *Service) CreateProduct(ctx context.Context, tenant shared.Tenant, in CreateProductInput, actor string) (Product, error) {
	if err := tenant.Validate(); err != nil {
		return Product{}, err
	}
	if strings.TrimSpace(in.SKU) == "" || strings.TrimSpace(in.Name) == "" {
		return Product{}, fmt.Errorf("masterdata: sku and name required: %w", shared.ErrValidation)
	}
	p := Product{
		ID:              uuid.New(),
		Tenant:          tenant,
		SKU:             strings.TrimSpace(in.SKU),
		Name:            strings.TrimSpace(in.Name),
		Type:            in.Type,
		UnitOfMeasureID: in.UnitOfMeasureID,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.InsertProduct(ctx, p); err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, tenant, actor, "masterdata:create_product", "product", p.ID.String())
	return p, nil
}

// GetProduct loads one product.
func (s *Service) GetProduct(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Product, error) {
	if err := tenant.Validate(); err != nil {
		return Product{}, err
	}
	return s.repo.GetProduct(ctx, tenant, id)
}

// ListProducts lists one page of active products.
func (s *Service) ListProducts(ctx context.Context, tenant shared.Tenant, page, perPage int) ([]Product, shared.Pagination, error) {
	if err := tenant.Validate(); err != nil {
		return nil, shared.Pagination{}, err
	}
	total, err := s.repo.CountProducts(ctx, tenant)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	meta := shared.NewPagination(page, perPage, total)
	products, err := s.repo.ListProducts(ctx, tenant, meta.PerPage, (meta.Page-1)*meta.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return products, meta, nil
}

// CreateVendor registers a vendor.
func (s *Service) CreateVendor(ctx context.Context, tenant shared.Tenant, in CreateVendorInput, actor string) (Vendor, error) {
	if err := tenant.Validate(); err != nil {
		return Vendor{}, err
	}
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.Name) == "" {
		return Vendor{}, fmt.Errorf("masterdata: code and name required: %w", shared.ErrValidation)
	}
	v := Vendor{
		ID:        uuid.New(),
		Tenant:    tenant,
		Code:      strings.TrimSpace(in.Code),
		Name:      strings.TrimSpace(in.Name),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertVendor(ctx, v); err != nil {
		return Vendor{}, err
	}
	s.recordAudit(ctx, tenant, actor, "masterdata:create_vendor", "vendor", v.ID.String())
	return v, nil
}

// GetVendor loads one vendor.
func (s *Service) GetVendor(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Vendor, error) {
	if err := tenant.Validate(); err != nil {
		return Vendor{}, err
	}
	return s.repo.GetVendor(ctx, tenant, id)
}

// CreateLocation registers a storage location.
func (s *Service) CreateLocation(ctx context.Context, tenant shared.Tenant, in CreateLocationInput, actor string) (Location, error) {
	if err := tenant.Validate(); err != nil {
		return Location{}, err
	}
	if strings.TrimSpace(in.Code) == "" {
		return Location{}, fmt.Errorf("masterdata: code required: %w", shared.ErrValidation)
	}
	l := Location{
		ID:        uuid.New(),
		Tenant:    tenant,
		Code:      strings.TrimSpace(in.Code),
		Name:      strings.TrimSpace(in.Name),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertLocation(ctx, l); err != nil {
		return Location{}, err
	}
	s.recordAudit(ctx, tenant, actor, "masterdata:create_location", "location", l.ID.String())
	return l, nil
}

// GetLocation loads one location.
func (s *Service) GetLocation(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Location, error) {
	if err := tenant.Validate(); err != nil {
		return Location{}, err
	}
	return s.repo.GetLocation(ctx, tenant, id)
}

// ListUnits lists units of measure.
func (s *Service) ListUnits(ctx context.Context, tenant shared.Tenant) ([]UnitOfMeasure, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListUnits(ctx, tenant)
}

func (s *Service) recordAudit(ctx context.Context, tenant shared.Tenant, actor, action, entity, entityID string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Tenant:   tenant,
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
	})
}
