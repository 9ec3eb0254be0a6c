package masterdata

import (
	"time"

	"github.com/google/uuid"

	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Product is a manufacturable or purchasable material.
type Product struct {
	ID              uuid.UUID
	Tenant          shared.Tenant
	SKU             string
	Name            string
	Type            string
	UnitOfMeasureID *uuid.UUID
	Active          bool
	CreatedAt       time.Time
}

// Vendor is an external supplier of materials.
type Vendor struct {
	ID        uuid.UUID
	Tenant    shared.Tenant
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Location is a storage place inside a plant.
type Location struct {
	ID        uuid.UUID
	Tenant    shared.Tenant
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// UnitOfMeasure describes how a product quantity is counted.
type UnitOfMeasure struct {
	ID     uuid.UUID
	Tenant shared.Tenant
	Code   string
	Name   string
}

// CreateProductInput registers a new product.
type CreateProductInput struct {
	SKU             string
	Name            string
	Type            string
	UnitOfMeasureID *uuid.UUID
}

// CreateVendorInput registers a new vendor.
type CreateVendorInput struct {
	Code string
	Name string
}

// CreateLocationInput registers a new storage location.
type CreateLocationInput struct {
	Code string
	Name string
}
