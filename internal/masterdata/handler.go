package masterdata

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fabrex-mes/fabrex/internal/platform/httpx"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Handler wires HTTP endpoints for master data.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs masterdata handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/products", h.handleCreateProduct)
	r.Get("/products", h.handleListProducts)
	r.Get("/products/{productID}", h.handleGetProduct)
	r.Post("/vendors", h.handleCreateVendor)
	r.Get("/vendors/{vendorID}", h.handleGetVendor)
	r.Post("/locations", h.handleCreateLocation)
	r.Get("/locations/{locationID}", h.handleGetLocation)
	r.Get("/units", h.handleListUnits)
}

type createProductRequest struct {
	SKU             string  `json:"sku" validate:"required"`
	Name            string  `json:"name" validate:"required"`
	Type            string  `json:"type,omitempty"`
	UnitOfMeasureID *string `json:"unitOfMeasureId,omitempty" validate:"omitempty,uuid4"`
	Actor           string  `json:"actor,omitempty"`
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req createProductRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	var uom *uuid.UUID
	if req.UnitOfMeasureID != nil && *req.UnitOfMeasureID != "" {
		id, err := uuid.Parse(*req.UnitOfMeasureID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unitOfMeasureId is not a valid uuid")
			return
		}
		uom = &id
	}
	product, err := h.service.CreateProduct(r.Context(), tenant, CreateProductInput{
		SKU:             req.SKU,
		Name:            req.Name,
		Type:            req.Type,
		UnitOfMeasureID: uom,
	}, req.Actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, productResponse(product))
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	products, meta, err := h.service.ListProducts(r.Context(), tenant, page, perPage)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(products))
	for _, p := range products {
		out = append(out, productResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data": out,
		"pagination": map[string]any{
			"page":       meta.Page,
			"perPage":    meta.PerPage,
			"total":      meta.Total,
			"totalPages": meta.TotalPages,
		},
	})
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	product, err := h.service.GetProduct(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, productResponse(product))
}

type createVendorRequest struct {
	Code  string `json:"code" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Actor string `json:"actor,omitempty"`
}

func (h *Handler) handleCreateVendor(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req createVendorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	vendor, err := h.service.CreateVendor(r.Context(), tenant, CreateVendorInput{Code: req.Code, Name: req.Name}, req.Actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, vendorResponse(vendor))
}

func (h *Handler) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "vendorID")
	if !ok {
		return
	}
	vendor, err := h.service.GetVendor(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, vendorResponse(vendor))
}

type createLocationRequest struct {
	Code  string `json:"code" validate:"required"`
	Name  string `json:"name,omitempty"`
	Actor string `json:"actor,omitempty"`
}

func (h *Handler) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req createLocationRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	location, err := h.service.CreateLocation(r.Context(), tenant, CreateLocationInput{Code: req.Code, Name: req.Name}, req.Actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, locationResponse(location))
}

func (h *Handler) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "locationID")
	if !ok {
		return
	}
	location, err := h.service.GetLocation(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, locationResponse(location))
}

func (h *Handler) handleListUnits(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	units, err := h.service.ListUnits(r.Context(), tenant)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(units))
	for _, u := range units {
		out = append(out, map[string]any{"id": u.ID, "code": u.Code, "name": u.Name})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (shared.Tenant, bool) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant headers missing")
		return shared.Tenant{}, false
	}
	return tenant, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func productResponse(p Product) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"sku":             p.SKU,
		"name":            p.Name,
		"type":            p.Type,
		"unitOfMeasureId": p.UnitOfMeasureID,
		"active":          p.Active,
		"createdAt":       p.CreatedAt.UnixMilli(),
	}
}

func vendorResponse(v Vendor) map[string]any {
	return map[string]any{
		"id":        v.ID,
		"code":      v.Code,
		"name":      v.Name,
		"active":    v.Active,
		"createdAt": v.CreatedAt.UnixMilli(),
	}
}

func locationResponse(l Location) map[string]any {
	return map[string]any{
		"id":        l.ID,
		"code":      l.Code,
		"name":      l.Name,
		"active":    l.Active,
		"createdAt": l.CreatedAt.UnixMilli(),
	}
}
