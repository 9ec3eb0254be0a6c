package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/platform/httpx"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
	r.Get("/items/{itemID}", h.handleGetItem)
	r.Get("/items/{itemID}/movements", h.handleListMovements)
	r.Post("/items/{itemID}/adjustments", h.handleAdjust)
	r.Post("/items/{itemID}/transfers", h.handleTransfer)
	r.Get("/lots/{lotID}", h.handleGetLot)
	r.Get("/products/{productID}/availability", h.handleAvailability)
	r.Post("/reservations", h.handleReserve)
	r.Get("/reservations/{reservationID}", h.handleGetReservation)
	r.Post("/reservations/{reservationID}/release", h.handleRelease)
	r.Post("/reservations/{reservationID}/cancel", h.handleCancel)
	r.Post("/reservations/{reservationID}/consume", h.handleConsume)
	r.Delete("/batches/{batchID}/reservations", h.handleRemoveByBatch)
	r.Post("/allocations/fefo", h.handleSelectFEFO)
	r.Post("/allocations/fefo/reserve", h.handleAllocateFEFO)
}

type receiveRequest struct {
	ProductID      string  `json:"productId" validate:"required,uuid4"`
	LotID          *string `json:"lotId,omitempty" validate:"omitempty,uuid4"`
	LotCode        string  `json:"lotCode,omitempty"`
	VendorID       *string `json:"vendorId,omitempty" validate:"omitempty,uuid4"`
	ExpirationDate *int64  `json:"expirationDate,omitempty"`
	Quantity       string  `json:"quantity" validate:"required"`
	LocationID     string  `json:"locationId" validate:"required,uuid4"`
	Type           string  `json:"type" validate:"required,oneof=RAW_MATERIAL SEMI_FINISHED FINISHED_GOOD"`
	Price          *string `json:"price,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	MovementType   string  `json:"movementType,omitempty" validate:"omitempty,oneof=RECEIPT TRANSFER PRODUCTION"`
	WorkOrderID    *string `json:"workOrderId,omitempty" validate:"omitempty,uuid4"`
	ReceivedBy     string  `json:"receivedBy" validate:"required"`
	Reference      string  `json:"reference,omitempty"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	in := ReceiveInput{
		LotCode:      req.LotCode,
		LocationID:   uuid.MustParse(req.LocationID),
		ProductID:    uuid.MustParse(req.ProductID),
		Type:         ItemType(req.Type),
		Currency:     req.Currency,
		MovementType: MovementType(req.MovementType),
		ReceivedBy:   req.ReceivedBy,
		Reference:    req.Reference,
	}
	var err error
	if in.Quantity, err = decimal.NewFromString(req.Quantity); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity is not a valid decimal")
		return
	}
	if req.Price != nil {
		price, err := decimal.NewFromString(*req.Price)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "price is not a valid decimal")
			return
		}
		in.Price = &price
	}
	if in.LotID, err = parseOptionalUUID(req.LotID); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "lotId is not a valid uuid")
		return
	}
	if in.VendorID, err = parseOptionalUUID(req.VendorID); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vendorId is not a valid uuid")
		return
	}
	if in.WorkOrderID, err = parseOptionalUUID(req.WorkOrderID); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "workOrderId is not a valid uuid")
		return
	}
	if req.ExpirationDate != nil {
		t := time.UnixMilli(*req.ExpirationDate).UTC()
		in.ExpirationDate = &t
	}

	item, err := h.service.Receive(r.Context(), tenant, in)
	if err != nil {
		h.logger.Error("receive failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, itemResponse(item))
}

type adjustRequest struct {
	Delta      string `json:"delta" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	AdjustedBy string `json:"adjustedBy" validate:"required"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	var req adjustRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "delta is not a valid decimal")
		return
	}
	newQuantity, err := h.service.Adjust(r.Context(), tenant, AdjustInput{
		ItemID:     itemID,
		Delta:      delta,
		Reason:     req.Reason,
		AdjustedBy: req.AdjustedBy,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"itemId": itemID, "quantity": newQuantity.String()})
}

type transferRequest struct {
	Quantity              string `json:"quantity" validate:"required"`
	DestinationLocationID string `json:"destinationLocationId" validate:"required,uuid4"`
	CreatedBy             string `json:"createdBy" validate:"required"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	var req transferRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity is not a valid decimal")
		return
	}
	destination, err := h.service.Transfer(r.Context(), tenant, TransferInput{
		ItemID:                itemID,
		Quantity:              qty,
		DestinationLocationID: uuid.MustParse(req.DestinationLocationID),
		CreatedBy:             req.CreatedBy,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, itemResponse(destination))
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), tenant, itemID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, itemResponse(item))
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	lotID, ok := pathUUID(w, r, "lotID")
	if !ok {
		return
	}
	lot, err := h.service.GetLot(r.Context(), tenant, lotID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":             lot.ID,
		"productId":      lot.ProductID,
		"code":           lot.Code,
		"quantity":       lot.Quantity.String(),
		"manufacturedAt": millisOrNil(lot.ManufacturedAt),
		"expirationAt":   millisOrNil(lot.ExpirationAt),
		"vendorId":       lot.VendorID,
		"isOwnProduct":   lot.IsOwnProduct,
	})
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.service.ListMovements(r.Context(), tenant, itemID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(movements))
	for _, m := range movements {
		out = append(out, map[string]any{
			"id":                    m.ID,
			"itemId":                m.ItemID,
			"type":                  m.Type,
			"quantity":              m.Quantity.String(),
			"sourceLocationId":      m.SourceLocationID,
			"destinationLocationId": m.DestinationLocationID,
			"reason":                m.Reason,
			"workOrderId":           m.WorkOrderID,
			"createdAt":             m.CreatedAt.UnixMilli(),
			"createdBy":             m.CreatedBy,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	productID, ok := pathUUID(w, r, "productID")
	if !ok {
		return
	}
	vendorID, err := queryOptionalUUID(r, "vendorId")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vendorId is not a valid uuid")
		return
	}
	buckets, err := h.service.Availability(r.Context(), tenant, productID, vendorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, map[string]any{
			"itemId":       b.ItemID,
			"lotId":        b.LotID,
			"lotCode":      b.LotCode,
			"expirationAt": millisOrNil(b.ExpirationAt),
			"locationId":   b.LocationID,
			"quantity":     b.Quantity.String(),
			"reserved":     b.Reserved.String(),
			"available":    b.Available().String(),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type reserveRequest struct {
	ItemID          string  `json:"itemId" validate:"required,uuid4"`
	BatchID         string  `json:"batchId" validate:"required,uuid4"`
	Quantity        string  `json:"quantity" validate:"required"`
	UnitOfMeasureID *string `json:"unitOfMeasureId,omitempty" validate:"omitempty,uuid4"`
	ReservedBy      string  `json:"reservedBy" validate:"required"`
	Notes           *string `json:"notes,omitempty"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity is not a valid decimal")
		return
	}
	uom, err := parseOptionalUUID(req.UnitOfMeasureID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unitOfMeasureId is not a valid uuid")
		return
	}
	reservation, err := h.service.Reserve(r.Context(), tenant, ReserveInput{
		ItemID:          uuid.MustParse(req.ItemID),
		BatchID:         uuid.MustParse(req.BatchID),
		Quantity:        qty,
		UnitOfMeasureID: uom,
		ReservedBy:      req.ReservedBy,
		Notes:           req.Notes,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reservationResponse(reservation))
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	reservation, err := h.service.GetReservation(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, reservationResponse(reservation))
}

type actorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Release)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenant shared.Tenant, id uuid.UUID, actor string) error) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	var req actorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := fn(r.Context(), tenant, id, req.Actor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	var req actorRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	trace, err := h.service.Consume(r.Context(), tenant, id, req.Actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":            trace.ID,
		"batchId":       trace.BatchID,
		"productId":     trace.ProductID,
		"itemId":        trace.ItemID,
		"reservationId": trace.ReservationID,
		"quantity":      trace.Quantity.String(),
		"consumedAt":    trace.ConsumedAt.UnixMilli(),
		"consumedBy":    trace.ConsumedBy,
	})
}

func (h *Handler) handleRemoveByBatch(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	batchID, ok := pathUUID(w, r, "batchID")
	if !ok {
		return
	}
	released, err := h.service.RemoveByBatch(r.Context(), tenant, batchID, r.URL.Query().Get("actor"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batchId": batchID, "released": released})
}

type selectionRequest struct {
	ProductID        string  `json:"productId" validate:"required,uuid4"`
	VendorID         *string `json:"vendorId,omitempty" validate:"omitempty,uuid4"`
	RequiredQuantity string  `json:"requiredQuantity" validate:"required"`
}

type allocateRequest struct {
	selectionRequest
	BatchID    string `json:"batchId" validate:"required,uuid4"`
	ReservedBy string `json:"reservedBy" validate:"required"`
	FailFast   bool   `json:"failFast,omitempty"`
}

func (h *Handler) handleSelectFEFO(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	selection, err := h.service.SelectFEFO(r.Context(), tenant, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, selectionResponse(selection))
}

func (h *Handler) handleAllocateFEFO(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	sel, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	selection, reservations, err := h.service.SelectAndReserveFEFO(r.Context(), tenant, AllocateInput{
		SelectionInput: sel,
		BatchID:        uuid.MustParse(req.BatchID),
		ReservedBy:     req.ReservedBy,
		FailFast:       req.FailFast,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resOut := make([]map[string]any, 0, len(reservations))
	for _, res := range reservations {
		resOut = append(resOut, reservationResponse(res))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"selection":    selectionResponse(selection),
		"reservations": resOut,
	})
}

func (req selectionRequest) toInput() (SelectionInput, error) {
	qty, err := decimal.NewFromString(req.RequiredQuantity)
	if err != nil {
		return SelectionInput{}, fmt.Errorf("requiredQuantity is not a valid decimal")
	}
	vendorID, err := parseOptionalUUID(req.VendorID)
	if err != nil {
		return SelectionInput{}, fmt.Errorf("vendorId is not a valid uuid")
	}
	return SelectionInput{
		ProductID:        uuid.MustParse(req.ProductID),
		VendorID:         vendorID,
		RequiredQuantity: qty,
	}, nil
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

func itemResponse(item Item) map[string]any {
	var price *string
	if item.Price != nil {
		p := item.Price.String()
		price = &p
	}
	return map[string]any{
		"id":         item.ID,
		"productId":  item.ProductID,
		"lotId":      item.LotID,
		"vendorId":   item.VendorID,
		"locationId": item.LocationID,
		"type":       item.Type,
		"quantity":   item.Quantity.String(),
		"price":      price,
		"currency":   item.Currency,
		"createdAt":  item.CreatedAt.UnixMilli(),
		"updatedAt":  item.UpdatedAt.UnixMilli(),
	}
}

func reservationResponse(res Reservation) map[string]any {
	return map[string]any{
		"id":         res.ID,
		"itemId":     res.ItemID,
		"batchId":    res.BatchID,
		"quantity":   res.Quantity.String(),
		"status":     res.Status,
		"reservedAt": res.ReservedAt.UnixMilli(),
		"reservedBy": res.ReservedBy,
		"releasedAt": millisOrNil(res.ReleasedAt),
		"notes":      res.Notes,
	}
}

func selectionResponse(sel Selection) map[string]any {
	picks := make([]map[string]any, 0, len(sel.Picks))
	for _, p := range sel.Picks {
		picks = append(picks, map[string]any{
			"itemId":       p.ItemID,
			"lotId":        p.LotID,
			"lotCode":      p.LotCode,
			"expirationAt": millisOrNil(p.ExpirationAt),
			"locationId":   p.LocationID,
			"available":    p.Available.String(),
			"quantity":     p.Quantity.String(),
		})
	}
	return map[string]any{"picks": picks, "shortage": sel.Shortage.String()}
}

func tenantOrProblem(w http.ResponseWriter, r *http.Request) (shared.Tenant, bool) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant headers missing")
		return shared.Tenant{}, false
	}
	return tenant, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryOptionalUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func millisOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
