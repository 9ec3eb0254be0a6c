package planning

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fabrex-mes/fabrex/internal/platform/httpx"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// Handler wires HTTP endpoints for the planning module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs planning handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers planning routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/supplies", h.handleCreateSupply)
	r.Get("/supplies/{supplyID}", h.handleGetSupply)
	r.Post("/allocations/fafo", h.handleSelectFAFO)
	r.Post("/planned-reservations", h.handleReservePlanned)
	r.Post("/planned-reservations/{reservationID}/release", h.handleReleasePlanned)
	r.Post("/planned-reservations/{reservationID}/cancel", h.handleCancelPlanned)
	r.Delete("/batches/{batchID}/planned-reservations", h.handleRemovePlannedByBatch)
	r.Post("/mrp/runs", h.handleRunMRP)
	r.Get("/demands/{demandID}/pegs", h.handleListPegs)
	r.Get("/products/{productID}/projection", h.handleProject)
}

type createSupplyRequest struct {
	ProductID  string  `json:"productId" validate:"required,uuid4"`
	VendorID   *string `json:"vendorId,omitempty" validate:"omitempty,uuid4"`
	Quantity   string  `json:"quantity" validate:"required"`
	SourceType string  `json:"sourceType" validate:"required,oneof=PURCHASE PRODUCTION"`
	SourceCode string  `json:"sourceCode,omitempty"`
	ExpectedAt int64   `json:"expectedAt" validate:"required"`
	CreatedBy  string  `json:"createdBy" validate:"required"`
}

func (h *Handler) handleCreateSupply(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req createSupplyRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity is not a valid decimal")
		return
	}
	vendorID, err := parseOptionalUUID(req.VendorID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vendorId is not a valid uuid")
		return
	}
	supply, err := h.service.CreateSupply(r.Context(), tenant, CreateSupplyInput{
		ProductID:  uuid.MustParse(req.ProductID),
		VendorID:   vendorID,
		Quantity:   qty,
		SourceType: SupplySourceType(req.SourceType),
		SourceCode: req.SourceCode,
		ExpectedAt: time.UnixMilli(req.ExpectedAt).UTC(),
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		h.logger.Error("create supply failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, supplyResponse(supply))
}

func (h *Handler) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	supplyID, ok := pathUUID(w, r, "supplyID")
	if !ok {
		return
	}
	supply, err := h.service.GetSupply(r.Context(), tenant, supplyID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, supplyResponse(supply))
}

type fafoRequest struct {
	ProductID        string  `json:"productId" validate:"required,uuid4"`
	VendorID         *string `json:"vendorId,omitempty" validate:"omitempty,uuid4"`
	RequiredQuantity string  `json:"requiredQuantity" validate:"required"`
}

func (h *Handler) handleSelectFAFO(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req fafoRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.RequiredQuantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "requiredQuantity is not a valid decimal")
		return
	}
	vendorID, err := parseOptionalUUID(req.VendorID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vendorId is not a valid uuid")
		return
	}
	selection, err := h.service.SelectFAFO(r.Context(), tenant, uuid.MustParse(req.ProductID), vendorID, qty)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	picks := make([]map[string]any, 0, len(selection.Picks))
	for _, p := range selection.Picks {
		picks = append(picks, map[string]any{
			"plannedSupplyId": p.PlannedSupplyID,
			"sourceType":      p.SourceType,
			"sourceCode":      p.SourceCode,
			"expectedAt":      p.ExpectedAt.UnixMilli(),
			"available":       p.Available.String(),
			"quantity":        p.Quantity.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"picks": picks, "shortage": selection.Shortage.String()})
}

type reservePlannedRequest struct {
	BatchID         string `json:"batchId" validate:"required,uuid4"`
	PlannedSupplyID string `json:"plannedSupplyId" validate:"required,uuid4"`
	Quantity        string `json:"quantity" validate:"required"`
	ReservedBy      string `json:"reservedBy" validate:"required"`
}

func (h *Handler) handleReservePlanned(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req reservePlannedRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity is not a valid decimal")
		return
	}
	reservation, err := h.service.ReservePlanned(r.Context(), tenant, ReservePlannedInput{
		BatchID:         uuid.MustParse(req.BatchID),
		PlannedSupplyID: uuid.MustParse(req.PlannedSupplyID),
		Quantity:        qty,
		ReservedBy:      req.ReservedBy,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, plannedReservationResponse(reservation))
}

type actorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func (h *Handler) handleReleasePlanned(w http.ResponseWriter, r *http.Request) {
	h.transitionPlannedHTTP(w, r, h.service.ReleasePlanned)
}

func (h *Handler) handleCancelPlanned(w http.ResponseWriter, r *http.Request) {
	h.transitionPlannedHTTP(w, r, h.service.CancelPlanned)
}

func (h *Handler) transitionPlannedHTTP(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenant shared.Tenant, id uuid.UUID, actor string) error) {
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

func (h *Handler) handleRemovePlannedByBatch(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	batchID, ok := pathUUID(w, r, "batchID")
	if !ok {
		return
	}
	released, err := h.service.RemovePlannedByBatch(r.Context(), tenant, batchID, r.URL.Query().Get("actor"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batchId": batchID, "released": released})
}

type mrpRequirement struct {
	ProductID string  `json:"productId" validate:"required,uuid4"`
	VendorID  *string `json:"vendorId,omitempty" validate:"omitempty,uuid4"`
	Quantity  string  `json:"quantity" validate:"required"`
}

type mrpRunRequest struct {
	BatchID      string           `json:"batchId" validate:"required,uuid4"`
	DemandType   string           `json:"demandType,omitempty"`
	Requirements []mrpRequirement `json:"requirements" validate:"required,min=1,dive"`
	RunBy        string           `json:"runBy" validate:"required"`
}

func (h *Handler) handleRunMRP(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	var req mrpRunRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	in := MRPInput{
		BatchID:    uuid.MustParse(req.BatchID),
		DemandType: req.DemandType,
		RunBy:      req.RunBy,
	}
	for _, line := range req.Requirements {
		qty, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "requirement quantity is not a valid decimal")
			return
		}
		vendorID, err := parseOptionalUUID(line.VendorID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "requirement vendorId is not a valid uuid")
			return
		}
		in.Requirements = append(in.Requirements, Requirement{
			ProductID: uuid.MustParse(line.ProductID),
			VendorID:  vendorID,
			Quantity:  qty,
		})
	}
	result, err := h.service.RunMRP(r.Context(), tenant, in)
	if err != nil {
		h.logger.Error("mrp run failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mrpResultResponse(result))
}

func (h *Handler) handleListPegs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrProblem(w, r)
	if !ok {
		return
	}
	demandID, ok := pathUUID(w, r, "demandID")
	if !ok {
		return
	}
	pegs, err := h.service.Pegs(r.Context(), tenant, demandID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(pegs))
	for _, p := range pegs {
		out = append(out, pegResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
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
	in := ProjectionInput{ProductID: productID, VendorID: vendorID}
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "start must be YYYY-MM-DD")
			return
		}
		in.Start = start
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "end must be YYYY-MM-DD")
			return
		}
		in.End = end
	}
	projection, err := h.service.Project(r.Context(), tenant, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	weeks := make([]map[string]any, 0, len(projection.Weeks))
	for _, wk := range projection.Weeks {
		weeks = append(weeks, map[string]any{
			"weekStart":          wk.WeekStart.Format("2006-01-02"),
			"plannedSupply":      wk.PlannedSupply.String(),
			"plannedReserved":    wk.PlannedReserved.String(),
			"inventoryReserved":  wk.InventoryReserved.String(),
			"futureRequirements": wk.FutureRequirements.String(),
			"availableStart":     wk.AvailableStart.String(),
			"availableEnd":       wk.AvailableEnd.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"productId":   projection.ProductID,
		"vendorId":    projection.VendorID,
		"onHand":      projection.OnHand.String(),
		"weeks":       weeks,
		"generatedAt": projection.GeneratedAt.UnixMilli(),
	})
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

func supplyResponse(s PlannedSupply) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"productId":  s.ProductID,
		"vendorId":   s.VendorID,
		"quantity":   s.Quantity.String(),
		"sourceType": s.SourceType,
		"sourceCode": s.SourceCode,
		"expectedAt": s.ExpectedAt.UnixMilli(),
		"status":     s.Status,
		"createdAt":  s.CreatedAt.UnixMilli(),
		"createdBy":  s.CreatedBy,
	}
}

func plannedReservationResponse(res PlannedReservation) map[string]any {
	return map[string]any{
		"id":              res.ID,
		"batchId":         res.BatchID,
		"plannedSupplyId": res.PlannedSupplyID,
		"quantity":        res.Quantity.String(),
		"status":          res.Status,
		"reservedAt":      res.ReservedAt.UnixMilli(),
		"reservedBy":      res.ReservedBy,
	}
}

func pegResponse(p Peg) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"demandType": p.DemandType,
		"demandId":   p.DemandID,
		"supplyType": p.SupplyType,
		"supplyId":   p.SupplyID,
		"productId":  p.ProductID,
		"quantity":   p.Quantity.String(),
		"peggedAt":   p.PeggedAt.UnixMilli(),
	}
}

func mrpResultResponse(result MRPResult) map[string]any {
	lines := make([]map[string]any, 0, len(result.Lines))
	for _, line := range result.Lines {
		lines = append(lines, map[string]any{
			"productId": line.ProductID,
			"required":  line.Required.String(),
			"onHand":    line.OnHand.String(),
			"planned":   line.Planned.String(),
			"shortage":  line.Shortage.String(),
		})
	}
	pegs := make([]map[string]any, 0, len(result.Pegs))
	for _, p := range result.Pegs {
		pegs = append(pegs, pegResponse(p))
	}
	return map[string]any{
		"batchId": result.BatchID,
		"lines":   lines,
		"pegs":    pegs,
		"ranAt":   result.RanAt.UnixMilli(),
	}
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
