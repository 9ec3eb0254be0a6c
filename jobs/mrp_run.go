package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/fabrex-mes/fabrex/internal/jobs"
	"github.com/fabrex-mes/fabrex/internal/planning"
	"github.com/fabrex-mes/fabrex/internal/shared"
)

// MRPRunner executes queued MRP runs against the planning service.
type MRPRunner struct {
	service *planning.Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewMRPRunner constructs MRPRunner. metrics may be nil.
func NewMRPRunner(service *planning.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *MRPRunner {
	return &MRPRunner{service: service, logger: logger, metrics: metrics}
}

// Handle processes TaskMRPRun tasks. Lock contention is surfaced as a
// retryable error so Asynq re-runs the plan; malformed payloads are dropped.
func (r *MRPRunner) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := r.metrics.Track("mrp_run")
	var payload MRPRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}

	tenant, in, err := payload.toInput()
	if err != nil {
		r.logger.Warn("drop malformed mrp run", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}

	result, err := r.service.RunMRP(ctx, tenant, in)
	if err != nil {
		if errors.Is(err, shared.ErrLockContention) {
			r.logger.Info("mrp run deferred on lock contention", slog.String("batch_id", payload.BatchID))
			return tracker.End(err)
		}
		if errors.Is(err, shared.ErrValidation) {
			r.logger.Warn("drop invalid mrp run", slog.Any("error", err))
			return tracker.End(asynq.SkipRetry)
		}
		r.logger.Error("mrp run failed", slog.String("batch_id", payload.BatchID), slog.Any("error", err))
		return tracker.End(err)
	}

	r.logger.Info("mrp run complete",
		slog.String("batch_id", payload.BatchID),
		slog.Int("lines", len(result.Lines)),
		slog.Int("pegs", len(result.Pegs)))
	return tracker.End(nil)
}

func (p MRPRunPayload) toInput() (shared.Tenant, planning.MRPInput, error) {
	entityID, err := parseUUID(p.EntityID)
	if err != nil {
		return shared.Tenant{}, planning.MRPInput{}, err
	}
	plantID, err := parseUUID(p.PlantID)
	if err != nil {
		return shared.Tenant{}, planning.MRPInput{}, err
	}
	batchID, err := parseUUID(p.BatchID)
	if err != nil {
		return shared.Tenant{}, planning.MRPInput{}, err
	}
	in := planning.MRPInput{BatchID: batchID, DemandType: p.DemandType, RunBy: p.RunBy}
	for _, line := range p.Requirements {
		productID, err := parseUUID(line.ProductID)
		if err != nil {
			return shared.Tenant{}, planning.MRPInput{}, err
		}
		vendorID, err := parseOptionalUUID(line.VendorID)
		if err != nil {
			return shared.Tenant{}, planning.MRPInput{}, err
		}
		qty, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			return shared.Tenant{}, planning.MRPInput{}, err
		}
		in.Requirements = append(in.Requirements, planning.Requirement{
			ProductID: productID,
			VendorID:  vendorID,
			Quantity:  qty,
		})
	}
	return shared.Tenant{EntityID: entityID, PlantID: plantID}, in, nil
}
