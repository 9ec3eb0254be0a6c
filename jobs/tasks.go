package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMRPRun triggers a material requirements planning run for a batch.
	TaskMRPRun = "mrp:run"
	// TaskLotExpiryScan flags lots that expire inside the warning window.
	TaskLotExpiryScan = "lots:expiry_scan"
)

// MRPRequirementPayload is one demand line of an enqueued MRP run.
type MRPRequirementPayload struct {
	ProductID string `json:"product_id"`
	VendorID  string `json:"vendor_id,omitempty"`
	Quantity  string `json:"quantity"`
}

// MRPRunPayload carries the inputs of an asynchronous MRP run.
type MRPRunPayload struct {
	EntityID     string                  `json:"entity_id"`
	PlantID      string                  `json:"plant_id"`
	BatchID      string                  `json:"batch_id"`
	DemandType   string                  `json:"demand_type,omitempty"`
	Requirements []MRPRequirementPayload `json:"requirements"`
	RunBy        string                  `json:"run_by"`
}

// NewMRPRunTask constructs an Asynq task for an MRP run.
func NewMRPRunTask(payload MRPRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMRPRun, body, asynq.Queue(QueueDefault), asynq.TaskID("mrp:"+payload.BatchID)), nil
}

// LotExpiryScanPayload carries scheduling metadata for the expiry scan.
type LotExpiryScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	WarnWithin   int       `json:"warn_within_days"`
}

// NewLotExpiryScanTask constructs an Asynq task for the nightly expiry scan.
func NewLotExpiryScanTask(at time.Time, warnWithinDays int) (*asynq.Task, error) {
	if warnWithinDays <= 0 {
		warnWithinDays = 14
	}
	body, err := json.Marshal(LotExpiryScanPayload{ScheduledFor: at, WarnWithin: warnWithinDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLotExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func parseOptionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
