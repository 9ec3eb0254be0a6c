package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/fabrex-mes/fabrex/internal/jobs"
	"github.com/fabrex-mes/fabrex/internal/notify"
)

// ExpiryScanner flags lots whose expiration falls inside the warning window
// and still carry quantity, publishing one event per lot so downstream
// consumers can trigger quarantine or rework. The scan runs as a system-wide
// cron and deliberately sweeps every tenant in one pass; each published event
// carries the entity and plant ids of its lot, so consumers fan out per
// tenant.
type ExpiryScanner struct {
	pool     *pgxpool.Pool
	notifier *notify.Broadcaster
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewExpiryScanner constructs ExpiryScanner. notifier and metrics may be nil.
func NewExpiryScanner(pool *pgxpool.Pool, notifier *notify.Broadcaster, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpiryScanner {
	return &ExpiryScanner{pool: pool, notifier: notifier, logger: logger, metrics: metrics}
}

// Handle processes TaskLotExpiryScan tasks.
func (s *ExpiryScanner) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := s.metrics.Track("lot_expiry_scan")
	var payload LotExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	warnWithin := payload.WarnWithin
	if warnWithin <= 0 {
		warnWithin = 14
	}
	now := time.Now().UTC()
	horizon := now.AddDate(0, 0, warnWithin)

	rows, err := s.pool.Query(ctx, `SELECT id, entity_id, plant_id, product_id, code, expiration_at
FROM lot
WHERE expiration_at IS NOT NULL AND expiration_at >= $1 AND expiration_at < $2 AND quantity > 0
ORDER BY expiration_at ASC`, now.UnixMilli(), horizon.UnixMilli())
	if err != nil {
		return tracker.End(err)
	}
	defer rows.Close()

	flagged := 0
	for rows.Next() {
		var lotID, entityID, plantID, productID uuid.UUID
		var code string
		var expirationAt int64
		if err := rows.Scan(&lotID, &entityID, &plantID, &productID, &code, &expirationAt); err != nil {
			return tracker.End(err)
		}
		s.notifier.Publish(ctx, "lot.expiring", map[string]any{
			"entity_id":     entityID.String(),
			"plant_id":      plantID.String(),
			"lot_id":        lotID.String(),
			"product_id":    productID.String(),
			"code":          code,
			"expiration_at": expirationAt,
		})
		flagged++
	}
	if err := rows.Err(); err != nil {
		return tracker.End(err)
	}

	s.logger.Info("lot expiry scan complete", slog.Int("flagged", flagged), slog.Int("warn_within_days", warnWithin))
	return tracker.End(nil)
}
