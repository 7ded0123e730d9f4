package workflow

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// NotificationDispatcher drains PENDING notification rows to Pub/Sub after
// their transactions have committed. A redis lock keeps multiple instances
// from double-publishing the same pass; it is best effort only, because the
// consumer side must tolerate replays anyway (the row flips to PUBLISHED
// after the ack, so a crash between ack and flip republishes).
type NotificationDispatcher struct {
	Logger *logrus.Logger

	BatchSize    int
	PollInterval time.Duration
}

func NewNotificationDispatcher(logger *logrus.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		Logger:       logger,
		BatchSize:    50,
		PollInterval: 2 * time.Second,
	}
}

func (d *NotificationDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchPendingNotifications(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchPendingNotifications performs one publish pass. Reads run with the
// tenant scope skipped: the dispatcher works across all tenants.
func (d *NotificationDispatcher) DispatchPendingNotifications(ctx context.Context) {

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "notification_dispatcher", 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err == nil {
			defer lock.Release(ctx)
		}
		// On redis errors the pass continues unguarded.
	}

	pending, err := models.PendingNotifications(ctx, d.BatchSize)
	if err != nil {
		config.LogError(d.Logger, "workflow", "DispatchPendingNotifications", "failed to list pending", nil, err)
		return
	}

	for _, n := range pending {
		event := config.LifecycleEvent{
			ID:             n.ID,
			Kind:           string(n.Kind),
			RecipientId:    n.Recipient,
			Title:          n.Title,
			Message:        n.Message,
			OccurredAt:     n.CreatedAt,
			CorrelationId:  n.CorrelationId,
			SchemaRevision: 1,
		}
		if n.BatchId != nil {
			event.BatchId = *n.BatchId
		}

		if _, err := config.PublishLifecycleEvent(ctx, &event); err != nil {
			config.LogError(d.Logger, "workflow", "DispatchPendingNotifications", "publish failed",
				map[string]interface{}{"notification_id": n.ID}, err)
			if err := models.MarkNotificationFailed(ctx, n.ID); err != nil {
				config.LogError(d.Logger, "workflow", "DispatchPendingNotifications", "mark failed", nil, err)
			}
			continue
		}
		if err := models.MarkNotificationPublished(ctx, n.ID); err != nil {
			config.LogError(d.Logger, "workflow", "DispatchPendingNotifications", "mark published", nil, err)
		}
	}
}
