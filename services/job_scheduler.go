package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agentbill_go/config"
	"agentbill_go/database"
	"agentbill_go/models"
	"agentbill_go/services/jobrunner"
	"agentbill_go/services/notifications"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// missedCycleWindow is how long the watchdog tolerates no successful run
// before raising an operator alert. A daily job missing a cycle shows up
// just past the 24 hour mark.
const missedCycleWindow = 25 * time.Hour

// JobScheduler optionally drives the daily status job from an in-process
// cron. Deployments that trigger over HTTP leave INTERNAL_CRON unset and
// only the hourly watchdog runs.
type JobScheduler struct {
	db   *gorm.DB
	cron *cron.Cron
}

func NewJobScheduler() *JobScheduler {
	return &JobScheduler{
		db:   database.GetDB(),
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the cron entries and launches the scheduler goroutine.
func (js *JobScheduler) Start() error {
	if expr := config.AppConfig.InternalCron; expr != "" {
		if _, err := js.cron.AddFunc(expr, js.runDailyJob); err != nil {
			return fmt.Errorf("invalid INTERNAL_CRON %q: %w", expr, err)
		}
		logrus.WithField("cron", expr).Info("Internal daily job schedule enabled")
	}
	if _, err := js.cron.AddFunc("@hourly", js.checkMissedCycle); err != nil {
		return fmt.Errorf("register watchdog: %w", err)
	}
	js.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running entry to finish.
func (js *JobScheduler) Stop() {
	ctx := js.cron.Stop()
	<-ctx.Done()
}

func (js *JobScheduler) runDailyJob() {
	runner := jobrunner.NewRunner()
	if _, err := runner.RunDailyStatusJob(context.Background()); err != nil {
		logrus.WithError(err).Error("Scheduled daily status job failed")
	}
}

// checkMissedCycle alerts when no successful run has completed inside the
// watchdog window. The alert dedup key includes the day so a persistent
// outage alerts once per day, not once per hour.
func (js *JobScheduler) checkMissedCycle() {
	var last models.JobExecutionRecord
	err := js.db.
		Where("job_name = ? AND status = ?", jobrunner.JobNameUpdateStatuses, models.JobStatusSuccess).
		Order("completed_at DESC").
		First(&last).Error

	now := time.Now().UTC()
	var since time.Duration
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Never ran; nothing to alert on until a first run exists.
		return
	case err != nil:
		logrus.WithError(err).Error("Watchdog query failed")
		return
	case last.CompletedAt == nil:
		return
	default:
		since = now.Sub(*last.CompletedAt)
	}

	if since < missedCycleWindow {
		return
	}

	notifier := notifications.NewService()
	dedupKey := fmt.Sprintf("%s:missed:%s", jobrunner.JobNameUpdateStatuses, now.Format("2006-01-02"))
	msg := fmt.Sprintf("Daily installment status job has not completed successfully for %s (last success %s)",
		since.Round(time.Minute), last.CompletedAt.Format(time.RFC3339))
	if err := notifier.CreateJobAlert("Daily job missed its cycle", msg, dedupKey); err != nil {
		logrus.WithError(err).Error("Failed to create missed-cycle alert")
	} else {
		logrus.WithField("since_last_success", since.String()).Warn("Daily job missed its cycle")
	}
}
