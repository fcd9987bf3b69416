package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentbill_go/config"
	"agentbill_go/database"
	"agentbill_go/models"
	"agentbill_go/services/commission"
	"agentbill_go/services/notifications"
	"agentbill_go/services/statusengine"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const JobNameUpdateStatuses = "update-installment-statuses"

// AgencyResult is one agency's slice of a batch run. Serialized camelCase
// into both the HTTP response and the execution record metadata.
type AgencyResult struct {
	AgencyID             uint     `json:"agencyId"`
	Transitioned         int      `json:"transitioned"`
	NotificationsCreated int      `json:"notificationsCreated"`
	Errors               []string `json:"errors"`
	Failed               bool     `json:"failed,omitempty"`
}

// RunSummary is the aggregate outcome returned to the trigger endpoint.
type RunSummary struct {
	Success              bool           `json:"success"`
	RunID                string         `json:"runId"`
	RecordsUpdated       int            `json:"recordsUpdated"`
	NotificationsCreated int            `json:"notificationsCreated"`
	Agencies             []AgencyResult `json:"agencies"`
}

// Runner orchestrates one daily batch: per-agency transition, commission
// recompute and notification generation, each agency one transaction.
type Runner struct {
	db            *gorm.DB
	notifier      *notifications.Service
	workers       int
	agencyTimeout time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	now           func() time.Time
}

func NewRunner() *Runner {
	r := &Runner{
		db:            database.GetDB(),
		notifier:      notifications.NewService(),
		workers:       4,
		agencyTimeout: 2 * time.Minute,
		maxAttempts:   3,
		backoffBase:   time.Second,
		now:           time.Now,
	}
	if cfg := config.AppConfig; cfg != nil {
		if cfg.JobWorkerCount > 0 {
			r.workers = cfg.JobWorkerCount
		}
		if cfg.JobAgencyTimeout > 0 {
			r.agencyTimeout = cfg.JobAgencyTimeout
		}
		if cfg.JobMaxAttempts > 0 {
			r.maxAttempts = cfg.JobMaxAttempts
		}
		if cfg.JobBackoffBase > 0 {
			r.backoffBase = cfg.JobBackoffBase
		}
	}
	// Agencies are independent but the pool stays small to bound DB pressure.
	if r.workers > 8 {
		r.workers = 8
	}
	return r
}

// RunDailyStatusJob executes one batch run. Safe to re-invoke: a second run
// in the same local day makes no further transitions and creates no duplicate
// notifications. A non-nil error means a top-level failure; per-agency
// failures are reported inside the summary instead.
func (r *Runner) RunDailyStatusJob(ctx context.Context) (*RunSummary, error) {
	record := models.JobExecutionRecord{
		JobName:   JobNameUpdateStatuses,
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
		Status:    models.JobStatusRunning,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"job": record.JobName, "run_id": record.RunID})
	log.Info("Daily status job started")

	var agencies []models.Agency
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.AgencyStatusActive).
		Order("id").
		Find(&agencies).Error; err != nil {
		err = fmt.Errorf("load agencies: %w", err)
		r.finalize(&record, nil, err)
		return nil, err
	}

	results := r.processAgencies(ctx, log, agencies)

	summary := &RunSummary{RunID: record.RunID, Agencies: results}
	failed := 0
	for _, res := range results {
		summary.RecordsUpdated += res.Transitioned
		summary.NotificationsCreated += res.NotificationsCreated
		if res.Failed {
			failed++
		}
	}
	// The run only counts as failed when no agency got through.
	allFailed := len(results) > 0 && failed == len(results)
	summary.Success = !allFailed

	var runErr error
	if allFailed {
		runErr = fmt.Errorf("all %d agencies failed: %s", len(results), joinErrors(results))
	}
	r.finalize(&record, summary, runErr)

	log.WithFields(logrus.Fields{
		"agencies":      len(results),
		"failed":        failed,
		"transitions":   summary.RecordsUpdated,
		"notifications": summary.NotificationsCreated,
	}).Info("Daily status job finished")
	return summary, nil
}

// processAgencies fans agencies out over a bounded worker pool and collects
// results in agency-id order.
func (r *Runner) processAgencies(ctx context.Context, log *logrus.Entry, agencies []models.Agency) []AgencyResult {
	jobs := make(chan models.Agency)
	out := make(chan AgencyResult, len(agencies))

	workers := r.workers
	if workers > len(agencies) {
		workers = len(agencies)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agency := range jobs {
				out <- r.processAgencyWithRetry(ctx, log, agency)
			}
		}()
	}
	for _, a := range agencies {
		jobs <- a
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]AgencyResult, 0, len(agencies))
	for res := range out {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].AgencyID < results[j].AgencyID })
	return results
}

// processAgencyWithRetry wraps one agency's unit of work with the transient
// retry policy. Permanent errors fail immediately; a failing agency never
// blocks the others.
func (r *Runner) processAgencyWithRetry(ctx context.Context, log *logrus.Entry, agency models.Agency) AgencyResult {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffFor(r.backoffBase, attempt-1)); err != nil {
				lastErr = err
				break
			}
			log.WithFields(logrus.Fields{"agency_id": agency.ID, "attempt": attempt + 1}).
				Warn("Retrying agency after transient failure")
		}
		res, err := r.processAgency(ctx, agency)
		if err == nil {
			return res
		}
		lastErr = err
		if !IsTransient(err) {
			log.WithFields(logrus.Fields{"agency_id": agency.ID}).
				WithError(err).Error("Agency failed with permanent error")
			break
		}
	}
	log.WithFields(logrus.Fields{"agency_id": agency.ID}).
		WithError(lastErr).Error("Agency unit of work failed")
	return AgencyResult{
		AgencyID: agency.ID,
		Errors:   []string{lastErr.Error()},
		Failed:   true,
	}
}

// processAgency runs one agency's full unit of work inside a single
// transaction: status transitions, commission recompute, notification rows.
// Delivery fanout happens only after the transaction commits.
func (r *Runner) processAgency(ctx context.Context, agency models.Agency) (AgencyResult, error) {
	clock, err := statusengine.NewClock(agency)
	if err != nil {
		return AgencyResult{}, Permanent(fmt.Errorf("agency %d config: %w", agency.ID, err))
	}

	actx, cancel := context.WithTimeout(ctx, r.agencyTimeout)
	defer cancel()

	result := AgencyResult{AgencyID: agency.ID, Errors: []string{}}
	var created []models.Notification

	err = r.db.WithContext(actx).Transaction(func(tx *gorm.DB) error {
		var pending []models.Installment
		if err := tx.
			Joins("JOIN payment_plans ON payment_plans.id = installments.payment_plan_id").
			Where("payment_plans.agency_id = ? AND payment_plans.status = ? AND installments.status = ?",
				agency.ID, models.PaymentPlanStatusActive, models.InstallmentStatusPending).
			Preload("PaymentPlan").
			Preload("PaymentPlan.Student").
			Find(&pending).Error; err != nil {
			return fmt.Errorf("load pending installments: %w", err)
		}

		now := r.now()
		overdue, dueSoon := statusengine.Evaluate(clock, pending, now, agency.DueSoonThresholdDays)

		if len(overdue) > 0 {
			ids := make([]uint, 0, len(overdue))
			for _, inst := range overdue {
				ids = append(ids, inst.ID)
			}
			// The status guard keeps concurrent or repeated runs idempotent.
			res := tx.Model(&models.Installment{}).
				Where("id IN ? AND status = ?", ids, models.InstallmentStatusPending).
				Update("status", models.InstallmentStatusOverdue)
			if res.Error != nil {
				return fmt.Errorf("mark overdue: %w", res.Error)
			}
			result.Transitioned = int(res.RowsAffected)
		}

		for _, planID := range affectedPlanIDs(overdue) {
			if err := r.recomputePlan(tx, planID); err != nil {
				if IsTransient(err) {
					return err
				}
				// Bad plan data is a per-item condition, not a batch failure.
				result.Errors = append(result.Errors, fmt.Sprintf("plan %d: %v", planID, err))
			}
		}

		overdueItems, itemErrs := buildItems(overdue)
		result.Errors = append(result.Errors, itemErrs...)
		batch, genErrs := r.notifier.GenerateOverdue(tx, agency, overdueItems)
		created = append(created, batch...)
		if err := noteGenErrors(&result, genErrs); err != nil {
			return err
		}

		if agency.DueSoonThresholdDays > 0 {
			dueSoonItems, soonErrs := buildItems(dueSoon)
			result.Errors = append(result.Errors, soonErrs...)
			batch, genErrs = r.notifier.GenerateDueSoon(tx, agency, dueSoonItems)
			created = append(created, batch...)
			if err := noteGenErrors(&result, genErrs); err != nil {
				return err
			}
		}
		result.NotificationsCreated = len(created)
		return nil
	})
	if err != nil {
		return AgencyResult{}, err
	}

	r.notifier.Dispatch(agency, created)
	return result, nil
}

// recomputePlan refreshes a plan's cached commission figures from live rows.
func (r *Runner) recomputePlan(tx *gorm.DB, planID uint) error {
	var plan models.PaymentPlan
	if err := tx.Preload("Installments").First(&plan, planID).Error; err != nil {
		return err
	}

	expected, err := commission.ExpectedCommission(plan)
	if err != nil {
		return Permanent(err)
	}
	earned, err := commission.EarnedCommission(plan, plan.Installments)
	if err != nil {
		return Permanent(err)
	}
	outstanding, err := commission.OutstandingCommission(plan, plan.Installments)
	if err != nil {
		return Permanent(err)
	}

	now := r.now().UTC()
	return tx.Model(&models.PaymentPlan{}).Where("id = ?", planID).Updates(map[string]interface{}{
		"cached_expected_commission":    expected.Value,
		"cached_earned_commission":      earned.Value,
		"cached_outstanding_commission": outstanding.Value,
		"commission_synced_at":          now,
	}).Error
}

// noteGenErrors folds notification generator failures into the agency result.
// A transient fault is returned instead, aborting the transaction so the retry
// policy re-seeds the whole batch; committing without the row would lose the
// notification for good, since the installment is no longer pending next run.
func noteGenErrors(result *AgencyResult, errs []error) error {
	for _, err := range errs {
		if IsTransient(err) {
			return err
		}
		result.Errors = append(result.Errors, err.Error())
	}
	return nil
}

// affectedPlanIDs collects distinct plan IDs from transitioned installments.
func affectedPlanIDs(installments []models.Installment) []uint {
	seen := make(map[uint]struct{}, len(installments))
	ids := make([]uint, 0, len(installments))
	for _, inst := range installments {
		if _, dup := seen[inst.PaymentPlanID]; dup {
			continue
		}
		seen[inst.PaymentPlanID] = struct{}{}
		ids = append(ids, inst.PaymentPlanID)
	}
	return ids
}

// buildItems joins installments with their preloaded plan and student rows.
// A missing join is recorded per item and does not abort the rest.
func buildItems(installments []models.Installment) ([]notifications.Item, []string) {
	items := make([]notifications.Item, 0, len(installments))
	var errs []string
	for _, inst := range installments {
		if inst.PaymentPlan.ID == 0 {
			errs = append(errs, fmt.Sprintf("installment %d: payment plan missing", inst.ID))
			continue
		}
		if inst.PaymentPlan.Student.ID == 0 {
			errs = append(errs, fmt.Sprintf("installment %d: student missing", inst.ID))
			continue
		}
		items = append(items, notifications.Item{
			Installment: inst,
			Plan:        inst.PaymentPlan,
			Student:     inst.PaymentPlan.Student,
		})
	}
	return items, errs
}

// finalize closes out the execution record. The record is append-only from
// the caller's perspective; this is the single mutation after creation.
func (r *Runner) finalize(record *models.JobExecutionRecord, summary *RunSummary, runErr error) {
	now := r.now().UTC()
	record.CompletedAt = &now
	record.Status = models.JobStatusSuccess
	if runErr != nil {
		record.Status = models.JobStatusFailed
		record.ErrorMessage = runErr.Error()
	}
	if summary != nil {
		record.RecordsUpdated = summary.RecordsUpdated
		if meta, err := json.Marshal(map[string]interface{}{
			"agencies":             summary.Agencies,
			"notificationsCreated": summary.NotificationsCreated,
		}); err == nil {
			record.Metadata = meta
		}
	}
	if err := r.db.Model(&models.JobExecutionRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"completed_at":    record.CompletedAt,
			"status":          record.Status,
			"records_updated": record.RecordsUpdated,
			"error_message":   record.ErrorMessage,
			"metadata":        record.Metadata,
		}).Error; err != nil {
		logrus.WithError(err).WithField("run_id", record.RunID).
			Error("Failed to finalize execution record")
	}
}

// joinErrors flattens per-agency error lists for the execution record.
func joinErrors(results []AgencyResult) string {
	var parts []string
	for _, res := range results {
		for _, e := range res.Errors {
			parts = append(parts, fmt.Sprintf("agency %d: %s", res.AgencyID, e))
		}
	}
	return strings.Join(parts, "; ")
}
