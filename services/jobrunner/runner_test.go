package jobrunner

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"agentbill_go/models"
	"agentbill_go/services/notifications"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockRunner(t *testing.T) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: conn, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return &Runner{
		db:            gdb,
		notifier:      notifications.NewServiceWithDB(gdb),
		workers:       1,
		agencyTimeout: time.Minute,
		maxAttempts:   2,
		backoffBase:   time.Millisecond,
		now:           func() time.Time { return time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC) },
	}, mock
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func planRows(agencyID uint) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "agency_id", "student_id", "total_course_value", "commission_rate_percent", "gst_inclusive", "status"}).
		AddRow(5, agencyID, 7, 10000.0, 15.0, true, "active")
}

// expectAgencyUnit scripts one agency's transaction up to, but not including,
// the notification step: the pending scan with its preloads, the status flip
// and the commission recompute. One installment, due two days back.
func expectAgencyUnit(mock sqlmock.Sqlmock, agencyID uint) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM `installments` JOIN payment_plans").
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_plan_id", "installment_number", "amount", "student_due_date", "status"}).
			AddRow(10, 5, 1, 1200.0, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), "pending"))
	mock.ExpectQuery("FROM `payment_plans` WHERE").
		WillReturnRows(planRows(agencyID))
	mock.ExpectQuery("FROM `students` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agency_id", "first_name", "last_name"}).
			AddRow(7, agencyID, "Maria", "Santos"))
	mock.ExpectExec("UPDATE `installments` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM `payment_plans` WHERE").
		WillReturnRows(planRows(agencyID))
	mock.ExpectQuery("FROM `installments` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_plan_id", "amount", "status", "generates_commission"}).
			AddRow(10, 5, 1200.0, "overdue", true))
	mock.ExpectExec("UPDATE `payment_plans` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectNotificationCommit scripts a clean dedup check, the insert, the
// commit and the post-commit delivery lookup.
func expectNotificationCommit(mock sqlmock.Sqlmock, agencyID uint) {
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO `notifications`").
		WillReturnResult(sqlmock.NewResult(100, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM `notifications` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agency_id", "type", "title", "message", "channels"}).
			AddRow(100, agencyID, "overdue_payment", "Payment overdue", "msg", []byte(`["normal"]`)))
	mock.ExpectQuery("FROM `agencies` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(agencyID))
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("agency 3: %w", context.DeadlineExceeded), true},
		{"bad conn", driver.ErrBadConn, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"string conn refused", errors.New("dial tcp 10.0.0.1:3306: connect: connection refused"), true},
		{"mysql deadlock", errors.New("Error 1213: Deadlock found when trying to get lock; try restarting transaction"), true},
		{"lock wait", errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{"validation", errors.New("invalid timezone"), false},
		{"permanent wrapped transient", Permanent(context.DeadlineExceeded), false},
		{"wrapped permanent", fmt.Errorf("agency 3: %w", Permanent(errors.New("bad cutoff"))), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTransient(c.err); got != c.want {
				t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestPermanentUnwrap(t *testing.T) {
	base := errors.New("bad config")
	err := Permanent(base)
	if !errors.Is(err, base) {
		t.Error("Permanent must preserve the error chain")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

func TestBackoffFor(t *testing.T) {
	base := time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, w := range want {
		if got := backoffFor(base, attempt); got != w {
			t.Errorf("backoffFor(attempt=%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepCtx(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleepCtx did not return promptly: %v", elapsed)
	}
}

func TestAffectedPlanIDs(t *testing.T) {
	insts := []models.Installment{
		{PaymentPlanID: 3},
		{PaymentPlanID: 1},
		{PaymentPlanID: 3},
		{PaymentPlanID: 2},
		{PaymentPlanID: 1},
	}
	got := affectedPlanIDs(insts)
	want := []uint{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBuildItemsFailureIsolation(t *testing.T) {
	withJoins := models.Installment{
		BaseModel: models.BaseModel{ID: 1},
		PaymentPlan: models.PaymentPlan{
			BaseModel: models.BaseModel{ID: 10},
			Student:   models.Student{BaseModel: models.BaseModel{ID: 100}},
		},
	}
	noPlan := models.Installment{BaseModel: models.BaseModel{ID: 2}}
	noStudent := models.Installment{
		BaseModel:   models.BaseModel{ID: 3},
		PaymentPlan: models.PaymentPlan{BaseModel: models.BaseModel{ID: 11}},
	}

	items, errs := buildItems([]models.Installment{withJoins, noPlan, noStudent})
	if len(items) != 1 || items[0].Installment.ID != 1 {
		t.Fatalf("expected only the fully joined installment, got %+v", items)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 per-item errors, got %v", errs)
	}
}

func TestRunDailyStatusJobPartialSuccess(t *testing.T) {
	r, mock := newMockRunner(t)

	mock.ExpectExec("INSERT INTO `job_execution_records`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM `agencies` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "timezone", "overdue_cutoff_time", "due_soon_threshold_days", "status"}).
			AddRow(1, "UTC", "17:00", 0, "active").
			AddRow(2, "UTC", "17:00", 0, "active"))

	// Agency 1 dies on a permanent error and must not block agency 2.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM `installments` JOIN payment_plans").
		WillReturnError(errors.New("Error 1146: Table 'agentbill.installments' doesn't exist"))
	mock.ExpectRollback()

	expectAgencyUnit(mock, 2)
	expectNotificationCommit(mock, 2)

	mock.ExpectExec("UPDATE `job_execution_records` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := r.RunDailyStatusJob(context.Background())
	if err != nil {
		t.Fatalf("RunDailyStatusJob: %v", err)
	}
	if !summary.Success {
		t.Fatal("one healthy agency must keep the run successful")
	}
	if summary.RecordsUpdated != 1 || summary.NotificationsCreated != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Agencies) != 2 {
		t.Fatalf("expected 2 agency results, got %+v", summary.Agencies)
	}
	if !summary.Agencies[0].Failed || len(summary.Agencies[0].Errors) == 0 {
		t.Fatalf("agency 1 should carry its failure: %+v", summary.Agencies[0])
	}
	if summary.Agencies[1].Failed || summary.Agencies[1].Transitioned != 1 {
		t.Fatalf("agency 2 should have transitioned: %+v", summary.Agencies[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransientNotificationFaultRetriesAgencyUnit(t *testing.T) {
	r, mock := newMockRunner(t)
	agency := models.Agency{
		BaseModel:         models.BaseModel{ID: 3},
		Timezone:          "UTC",
		OverdueCutoffTime: "17:00",
	}

	// First attempt: the dedup lookup deadlocks, which must roll back the
	// status flip along with it. Committing here would lose the notification
	// for good, the installment is no longer pending on the next run.
	expectAgencyUnit(mock, 3)
	mock.ExpectQuery("SELECT count").
		WillReturnError(errors.New("Error 1213: Deadlock found when trying to get lock; try restarting transaction"))
	mock.ExpectRollback()

	// Second attempt: everything lands, including the notification row.
	expectAgencyUnit(mock, 3)
	expectNotificationCommit(mock, 3)

	res := r.processAgencyWithRetry(context.Background(), quietLog(), agency)
	if res.Failed {
		t.Fatalf("transient notification fault must be retried, got %+v", res)
	}
	if res.Transitioned != 1 || res.NotificationsCreated != 1 {
		t.Fatalf("result = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNoteGenErrors(t *testing.T) {
	var result AgencyResult
	permanent := []error{errors.New("installment 9: data too long for column")}
	if err := noteGenErrors(&result, permanent); err != nil {
		t.Fatalf("permanent generator error must not abort: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("permanent error should be recorded, got %+v", result.Errors)
	}

	transient := fmt.Errorf("installment 9: %w", driver.ErrBadConn)
	if err := noteGenErrors(&result, []error{transient}); !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("transient generator error must abort the transaction, got %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("transient error must not be swallowed into the result: %+v", result.Errors)
	}
}

func TestJoinErrors(t *testing.T) {
	results := []AgencyResult{
		{AgencyID: 1, Errors: []string{"boom"}},
		{AgencyID: 2, Errors: []string{}},
		{AgencyID: 3, Errors: []string{"a", "b"}},
	}
	got := joinErrors(results)
	want := "agency 1: boom; agency 3: a; agency 3: b"
	if got != want {
		t.Errorf("joinErrors = %q, want %q", got, want)
	}
}
