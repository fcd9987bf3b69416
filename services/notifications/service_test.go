package notifications

import (
	"errors"
	"testing"
	"time"

	"agentbill_go/models"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
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
	return gdb, mock
}

func sampleItem() Item {
	return Item{
		Installment: models.Installment{
			BaseModel:      models.BaseModel{ID: 42},
			Amount:         1850.5,
			StudentDueDate: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		Plan:    models.PaymentPlan{BaseModel: models.BaseModel{ID: 7}},
		Student: models.Student{FirstName: "Maria", LastName: "Santos"},
	}
}

func TestOverdueMessage(t *testing.T) {
	got := OverdueMessage(sampleItem())
	want := "Payment overdue: Maria Santos - $1,850.50 due 5 Mar 2025"
	if got != want {
		t.Errorf("OverdueMessage = %q, want %q", got, want)
	}
}

func TestDueSoonMessage(t *testing.T) {
	got := DueSoonMessage(sampleItem())
	want := "Payment due soon: Maria Santos - $1,850.50 due 5 Mar 2025"
	if got != want {
		t.Errorf("DueSoonMessage = %q, want %q", got, want)
	}
}

func TestDedupKey(t *testing.T) {
	if got := DedupKey(models.NotificationTypeOverdue, 42); got != "overdue_payment:42" {
		t.Errorf("DedupKey = %q", got)
	}
	got := DedupKey(models.NotificationTypeDueSoon, 42, "2025-03-05")
	if got != "due_soon_payment:42:2025-03-05" {
		t.Errorf("DedupKey with extra = %q", got)
	}
}

func TestGenerateOverdueDedup(t *testing.T) {
	gdb, mock := newTestDB(t)
	s := &Service{}
	agency := models.Agency{BaseModel: models.BaseModel{ID: 2}}
	items := []Item{sampleItem()}

	mock.ExpectQuery("SELECT count").
		WithArgs(models.NotificationTypeOverdue, "overdue_payment:42").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO `notifications`").
		WillReturnResult(sqlmock.NewResult(100, 1))

	created, errs := s.GenerateOverdue(gdb, agency, items)
	if len(errs) != 0 {
		t.Fatalf("first pass errors: %v", errs)
	}
	if len(created) != 1 || created[0].ID != 100 {
		t.Fatalf("expected one created notification, got %+v", created)
	}

	// Same installment again: the count check must skip the insert entirely.
	mock.ExpectQuery("SELECT count").
		WithArgs(models.NotificationTypeOverdue, "overdue_payment:42").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	created, errs = s.GenerateOverdue(gdb, agency, items)
	if len(errs) != 0 {
		t.Fatalf("second pass errors: %v", errs)
	}
	if len(created) != 0 {
		t.Fatalf("second pass must produce no new record, got %+v", created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGenerateOverdueSurfacesQueryError(t *testing.T) {
	gdb, mock := newTestDB(t)
	s := &Service{}
	agency := models.Agency{BaseModel: models.BaseModel{ID: 2}}
	dbErr := errors.New("Error 1213: Deadlock found when trying to get lock; try restarting transaction")

	mock.ExpectQuery("SELECT count").WillReturnError(dbErr)

	created, errs := s.GenerateOverdue(gdb, agency, []Item{sampleItem()})
	if len(created) != 0 {
		t.Fatalf("no notification should be created, got %+v", created)
	}
	if len(errs) != 1 || !errors.Is(errs[0], dbErr) {
		t.Fatalf("expected the wrapped query error, got %v", errs)
	}
}

func TestHasChannel(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"present", `["normal","line"]`, true},
		{"absent", `["normal"]`, false},
		{"empty", `[]`, false},
		{"malformed", `{`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := hasChannel(models.JSON(c.raw), "line"); got != c.want {
				t.Errorf("hasChannel(%q) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}
