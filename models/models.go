package models

import (
	"database/sql/driver"
	"time"

	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSON field type for GORM
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	s, ok := value.([]byte)
	if !ok {
		return nil
	}
	*j = append((*j)[0:0], s...)
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// Agency statuses. Inactive agencies are skipped by the daily job.
const (
	AgencyStatusActive   = "active"
	AgencyStatusInactive = "inactive"
)

// Agency is the tenant. Timezone and cutoff drive the daily status job; the
// job treats agencies as read-only input.
type Agency struct {
	BaseModel
	Name                 string `json:"name" gorm:"size:255;not null"`
	Code                 string `json:"code" gorm:"size:50;uniqueIndex"`
	Timezone             string `json:"timezone" gorm:"size:100;not null;default:'Australia/Sydney'"` // IANA name
	OverdueCutoffTime    string `json:"overdue_cutoff_time" gorm:"size:10;not null;default:'17:00'"`  // local HH:MM
	DueSoonThresholdDays int    `json:"due_soon_threshold_days" gorm:"not null;default:7"`
	Status               string `json:"status" gorm:"size:50;not null;default:'active';type:enum('active','inactive')"` // active, inactive
	LineGroupID          string `json:"line_group_id" gorm:"size:100"`

	// Relationships
	Students     []Student     `json:"students,omitempty" gorm:"foreignKey:AgencyID"`
	PaymentPlans []PaymentPlan `json:"payment_plans,omitempty" gorm:"foreignKey:AgencyID"`
}

// Student is owned by the CRUD layer; the engine only reads the name for
// notification text.
type Student struct {
	BaseModel
	AgencyID  uint   `json:"agency_id" gorm:"not null;index"`
	FirstName string `json:"first_name" gorm:"size:100"`
	LastName  string `json:"last_name" gorm:"size:100"`
	Email     string `json:"email" gorm:"size:255"`

	// Relationships
	Agency Agency `json:"agency,omitempty" gorm:"foreignKey:AgencyID"`
}

// FullName joins first and last name for display in notifications.
func (s Student) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// College is owned by the CRUD layer; read-only here.
type College struct {
	BaseModel
	Name    string `json:"name" gorm:"size:255;not null"`
	Country string `json:"country" gorm:"size:100"`
}

// Payment plan statuses. Only active plans are evaluated by the daily job;
// installments under completed or cancelled plans are frozen.
const (
	PaymentPlanStatusActive    = "active"
	PaymentPlanStatusCompleted = "completed"
	PaymentPlanStatusCancelled = "cancelled"
)

// PaymentPlan holds the commission parameters and cached commission figures.
// The engine updates only the cached fields; everything else is read-only.
type PaymentPlan struct {
	BaseModel
	AgencyID              uint    `json:"agency_id" gorm:"not null;index"`
	StudentID             uint    `json:"student_id" gorm:"not null;index"`
	CollegeID             uint    `json:"college_id"`
	TotalCourseValue      float64 `json:"total_course_value" gorm:"not null"`
	MaterialsCost         float64 `json:"materials_cost"`
	AdminFees             float64 `json:"admin_fees"`
	OtherFees             float64 `json:"other_fees"`
	CommissionRatePercent float64 `json:"commission_rate_percent" gorm:"not null"`
	GSTInclusive          bool    `json:"gst_inclusive" gorm:"default:true"`
	Status                string  `json:"status" gorm:"size:50;not null;default:'active';type:enum('active','completed','cancelled')"` // active, completed, cancelled

	// Cached commission figures, recomputed by the daily job after status
	// transitions. Source of truth is always the calculator over live rows.
	CachedExpectedCommission    float64    `json:"cached_expected_commission"`
	CachedEarnedCommission      float64    `json:"cached_earned_commission"`
	CachedOutstandingCommission float64    `json:"cached_outstanding_commission"`
	CommissionSyncedAt          *time.Time `json:"commission_synced_at"`

	// Relationships
	Agency       Agency        `json:"agency,omitempty" gorm:"foreignKey:AgencyID"`
	Student      Student       `json:"student,omitempty" gorm:"foreignKey:StudentID"`
	College      College       `json:"college,omitempty" gorm:"foreignKey:CollegeID"`
	Installments []Installment `json:"installments,omitempty" gorm:"foreignKey:PaymentPlanID"`
}

// Installment statuses. Forward-only for the engine: pending -> overdue is the
// single automated transition; paid and cancelled are absorbing and set
// externally.
const (
	InstallmentStatusDraft     = "draft"
	InstallmentStatusPending   = "pending"
	InstallmentStatusOverdue   = "overdue"
	InstallmentStatusPaid      = "paid"
	InstallmentStatusCancelled = "cancelled"
)

// Installment is one scheduled payment of a plan. InstallmentNumber 0 is the
// initial payment. StudentDueDate is a calendar date; time-of-day is ignored.
type Installment struct {
	BaseModel
	PaymentPlanID       uint       `json:"payment_plan_id" gorm:"not null;index"`
	InstallmentNumber   int        `json:"installment_number" gorm:"not null"`
	Amount              float64    `json:"amount" gorm:"not null"`
	StudentDueDate      time.Time  `json:"student_due_date" gorm:"type:date;not null;index"`
	CollegeDueDate      *time.Time `json:"college_due_date" gorm:"type:date"`
	Status              string     `json:"status" gorm:"size:50;not null;default:'draft';type:enum('draft','pending','overdue','paid','cancelled');index"`
	PaidDate            *time.Time `json:"paid_date" gorm:"type:date"`
	PaidAmount          float64    `json:"paid_amount"`
	GeneratesCommission bool       `json:"generates_commission" gorm:"default:true"`

	// Relationships
	PaymentPlan PaymentPlan `json:"payment_plan,omitempty" gorm:"foreignKey:PaymentPlanID"`
}

// Job execution statuses.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// JobExecutionRecord logs one batch run. Created at start, finalized on
// completion, never mutated afterwards.
type JobExecutionRecord struct {
	BaseModel
	JobName        string     `json:"job_name" gorm:"size:100;not null;index"`
	RunID          string     `json:"run_id" gorm:"size:36;uniqueIndex"`
	StartedAt      time.Time  `json:"started_at" gorm:"not null"`
	CompletedAt    *time.Time `json:"completed_at"`
	Status         string     `json:"status" gorm:"size:50;not null;default:'running';type:enum('running','success','failed')"` // running, success, failed
	RecordsUpdated int        `json:"records_updated"`
	ErrorMessage   string     `json:"error_message" gorm:"type:text"`
	Metadata       JSON       `json:"metadata" gorm:"type:json"`
}

// Notification types emitted by the engine.
const (
	NotificationTypeOverdue  = "overdue_payment"
	NotificationTypeDueSoon  = "due_soon_payment"
	NotificationTypeJobAlert = "job_alert"
)

// Notification is created and owned entirely by the engine. DedupKey carries
// the logical uniqueness; it is indexed but deliberately not unique, the
// generator double-checks before insert so retried batches stay idempotent.
// AgencyID 0 marks an operator-level alert not scoped to a tenant.
type Notification struct {
	BaseModel
	AgencyID uint       `json:"agency_id" gorm:"index"`
	Type     string     `json:"type" gorm:"size:50;not null;type:enum('overdue_payment','due_soon_payment','job_alert')"`
	Title    string     `json:"title" gorm:"size:255;not null"`
	Message  string     `json:"message" gorm:"type:text;not null"`
	Link     string     `json:"link" gorm:"size:500"`
	DedupKey string     `json:"dedup_key" gorm:"size:120;index"`
	Data     JSON       `json:"data" gorm:"type:json"`
	Channels JSON       `json:"channels" gorm:"type:json"`
	Read     bool       `json:"read" gorm:"default:false"`
	ReadAt   *time.Time `json:"read_at"`

	// Relationships
	Agency Agency `json:"agency,omitempty" gorm:"foreignKey:AgencyID"`
}

// JobArchive tracks job-log archives uploaded to S3.
type JobArchive struct {
	BaseModel
	FileName    string    `json:"file_name" gorm:"size:255;not null"`
	S3Key       string    `json:"s3_key" gorm:"size:500;not null"`
	StartDate   time.Time `json:"start_date" gorm:"not null"`
	EndDate     time.Time `json:"end_date" gorm:"not null"`
	RecordCount int       `json:"record_count" gorm:"not null"`
	FileSize    int64     `json:"file_size" gorm:"not null"`
	Status      string    `json:"status" gorm:"size:50;not null;default:'pending';type:enum('pending','completed','failed')"` // pending, completed, failed
	Error       string    `json:"error" gorm:"type:text"`
}
