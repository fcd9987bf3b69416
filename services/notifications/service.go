package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"agentbill_go/config"
	"agentbill_go/database"
	"agentbill_go/models"
	"agentbill_go/utils"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Rows are inserted inside the caller's transaction so dedup and status
// updates commit atomically. The Redis queue only carries post-commit
// delivery fanout (websocket, LINE); if Redis is down we deliver inline.

type queuedDelivery struct {
	NotificationID uint      `json:"notification_id"`
	AgencyID       uint      `json:"agency_id"`
	LineGroupID    string    `json:"line_group_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const redisListKey = "notifications:deliveries"

// Item is one installment flagged by the status engine, with the rows the
// message builder needs already loaded.
type Item struct {
	Installment models.Installment
	Plan        models.PaymentPlan
	Student     models.Student
}

// WSHub interface for WebSocket broadcasting
type WSHub interface {
	BroadcastToAgency(agencyID uint, message interface{})
}

// LinePusher pushes a text message to a LINE group.
type LinePusher interface {
	PushText(groupID, text string) error
}

// defaultHub allows services created in different parts of the app (e.g. the
// scheduler) to broadcast over the same WebSocket hub without manual wiring.
var defaultHub WSHub

// SetDefaultWSHub sets the package-level default WebSocket hub used by new Service instances.
func SetDefaultWSHub(h WSHub) {
	defaultHub = h
}

var defaultLine LinePusher

// SetDefaultLinePusher sets the package-level LINE client used by new Service instances.
func SetDefaultLinePusher(p LinePusher) {
	defaultLine = p
}

// Service generates notification rows and fans out delivery.
type Service struct {
	db       *gorm.DB
	redis    *redis.Client
	useRedis bool
	wsHub    WSHub
	line     LinePusher
}

func NewService() *Service {
	return &Service{
		db:       database.GetDB(),
		redis:    database.GetRedisClient(),
		useRedis: config.AppConfig != nil && config.AppConfig.UseRedisNotifications && database.GetRedisClient() != nil,
		wsHub:    defaultHub,
		line:     defaultLine,
	}
}

// NewServiceWithDB builds a Service on an explicit handle with delivery
// channels left unwired. Used where the global connection is not in play.
func NewServiceWithDB(db *gorm.DB) *Service {
	return &Service{db: db}
}

// SetWebSocketHub sets the WebSocket hub for real-time notifications
func (s *Service) SetWebSocketHub(hub WSHub) {
	s.wsHub = hub
}

// DedupKey builds the logical identity of a notification. Uniqueness is
// enforced by the count check in generate, not by a schema constraint, so
// historical rows for the same installment stay queryable.
func DedupKey(typ string, installmentID uint, extra ...string) string {
	key := fmt.Sprintf("%s:%d", typ, installmentID)
	for _, e := range extra {
		key += ":" + e
	}
	return key
}

// Exists reports whether a notification with the given type and dedup key is
// already present. Runs on the caller's transaction handle.
func Exists(tx *gorm.DB, typ, dedupKey string) (bool, error) {
	var count int64
	err := tx.Model(&models.Notification{}).
		Where("type = ? AND dedup_key = ?", typ, dedupKey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// OverdueMessage builds the body for an overdue-payment notification.
func OverdueMessage(item Item) string {
	return fmt.Sprintf("Payment overdue: %s - %s due %s",
		item.Student.FullName(),
		utils.FormatMoney(item.Installment.Amount),
		utils.FormatDate(item.Installment.StudentDueDate))
}

// DueSoonMessage builds the body for an upcoming-payment notification.
func DueSoonMessage(item Item) string {
	return fmt.Sprintf("Payment due soon: %s - %s due %s",
		item.Student.FullName(),
		utils.FormatMoney(item.Installment.Amount),
		utils.FormatDate(item.Installment.StudentDueDate))
}

// GenerateOverdue inserts one overdue notification per newly flagged
// installment, skipping installments that already have one. Must run on the
// same transaction that performs the status updates. Failures come back as
// wrapped errors per installment so the caller can tell transient DB faults,
// which should abort and retry the whole transaction, from bad rows.
func (s *Service) GenerateOverdue(tx *gorm.DB, agency models.Agency, items []Item) ([]models.Notification, []error) {
	created := make([]models.Notification, 0, len(items))
	var errs []error
	for _, item := range items {
		key := DedupKey(models.NotificationTypeOverdue, item.Installment.ID)
		n, err := s.generate(tx, agency, item, models.NotificationTypeOverdue, key,
			"Payment overdue", OverdueMessage(item), "/payments/plans?status=overdue")
		if err != nil {
			errs = append(errs, fmt.Errorf("installment %d: %w", item.Installment.ID, err))
			continue
		}
		if n != nil {
			created = append(created, *n)
		}
	}
	return created, errs
}

// GenerateDueSoon inserts reminders for installments falling due within the
// agency's threshold. The dedup key includes the due date so a rescheduled
// installment gets a fresh reminder. Error semantics match GenerateOverdue.
func (s *Service) GenerateDueSoon(tx *gorm.DB, agency models.Agency, items []Item) ([]models.Notification, []error) {
	created := make([]models.Notification, 0, len(items))
	var errs []error
	for _, item := range items {
		key := DedupKey(models.NotificationTypeDueSoon, item.Installment.ID,
			item.Installment.StudentDueDate.Format("2006-01-02"))
		n, err := s.generate(tx, agency, item, models.NotificationTypeDueSoon, key,
			"Payment due soon", DueSoonMessage(item), "/payments/plans?status=pending")
		if err != nil {
			errs = append(errs, fmt.Errorf("installment %d: %w", item.Installment.ID, err))
			continue
		}
		if n != nil {
			created = append(created, *n)
		}
	}
	return created, errs
}

func (s *Service) generate(tx *gorm.DB, agency models.Agency, item Item, typ, dedupKey, title, message, link string) (*models.Notification, error) {
	exists, err := Exists(tx, typ, dedupKey)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"installment_id":  item.Installment.ID,
		"payment_plan_id": item.Plan.ID,
		"student_id":      item.Student.ID,
	})
	if err != nil {
		return nil, err
	}
	channels := []string{"normal"}
	if agency.LineGroupID != "" {
		channels = append(channels, "line")
	}
	channelsJSON, _ := json.Marshal(channels)

	n := models.Notification{
		AgencyID: agency.ID,
		Type:     typ,
		Title:    title,
		Message:  message,
		Link:     link,
		DedupKey: dedupKey,
		Data:     data,
		Channels: channelsJSON,
	}
	if err := tx.Create(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateJobAlert writes an operator alert outside any tenant scope. Used by
// the scheduler watchdog; inserts directly on the service's own handle.
func (s *Service) CreateJobAlert(title, message, dedupKey string) error {
	if dedupKey != "" {
		exists, err := Exists(s.db, models.NotificationTypeJobAlert, dedupKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	channelsJSON, _ := json.Marshal([]string{"normal"})
	n := models.Notification{
		Type:     models.NotificationTypeJobAlert,
		Title:    title,
		Message:  message,
		DedupKey: dedupKey,
		Channels: channelsJSON,
	}
	if err := s.db.Create(&n).Error; err != nil {
		return err
	}
	s.deliver(queuedDelivery{NotificationID: n.ID, CreatedAt: time.Now().UTC()})
	return nil
}

// Dispatch fans out delivery for committed notifications. Call after the
// generating transaction commits; queued via Redis when available so the
// HTTP-triggered job is not blocked on LINE round trips.
func (s *Service) Dispatch(agency models.Agency, notifs []models.Notification) {
	for _, n := range notifs {
		d := queuedDelivery{
			NotificationID: n.ID,
			AgencyID:       agency.ID,
			LineGroupID:    agency.LineGroupID,
			CreatedAt:      time.Now().UTC(),
		}
		if s.useRedis {
			if b, err := json.Marshal(d); err == nil {
				if err = s.redis.RPush(context.Background(), redisListKey, b).Err(); err == nil {
					continue
				}
				log.Printf("[notif] Redis queue failed, delivering inline: %v", err)
			}
		}
		s.deliver(d)
	}
}

// deliver pushes one committed notification over the configured channels.
func (s *Service) deliver(d queuedDelivery) {
	var n models.Notification
	if err := s.db.Preload("Agency").First(&n, d.NotificationID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[notif] load for delivery failed: %v", err)
		}
		return
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastToAgency(n.AgencyID, map[string]interface{}{
			"type": "notification",
			"data": utils.ToNotificationDTO(n),
		})
	}

	if s.line != nil && d.LineGroupID != "" && hasChannel(n.Channels, "line") {
		if err := s.line.PushText(d.LineGroupID, n.Message); err != nil {
			log.Printf("[notif] LINE push failed for notification %d: %v", n.ID, err)
		}
	}
}

func hasChannel(raw models.JSON, want string) bool {
	var channels []string
	if err := json.Unmarshal(raw, &channels); err != nil {
		return false
	}
	for _, ch := range channels {
		if ch == want {
			return true
		}
	}
	return false
}

// StartWorker starts a background worker polling the Redis delivery queue.
func (s *Service) StartWorker(stop <-chan struct{}) {
	if !s.useRedis {
		log.Println("[notif] Redis deliveries disabled; worker not started")
		return
	}
	go func() {
		log.Println("[notif] Redis delivery worker started")
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		ctx := context.Background()
		batchSize := 200
		for {
			select {
			case <-stop:
				log.Println("[notif] Worker stopping")
				return
			case <-ticker.C:
				s.flushBatch(ctx, batchSize)
			}
		}
	}()
}

// flushBatch drains the delivery queue in bounded batches.
func (s *Service) flushBatch(ctx context.Context, batchSize int) {
	if s.redis == nil {
		return
	}
	for i := 0; i < 5; i++ { // up to 5 sub-batches per tick
		vals, err := s.redis.LRange(ctx, redisListKey, 0, int64(batchSize-1)).Result()
		if err != nil || len(vals) == 0 {
			return
		}
		// Trim immediately to avoid duplicates (best-effort)
		if err = s.redis.LTrim(ctx, redisListKey, int64(len(vals)), -1).Err(); err != nil {
			log.Printf("[notif] LTrim failed: %v", err)
		}
		for _, raw := range vals {
			var d queuedDelivery
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				continue
			}
			s.deliver(d)
		}
		if len(vals) < batchSize {
			return
		}
	}
}
