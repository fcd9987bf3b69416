package utils

import (
	"time"

	"agentbill_go/models"
)

// Compact representations used across APIs
type AgencyShort struct {
	ID   uint   `json:"id"`
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`
}

type NotificationDTO struct {
	ID        uint        `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	AgencyID  uint        `json:"agency_id"`
	Type      string      `json:"type"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Link      string      `json:"link,omitempty"`
	Data      models.JSON `json:"data,omitempty"`
	Read      bool        `json:"read"`
	ReadAt    *time.Time  `json:"read_at,omitempty"`
	Agency    AgencyShort `json:"agency"`
}

// ToNotificationDTO maps a models.Notification to the compact DTO.
// Caller should have preloaded Agency when possible.
func ToNotificationDTO(n models.Notification) NotificationDTO {
	dto := NotificationDTO{
		ID:        n.ID,
		CreatedAt: n.CreatedAt,
		AgencyID:  n.AgencyID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		Data:      n.Data,
		Read:      n.Read,
		ReadAt:    n.ReadAt,
	}
	if n.Agency.ID != 0 {
		dto.Agency = AgencyShort{ID: n.Agency.ID, Name: n.Agency.Name, Code: n.Agency.Code}
	}
	return dto
}

func ToNotificationDTOs(items []models.Notification) []NotificationDTO {
	out := make([]NotificationDTO, 0, len(items))
	for _, n := range items {
		out = append(out, ToNotificationDTO(n))
	}
	return out
}

type JobExecutionDTO struct {
	ID             uint        `json:"id"`
	JobName        string      `json:"job_name"`
	RunID          string      `json:"run_id"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Status         string      `json:"status"`
	RecordsUpdated int         `json:"records_updated"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Metadata       models.JSON `json:"metadata,omitempty"`
	DurationMs     *int64      `json:"duration_ms,omitempty"`
}

func ToJobExecutionDTO(r models.JobExecutionRecord) JobExecutionDTO {
	dto := JobExecutionDTO{
		ID:             r.ID,
		JobName:        r.JobName,
		RunID:          r.RunID,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Status:         r.Status,
		RecordsUpdated: r.RecordsUpdated,
		ErrorMessage:   r.ErrorMessage,
		Metadata:       r.Metadata,
	}
	if r.CompletedAt != nil {
		ms := r.CompletedAt.Sub(r.StartedAt).Milliseconds()
		dto.DurationMs = &ms
	}
	return dto
}

func ToJobExecutionDTOs(items []models.JobExecutionRecord) []JobExecutionDTO {
	out := make([]JobExecutionDTO, 0, len(items))
	for _, r := range items {
		out = append(out, ToJobExecutionDTO(r))
	}
	return out
}
