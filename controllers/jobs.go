package controllers

import (
	"strconv"

	"agentbill_go/database"
	"agentbill_go/models"
	"agentbill_go/services"
	"agentbill_go/services/jobrunner"
	"agentbill_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// JobController exposes the batch trigger and the execution history API.
type JobController struct{}

// TriggerStatusUpdate runs the daily installment status job synchronously and
// returns the per-agency summary. Auth is the pre-shared API key, checked by
// middleware before this handler runs. Re-triggering the same day is safe.
func (jc *JobController) TriggerStatusUpdate(c *fiber.Ctx) error {
	runner := jobrunner.NewRunner()
	summary, err := runner.RunDailyStatusJob(c.UserContext())
	if err != nil {
		logrus.WithError(err).Error("Status update job failed at top level")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Job execution failed",
		})
	}

	status := fiber.StatusOK
	if !summary.Success {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(summary)
}

// GetJobExecutions lists execution records, newest first
func (jc *JobController) GetJobExecutions(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.JobExecutionRecord{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var records []models.JobExecutionRecord
	if err := query.Order("started_at DESC").
		Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch job executions",
		})
	}

	return c.JSON(fiber.Map{
		"executions": utils.ToJobExecutionDTOs(records),
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetJobExecution returns one execution record by run ID or numeric ID
func (jc *JobController) GetJobExecution(c *fiber.Ctx) error {
	param := c.Params("id")

	var record models.JobExecutionRecord
	var err error
	if id, convErr := strconv.ParseUint(param, 10, 32); convErr == nil {
		err = database.DB.First(&record, uint(id)).Error
	} else {
		err = database.DB.Where("run_id = ?", param).First(&record).Error
	}
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job execution not found",
		})
	}

	return c.JSON(fiber.Map{
		"execution": utils.ToJobExecutionDTO(record),
	})
}

// GetJobArchives lists archives of old execution records
func (jc *JobController) GetJobArchives(c *fiber.Ctx) error {
	archiveService := services.NewJobArchiveService()
	archives, err := archiveService.GetArchives()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch archives",
		})
	}

	return c.JSON(fiber.Map{
		"archives": archives,
	})
}

// DownloadJobArchive streams an archived zip from S3
func (jc *JobController) DownloadJobArchive(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid archive ID",
		})
	}

	archiveService := services.NewJobArchiveService()
	reader, fileName, err := archiveService.DownloadArchive(uint(id))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	defer reader.Close()

	c.Set("Content-Type", "application/zip")
	c.Set("Content-Disposition", "attachment; filename="+fileName)
	return c.SendStream(reader)
}
