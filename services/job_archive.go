package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"agentbill_go/config"
	"agentbill_go/database"
	"agentbill_go/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JobArchiveService moves old execution records and read notifications out
// of the hot tables into zipped S3 archives. Keeps the daily job's queries
// fast without losing the audit trail.
type JobArchiveService struct {
	awsConfig aws.Config
}

// ArchivedExecution is the exported representation stored inside archives
type ArchivedExecution struct {
	ID             uint           `json:"id"`
	JobName        string         `json:"job_name"`
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	Status         string         `json:"status"`
	RecordsUpdated int            `json:"records_updated"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewJobArchiveService creates a new service instance
func NewJobArchiveService() *JobArchiveService {
	cfg, err := awscfg.LoadDefaultConfig(context.Background(), awscfg.WithRegion(config.AppConfig.AWSRegion))
	if err != nil {
		logrus.WithError(err).Warn("Failed to load AWS config; S3 operations will fail until configured")
	}

	return &JobArchiveService{awsConfig: cfg}
}

// ArchiveOldRecords archives execution records older than daysOld to S3 and
// removes them from the database, along with read notifications of the same
// age. Minimum age is enforced so a misconfiguration cannot eat fresh data.
func (jas *JobArchiveService) ArchiveOldRecords(daysOld int) error {
	if daysOld < 7 {
		return fmt.Errorf("minimum archive age is 7 days for safety")
	}

	cutoffDate := time.Now().UTC().AddDate(0, 0, -daysOld)

	batchSize := 1000
	var all []ArchivedExecution
	var earliest time.Time

	for offset := 0; ; offset += batchSize {
		var records []models.JobExecutionRecord
		err := database.DB.
			Where("started_at < ?", cutoffDate).
			Order("started_at").
			Limit(batchSize).
			Offset(offset).
			Find(&records).Error
		if err != nil {
			return fmt.Errorf("failed to fetch execution records for archiving: %v", err)
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			archived := ArchivedExecution{
				ID:             rec.ID,
				JobName:        rec.JobName,
				RunID:          rec.RunID,
				StartedAt:      rec.StartedAt,
				CompletedAt:    rec.CompletedAt,
				Status:         rec.Status,
				RecordsUpdated: rec.RecordsUpdated,
				ErrorMessage:   rec.ErrorMessage,
			}
			if len(rec.Metadata) > 0 {
				var meta map[string]any
				if err := json.Unmarshal(rec.Metadata, &meta); err == nil {
					archived.Metadata = meta
				}
			}
			if earliest.IsZero() || rec.StartedAt.Before(earliest) {
				earliest = rec.StartedAt
			}
			all = append(all, archived)
		}
	}

	if len(all) == 0 {
		logrus.Info("No execution records to archive")
		return nil
	}
	logrus.Infof("Archiving %d execution records older than %s", len(all), cutoffDate.Format("2006-01-02"))

	archiveFileName := fmt.Sprintf("job_executions_%s.zip", cutoffDate.Format("2006-01-02"))
	zipBuffer, err := jas.createZipArchive(all, archiveFileName)
	if err != nil {
		return fmt.Errorf("failed to create ZIP archive: %v", err)
	}

	s3Key := fmt.Sprintf("jobs/archived/%d/%02d/%s",
		cutoffDate.Year(),
		cutoffDate.Month(),
		archiveFileName)

	if err := jas.uploadToS3(s3Key, zipBuffer); err != nil {
		return fmt.Errorf("failed to upload archive to S3: %v", err)
	}

	logrus.Infof("Successfully uploaded archive to S3: %s", s3Key)

	result := database.DB.Unscoped().Where("started_at < ?", cutoffDate).Delete(&models.JobExecutionRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete archived execution records: %v", result.Error)
	}
	logrus.Infof("Deleted %d archived execution records", result.RowsAffected)

	// Read notifications past the cutoff ride along in the same sweep.
	notifResult := database.DB.Unscoped().
		Where("created_at < ? AND `read` = ?", cutoffDate, true).
		Delete(&models.Notification{})
	if notifResult.Error != nil {
		logrus.WithError(notifResult.Error).Warn("Failed to prune read notifications")
	} else if notifResult.RowsAffected > 0 {
		logrus.Infof("Pruned %d read notifications", notifResult.RowsAffected)
	}

	archiveMetadata := models.JobArchive{
		FileName:    archiveFileName,
		S3Key:       s3Key,
		StartDate:   earliest,
		EndDate:     cutoffDate,
		RecordCount: len(all),
		FileSize:    int64(zipBuffer.Len()),
		Status:      "completed",
	}
	if err := database.DB.Create(&archiveMetadata).Error; err != nil {
		logrus.WithError(err).Error("Failed to save archive metadata")
	}

	return nil
}

// createZipArchive creates a ZIP file containing the records as JSON and CSV
func (jas *JobArchiveService) createZipArchive(records []ArchivedExecution, fileName string) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zipWriter := zip.NewWriter(buf)

	jsonFile, err := zipWriter.Create("job_executions.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON file in ZIP: %v", err)
	}

	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")
	payload := map[string]any{
		"export_date":    time.Now().UTC(),
		"record_count":   len(records),
		"format_version": "1.0",
		"executions":     records,
	}
	if err := encoder.Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to encode records to JSON: %v", err)
	}

	metadataFile, err := zipWriter.Create("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata file in ZIP: %v", err)
	}
	metadata := map[string]any{
		"file_name":    fileName,
		"created_at":   time.Now().UTC(),
		"record_count": len(records),
		"date_range": map[string]any{
			"start": records[0].StartedAt,
			"end":   records[len(records)-1].StartedAt,
		},
		"schema_version": "1.0",
		"description":    "Installment Status Job Execution Archive",
	}
	if err := json.NewEncoder(metadataFile).Encode(metadata); err != nil {
		return nil, fmt.Errorf("failed to encode metadata to JSON: %v", err)
	}

	csvFile, err := zipWriter.Create("job_executions.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file in ZIP: %v", err)
	}

	csvFile.Write([]byte("ID,Job Name,Run ID,Started At,Completed At,Status,Records Updated,Error Message\n"))
	for _, rec := range records {
		completed := ""
		if rec.CompletedAt != nil {
			completed = rec.CompletedAt.Format("2006-01-02 15:04:05")
		}
		errMsg := strings.ReplaceAll(rec.ErrorMessage, "\"", "\"\"")
		line := fmt.Sprintf("%d,%s,%s,%s,%s,%s,%d,\"%s\"\n",
			rec.ID,
			rec.JobName,
			rec.RunID,
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			completed,
			rec.Status,
			rec.RecordsUpdated,
			errMsg,
		)
		csvFile.Write([]byte(line))
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close ZIP writer: %v", err)
	}

	return buf, nil
}

// uploadToS3 uploads data to the configured bucket
func (jas *JobArchiveService) uploadToS3(key string, data *bytes.Buffer) error {
	if jas.awsConfig.Region == "" {
		return fmt.Errorf("AWS not configured")
	}

	s3Client := s3.NewFromConfig(jas.awsConfig)
	bucketName := config.AppConfig.S3BucketName

	_, err := s3Client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      &bucketName,
		Key:         &key,
		Body:        bytes.NewReader(data.Bytes()),
		ContentType: aws.String("application/zip"),
	})

	return err
}

// downloadFromS3 downloads a key from S3
func (jas *JobArchiveService) downloadFromS3(key string) (io.ReadCloser, error) {
	if jas.awsConfig.Region == "" {
		return nil, fmt.Errorf("AWS not configured")
	}

	s3Client := s3.NewFromConfig(jas.awsConfig)
	bucketName := config.AppConfig.S3BucketName

	result, err := s3Client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &bucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}

	return result.Body, nil
}

// GetArchives retrieves the list of uploaded archives
func (jas *JobArchiveService) GetArchives() ([]models.JobArchive, error) {
	var archives []models.JobArchive
	err := database.DB.
		Order("created_at DESC").
		Find(&archives).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve archives: %v", err)
	}
	return archives, nil
}

// DownloadArchive streams a specific archive from S3
func (jas *JobArchiveService) DownloadArchive(archiveID uint) (io.ReadCloser, string, error) {
	var archive models.JobArchive
	err := database.DB.First(&archive, archiveID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", fmt.Errorf("archive not found")
		}
		return nil, "", fmt.Errorf("failed to retrieve archive: %v", err)
	}

	reader, err := jas.downloadFromS3(archive.S3Key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download archive from S3: %v", err)
	}

	return reader, archive.FileName, nil
}

// StartArchiveScheduler runs the archive sweep daily in the background.
func (jas *JobArchiveService) StartArchiveScheduler() {
	go func() {
		days := config.AppConfig.ArchiveAfterDays
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := jas.ArchiveOldRecords(days); err != nil {
				logrus.WithError(err).Warn("periodic ArchiveOldRecords failed")
			}
		}
	}()
}
