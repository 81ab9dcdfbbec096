package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"

	"cvboard/internal/api/middleware"
	"cvboard/internal/database"
	"cvboard/internal/notify"
	"cvboard/internal/tasks"
)

// taskEnqueuer 是投递解析任务所需的最小队列能力。
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// documentUploader 是上传简历文档所需的最小存储能力。
type documentUploader interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
}

// JobHandler 负责接收简历文档并创建解析任务。
type JobHandler struct {
	db            *gorm.DB
	asynqClient   taskEnqueuer
	storage       documentUploader
	redisClient   redisRateCounter
	logger        *slog.Logger
	maxBytes      int64
	maxJobsPerDay int
	clamdAddr     string
}

// NewJobHandler 构造 JobHandler。
func NewJobHandler(
	db *gorm.DB,
	asynqClient taskEnqueuer,
	storage documentUploader,
	redisClient redisRateCounter,
	logger *slog.Logger,
	maxBytes int64,
	maxJobsPerDay int,
	clamdAddr string,
) *JobHandler {
	return &JobHandler{
		db:            db,
		asynqClient:   asynqClient,
		storage:       storage,
		redisClient:   redisClient,
		logger:        logger,
		maxBytes:      maxBytes,
		maxJobsPerDay: maxJobsPerDay,
		clamdAddr:     clamdAddr,
	}
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResumeID     string `json:"resume_id,omitempty"`
}

// CreateParseJob 接收上传的简历文档，入库并投递异步解析任务。
// 返回的 job_id 用于打开通知通道跟踪进度。
func (h *JobHandler) CreateParseJob(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	log := middleware.LoggerFromContext(c)

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		BadRequest(c, "file too large")
		return
	}

	ctx := c.Request.Context()

	if h.maxJobsPerDay > 0 && h.redisClient != nil {
		quotaKey := fmt.Sprintf("parse_quota:%d:%s", userID, time.Now().Format("2006-01-02"))
		count, err := incrWithTTL(ctx, h.redisClient, quotaKey, 24*time.Hour)
		switch {
		case err != nil:
			// 限额计数失败不阻断上传，只记录。
			log.Warn("parse quota counter failed", slog.Any("error", err))
		case count > int64(h.maxJobsPerDay):
			Error(c, http.StatusTooManyRequests, "daily parse limit reached")
			return
		}
	}

	if h.clamdAddr != "" {
		if err := h.scanUpload(file); err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, "malicious file detected")
				return
			}
			log.Error("scan file failed", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	defer reader.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectKey := fmt.Sprintf("cv-uploads/%d/%s", userID, uuid.NewString())
	if _, err := h.storage.UploadFile(ctx, objectKey, reader, file.Size, contentType); err != nil {
		log.Error("upload document failed", slog.Any("error", err))
		Internal(c, "failed to store document")
		return
	}

	job := database.ParseJob{
		JobID:     uuid.NewString(),
		UserID:    userID,
		ObjectKey: objectKey,
		Filename:  file.Filename,
		Status:    string(notify.JobPending),
	}
	if err := h.db.WithContext(ctx).Create(&job).Error; err != nil {
		log.Error("create parse job failed", slog.Any("error", err))
		Internal(c, "failed to create parse job")
		return
	}

	task, err := tasks.NewResumeParseTask(job.JobID, middleware.GetCorrelationID(c))
	if err != nil {
		Internal(c, "failed to build parse task")
		return
	}
	if _, err := h.asynqClient.EnqueueContext(ctx, task); err != nil {
		log.Error("enqueue parse task failed", slog.Any("error", err))
		// 任务没能入队就不要让客户端空等终态。
		update := map[string]any{
			"status":        string(notify.JobFailed),
			"error_message": "任务入队失败，请稍后重试",
		}
		if err := h.db.WithContext(ctx).Model(&job).Updates(update).Error; err != nil {
			log.Error("mark job failed errored", slog.Any("error", err))
		}
		Internal(c, "failed to enqueue parse task")
		return
	}

	log.Info("parse job created", slog.String("job_id", job.JobID))
	c.JSON(http.StatusAccepted, createJobResponse{JobID: job.JobID})
}

// GetJob 返回任务的持久化状态。
// 通知通道断连期间错过的更新以这里为准。
func (h *JobHandler) GetJob(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	jobID := c.Param("id")
	var job database.ParseJob
	err := h.db.WithContext(c.Request.Context()).
		Where("job_id = ? AND user_id = ?", jobID, userID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "job not found")
			return
		}
		Internal(c, "failed to query job")
		return
	}

	resp := jobStatusResponse{
		JobID:        job.JobID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
	}
	if job.ResumeID != nil {
		resp.ResumeID = strconv.FormatUint(uint64(*job.ResumeID), 10)
	}
	c.JSON(http.StatusOK, resp)
}

var errMaliciousFile = errors.New("malicious file detected")

// scanUpload 通过 clamd 流式扫描上传内容。
func (h *JobHandler) scanUpload(file *multipart.FileHeader) error {
	reader, err := file.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer reader.Close()

	clamdClient := clamd.NewClamd(h.clamdAddr)
	abortChan := make(chan bool)
	defer close(abortChan)

	scanChan, err := clamdClient.ScanStream(reader, abortChan)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			return errMaliciousFile
		}
	}
	return nil
}
