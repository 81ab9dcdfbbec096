package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cvboard/internal/database"
	"cvboard/internal/notify"
	"cvboard/internal/resume"
	"cvboard/internal/storage"
	"cvboard/internal/tasks"
)

// documentStore 是任务处理所需的最小存储能力。
type documentStore interface {
	DownloadFile(ctx context.Context, objectKey string) ([]byte, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// ParseTaskHandler 负责消费简历解析任务：
// 取出文档、调用解析服务、落库，并把每一步状态发布到通知频道。
type ParseTaskHandler struct {
	db            *gorm.DB
	storage       documentStore
	publisher     notifyPublisher
	logger        *slog.Logger
	parserBaseURL string
	parserSecret  string

	// finalAttempt 判断当前是否最后一次重试，测试中可替换。
	finalAttempt func(ctx context.Context) bool
}

// NewParseTaskHandler 创建任务处理器。
func NewParseTaskHandler(
	db *gorm.DB,
	storageClient *storage.Client,
	publisher notifyPublisher,
	logger *slog.Logger,
	parserBaseURL string,
	parserSecret string,
) *ParseTaskHandler {
	return &ParseTaskHandler{
		db:            db,
		storage:       storageClient,
		publisher:     publisher,
		logger:        logger,
		parserBaseURL: parserBaseURL,
		parserSecret:  parserSecret,
		finalAttempt:  isFinalAsynqAttempt,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *ParseTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.ResumeParsePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return err
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.String("job_id", payload.JobID),
	)
	log.Info("starting resume parse task")

	var job database.ParseJob
	if err := h.db.WithContext(ctx).Where("job_id = ?", payload.JobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("parse job not found, skipping task")
			return nil
		}
		log.Error("query parse job failed", slog.Any("error", err))
		return err
	}

	log = log.With(slog.Uint64("user_id", uint64(job.UserID)))

	// 瞬时失败交给 asynq 重试；只有最后一次尝试失败才把终态告知客户端，
	// 避免一次网络抖动就给用户报失败。
	defer func() {
		if retErr == nil {
			return
		}
		if !h.finalAttempt(ctx) {
			return
		}
		h.failJob(ctx, &job, strings.TrimSpace(retErr.Error()), log)
	}()

	if err := h.db.WithContext(ctx).Model(&job).Update("status", string(notify.JobProcessing)).Error; err != nil {
		log.Error("mark job processing failed", slog.Any("error", err))
		return err
	}
	if err := publishJobStatus(ctx, h.publisher, job.UserID, notify.JobStatusPayload{
		JobID:  job.JobID,
		Status: notify.JobProcessing,
	}); err != nil {
		// 进度通知丢了不影响任务本身，持久状态仍在数据库里。
		log.Warn("publish processing notification failed", slog.Any("error", err))
	}

	document, err := h.storage.DownloadFile(ctx, job.ObjectKey)
	if err != nil {
		if storage.IsNoSuchKey(err) {
			// 文档已不存在，重试无意义，直接终结任务。
			log.Warn("document object missing", slog.String("object_key", job.ObjectKey))
			h.failJob(ctx, &job, "简历文档已不存在，无法解析", log)
			return nil
		}
		log.Error("download document failed", slog.Any("error", err))
		return err
	}

	cv, err := parseDocument(ctx, h.parserBaseURL, h.parserSecret, job.Filename, document)
	if err != nil {
		log.Error("parse document failed", slog.Any("error", err))
		return err
	}

	content, err := json.Marshal(cv)
	if err != nil {
		return fmt.Errorf("marshal parsed cv: %w", err)
	}

	rec := database.Resume{
		Title:   resumeTitle(cv, job.Filename),
		Content: datatypes.JSON(content),
		UserID:  job.UserID,
	}
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Error("create resume failed", slog.Any("error", err))
		return err
	}

	update := map[string]any{
		"status":    string(notify.JobCompleted),
		"resume_id": rec.ID,
	}
	if err := h.db.WithContext(ctx).Model(&job).Updates(update).Error; err != nil {
		log.Error("update parse job failed", slog.Any("error", err))
		return err
	}

	if err := publishJobStatus(ctx, h.publisher, job.UserID, notify.JobStatusPayload{
		JobID:    job.JobID,
		Status:   notify.JobCompleted,
		ResumeID: strconv.FormatUint(uint64(rec.ID), 10),
		CVData:   cv,
	}); err != nil {
		log.Error("publish completed notification failed", slog.Any("error", err))
		return err
	}

	// 解析结果已入库，原始文档没有保留价值。删除失败不影响任务结果。
	if err := h.storage.DeleteObject(ctx, job.ObjectKey); err != nil {
		log.Warn("delete parsed document failed", slog.String("object_key", job.ObjectKey), slog.Any("error", err))
	}

	log.Info("resume parse task completed")
	return nil
}

// failJob 将任务标记为失败并发布终态通知。
func (h *ParseTaskHandler) failJob(ctx context.Context, job *database.ParseJob, message string, log *slog.Logger) {
	update := map[string]any{
		"status":        string(notify.JobFailed),
		"error_message": message,
	}
	if err := h.db.WithContext(ctx).Model(job).Updates(update).Error; err != nil {
		log.Error("mark job failed errored", slog.Any("error", err))
	}
	if err := publishJobStatus(ctx, h.publisher, job.UserID, notify.JobStatusPayload{
		JobID:        job.JobID,
		Status:       notify.JobFailed,
		ErrorMessage: message,
	}); err != nil {
		log.Error("publish failed notification errored", slog.Any("error", err))
	}
}

func resumeTitle(cv *resume.CVData, filename string) string {
	if name := strings.TrimSpace(cv.Name); name != "" {
		return name + "的简历"
	}
	if filename != "" {
		return filename
	}
	return "未命名简历"
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
