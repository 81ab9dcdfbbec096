package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvboard/internal/database"
	"cvboard/internal/notify"
	"cvboard/internal/tasks"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	err      error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: map[string][]byte{}}
}

func (s *fakeUploader) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (*minio.UploadInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	b, _ := io.ReadAll(reader)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[objectName] = b
	return &minio.UploadInfo{}, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[key]++
	return redis.NewIntResult(c.counts[key], nil)
}

func (c *fakeCounter) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func newJobTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.ParseJob{}, &database.Resume{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newMultipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func newJobRouter(h *JobHandler, userID uint) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	inject := func(c *gin.Context) { c.Set("userID", userID) }
	router.POST("/v1/resumes/parse", inject, h.CreateParseJob)
	router.GET("/v1/jobs/:id", inject, h.GetJob)
	return router
}

func postUpload(t *testing.T, router *gin.Engine, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := newMultipartUpload(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/v1/resumes/parse", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateParseJob(t *testing.T) {
	db := newJobTestDB(t)
	uploader := newFakeUploader()
	enqueuer := &fakeEnqueuer{}
	h := NewJobHandler(db, enqueuer, uploader, nil, discardLogger(), 1024, 0, "")
	router := newJobRouter(h, 1)

	rec := postUpload(t, router, "cv.pdf", []byte("%PDF-1.7 test"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp createJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("response missing job_id")
	}

	var job database.ParseJob
	if err := db.Where("job_id = ?", resp.JobID).First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != string(notify.JobPending) || job.UserID != 1 || job.Filename != "cv.pdf" {
		t.Fatalf("job = %+v", job)
	}
	if !strings.HasPrefix(job.ObjectKey, "cv-uploads/1/") {
		t.Fatalf("object key = %q", job.ObjectKey)
	}
	if _, ok := uploader.uploaded[job.ObjectKey]; !ok {
		t.Fatal("document not uploaded")
	}

	if len(enqueuer.tasks) != 1 {
		t.Fatalf("tasks enqueued = %d, want 1", len(enqueuer.tasks))
	}
	var payload tasks.ResumeParsePayload
	if err := json.Unmarshal(enqueuer.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("decode task payload: %v", err)
	}
	if payload.JobID != resp.JobID {
		t.Fatalf("task job id = %q, want %q", payload.JobID, resp.JobID)
	}
}

func TestCreateParseJobMissingFile(t *testing.T) {
	h := NewJobHandler(newJobTestDB(t), &fakeEnqueuer{}, newFakeUploader(), nil, discardLogger(), 1024, 0, "")
	router := newJobRouter(h, 1)

	req := httptest.NewRequest(http.MethodPost, "/v1/resumes/parse", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateParseJobTooLarge(t *testing.T) {
	h := NewJobHandler(newJobTestDB(t), &fakeEnqueuer{}, newFakeUploader(), nil, discardLogger(), 4, 0, "")
	router := newJobRouter(h, 1)

	rec := postUpload(t, router, "cv.pdf", []byte("definitely more than four bytes"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateParseJobDailyQuota(t *testing.T) {
	db := newJobTestDB(t)
	h := NewJobHandler(db, &fakeEnqueuer{}, newFakeUploader(), &fakeCounter{}, discardLogger(), 1024, 1, "")
	router := newJobRouter(h, 1)

	if rec := postUpload(t, router, "a.pdf", []byte("%PDF")); rec.Code != http.StatusAccepted {
		t.Fatalf("first upload status = %d, want 202", rec.Code)
	}
	if rec := postUpload(t, router, "b.pdf", []byte("%PDF")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", rec.Code)
	}
}

func TestCreateParseJobEnqueueFailure(t *testing.T) {
	db := newJobTestDB(t)
	enqueuer := &fakeEnqueuer{err: errors.New("queue down")}
	h := NewJobHandler(db, enqueuer, newFakeUploader(), nil, discardLogger(), 1024, 0, "")
	router := newJobRouter(h, 1)

	rec := postUpload(t, router, "cv.pdf", []byte("%PDF"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// 入队失败的任务必须立即标记失败，客户端不能空等终态。
	var job database.ParseJob
	if err := db.First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != string(notify.JobFailed) {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
}

func TestGetJob(t *testing.T) {
	db := newJobTestDB(t)
	resumeID := uint(33)
	seed := database.ParseJob{
		JobID:    "job-xyz",
		UserID:   1,
		Status:   string(notify.JobCompleted),
		ResumeID: &resumeID,
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	h := NewJobHandler(db, &fakeEnqueuer{}, newFakeUploader(), nil, discardLogger(), 1024, 0, "")
	router := newJobRouter(h, 1)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-xyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(notify.JobCompleted) || resp.ResumeID != "33" {
		t.Fatalf("response = %+v", resp)
	}

	// 其他用户的任务不可见。
	other := newJobRouter(h, 2)
	rec = httptest.NewRecorder()
	other.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-xyz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user status = %d, want 404", rec.Code)
	}
}
