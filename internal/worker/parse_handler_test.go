package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvboard/internal/database"
	"cvboard/internal/notify"
	"cvboard/internal/resume"
	"cvboard/internal/tasks"
)

type fakeStore struct {
	objects map[string][]byte
	deleted []string
}

func (s *fakeStore) DownloadFile(_ context.Context, key string) ([]byte, error) {
	if data, ok := s.objects[key]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("get object %q: NoSuchKey", key)
}

func (s *fakeStore) DeleteObject(_ context.Context, key string) error {
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	frames []notify.JobStatusPayload
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	frame, _ := message.([]byte)
	msg, err := notify.Decode(frame)
	if err == nil && msg.JobStatus != nil {
		p.mu.Lock()
		p.frames = append(p.frames, *msg.JobStatus)
		p.mu.Unlock()
	}
	return redis.NewIntResult(1, nil)
}

func (p *fakePublisher) statuses() []notify.JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.JobState, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Status)
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.Resume{}, &database.ParseJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newParserServer(t *testing.T, cv resume.CVData) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(cv)
	}))
}

func newHandler(db *gorm.DB, store *fakeStore, pub *fakePublisher, parserURL string) *ParseTaskHandler {
	return &ParseTaskHandler{
		db:            db,
		storage:       store,
		publisher:     pub,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		parserBaseURL: parserURL,
		parserSecret:  "s3cret",
		finalAttempt:  func(context.Context) bool { return true },
	}
}

func seedJob(t *testing.T, db *gorm.DB, jobID, objectKey string) database.ParseJob {
	t.Helper()
	job := database.ParseJob{
		JobID:     jobID,
		UserID:    7,
		ObjectKey: objectKey,
		Filename:  "cv.pdf",
		Status:    string(notify.JobPending),
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func newParseTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	task, err := tasks.NewResumeParseTask(jobID, "corr-1")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func TestProcessTaskCompletes(t *testing.T) {
	db := newTestDB(t)
	store := &fakeStore{objects: map[string][]byte{"cv-uploads/7/doc": []byte("%PDF-1.7")}}
	pub := &fakePublisher{}
	srv := newParserServer(t, resume.CVData{Name: "赵六", Email: "z6@example.com", Skills: []string{"Go", "SQL"}})
	defer srv.Close()

	seedJob(t, db, "job-1", "cv-uploads/7/doc")
	h := newHandler(db, store, pub, srv.URL)

	if err := h.ProcessTask(context.Background(), newParseTask(t, "job-1")); err != nil {
		t.Fatalf("process task: %v", err)
	}

	var job database.ParseJob
	if err := db.Where("job_id = ?", "job-1").First(&job).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job.Status != string(notify.JobCompleted) {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if job.ResumeID == nil {
		t.Fatal("job not linked to created resume")
	}

	var rec database.Resume
	if err := db.First(&rec, *job.ResumeID).Error; err != nil {
		t.Fatalf("load resume: %v", err)
	}
	if rec.UserID != 7 || rec.Title != "赵六的简历" {
		t.Fatalf("resume = %+v", rec)
	}

	statuses := pub.statuses()
	if len(statuses) != 2 || statuses[0] != notify.JobProcessing || statuses[1] != notify.JobCompleted {
		t.Fatalf("published statuses = %v, want [processing completed]", statuses)
	}
	last := pub.frames[len(pub.frames)-1]
	if last.ResumeID == "" || last.CVData == nil || last.CVData.Name != "赵六" {
		t.Fatalf("terminal frame = %+v", last)
	}

	// 解析成功后原始文档应被清理。
	if len(store.deleted) != 1 || store.deleted[0] != "cv-uploads/7/doc" {
		t.Fatalf("deleted objects = %v, want [cv-uploads/7/doc]", store.deleted)
	}
}

func TestProcessTaskParserFailurePublishesFailed(t *testing.T) {
	db := newTestDB(t)
	store := &fakeStore{objects: map[string][]byte{"cv-uploads/7/doc": []byte("%PDF-1.7")}}
	pub := &fakePublisher{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "parser crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	seedJob(t, db, "job-2", "cv-uploads/7/doc")
	h := newHandler(db, store, pub, srv.URL)

	if err := h.ProcessTask(context.Background(), newParseTask(t, "job-2")); err == nil {
		t.Fatal("expected error from parser failure")
	}

	var job database.ParseJob
	if err := db.Where("job_id = ?", "job-2").First(&job).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job.Status != string(notify.JobFailed) || job.ErrorMessage == "" {
		t.Fatalf("job = %+v, want failed with message", job)
	}

	statuses := pub.statuses()
	if len(statuses) != 2 || statuses[1] != notify.JobFailed {
		t.Fatalf("published statuses = %v, want terminal failed", statuses)
	}

	// 失败的任务保留原始文档，重试或排查都还用得上。
	if len(store.deleted) != 0 {
		t.Fatalf("deleted objects = %v, want none on failure", store.deleted)
	}
}

func TestProcessTaskNonFinalAttemptStaysSilent(t *testing.T) {
	db := newTestDB(t)
	store := &fakeStore{objects: map[string][]byte{"cv-uploads/7/doc": []byte("%PDF-1.7")}}
	pub := &fakePublisher{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "transient", http.StatusBadGateway)
	}))
	defer srv.Close()

	seedJob(t, db, "job-3", "cv-uploads/7/doc")
	h := newHandler(db, store, pub, srv.URL)
	h.finalAttempt = func(context.Context) bool { return false }

	if err := h.ProcessTask(context.Background(), newParseTask(t, "job-3")); err == nil {
		t.Fatal("expected error to trigger asynq retry")
	}

	// 中间尝试失败不得向客户端投递终态。
	for _, s := range pub.statuses() {
		if s == notify.JobFailed {
			t.Fatal("failed published before final attempt")
		}
	}
}

func TestProcessTaskMissingDocumentFailsPermanently(t *testing.T) {
	db := newTestDB(t)
	store := &fakeStore{objects: map[string][]byte{}}
	pub := &fakePublisher{}

	seedJob(t, db, "job-4", "cv-uploads/7/ghost")
	h := newHandler(db, store, pub, "http://parser.invalid")

	// 文档丢失不可恢复：任务直接终结且不返回错误触发重试。
	if err := h.ProcessTask(context.Background(), newParseTask(t, "job-4")); err != nil {
		t.Fatalf("process task: %v", err)
	}

	var job database.ParseJob
	if err := db.Where("job_id = ?", "job-4").First(&job).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job.Status != string(notify.JobFailed) {
		t.Fatalf("job status = %s, want failed", job.Status)
	}

	statuses := pub.statuses()
	if statuses[len(statuses)-1] != notify.JobFailed {
		t.Fatalf("published statuses = %v, want terminal failed", statuses)
	}
}

func TestProcessTaskUnknownJobSkips(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	h := newHandler(db, &fakeStore{}, pub, "http://parser.invalid")

	if err := h.ProcessTask(context.Background(), newParseTask(t, "missing")); err != nil {
		t.Fatalf("process task: %v", err)
	}
	if len(pub.statuses()) != 0 {
		t.Fatalf("published for unknown job: %v", pub.statuses())
	}
}
