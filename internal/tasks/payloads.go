package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeResumeParse = "resume:parse"
)

// ResumeParsePayload 描述解析一份简历文档所需的最小信息。
type ResumeParsePayload struct {
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewResumeParseTask 构造一个新的简历解析任务。
func NewResumeParseTask(jobID, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ResumeParsePayload{
		JobID:         jobID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResumeParse, payload, asynq.MaxRetry(3)), nil
}
