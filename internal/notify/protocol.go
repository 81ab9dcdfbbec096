package notify

import (
	"encoding/json"
	"fmt"

	"cvboard/internal/resume"
)

// MessageType 区分通知通道上的消息类型。
type MessageType string

const (
	TypeJobStatus MessageType = "job_status"
	TypeError     MessageType = "error"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

// JobState 表示解析任务在服务端的生命周期状态。
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// IsTerminal 返回该状态是否为终态。
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobState) valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Envelope 是通道上所有消息的外层结构。
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobStatusPayload 是 job_status 消息的载荷。
// resume_id 与 cv_data 仅在 completed 时出现，error_message 仅在 failed 时出现。
type JobStatusPayload struct {
	JobID        string         `json:"job_id"`
	Status       JobState       `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResumeID     string         `json:"resume_id,omitempty"`
	CVData       *resume.CVData `json:"cv_data,omitempty"`
}

// ErrorPayload 是 error 消息的载荷。
type ErrorPayload struct {
	Message string `json:"message"`
}

// Message 是解码校验后的入站消息，按类型填充对应的载荷字段。
type Message struct {
	Type      MessageType
	JobStatus *JobStatusPayload
	Error     *ErrorPayload
}

// Decode 将原始文本帧解析为类型化消息。
// 结构损坏、未知类型或载荷与类型不匹配均返回错误，解码本身无副作用。
func Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypePing, TypePong:
		return &Message{Type: env.Type}, nil

	case TypeJobStatus:
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("job_status message without payload")
		}
		var payload JobStatusPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal job_status payload: %w", err)
		}
		if payload.JobID == "" {
			return nil, fmt.Errorf("job_status payload missing job_id")
		}
		if !payload.Status.valid() {
			return nil, fmt.Errorf("invalid job status %q", payload.Status)
		}
		return &Message{Type: env.Type, JobStatus: &payload}, nil

	case TypeError:
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("error message without payload")
		}
		var payload ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal error payload: %w", err)
		}
		return &Message{Type: env.Type, Error: &payload}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Encode 构造一条出站消息帧。payload 为 nil 时省略载荷字段。
func Encode(t MessageType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// EncodeJobStatus 构造 Worker 侧发布的 job_status 帧。
func EncodeJobStatus(payload JobStatusPayload) ([]byte, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("job_status payload missing job_id")
	}
	if !payload.Status.valid() {
		return nil, fmt.Errorf("invalid job status %q", payload.Status)
	}
	return Encode(TypeJobStatus, payload)
}

// pingFrame 是心跳帧的固定内容，避免每次发送都重新序列化。
var pingFrame = []byte(`{"type":"ping"}`)

// pongFrame 是对入站 ping 的固定应答。
var pongFrame = []byte(`{"type":"pong"}`)

// PingFrame 返回心跳帧内容。
func PingFrame() []byte { return pingFrame }

// PongFrame 返回 pong 应答帧内容。
func PongFrame() []byte { return pongFrame }
