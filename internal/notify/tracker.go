package notify

import (
	"sync"

	"cvboard/internal/resume"
)

// TrackState 是 Tracker 对外暴露的简化生命周期。
type TrackState string

const (
	TrackIdle       TrackState = "idle"
	TrackPending    TrackState = "pending"
	TrackProcessing TrackState = "processing"
	TrackCompleted  TrackState = "completed"
	TrackFailed     TrackState = "failed"
)

// progressText 是各状态对应的展示文案，宿主直接渲染。
var progressText = map[TrackState]string{
	TrackIdle:       "",
	TrackPending:    "任务排队中…",
	TrackProcessing: "正在解析简历…",
	TrackCompleted:  "解析完成",
	TrackFailed:     "解析失败",
}

// Hooks 是任务到达终态时的宿主回调。
// 对同一个任务 ID，两者合计至多触发一次，重复投递不会产生第二次回调。
type Hooks struct {
	OnComplete func(resumeID string, cv *resume.CVData)
	OnFailed   func(errorMessage string)
}

// connSource 是 Tracker 对连接层的最小依赖，便于测试替换。
type connSource interface {
	Connect(token string)
	AddListener(Listener) (remove func())
	IsConnected() bool
}

// Tracker 在消息流之上跟踪单个解析任务的生命周期。
// 它只消费 job_id 匹配的 job_status 消息，其余消息完全忽略；
// 终态回调的幂等由本地 terminalDelivered 保证，与服务端是否去重无关。
type Tracker struct {
	conn  connSource
	hooks Hooks

	mu                sync.Mutex
	detach            func()
	jobID             string
	state             TrackState
	terminalDelivered bool
	result            *JobStatusPayload
}

// NewTracker 构造一个空闲的 Tracker，不打开任何通道。
func NewTracker(conn connSource, hooks Hooks) *Tracker {
	return &Tracker{
		conn:  conn,
		hooks: hooks,
		state: TrackIdle,
	}
}

// OpenTracker 是宿主侧的便捷入口：构造 Tracker 并立即开始跟踪。
func OpenTracker(mgr *ConnManager, token, jobID string, hooks Hooks) *Tracker {
	t := NewTracker(mgr, hooks)
	t.Track(token, jobID)
	return t
}

// Track 开始跟踪指定任务。
// 空 jobID 保持空闲；相同 jobID 为空操作；新 jobID 丢弃旧任务的全部记忆、
// 乐观地置为 pending（创建任务的接口已隐含入队），并确保通道已请求打开。
func (t *Tracker) Track(token, jobID string) {
	if jobID == "" {
		return
	}

	t.mu.Lock()
	if jobID == t.jobID {
		t.mu.Unlock()
		return
	}
	t.jobID = jobID
	t.state = TrackPending
	t.terminalDelivered = false
	t.result = nil
	if t.detach == nil {
		t.detach = t.conn.AddListener(Listener{OnMessage: t.handleMessage})
	}
	t.mu.Unlock()

	t.conn.Connect(token)
}

// Clear 放弃当前任务并回到空闲态。通道本身不受影响，其生命周期独立于 Tracker。
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobID = ""
	t.state = TrackIdle
	t.terminalDelivered = false
	t.result = nil
}

// Close 取消对消息流的订阅。之后 Tracker 不再接收任何消息。
func (t *Tracker) Close() {
	t.mu.Lock()
	detach := t.detach
	t.detach = nil
	t.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Status 返回当前生命周期状态。
func (t *Tracker) Status() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress 返回当前状态对应的展示文案。
func (t *Tracker) Progress() string {
	return progressText[t.Status()]
}

// Result 返回终态时捕获的载荷，未到终态时为 nil。
func (t *Tracker) Result() *JobStatusPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// IsConnected 透传底层通道的打开状态。
func (t *Tracker) IsConnected() bool {
	return t.conn.IsConnected()
}

func (t *Tracker) handleMessage(msg *Message) {
	if msg.Type != TypeJobStatus {
		return
	}
	payload := msg.JobStatus

	t.mu.Lock()
	if t.jobID == "" || payload.JobID != t.jobID {
		t.mu.Unlock()
		return
	}

	t.state = trackStateOf(payload.Status)

	// 终态只向宿主投递一次，重复帧仅更新展示状态。
	var deliver *JobStatusPayload
	if payload.Status.IsTerminal() && !t.terminalDelivered {
		t.terminalDelivered = true
		t.result = payload
		deliver = payload
	}
	t.mu.Unlock()

	if deliver == nil {
		return
	}
	switch deliver.Status {
	case JobCompleted:
		if t.hooks.OnComplete != nil {
			t.hooks.OnComplete(deliver.ResumeID, deliver.CVData)
		}
	case JobFailed:
		if t.hooks.OnFailed != nil {
			t.hooks.OnFailed(deliver.ErrorMessage)
		}
	}
}

func trackStateOf(s JobState) TrackState {
	switch s {
	case JobPending:
		return TrackPending
	case JobProcessing:
		return TrackProcessing
	case JobCompleted:
		return TrackCompleted
	case JobFailed:
		return TrackFailed
	default:
		return TrackIdle
	}
}
