package errcode

// 错误码约定：
// - 0：无错误
// - 4xxx：业务可恢复/告警类错误（例如文档已被删除，流程终止但无需排查）
// - 5xxx：系统错误（需要中断流程）
const (
	OK              = 0
	DocumentMissing = 4004
	SystemError     = 5000
)
