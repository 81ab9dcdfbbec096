package notify

import "fmt"

// ChannelForUser 返回某个用户的 Redis 通知频道名。
// Worker 发布与 API 转发必须使用同一命名。
func ChannelForUser(userID uint) string {
	return fmt.Sprintf("job_notify:%d", userID)
}
