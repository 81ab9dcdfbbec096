package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User 表示系统中的账号信息。
type User struct {
	gorm.Model
	Username     string   `gorm:"uniqueIndex;size:64"`
	PasswordHash string   `gorm:"size:255"`
	Resumes      []Resume `gorm:"constraint:OnDelete:CASCADE"`
}

// Resume 表示一份解析完成后入库的简历。
// Content 保存解析服务产出的结构化数据（resume.CVData 的 JSONB）。
type Resume struct {
	gorm.Model
	Title   string         `gorm:"size:255"`
	Content datatypes.JSON `gorm:"type:jsonb"`
	UserID  uint           `gorm:"index"`
	User    User           `gorm:"constraint:OnDelete:CASCADE"`
}

// ParseJob 是解析任务的持久化记录，作为任务状态的最终权威：
// 通知通道只是送达的便利手段，错过的更新以这里为准。
type ParseJob struct {
	gorm.Model
	JobID        string `gorm:"uniqueIndex;size:64"`
	UserID       uint   `gorm:"index"`
	ObjectKey    string `gorm:"size:512"`
	Filename     string `gorm:"size:255"`
	Status       string `gorm:"size:32"`
	ErrorMessage string `gorm:"size:1024"`
	ResumeID     *uint
}
