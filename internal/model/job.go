package model

import "time"

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusDead    JobStatus = "dead"
)

// Job 持久化任务（延迟、幂等键、分组并发）
type Job struct {
	ID       uint64    `gorm:"primaryKey;autoIncrement"`
	Queue    string    `gorm:"type:varchar(64);not null;index:idx_job_claim,priority:1"`
	Status   JobStatus `gorm:"type:varchar(16);not null;index:idx_job_claim,priority:2"`
	RunAt    time.Time `gorm:"not null;index:idx_job_claim,priority:3"`
	GroupKey string    `gorm:"type:varchar(128);not null;default:'';index"`
	// 未完成任务内唯一，见 database.Migrate 中的部分唯一索引 ux_jobs_idempotency
	IdempotencyKey *string `gorm:"type:varchar(255)"`
	Payload        string  `gorm:"type:text;not null"`

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:3"`
	LockedUntil *time.Time
	LeaseToken  string `gorm:"type:varchar(64);not null;default:''"`
	LastError   string `gorm:"type:text"`
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string { return "jobs" }
