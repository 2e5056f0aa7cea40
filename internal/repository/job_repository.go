package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedfanout/internal/model"
)

// ErrDuplicatePending 重放死信时，同一幂等键已有 pending/running 任务
var ErrDuplicatePending = errors.New("an unfinished job holds the same idempotency key")

// JobRepository 任务表的存取，实现 queue.Store
type JobRepository interface {
	Insert(ctx context.Context, jobs []*model.Job) (int64, error)
	Candidates(ctx context.Context, queue string, now time.Time, perGroup, limit int) ([]*model.Job, error)
	MarkRunning(ctx context.Context, job *model.Job, token string, lockedUntil, now time.Time) (bool, error)
	Complete(ctx context.Context, id uint64, token string, now time.Time) error
	Retry(ctx context.Context, id uint64, token string, runAt time.Time, lastErr string, now time.Time) error
	Bury(ctx context.Context, id uint64, token string, lastErr string, now time.Time) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]*model.Job, error)
	Requeue(ctx context.Context, id uint64, now time.Time) (bool, error)
	Get(ctx context.Context, id uint64) (*model.Job, error)
	Stats(ctx context.Context) ([]JobStat, error)
}

// JobStat 按队列、状态聚合的任务数
type JobStat struct {
	Queue  string          `json:"queue"`
	Status model.JobStatus `json:"status"`
	Count  int64           `json:"count"`
}

type jobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Insert(ctx context.Context, jobs []*model.Job) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	var inserted int64
	// 逐行插入以便准确统计被幂等键忽略的行
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, j := range jobs {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(j)
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const candidatesSQL = `
SELECT * FROM (
	SELECT jobs.*, ROW_NUMBER() OVER (
		PARTITION BY CASE WHEN group_key = '' THEN 'id:' || CAST(id AS TEXT) ELSE group_key END
		ORDER BY id
	) AS group_rank
	FROM jobs
	WHERE queue = ?
	  AND ((status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?))
) ranked
WHERE group_rank <= ?
ORDER BY id
LIMIT ?`

func (r *jobRepository) Candidates(ctx context.Context, queue string, now time.Time, perGroup, limit int) ([]*model.Job, error) {
	if perGroup <= 0 {
		perGroup = 1
	}
	var jobs []*model.Job
	err := r.db.WithContext(ctx).Raw(candidatesSQL,
		queue, model.JobStatusPending, now, model.JobStatusRunning, now, perGroup, limit).
		Scan(&jobs).Error
	return jobs, err
}

func (r *jobRepository) MarkRunning(ctx context.Context, job *model.Job, token string, lockedUntil, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_token = ?", job.ID, job.Status, job.LeaseToken).
		Updates(map[string]any{
			"status":       model.JobStatusRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_until": lockedUntil,
			"lease_token":  token,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *jobRepository) Complete(ctx context.Context, id uint64, token string, now time.Time) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":       model.JobStatusDone,
		"locked_until": nil,
		"finished_at":  now,
		"updated_at":   now,
	})
}

func (r *jobRepository) Retry(ctx context.Context, id uint64, token string, runAt time.Time, lastErr string, now time.Time) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":       model.JobStatusPending,
		"run_at":       runAt,
		"locked_until": nil,
		"last_error":   lastErr,
		"updated_at":   now,
	})
}

func (r *jobRepository) Bury(ctx context.Context, id uint64, token string, lastErr string, now time.Time) error {
	return r.finish(ctx, id, token, map[string]any{
		"status":       model.JobStatusDead,
		"locked_until": nil,
		"last_error":   lastErr,
		"finished_at":  now,
		"updated_at":   now,
	})
}

// finish 只在仍持有租约时生效，租约被他人接管则静默放弃
func (r *jobRepository) finish(ctx context.Context, id uint64, token string, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_token = ?", id, model.JobStatusRunning, token).
		Updates(updates).Error
}

func (r *jobRepository) DeadLetters(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	q := r.db.WithContext(ctx).Where("status = ?", model.JobStatusDead)
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	err := q.Order("id DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) Requeue(ctx context.Context, id uint64, now time.Time) (bool, error) {
	requeued := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j model.Job
		err := tx.Where("id = ? AND status = ?", id, model.JobStatusDead).Take(&j).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if j.IdempotencyKey != nil {
			var held int64
			if err := tx.Model(&model.Job{}).
				Where("queue = ? AND idempotency_key = ? AND status IN ?", j.Queue, *j.IdempotencyKey,
					[]model.JobStatus{model.JobStatusPending, model.JobStatusRunning}).
				Count(&held).Error; err != nil {
				return err
			}
			if held > 0 {
				return ErrDuplicatePending
			}
		}
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", id, model.JobStatusDead).
			Updates(map[string]any{
				"status":      model.JobStatusPending,
				"attempts":    0,
				"run_at":      now,
				"lease_token": "",
				"finished_at": nil,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return requeued, nil
}

func (r *jobRepository) Get(ctx context.Context, id uint64) (*model.Job, error) {
	var j model.Job
	if err := r.db.WithContext(ctx).First(&j, id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepository) Stats(ctx context.Context) ([]JobStat, error) {
	var stats []JobStat
	err := r.db.WithContext(ctx).Model(&model.Job{}).
		Select("queue, status, COUNT(*) AS count").
		Group("queue, status").
		Order("queue, status").
		Scan(&stats).Error
	return stats, err
}
