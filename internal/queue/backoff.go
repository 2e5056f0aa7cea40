package queue

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// retryDelay 第 attempt 次失败后的等待时间：指数增长，封顶 max，带 10% 抖动
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	b := retry.WithJitterPercent(10, retry.WithCappedDuration(max, retry.NewExponential(base)))
	d := base
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
