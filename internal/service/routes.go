package service

import "github.com/d60-Lab/feedfanout/internal/queue"

// Workers 所有队列消费者
type Workers struct {
	Fanout     *FanoutWorker
	FollowSync *FollowSyncWorker
	Refresh    *RefreshWorker
	Publish    *PublishWorker
}

// Routes 队列名 -> 处理器的路由表，启动时构建一次
func (w Workers) Routes(concurrency, groupConcurrency int) queue.Routes {
	return queue.Routes{
		QueueFanout: {
			Handler:          w.Fanout.Handle,
			Concurrency:      concurrency,
			GroupConcurrency: groupConcurrency,
		},
		QueueFollowSync: {
			Handler:          w.FollowSync.Handle,
			Concurrency:      concurrency,
			GroupConcurrency: groupConcurrency,
		},
		QueueRefresh: {
			Handler:     w.Refresh.Handle,
			Concurrency: max(1, concurrency/4),
		},
		QueuePublish: {
			Handler:      w.Publish.Handle,
			OnDeadLetter: w.Publish.OnDeadLetter,
			Concurrency:  max(1, concurrency/4),
		},
	}
}
