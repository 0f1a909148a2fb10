package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/session"
)

// Queue saves capture jobs on a fixed pool of workers so encoding never
// blocks the frame loop.
type Queue struct {
	jobs      chan *Job
	workers   int
	saver     Saver
	logger    *zap.Logger
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex
	dropped   atomic.Int64
}

func NewQueue(saver Saver, queueSize, workers int, logger *zap.Logger) *Queue {
	queue := &Queue{
		jobs:      make(chan *Job, queueSize),
		workers:   workers,
		saver:     saver,
		logger:    logger,
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker(i)
	}

	return queue
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for job := range q.jobs {
		q.run(id, job)
	}
}

func (q *Queue) run(id int, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Capture worker panic", zap.Int("worker", id), zap.Any("panic", r))
			if job.Done != nil {
				job.Done(session.CaptureRecord{}, fmt.Errorf("worker panic: %v", r))
			}
		}
	}()

	rec, err := q.saver.Save(job)
	if err != nil {
		q.logger.Error("Capture failed", zap.String("stream", job.StreamID), zap.Error(err))
	}
	if job.Done != nil {
		job.Done(rec, err)
	}
}

// Enqueue hands job to the workers. It returns false when the queue is full
// or shut down; the job is dropped in that case.
func (q *Queue) Enqueue(job *Job) bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	if !q.isRunning {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("Capture queue full, dropping capture", zap.String("stream", job.StreamID))
		return false
	}
}

func (q *Queue) Size() int {
	return len(q.jobs)
}

func (q *Queue) Capacity() int {
	return cap(q.jobs)
}

func (q *Queue) IsRunning() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.isRunning
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mutex.Lock()
	if !q.isRunning {
		q.mutex.Unlock()
		return nil
	}
	q.isRunning = false
	close(q.jobs)
	q.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (q *Queue) GetQueueStats() QueueStats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	stats := QueueStats{
		CurrentSize:   q.Size(),
		MaxCapacity:   q.Capacity(),
		ActiveWorkers: q.workers,
		IsRunning:     q.isRunning,
		Dropped:       q.dropped.Load(),
	}
	// unbuffered queues hand jobs straight to a worker
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	Dropped            int64   `json:"dropped"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
