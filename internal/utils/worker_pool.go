package utils

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// ErrPoolStopped 协程池已停止，不再接收任务
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrQueueFull 队列已满，TrySubmit 不等待
var ErrQueueFull = errors.New("worker pool queue full")

// WorkerPool 通用协程池，网关事件与跳转请求都在这里排队执行
type WorkerPool struct {
	JobQueue  chan func()
	WorkerNum int
	wg        sync.WaitGroup
	quit      chan struct{}
	mu        sync.RWMutex
	stopped   bool
	log       *logger.Logger
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workerNum int, queueSize int, log *logger.Logger) *WorkerPool {
	return &WorkerPool{
		JobQueue:  make(chan func(), queueSize),
		WorkerNum: max(workerNum, 1),
		quit:      make(chan struct{}),
		log:       log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.WorkerNum), zap.Int("queue", cap(p.JobQueue)))
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.JobQueue:
			p.run(id, job)
		case <-p.quit:
			// 停止前执行完队列中剩余的任务
			for {
				select {
				case job := <-p.JobQueue:
					p.run(id, job)
				default:
					return
				}
			}
		}
	}
}

// run 使用 recover 防止单个任务 panic 导致 worker 挂掉
func (p *WorkerPool) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker job panic", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务，队列已满时阻塞，直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.JobQueue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 提交任务，队列已满时立即返回 ErrQueueFull
func (p *WorkerPool) TrySubmit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.JobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 停止接收新任务，等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}
