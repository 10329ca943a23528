// Package pool owns the two bounded worker pools shared by every collection job on the host:
// one runs ticks, the other runs the fetches a tick fans out.
package pool

import (
	"sync"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/config"
	"github.com/delegate-collector/pkg/logger"
)

// Submitter accepts work for asynchronous execution.
type Submitter interface {
	Submit(task func())
}

// Pool is a named, bounded worker pool.
type Pool struct {
	name string
	size int
	wp   *workerpool.WorkerPool
	once sync.Once
}

func New(name string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{name: name, size: size, wp: workerpool.New(size)}
}

// Submit queues task. Submitting after Stop is a no-op.
func (p *Pool) Submit(task func()) {
	if p.wp.Stopped() {
		logger.Warn("task submitted to stopped pool", zap.String("pool", p.name))
		return
	}
	p.wp.Submit(task)
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Size() int    { return p.size }

// Waiting is the number of queued tasks not yet picked up by a worker.
func (p *Pool) Waiting() int {
	return p.wp.WaitingQueueSize()
}

// Stop waits for queued work to drain. Safe to call more than once.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.wp.StopWait()
		logger.Debug("worker pool stopped", zap.String("pool", p.name))
	})
}

// Set is the tick pool plus the fetch pool.
type Set struct {
	Tick  *Pool
	Fetch *Pool
}

func NewSet(cfg config.CollectionConfig) *Set {
	return &Set{
		Tick:  New("tick", cfg.TickPoolSize),
		Fetch: New("fetch", cfg.FetchPoolSize),
	}
}

func (s *Set) Stop() {
	s.Tick.Stop()
	s.Fetch.Stop()
}

// Go runs every task on its own goroutine. It is the fallback when no shared pool is wired.
type Go struct{}

func (Go) Submit(task func()) { go task() }
