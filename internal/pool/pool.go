// Package pool tracks which agents are free to take on work. Assignment is
// an atomic check-and-mark, so two concurrent requests can never share an
// agent. Callers that find every agent busy wait in a bounded FIFO queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgeline/foreman/pkg/logger"
)

// Role distinguishes the planning singleton from execution workers.
type Role string

const (
	RolePlanning Role = "planning"
	RoleWorker   Role = "worker"
)

const (
	defaultWorkerQueueCap  = 16
	defaultPlannerQueueCap = 8
)

var (
	// ErrExhausted means every agent is busy and the wait queue is full.
	ErrExhausted = errors.New("agent pool exhausted")
	// ErrClosed means the pool has shut down.
	ErrClosed = errors.New("agent pool closed")
)

// Agent is a point-in-time descriptor of one pool member.
type Agent struct {
	ID                 string `json:"id"`
	Role               Role   `json:"role"`
	Busy               bool   `json:"busy"`
	CurrentWorkID      string `json:"currentWorkId,omitempty"`
	AssignedAt         int64  `json:"assignedAt,omitempty"`
	TotalWorkProcessed int64  `json:"totalWorkProcessed"`
}

// Stats summarizes worker availability.
type Stats struct {
	TotalWorkers  int `json:"totalWorkers"`
	ActiveWorkers int `json:"activeWorkers"`
	IdleWorkers   int `json:"idleWorkers"`
}

// Option customizes Pool construction.
type Option func(*Pool)

// WithWorkerQueueCap bounds how many callers may wait for a worker.
func WithWorkerQueueCap(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.workerQueueCap = n
		}
	}
}

// WithPlannerQueueCap bounds how many callers may wait for the planner.
func WithPlannerQueueCap(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.plannerQueueCap = n
		}
	}
}

// Pool owns one planning agent and a fixed set of worker agents.
type Pool struct {
	mu      sync.Mutex
	planner *Agent
	workers []*Agent

	workerQueue  []*waiter
	plannerQueue []*waiter

	workerQueueCap  int
	plannerQueueCap int
	closed          bool
}

type waiter struct {
	workID string
	ready  chan string
}

// New creates a pool with the given number of workers plus the planning
// singleton.
func New(workerCount int, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		planner:         &Agent{ID: "planner", Role: RolePlanning},
		workers:         make([]*Agent, 0, workerCount),
		workerQueueCap:  defaultWorkerQueueCap,
		plannerQueueCap: defaultPlannerQueueCap,
	}
	for i := 1; i <= workerCount; i++ {
		p.workers = append(p.workers, &Agent{ID: fmt.Sprintf("worker-%d", i), Role: RoleWorker})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// AssignWorker hands an idle worker to the caller, or waits FIFO behind
// earlier callers until one frees up. It returns ErrExhausted when the wait
// queue is full and ctx.Err() when the caller gives up first.
func (p *Pool) AssignWorker(ctx context.Context, workID string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	for _, agent := range p.workers {
		if !agent.Busy {
			markBusy(agent, workID)
			p.mu.Unlock()
			logger.Debugf("[pool] assigned %s to work %s", agent.ID, workID)
			return agent.ID, nil
		}
	}
	if len(p.workerQueue) >= p.workerQueueCap {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %d callers already waiting for a worker", ErrExhausted, p.workerQueueCap)
	}
	w := &waiter{workID: workID, ready: make(chan string, 1)}
	p.workerQueue = append(p.workerQueue, w)
	p.mu.Unlock()

	return p.await(ctx, w, &p.workerQueue)
}

// ReleaseWorker returns a worker to the pool and counts the finished work.
// If callers are queued, the worker goes straight to the oldest one.
func (p *Pool) ReleaseWorker(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, agent := range p.workers {
		if agent.ID != agentID {
			continue
		}
		if !agent.Busy {
			logger.Warnf("[pool] release of idle agent %s ignored", agentID)
			return
		}
		agent.TotalWorkProcessed++
		p.handOffLocked(agent, &p.workerQueue)
		return
	}
	logger.Warnf("[pool] release of unknown agent %s ignored", agentID)
}

// AssignPlanner acquires the planning singleton, queueing FIFO when busy.
func (p *Pool) AssignPlanner(ctx context.Context, workID string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if !p.planner.Busy {
		markBusy(p.planner, workID)
		p.mu.Unlock()
		logger.Debugf("[pool] assigned planner to %s", workID)
		return p.planner.ID, nil
	}
	if len(p.plannerQueue) >= p.plannerQueueCap {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %d callers already waiting for the planner", ErrExhausted, p.plannerQueueCap)
	}
	w := &waiter{workID: workID, ready: make(chan string, 1)}
	p.plannerQueue = append(p.plannerQueue, w)
	p.mu.Unlock()

	return p.await(ctx, w, &p.plannerQueue)
}

// ReleasePlanner frees the planning singleton.
func (p *Pool) ReleasePlanner() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.planner.Busy {
		logger.Warnf("[pool] release of idle planner ignored")
		return
	}
	p.planner.TotalWorkProcessed++
	p.handOffLocked(p.planner, &p.plannerQueue)
}

// Stats reports worker availability. The planner is not counted; it shows
// up in Agents.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{TotalWorkers: len(p.workers)}
	for _, agent := range p.workers {
		if agent.Busy {
			s.ActiveWorkers++
		}
	}
	s.IdleWorkers = s.TotalWorkers - s.ActiveWorkers
	return s
}

// Agents returns descriptor copies, planner first.
func (p *Pool) Agents() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.workers)+1)
	out = append(out, *p.planner)
	for _, agent := range p.workers {
		out = append(out, *agent)
	}
	return out
}

// Close fails all queued waiters and rejects further assignment.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.workerQueue {
		close(w.ready)
	}
	for _, w := range p.plannerQueue {
		close(w.ready)
	}
	p.workerQueue = nil
	p.plannerQueue = nil
}

// await blocks until the waiter is handed an agent, the pool closes, or ctx
// fires. A hand-off can race the cancellation; when that happens the agent
// is pushed back so it is not lost.
func (p *Pool) await(ctx context.Context, w *waiter, queue *[]*waiter) (string, error) {
	select {
	case agentID, ok := <-w.ready:
		if !ok {
			return "", ErrClosed
		}
		return agentID, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	for i, queued := range *queue {
		if queued == w {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			p.mu.Unlock()
			return "", ctx.Err()
		}
	}
	p.mu.Unlock()

	// No longer queued: an agent was already handed over (or the pool
	// closed). Reclaim it without counting work.
	if agentID, ok := <-w.ready; ok {
		p.giveBack(agentID)
	}
	return "", ctx.Err()
}

func (p *Pool) giveBack(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.planner.ID == agentID {
		p.handOffLocked(p.planner, &p.plannerQueue)
		return
	}
	for _, agent := range p.workers {
		if agent.ID == agentID {
			p.handOffLocked(agent, &p.workerQueue)
			return
		}
	}
}

// handOffLocked passes a freed agent to the oldest waiter, or marks it idle
// when nobody is waiting. Hand-off keeps the agent busy throughout, so no
// other caller can steal it in between.
func (p *Pool) handOffLocked(agent *Agent, queue *[]*waiter) {
	if len(*queue) > 0 {
		w := (*queue)[0]
		*queue = (*queue)[1:]
		markBusy(agent, w.workID)
		w.ready <- agent.ID
		logger.Debugf("[pool] handed %s to queued work %s", agent.ID, w.workID)
		return
	}
	agent.Busy = false
	agent.CurrentWorkID = ""
	agent.AssignedAt = 0
}

func markBusy(agent *Agent, workID string) {
	agent.Busy = true
	agent.CurrentWorkID = workID
	agent.AssignedAt = time.Now().UnixMilli()
}
