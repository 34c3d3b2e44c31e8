package scheduler

import (
	"container/heap"
	"math/rand/v2"
	"sync"
)

const maxStride = 150000000

type strideTask struct {
	stride uint64
	pass   uint64
	send   bool
}

func newStrideTask(rate float64, send bool) strideTask {
	tickets := uint64(1000000 * rate)
	stride := uint64(1)
	if tickets > 0 {
		stride = maxStride / tickets
	}
	return strideTask{stride: stride, pass: stride, send: send}
}

type strideQueue []strideTask

func (q strideQueue) Len() int { return len(q) }
func (q strideQueue) Less(i, j int) bool {
	if q[i].pass != q[j].pass {
		return q[i].pass < q[j].pass
	}
	return q[i].send && !q[j].send
}
func (q strideQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *strideQueue) Push(x any)   { *q = append(*q, x.(strideTask)) }
func (q *strideQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler admits or drops outgoing packets according to a Policy. It keeps
// sent and dropped counters and is safe for concurrent use.
type Scheduler struct {
	mu          sync.Mutex
	policy      Policy
	rng         *rand.Rand
	queue       strideQueue
	sent        uint64
	dropped     uint64
	consecutive uint64
}

func New(policy Policy) *Scheduler {
	return &Scheduler{
		policy: policy,
		rng:    rand.New(rand.NewPCG(policy.Seed, policy.Seed^0x9e3779b97f4a7c15)),
	}
}

// Admit reports whether the next packet should be sent.
func (s *Scheduler) Admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := true
	p := s.policy
	if p.Enabled() {
		switch {
		case p.Rate >= 1:
			result = false
		case s.consecutive > 0 && p.Burst > 1 && s.consecutive < p.Burst:
			result = false
		case p.Type == DropProbabilistic:
			result = s.rng.Float64() > p.effectiveRate()
		default:
			if len(s.queue) == 0 {
				s.resetLocked()
			}
			current := heap.Pop(&s.queue).(strideTask)
			result = current.send
			current.pass += current.stride
			heap.Push(&s.queue, current)
		}
	}

	if result {
		s.sent++
		s.consecutive = 0
	} else {
		s.dropped++
		s.consecutive++
	}
	return result
}

// SetPolicy swaps the drop policy and restarts stride scheduling.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	s.rng = rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	s.queue = s.queue[:0]
}

func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Reset rebuilds the stride queue from the current policy.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Clear zeroes counters and the stride queue.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = 0
	s.dropped = 0
	s.consecutive = 0
	s.queue = s.queue[:0]
}

func (s *Scheduler) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Scheduler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Scheduler) resetLocked() {
	rate := s.policy.effectiveRate()
	s.queue = strideQueue{newStrideTask(rate, false), newStrideTask(1-rate, true)}
	heap.Init(&s.queue)
}
