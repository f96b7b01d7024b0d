package vm

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var schedLog = commonlog.GetLogger("quill.scheduler")

// ---------------------------------------------------------------------------
// Scheduler: in-flight invocation tracking
// ---------------------------------------------------------------------------
//
// The scheduler is a monitoring side channel. It records when each script
// invocation was queued and started, and a background loop raises the
// yield flag of invocations that have run past the budget. The interpreter
// observes the flag at its checkpoints; nothing is ever preempted.

// Invocation is one tracked script execution.
type Invocation struct {
	ID       uuid.UUID
	Script   string
	QueuedAt time.Time

	startedAt time.Time // guarded by the scheduler's mutex
	flagged   bool      // guarded by the scheduler's mutex
	yield     atomic.Bool
	yields    atomic.Int64
}

// RequestYield asks the execution to yield at its next checkpoint.
func (inv *Invocation) RequestYield() {
	inv.yield.Store(true)
}

// YieldRequested reports whether a yield is pending.
func (inv *Invocation) YieldRequested() bool {
	return inv.yield.Load()
}

// Yields returns how many times the execution has yielded.
func (inv *Invocation) Yields() int64 {
	return inv.yields.Load()
}

// InvocationInfo is a snapshot of a tracked invocation.
type InvocationInfo struct {
	ID        uuid.UUID
	Script    string
	QueuedAt  time.Time
	StartedAt time.Time // zero while queued
	Overdue   bool
}

// Scheduler tracks in-flight invocations.
type Scheduler struct {
	// Budget is the run time after which an invocation is asked to yield.
	// Zero disables flagging.
	Budget time.Duration
	// Interval is the period of the background scan.
	Interval time.Duration

	mu       sync.Mutex
	inflight map[uuid.UUID]*Invocation
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler with the given budget.
func NewScheduler(budget time.Duration) *Scheduler {
	interval := budget / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	return &Scheduler{
		Budget:   budget,
		Interval: interval,
		inflight: make(map[uuid.UUID]*Invocation),
		now:      time.Now,
	}
}

// Enqueue starts tracking a queued invocation.
func (s *Scheduler) Enqueue(script string) *Invocation {
	inv := &Invocation{ID: uuid.New(), Script: script, QueuedAt: s.now()}
	s.mu.Lock()
	s.inflight[inv.ID] = inv
	s.mu.Unlock()
	return inv
}

// Begin records that an invocation started running.
func (s *Scheduler) Begin(inv *Invocation) {
	s.mu.Lock()
	inv.startedAt = s.now()
	s.mu.Unlock()
	schedLog.Debugf("invocation %s (%s) started", inv.ID, inv.Script)
}

// Finish stops tracking an invocation.
func (s *Scheduler) Finish(inv *Invocation) {
	s.mu.Lock()
	delete(s.inflight, inv.ID)
	started := inv.startedAt
	s.mu.Unlock()
	if !started.IsZero() {
		schedLog.Debugf("invocation %s (%s) finished after %s", inv.ID, inv.Script, s.now().Sub(started))
	}
}

// InFlight returns a snapshot of the tracked invocations, oldest first.
func (s *Scheduler) InFlight() []InvocationInfo {
	s.mu.Lock()
	out := make([]InvocationInfo, 0, len(s.inflight))
	for _, inv := range s.inflight {
		out = append(out, InvocationInfo{
			ID:        inv.ID,
			Script:    inv.Script,
			QueuedAt:  inv.QueuedAt,
			StartedAt: inv.startedAt,
			Overdue:   inv.flagged,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Scan flags every running invocation that has exceeded the budget and
// returns their ids. The background loop calls it periodically.
func (s *Scheduler) Scan(now time.Time) []uuid.UUID {
	if s.Budget <= 0 {
		return nil
	}
	var overdue []uuid.UUID
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inv := range s.inflight {
		if inv.startedAt.IsZero() || now.Sub(inv.startedAt) <= s.Budget {
			continue
		}
		inv.RequestYield()
		overdue = append(overdue, id)
		if !inv.flagged {
			inv.flagged = true
			schedLog.Warningf("invocation %s (%s) exceeded its budget of %s", id, inv.Script, s.Budget)
		}
	}
	return overdue
}

// Start runs the background scan until Stop is called. It does nothing
// when the budget is zero or the loop is already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Budget <= 0 || s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

func (s *Scheduler) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Scan(s.now())
		case <-stop:
			return
		}
	}
}

// Stop ends the background scan and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
