package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chazu/quill/compiler"
)

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

func TestSchedulerTracksInvocations(t *testing.T) {
	s := NewScheduler(time.Second)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	queued := s.Enqueue("queued")
	running := s.Enqueue("running")
	s.Begin(running)

	infos := s.InFlight()
	if len(infos) != 2 {
		t.Fatalf("in flight = %d, want 2", len(infos))
	}
	for _, info := range infos {
		switch info.ID {
		case queued.ID:
			if !info.StartedAt.IsZero() {
				t.Errorf("queued invocation has a start time")
			}
		case running.ID:
			if !info.StartedAt.Equal(base) {
				t.Errorf("started at %v, want %v", info.StartedAt, base)
			}
		default:
			t.Errorf("unknown invocation %s", info.ID)
		}
	}

	s.Finish(queued)
	s.Finish(running)
	if n := len(s.InFlight()); n != 0 {
		t.Errorf("in flight after Finish = %d", n)
	}
}

func TestSchedulerScanFlagsOverdue(t *testing.T) {
	s := NewScheduler(100 * time.Millisecond)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	slow := s.Enqueue("slow")
	s.Begin(slow)
	waiting := s.Enqueue("waiting")

	if ids := s.Scan(base.Add(50 * time.Millisecond)); len(ids) != 0 {
		t.Errorf("flagged %v within budget", ids)
	}
	ids := s.Scan(base.Add(time.Second))
	if len(ids) != 1 || ids[0] != slow.ID {
		t.Fatalf("flagged %v, want only %s", ids, slow.ID)
	}
	if !slow.YieldRequested() {
		t.Error("overdue invocation has no yield request")
	}
	if waiting.YieldRequested() {
		t.Error("queued invocation was asked to yield")
	}
	for _, info := range s.InFlight() {
		if info.ID == slow.ID && !info.Overdue {
			t.Error("snapshot does not report the overdue invocation")
		}
	}
}

func TestSchedulerZeroBudget(t *testing.T) {
	s := NewScheduler(0)
	inv := s.Enqueue("x")
	s.Begin(inv)
	if ids := s.Scan(time.Now().Add(time.Hour)); ids != nil {
		t.Errorf("zero budget flagged %v", ids)
	}
	s.Start()
	s.Stop()
}

func TestCheckpointObservesYield(t *testing.T) {
	inv := &Invocation{}
	x := &execution{ctx: context.Background(), inv: inv}

	if err := x.checkpoint(); err != nil || inv.Yields() != 0 {
		t.Fatalf("checkpoint without request: %v, yields %d", err, inv.Yields())
	}
	inv.RequestYield()
	if err := x.checkpoint(); err != nil {
		t.Fatal(err)
	}
	if inv.Yields() != 1 || inv.YieldRequested() {
		t.Errorf("yields = %d, pending = %v; want the request consumed", inv.Yields(), inv.YieldRequested())
	}
}

func TestBackgroundScanYieldsLongRun(t *testing.T) {
	v, _ := newTestVM(t, WithBudget(2*time.Millisecond))
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
def main() {
    var n = 0
    while n < 3000000 { n += 1 }
    return n
}`}})
	if err != nil {
		t.Fatal(err)
	}
	inv := v.Scheduler.Enqueue(s.Name())
	v.Scheduler.Begin(inv)
	got, err := s.run(context.Background(), nil, inv)
	v.Scheduler.Finish(inv)
	if err != nil || got != int64(3000000) {
		t.Fatalf("run = %v, %v", got, err)
	}
	if inv.Yields() == 0 {
		t.Error("long run never yielded")
	}
}

// ---------------------------------------------------------------------------
// Cancellation and asynchronous runs
// ---------------------------------------------------------------------------

func TestContextCancelsInfiniteLoop(t *testing.T) {
	v, _ := newTestVM(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
def spin() { while true { } }
def main() {
    try { spin() } catch e { return "caught" }
}`}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Run(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if n := len(v.Scheduler.InFlight()); n != 0 {
		t.Errorf("cancelled run still tracked (%d in flight)", n)
	}
}

func TestRunAsync(t *testing.T) {
	v, _ := newTestVM(t, WithWorkers(4))
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
import sys.{args}
def main() { return "run " + args[0] }`}})
	if err != nil {
		t.Fatal(err)
	}

	const n = 12
	pending := make([]*Pending, n)
	for i := range pending {
		pending[i] = v.RunAsync(context.Background(), s, []string{fmt.Sprint(i)})
	}
	for i, p := range pending {
		got, err := p.Wait()
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if want := fmt.Sprintf("run %d", i); got != want {
			t.Errorf("run %d = %v, want %q", i, got, want)
		}
	}
	if n := len(v.Scheduler.InFlight()); n != 0 {
		t.Errorf("%d invocations still tracked", n)
	}
}

func TestRunAsyncAfterClose(t *testing.T) {
	v := New(WithWorkers(1))
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: "def main() { return 1 }"}})
	if err != nil {
		t.Fatal(err)
	}
	v.Close()
	p := v.RunAsync(context.Background(), s, nil)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pending never resolved")
	}
	if _, err := p.Wait(); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
	if n := len(v.Scheduler.InFlight()); n != 0 {
		t.Errorf("%d invocations still tracked", n)
	}
}

func TestRunAsyncRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		v := New(WithWorkers(2))
		s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: "def main() { return 1 }"}})
		if err != nil {
			t.Fatal(err)
		}

		const n = 16
		pending := make([]*Pending, n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := range pending {
			go func(i int) {
				defer wg.Done()
				pending[i] = v.RunAsync(context.Background(), s, nil)
			}(i)
		}
		v.Close()
		wg.Wait()

		for i, p := range pending {
			select {
			case <-p.Done():
			case <-time.After(time.Second):
				t.Fatalf("round %d: pending %d never resolved", round, i)
			}
			got, err := p.Wait()
			if err != nil && !errors.Is(err, ErrPoolStopped) {
				t.Errorf("round %d: pending %d err = %v", round, i, err)
			}
			if err == nil && got != int64(1) {
				t.Errorf("round %d: pending %d = %v, want 1", round, i, got)
			}
		}
	}
}
