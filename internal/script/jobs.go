package script

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/dop251/goja"
)

// maxTimerDelayMS caps timer delays so they fit a time.Duration.
const maxTimerDelayMS = math.MaxInt32

// job is one unit of host-scheduled work.
type job struct {
	id       int64
	seq      uint64
	due      time.Time
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
}

// jobQueue keeps pending jobs ordered by due time, then by scheduling order.
type jobQueue struct {
	pending []*job
	active  map[int64]*job
	nextID  int64
	seq     uint64
	now     func() time.Time
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		active: make(map[int64]*job),
		now:    time.Now,
	}
}

func (q *jobQueue) schedule(fn goja.Callable, args []goja.Value, delay time.Duration, repeat bool) int64 {
	if delay < 0 {
		delay = 0
	}
	return q.add(fn, args, delay, repeat, q.now().Add(delay))
}

// scheduleMicrotask queues fn ahead of every timer, after earlier microtasks.
func (q *jobQueue) scheduleMicrotask(fn goja.Callable) int64 {
	return q.add(fn, nil, 0, false, time.Time{})
}

func (q *jobQueue) add(fn goja.Callable, args []goja.Value, interval time.Duration, repeat bool, due time.Time) int64 {
	q.nextID++
	j := &job{
		id:       q.nextID,
		fn:       fn,
		args:     args,
		interval: interval,
		repeat:   repeat,
	}
	q.active[j.id] = j
	q.push(j, due)
	return j.id
}

func (q *jobQueue) push(j *job, due time.Time) {
	q.seq++
	j.seq = q.seq
	j.due = due
	i, _ := slices.BinarySearchFunc(q.pending, j, func(a, b *job) int {
		if c := a.due.Compare(b.due); c != 0 {
			return c
		}
		return compareSeq(a.seq, b.seq)
	})
	q.pending = slices.Insert(q.pending, i, j)
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (q *jobQueue) peek() *job {
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

func (q *jobQueue) pop() *job {
	j := q.peek()
	if j != nil {
		q.pending = q.pending[1:]
	}
	return j
}

// finish re-arms an interval that is still active, or forgets the job.
func (q *jobQueue) finish(j *job) {
	if j.repeat {
		if _, ok := q.active[j.id]; ok {
			q.push(j, q.now().Add(j.interval))
			return
		}
	}
	delete(q.active, j.id)
}

func (q *jobQueue) cancel(id int64) {
	if _, ok := q.active[id]; !ok {
		return
	}
	delete(q.active, id)
	q.pending = slices.DeleteFunc(q.pending, func(j *job) bool {
		return j.id == id
	})
}

func (q *jobQueue) size() int {
	return len(q.pending)
}

func (q *jobQueue) reset() {
	q.pending = nil
	clear(q.active)
}

// RunPendingJob implements Engine. Only due jobs run; a queue holding
// nothing but future timers reports false without waiting. A cancelled
// ctx leaves the job queued.
func (e *gojaEngine) RunPendingJob(ctx context.Context) (bool, error) {
	if e.closed {
		return false, ErrClosed
	}

	j := e.jobs.peek()
	if j == nil || j.due.After(e.jobs.now()) {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.jobs.pop()
	err := e.enter(ctx, func() error {
		_, err := j.fn(goja.Undefined(), j.args...)
		return err
	})
	if !e.closed {
		e.jobs.finish(j)
	}
	if err != nil {
		return true, e.scriptError(err, false)
	}
	return true, nil
}

// NextJob implements Engine.
func (e *gojaEngine) NextJob() (time.Time, bool) {
	if e.closed {
		return time.Time{}, false
	}
	j := e.jobs.peek()
	if j == nil {
		return time.Time{}, false
	}
	return j.due, true
}

func (e *gojaEngine) bindTimers() error {
	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":     e.timerBinding("setTimeout", false, true),
		"setInterval":    e.timerBinding("setInterval", true, true),
		"setImmediate":   e.timerBinding("setImmediate", false, false),
		"queueMicrotask": e.queueMicrotask,
		"clearTimeout":   e.clearTimer,
		"clearInterval":  e.clearTimer,
		"clearImmediate": e.clearTimer,
	}
	for name, fn := range bindings {
		if err := e.vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// timerBinding builds a scheduling global. With delayed set, the second
// argument is a delay in milliseconds and the rest are callback arguments.
func (e *gojaEngine) timerBinding(name string, repeat, delayed bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(e.vm.NewTypeError(name + ": callback is not a function"))
		}

		var (
			delay time.Duration
			rest  = 1
		)
		if delayed {
			ms := min(max(call.Argument(1).ToInteger(), 0), maxTimerDelayMS)
			delay = time.Duration(ms) * time.Millisecond
			rest = 2
		}
		var args []goja.Value
		if len(call.Arguments) > rest {
			args = slices.Clone(call.Arguments[rest:])
		}

		id := e.jobs.schedule(fn, args, delay, repeat)
		return e.vm.ToValue(id)
	}
}

func (e *gojaEngine) queueMicrotask(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError("queueMicrotask: callback is not a function"))
	}
	e.jobs.scheduleMicrotask(fn)
	return goja.Undefined()
}

func (e *gojaEngine) clearTimer(call goja.FunctionCall) goja.Value {
	e.jobs.cancel(call.Argument(0).ToInteger())
	return goja.Undefined()
}
