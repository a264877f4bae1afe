package event_loop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Longest time the loop sleeps when nothing is scheduled
const idleWait = 100 * time.Millisecond

type CallbackFunc func(el EventLoop)

/*
EventLoop runs callbacks one at a time on the goroutine that called Run.

Anything the callbacks touch is owned by that goroutine, so other
goroutines hand work over with Put or Post instead of sharing state.
Callbacks scheduled for the same time run in the order they were posted.
*/
type EventLoop interface {
	Run()
	Quit()
	Done() <-chan struct{}
	Put(callback CallbackFunc)
	Post(callback CallbackFunc, scheduledBy time.Time)
	PostAfter(callback CallbackFunc, delay time.Duration)
}

type eventPoint struct {
	callback    CallbackFunc
	scheduledBy time.Time
	seq         uint64
}

// eventQueue is a min-heap ordered by schedule time, then by posting order.
type eventQueue []*eventPoint

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].scheduledBy.Equal(q[j].scheduledBy) {
		return q[i].seq < q[j].seq
	}
	return q[i].scheduledBy.Before(q[j].scheduledBy)
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*eventPoint)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	event := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return event
}

type event_loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	wake chan struct{}

	mutex  sync.Mutex
	queue  eventQueue
	seq    uint64
	closed bool
}

func NewEventLoop() EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &event_loop{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (el *event_loop) Run() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		wait := el.processEvents()

		timer.Reset(wait)

		select {
		case <-el.ctx.Done():
			return
		case <-el.wake:
		case <-timer.C:
		}
	}
}

// processEvents runs every callback that is due and returns how long the
// loop may sleep before the next one.
func (el *event_loop) processEvents() time.Duration {
	for {
		if el.ctx.Err() != nil {
			return idleWait
		}

		el.mutex.Lock()
		if len(el.queue) == 0 {
			el.mutex.Unlock()
			return idleWait
		}

		next := el.queue[0]
		if wait := time.Until(next.scheduledBy); wait > 0 {
			el.mutex.Unlock()
			return min(wait, idleWait)
		}

		heap.Pop(&el.queue)
		el.mutex.Unlock()

		next.callback(el)
	}
}

func (el *event_loop) wakeUp() {
	select {
	case el.wake <- struct{}{}:
	default:
		// Already woken up
	}
}

func (el *event_loop) Quit() {
	el.mutex.Lock()
	el.closed = true
	el.queue = nil
	el.mutex.Unlock()

	el.cancel()
}

func (el *event_loop) Done() <-chan struct{} {
	return el.ctx.Done()
}

func (el *event_loop) Put(callback CallbackFunc) {
	el.Post(callback, time.Now())
}

func (el *event_loop) PostAfter(callback CallbackFunc, delay time.Duration) {
	el.Post(callback, time.Now().Add(delay))
}

// Post schedules callback to run not before scheduledBy. Callbacks posted
// after Quit are dropped.
func (el *event_loop) Post(callback CallbackFunc, scheduledBy time.Time) {
	el.mutex.Lock()
	if el.closed {
		el.mutex.Unlock()
		return
	}

	el.seq++
	heap.Push(&el.queue, &eventPoint{
		callback:    callback,
		scheduledBy: scheduledBy,
		seq:         el.seq,
	})
	el.mutex.Unlock()

	el.wakeUp()
}
