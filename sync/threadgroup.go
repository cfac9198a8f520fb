package sync

import (
	"errors"
	"sync"
)

// ErrStopped is returned by ThreadGroup methods if Stop has already been
// called.
var ErrStopped = errors.New("ThreadGroup already stopped")

// ThreadGroup is a sync.WaitGroup with additional functionality for
// facilitating clean shutdown. Namely, it provides a StopChan method for
// notifying callers when shutdown occurs. A ThreadGroup is only intended to
// be used once; its Add and Stop methods return errors if Stop has already
// been called.
//
// During shutdown it is common to close resources such as databases and
// listeners. Functions passed to AfterStop will be called automatically once
// Stop has been called and every registered thread has returned; functions
// passed to BeforeStop run as soon as Stop is called, before the join.
type ThreadGroup struct {
	beforeStopFns []func()
	stopFns       []func()

	chanOnce sync.Once
	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// isStopped will return true if the stopChan has been closed, indicating
// that Stop() has been called.
func (tg *ThreadGroup) isStopped() bool {
	select {
	case <-tg.StopChan():
		return true
	default:
		return false
	}
}

// Add increments the ThreadGroup counter.
func (tg *ThreadGroup) Add() error {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	if tg.isStopped() {
		return ErrStopped
	}
	tg.wg.Add(1)
	return nil
}

// AfterStop adds a function to the ThreadGroup's stop set. Members of the
// set will be called after Stop has joined all threads, in reverse order. If
// the ThreadGroup is already stopped, the function is called immediately.
func (tg *ThreadGroup) AfterStop(fn func()) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	if tg.isStopped() {
		fn()
		return
	}
	tg.stopFns = append(tg.stopFns, fn)
}

// BeforeStop will call a function during the 'Stop' call, before waiting for
// the registered threads to complete. Queue wakeups belong here.
func (tg *ThreadGroup) BeforeStop(fn func()) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	if tg.isStopped() {
		fn()
		return
	}
	tg.beforeStopFns = append(tg.beforeStopFns, fn)
}

// Done decrements the ThreadGroup counter.
func (tg *ThreadGroup) Done() {
	tg.wg.Done()
}

// Stop closes the ThreadGroup's stopChan, runs the before-stop set, blocks
// until the counter is zero, and then runs the stop set in reverse order.
func (tg *ThreadGroup) Stop() error {
	tg.mu.Lock()
	if tg.isStopped() {
		tg.mu.Unlock()
		return ErrStopped
	}
	close(tg.stopChan)
	for i := len(tg.beforeStopFns) - 1; i >= 0; i-- {
		tg.beforeStopFns[i]()
	}

	tg.wg.Wait()

	for i := len(tg.stopFns) - 1; i >= 0; i-- {
		tg.stopFns[i]()
	}
	tg.stopFns = nil
	tg.mu.Unlock()
	return nil
}

// StopChan provides read-only access to the ThreadGroup's stopChan. Callers
// should select on StopChan in order to interrupt long-running sleeps.
func (tg *ThreadGroup) StopChan() <-chan struct{} {
	// Initialize tg.stopChan if it is nil; this makes an uninitialized
	// ThreadGroup valid.
	tg.chanOnce.Do(func() { tg.stopChan = make(chan struct{}) })
	return tg.stopChan
}
