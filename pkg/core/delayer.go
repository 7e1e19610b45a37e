/*
Copyright 2024 The Drainhold Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
)

// TaskFunc is one tick of a delayed drain task. interrupted reports that the
// wait was cut short by shutdown; the tick should do only cheap, final work
// in that case. Returning a positive duration reschedules the task after
// that duration; zero retires it.
type TaskFunc func(ctx context.Context, interrupted bool) (time.Duration, error)

// Delayer runs at most one delayed task per pod UID. Scheduling a UID that
// already has a task is a no-op, which is what makes concurrent duplicate
// admission requests start only one grace-period timer.
type Delayer struct {
	log   logr.Logger
	clock clock.Clock

	mu      sync.Mutex
	running map[types.UID]struct{}
	stopped bool

	wg        sync.WaitGroup
	interrupt chan struct{}
	cleanup   chan struct{}
}

// NewDelayer creates a delayer. Pass a fake clock in tests.
func NewDelayer(log logr.Logger, clk clock.Clock) *Delayer {
	return &Delayer{
		log:       log.WithName("delayer"),
		clock:     clk,
		running:   map[types.UID]struct{}{},
		interrupt: make(chan struct{}),
		cleanup:   make(chan struct{}),
	}
}

// Schedule starts a task for the pod UID after the given delay. Reports
// false when the UID already has a task or the delayer is stopping.
func (d *Delayer) Schedule(uid types.UID, delay time.Duration, task TaskFunc) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	if _, exists := d.running[uid]; exists {
		d.mu.Unlock()
		return false
	}
	d.running[uid] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	log := d.log.WithValues("podUID", uid)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-d.cleanup:
			cancel()
		}
	}()

	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			d.mu.Lock()
			delete(d.running, uid)
			d.mu.Unlock()
		}()

		d.run(logr.NewContext(ctx, log), log, delay, task)
	}()

	log.V(1).Info("scheduled delayed task", "delay", delay)
	return true
}

// Has reports whether the UID currently has a task.
func (d *Delayer) Has(uid types.UID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.running[uid]
	return exists
}

// Len returns the number of running tasks.
func (d *Delayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Stop refuses new tasks, waits up to drain for running tasks to finish,
// then interrupts them and waits up to cleanup for their final ticks.
func (d *Delayer) Stop(drain, cleanup time.Duration) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.log.Info("stopping delayer", "tasks", d.Len())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("drained all delayed tasks")
	case <-d.clock.After(drain):
		d.log.Info("interrupting delayed tasks that did not finish in time")
		close(d.interrupt)

		select {
		case <-done:
		case <-d.clock.After(cleanup):
			d.log.Info("some delayed tasks did not clean up in time")
		}
	}
	close(d.cleanup)
	d.log.Info("stopped delayer")
}

func (d *Delayer) run(ctx context.Context, log logr.Logger, delay time.Duration, task TaskFunc) {
	for {
		interrupted := false
		if delay > 0 {
			timer := d.clock.NewTimer(delay)
			select {
			case <-timer.C():
			case <-d.interrupt:
				interrupted = true
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return
			}
		} else {
			select {
			case <-d.interrupt:
				interrupted = true
			default:
			}
		}

		next, err := task(ctx, interrupted)
		if err != nil {
			log.Error(err, "delayed task errored")
			return
		}
		if interrupted || next <= 0 {
			return
		}
		delay = next
	}
}
