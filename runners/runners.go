package runners

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/tasks"
)

// Runners claims jobs from the queue and runs them. How many run at once is
// decided by the queue's lane limits.
type Runners struct {
	queue   *jobqueue.Queue
	lookup  func(command string) (tasks.TaskFn, bool)
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    sync.WaitGroup
}

// New creates a Runners instance backed by the task registry.
func New(queue *jobqueue.Queue) *Runners {
	return NewWithLookup(queue, func(command string) (tasks.TaskFn, bool) {
		t, ok := tasks.GetTasks()[command]
		return t.Fn, ok
	})
}

// NewWithLookup creates a Runners instance that resolves commands through
// lookup.
func NewWithLookup(queue *jobqueue.Queue, lookup func(command string) (tasks.TaskFn, bool)) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		lookup: lookup,
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops claiming new jobs and waits for running jobs to finish.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
	r.jobs.Wait()
}

// Running reports how many jobs are executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts every job the lanes have room for.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startClaimable()
}

func (r *Runners) startClaimable() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		job, err := r.queue.ClaimJob()
		if err != nil {
			log.Printf("runners: claim failed: %v", err)
			return
		}
		if job == nil {
			return
		}
		r.runJob(job)
	}
}

// runJob starts a single job in a separate goroutine. Once it finishes the
// job's final state is recorded and more jobs are claimed.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.startClaimable()
			r.mu.Unlock()
		}()

		fn, ok := r.lookup(j.Command)
		if !ok {
			err := fmt.Errorf("task not found: %s", j.Command)
			_ = r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			_ = r.queue.ErrorJob(j.ID, err)
			return
		}
		r.finish(j, r.call(j, fn))
	}()
}

// call runs fn, turning a panic into an error so the lane is released.
func (r *Runners) call(j *jobqueue.Job, fn tasks.TaskFn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", j.Command, p)
		}
	}()
	return fn(j, r.queue)
}

func (r *Runners) finish(j *jobqueue.Job, err error) {
	switch {
	case err == nil:
		if cerr := r.queue.CompleteJob(j.ID); cerr != nil && !errors.Is(cerr, jobqueue.ErrJobNotFound) {
			log.Printf("runners: complete %s: %v", j.ID, cerr)
		}
	case j.Ctx.Err() != nil:
		// Cancelled or removed while running.
		_ = r.queue.CancelJob(j.ID)
	default:
		log.Printf("runners: job %s (%s) failed: %v", j.ID, j.Command, err)
		_ = r.queue.ErrorJob(j.ID, err)
	}
}
