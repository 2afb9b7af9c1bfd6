// Package jobqueue runs jobs one at a time per named lane, in submission order.
//
// A lane is created on first use. Each lane drains its queue on a single
// goroutine which exits once the queue is empty, so idle lanes cost nothing.
// A failing or panicking job settles its own Ticket and the lane moves on.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
)

// LaneGit serializes every mutation of the icon working tree and its history.
const LaneGit = "GIT"

// Job is a unit of work submitted to a lane.
type Job func() error

// Ticket is the handle to a submitted job.
type Ticket struct {
	done chan struct{}
	err  error
}

// Done is closed once the job has settled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the job's result. Only meaningful after Done is closed.
func (t *Ticket) Err() error {
	return t.err
}

// Wait blocks until the job settles or ctx ends. When ctx ends first the job
// is NOT cancelled: it keeps its place in the lane and still runs.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	job    Job
	ticket *Ticket
}

type lane struct {
	pending []entry
	active  bool
	running bool
}

// Registry owns the lanes. The zero value is not usable; call New.
type Registry struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func New() *Registry {
	return &Registry{lanes: make(map[string]*lane)}
}

// Submit appends job to the named lane and returns immediately.
func (r *Registry) Submit(name string, job Job) *Ticket {
	ticket := &Ticket{done: make(chan struct{})}

	r.mu.Lock()
	l, ok := r.lanes[name]
	if !ok {
		l = &lane{}
		r.lanes[name] = l
	}
	l.pending = append(l.pending, entry{job: job, ticket: ticket})
	start := !l.running
	l.running = true
	r.mu.Unlock()

	if start {
		go r.drain(l)
	}
	return ticket
}

// Run submits job and waits for it.
func (r *Registry) Run(ctx context.Context, name string, job Job) error {
	return r.Submit(name, job).Wait(ctx)
}

// Pending reports the number of jobs queued or running in the lane.
func (r *Registry) Pending(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[name]
	if !ok {
		return 0
	}
	n := len(l.pending)
	if l.active {
		n++
	}
	return n
}

func (r *Registry) drain(l *lane) {
	for {
		r.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			r.mu.Unlock()
			return
		}
		next := l.pending[0]
		l.pending[0] = entry{}
		l.pending = l.pending[1:]
		l.active = true
		r.mu.Unlock()

		next.ticket.err = runJob(next.job)

		r.mu.Lock()
		l.active = false
		r.mu.Unlock()
		close(next.ticket.done)
	}
}

func runJob(job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return job()
}
