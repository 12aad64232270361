// Package stream loads tiles off the render thread.
//
// The render thread submits coordinates and drains completed jobs once per
// frame. Loads run on goroutines bounded by a weighted semaphore; results come
// back over a bounded channel that Drain reads without blocking.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/source"
	"golang.org/x/sync/semaphore"
)

type State int32

const (
	Queued State = iota
	InFlight
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in-flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Job is one tile load. Pixels and Err are set by the loader before the job
// is handed back and are only read after Drain returns it.
type Job struct {
	Coord     core.TileCoord
	Submitted uint64
	Pixels    []byte
	Err       error

	state atomic.Int32
}

func (j *Job) State() State {
	return State(j.state.Load())
}

type Options struct {
	// Workers bounds concurrently running loads.
	Workers int
	// QueueSize bounds completed jobs waiting for the render thread.
	QueueSize int
	// RetryFrames is how long a failed coordinate is refused by Submit.
	RetryFrames uint64
}

type Stats struct {
	Submitted uint64
	Coalesced uint64
	Completed uint64
	Failed    uint64
	Discarded uint64
	BackedOff uint64
}

type Scheduler struct {
	src  source.TileSource
	opts Options

	// render thread only
	jobs    map[core.TileCoord]*Job
	backoff map[core.TileCoord]uint64

	mu      sync.Mutex
	pending []*Job
	wake    chan struct{}

	sem       *semaphore.Weighted
	completed chan *Job
	ctx       context.Context
	cancel    context.CancelFunc
	alive     atomic.Bool
	wg        sync.WaitGroup

	submitted atomic.Uint64
	coalesced atomic.Uint64
	loaded    atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	backedOff atomic.Uint64
}

func New(src source.TileSource, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		src:       src,
		opts:      opts,
		jobs:      make(map[core.TileCoord]*Job),
		backoff:   make(map[core.TileCoord]uint64),
		wake:      make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		completed: make(chan *Job, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.alive.Store(true)
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Submit starts a load for coord unless one already exists or coord failed
// recently. It reports whether a new job was created.
func (s *Scheduler) Submit(coord core.TileCoord, frame uint64) bool {
	if !s.alive.Load() {
		return false
	}
	if _, ok := s.jobs[coord]; ok {
		s.coalesced.Add(1)
		return false
	}
	if until, ok := s.backoff[coord]; ok {
		if frame < until {
			s.backedOff.Add(1)
			return false
		}
		delete(s.backoff, coord)
	}

	job := &Job{Coord: coord, Submitted: frame}
	job.state.Store(int32(Queued))
	s.jobs[coord] = job

	s.mu.Lock()
	s.pending = append(s.pending, job)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.submitted.Add(1)
	return true
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var job *Job
		if len(s.pending) > 0 {
			job = s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if job == nil {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		if !s.alive.Load() {
			s.sem.Release(1)
			return
		}
		s.wg.Add(1)
		go s.load(job)
	}
}

func (s *Scheduler) load(job *Job) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	job.state.Store(int32(InFlight))
	pixels, err := s.src.Tile(job.Coord)

	if !s.alive.Load() {
		s.discarded.Add(1)
		return
	}
	if err != nil {
		job.Err = err
		job.state.Store(int32(Failed))
		s.failed.Add(1)
	} else {
		job.Pixels = pixels
		job.state.Store(int32(Completed))
		s.loaded.Add(1)
	}

	select {
	case s.completed <- job:
	case <-s.ctx.Done():
		s.discarded.Add(1)
	}
}

// Drain returns up to limit finished jobs without blocking; limit <= 0 means
// all that are ready. Returned jobs stay registered until Finish or Fail.
func (s *Scheduler) Drain(limit int) []*Job {
	var out []*Job
	for limit <= 0 || len(out) < limit {
		select {
		case job := <-s.completed:
			out = append(out, job)
		default:
			return out
		}
	}
	return out
}

// Finish forgets the job for coord once its result has been consumed.
func (s *Scheduler) Finish(coord core.TileCoord) {
	delete(s.jobs, coord)
}

// Fail forgets the job for coord and refuses new loads of it for
// RetryFrames frames.
func (s *Scheduler) Fail(coord core.TileCoord, frame uint64) {
	delete(s.jobs, coord)
	if s.opts.RetryFrames > 0 {
		s.backoff[coord] = frame + s.opts.RetryFrames
	}
}

func (s *Scheduler) Has(coord core.TileCoord) bool {
	_, ok := s.jobs[coord]
	return ok
}

func (s *Scheduler) State(coord core.TileCoord) (State, bool) {
	job, ok := s.jobs[coord]
	if !ok {
		return 0, false
	}
	return job.State(), true
}

// Jobs is the number of registered jobs in any state.
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

func (s *Scheduler) InFlight() int {
	n := 0
	for _, job := range s.jobs {
		if job.State() == InFlight {
			n++
		}
	}
	return n
}

func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Coalesced: s.coalesced.Load(),
		Completed: s.loaded.Load(),
		Failed:    s.failed.Load(),
		Discarded: s.discarded.Load(),
		BackedOff: s.backedOff.Load(),
	}
}

// Close stops accepting work. Loads already running finish in the
// background and their results are discarded. Close does not wait.
func (s *Scheduler) Close() {
	if !s.alive.Swap(false) {
		return
	}
	s.cancel()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Wait blocks until every goroutine started by the scheduler has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
