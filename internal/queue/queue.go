// Package queue implements the ordered admission queue in front of the
// SessionManager: a FIFO that preserves per-chat start order while
// allowing parallel dispatch across distinct sessions, bounded by a
// fixed-size worker pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayfarer-labs/relay/internal/events"
	"github.com/wayfarer-labs/relay/internal/relayerr"
	"github.com/wayfarer-labs/relay/internal/session"
)

// Status is a Job's lifecycle stage.
type Status int

const (
	Waiting Status = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func terminal(s Status) bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Job is one inbound message admitted to the queue.
type Job struct {
	ID     string
	ChatID int64
	UserID int64
	Text   string // original text, possibly carrying a leading @name token

	mu            sync.Mutex
	status        Status
	sessionName   string // resolved at dispatch time, not enqueue time
	resolvedText  string
	reply         string
	err           error
	enqueuedAt    time.Time
	startedAt     time.Time
	finishedAt    time.Time
}

func (j *Job) snapshotLocked() Summary {
	return Summary{
		ID:          j.ID,
		ChatID:      j.ChatID,
		Status:      j.status,
		SessionName: j.sessionName,
		EnqueuedAt:  j.enqueuedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
}

// Summary is one row of Snapshot()'s output.
type Summary struct {
	ID          string
	ChatID      int64
	Status      Status
	SessionName string
	Position    int
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Resolver is the SessionManager boundary the queue depends on.
type Resolver interface {
	Resolve(text string) (string, string)
	Get(name string) (*session.Session, error)
}

// ReplyFunc delivers a finished job's outcome back to the transport layer.
type ReplyFunc func(chatID int64, reply string, err error)

// Opts parameterizes New.
type Opts struct {
	Workers   int
	Depth     int
	Resolver  Resolver
	Observers *events.Registry
	OnReply   ReplyFunc
}

// Queue is the MessageQueue: admission FIFO plus bounded worker pool.
type Queue struct {
	resolver  Resolver
	observers *events.Registry
	onReply   ReplyFunc
	depth     int

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []*Job
	byID    map[string]*Job
	running map[string]bool // sessionName -> has an in-flight job
	closed  bool

	sem chan struct{}
	wg  sync.WaitGroup

	nextID atomic.Uint64
}

// New creates a Queue and starts its dispatch loop.
func New(opts Opts) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = 5
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1024
	}

	q := &Queue{
		resolver:  opts.Resolver,
		observers: opts.Observers,
		onReply:   opts.OnReply,
		depth:     depth,
		byID:      make(map[string]*Job),
		running:   make(map[string]bool),
		sem:       make(chan struct{}, workers),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatchLoop()
	return q
}

func (q *Queue) newID() string {
	return fmt.Sprintf("job-%d", q.nextID.Add(1))
}

// Enqueue admits a job to the FIFO. Returns its 1-based position counted
// from the next-to-dispatch waiting job.
func (q *Queue) Enqueue(chatID, userID int64, text string) (*Job, int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, 0, fmt.Errorf("queue: enqueue: %w", relayerr.ErrShutdown)
	}

	waiting := 0
	for _, j := range q.jobs {
		j.mu.Lock()
		if j.status == Waiting {
			waiting++
		}
		j.mu.Unlock()
	}
	if waiting >= q.depth {
		q.mu.Unlock()
		if q.observers != nil {
			q.observers.QueueCapacityExceeded(events.QueueCapacityExceeded{ChatID: chatID, Depth: q.depth})
		}
		return nil, 0, fmt.Errorf("queue: enqueue: %w", relayerr.ErrOverCapacity)
	}

	job := &Job{
		ID:         q.newID(),
		ChatID:     chatID,
		UserID:     userID,
		Text:       text,
		status:     Waiting,
		enqueuedAt: time.Now(),
	}
	q.jobs = append(q.jobs, job)
	q.byID[job.ID] = job
	position := waiting + 1
	q.mu.Unlock()

	q.cond.Broadcast()

	if q.observers != nil {
		q.observers.JobQueued(events.JobQueued{JobID: job.ID, ChatID: chatID, Position: position})
	}
	return job, position, nil
}

// Cancel removes a waiting job from the queue. Running or already-terminal
// jobs cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue: cancel %s: %w", id, relayerr.ErrNotFound)
	}

	job.mu.Lock()
	switch {
	case job.status == Running:
		job.mu.Unlock()
		q.mu.Unlock()
		return fmt.Errorf("queue: cancel %s: %w", id, relayerr.ErrAlreadyRunning)
	case terminal(job.status):
		job.mu.Unlock()
		q.mu.Unlock()
		return fmt.Errorf("queue: cancel %s: %w", id, relayerr.ErrAlreadyTerminal)
	}
	job.status = Cancelled
	job.finishedAt = time.Now()
	job.mu.Unlock()

	q.removeFromJobsLocked(id)
	q.mu.Unlock()
	return nil
}

// removeFromJobsLocked drops id from the dispatch-relevant slice; byID
// retains it so a later Cancel reports AlreadyTerminal rather than
// NotFound. Caller must hold q.mu.
func (q *Queue) removeFromJobsLocked(id string) {
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

// Snapshot returns the ordered waiting and running jobs, with each
// waiting job's position counted from the next-to-dispatch.
func (q *Queue) Snapshot() []Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Summary, 0, len(q.jobs))
	waitingSeen := 0
	for _, j := range q.jobs {
		j.mu.Lock()
		s := j.snapshotLocked()
		if s.Status == Waiting {
			waitingSeen++
			s.Position = waitingSeen
		}
		j.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// dispatchLoop pulls from the head of the queue, skipping jobs whose
// target session slot is occupied, but only past entries whose chatID
// has not already been skipped this pass (preserving per-chatID FIFO).
func (q *Queue) dispatchLoop() {
	for {
		q.mu.Lock()
		for {
			if q.closed {
				q.mu.Unlock()
				return
			}
			job, ok := q.nextDispatchableLocked()
			if ok {
				q.running[job.sessionNameLocked()] = true
				q.mu.Unlock()
				q.sem <- struct{}{}
				q.wg.Add(1)
				go q.runJob(job)
				break
			}
			q.cond.Wait()
		}
	}
}

func (j *Job) sessionNameLocked() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionName
}

// nextDispatchableLocked scans q.jobs for the first waiting job whose
// resolved session is free. Caller must hold q.mu.
func (q *Queue) nextDispatchableLocked() (*Job, bool) {
	skipped := make(map[int64]bool)
	for _, job := range q.jobs {
		job.mu.Lock()
		if job.status != Waiting {
			job.mu.Unlock()
			continue
		}
		chatID := job.ChatID
		if skipped[chatID] {
			job.mu.Unlock()
			continue
		}
		name, stripped := q.resolver.Resolve(job.Text)
		if q.running[name] {
			skipped[chatID] = true
			job.mu.Unlock()
			continue
		}
		job.status = Running
		job.sessionName = name
		job.resolvedText = stripped
		job.startedAt = time.Now()
		job.mu.Unlock()
		return job, true
	}
	return nil, false
}

func (q *Queue) runJob(job *Job) {
	defer q.wg.Done()
	defer func() {
		<-q.sem
		q.mu.Lock()
		delete(q.running, job.sessionNameLocked())
		q.mu.Unlock()
		q.cond.Broadcast()
	}()

	if q.observers != nil {
		q.observers.JobStarted(events.JobStarted{JobID: job.ID, ChatID: job.ChatID})
	}

	start := time.Now()
	sess, err := q.resolver.Get(job.sessionNameLocked())
	var reply string
	if err == nil {
		reply, err = sess.Ask(context.Background(), job.resolvedTextLocked())
	}
	elapsed := time.Since(start)

	q.mu.Lock()
	job.mu.Lock()
	job.finishedAt = time.Now()
	if err != nil {
		job.status = Failed
		job.err = err
	} else {
		job.status = Succeeded
		job.reply = reply
	}
	job.mu.Unlock()
	q.removeFromJobsLocked(job.ID)
	q.mu.Unlock()

	if q.observers != nil {
		q.observers.JobFinished(events.JobFinished{
			JobID:   job.ID,
			ChatID:  job.ChatID,
			OK:      err == nil,
			Elapsed: elapsed,
		})
	}
	if q.onReply != nil {
		q.onReply(job.ChatID, reply, err)
	}
}

func (j *Job) resolvedTextLocked() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resolvedText
}

// Shutdown stops accepting new jobs and waits for in-flight jobs to
// finish, bounded by ctx's deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown: %w", ctx.Err())
	}
}
