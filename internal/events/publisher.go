package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

// Defaults for subscriber buffers and the per-job log.
const (
	DefaultBuffer  = 64
	DefaultLogSize = 256
)

// ErrSlowSubscriber closes a subscription that could not keep up.
var ErrSlowSubscriber = errors.New("subscriber fell behind")

// JobReader loads a job so a broker can be rebuilt after a restart.
type JobReader interface {
	Read(ctx context.Context, id string) (*types.Job, error)
}

// Config configures a Publisher.
type Config struct {
	Jobs    JobReader
	Buffer  int
	LogSize int
	Logger  *slog.Logger
}

// Publisher owns one broker per live job.
type Publisher struct {
	mu      sync.Mutex
	brokers map[string]*broker
	jobs    JobReader
	buffer  int
	logSize int
	logger  *slog.Logger
}

// New creates a publisher.
func New(cfg Config) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = DefaultLogSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		brokers: make(map[string]*broker),
		jobs:    cfg.Jobs,
		buffer:  cfg.Buffer,
		logSize: cfg.LogSize,
		logger:  cfg.Logger.With("component", "events"),
	}
}

// Open registers a new job. Opening an existing job is a no-op.
func (p *Publisher) Open(job *types.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.brokers[job.ID]; !ok {
		p.brokers[job.ID] = newBroker(job, p.logSize)
	}
}

func (p *Publisher) broker(ctx context.Context, jobID string) (*broker, error) {
	p.mu.Lock()
	b, ok := p.brokers[jobID]
	p.mu.Unlock()
	if ok {
		return b, nil
	}
	if p.jobs == nil {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	job, err := p.jobs.Read(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.brokers[jobID]; ok {
		return b, nil
	}
	b = newBroker(job, p.logSize)
	p.brokers[jobID] = b
	p.logger.Debug("hydrated broker from store", "job_id", jobID)
	return b, nil
}

// Update publishes the difference between a job record and the broker's
// materialized state: page_status (plus page_ready) for every changed page,
// progress when it moved and job_done once.
func (p *Publisher) Update(job *types.Job) {
	p.mu.Lock()
	b, ok := p.brokers[job.ID]
	if !ok {
		b = newBroker(job, p.logSize)
		b.done = false
		p.brokers[job.ID] = b
		p.mu.Unlock()
		// A fresh broker already reflects job; only job_done needs sending.
		b.apply(job, true, p.logger)
		return
	}
	p.mu.Unlock()
	b.apply(job, false, p.logger)
}

// Subscribe registers a subscriber and returns its replay burst. With a
// lastSeq still covered by the log the burst is the missed events instead
// of the full state. A finished job yields its burst and a closed channel.
func (p *Publisher) Subscribe(ctx context.Context, jobID string, lastSeq int64) (*Subscription, []Event, error) {
	b, err := p.broker(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	sub, replay := b.subscribe(p.buffer, lastSeq)
	return sub, replay, nil
}

// Snapshot returns the materialized state, the same state a new subscriber
// is replayed.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	b, err := p.broker(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return b.snapshot(), nil
}

// Close drops a job's broker and ends every stream on it.
func (p *Publisher) Close(jobID string) {
	p.mu.Lock()
	b, ok := p.brokers[jobID]
	delete(p.brokers, jobID)
	p.mu.Unlock()
	if ok {
		b.close(nil)
	}
}

// Subscribers returns the number of live subscribers of a job.
func (p *Publisher) Subscribers(jobID string) int {
	p.mu.Lock()
	b, ok := p.brokers[jobID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one consumer of a job stream. C is closed when the job
// finishes, is evicted, or the subscriber falls behind; Err tells which.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	broker *broker
	err    error
	once   sync.Once
}

// Err reports why C was closed. Nil after a normal end of stream.
func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Close unregisters the subscriber.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.remove(s, nil)
}

func (s *Subscription) shut(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

type broker struct {
	mu       sync.Mutex
	jobID    string
	pages    []PageStatus
	progress types.Progress
	done     bool
	revision int64
	log      []Event
	logSize  int
	nextSeq  int64
	subs     map[*Subscription]struct{}
	closed   bool
}

func newBroker(job *types.Job, logSize int) *broker {
	s := SnapshotOf(job)
	return &broker{
		jobID:    job.ID,
		pages:    s.Pages,
		progress: s.Progress,
		done:     job.Done,
		revision: job.Revision,
		logSize:  logSize,
		subs:     make(map[*Subscription]struct{}),
	}
}

func (b *broker) apply(job *types.Job, fresh bool, logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	// Writers publish after the store commits, so a record can arrive after
	// a newer one. Older revisions are already reflected.
	if job.Revision < b.revision {
		logger.Debug("dropped stale job record", "job_id", b.jobID,
			"revision", job.Revision, "applied", b.revision)
		return
	}
	b.revision = job.Revision

	if !fresh {
		for i, page := range job.Pages {
			next := StatusOf(page)
			if i < len(b.pages) && b.pages[i] == next {
				continue
			}
			if i < len(b.pages) {
				b.pages[i] = next
			}
			b.emit(TypePageStatus, next)
			if next.State == types.PageReady {
				b.emit(TypePageReady, PageReady{Index: next.Index, Audio: next.Audio, Duration: next.Duration})
			}
		}
		if job.Progress != b.progress {
			b.progress = job.Progress
			b.emit(TypeProgress, b.progress)
		}
	}

	if job.Done && !b.done {
		b.done = true
		b.emit(TypeJobDone, JobDone{OK: job.AllReady()})
		logger.Info("job done", "job_id", b.jobID, "ok", job.AllReady(), "subscribers", len(b.subs))
		for sub := range b.subs {
			b.remove(sub, nil)
		}
	}
}

// emit must be called with b.mu held.
func (b *broker) emit(t Type, data any) {
	b.nextSeq++
	ev := Event{Seq: b.nextSeq, Type: t, JobID: b.jobID, Timestamp: time.Now().UTC(), Data: data}
	b.log = append(b.log, ev)
	if len(b.log) > b.logSize {
		b.log = append([]Event(nil), b.log[len(b.log)-b.logSize:]...)
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.remove(sub, ErrSlowSubscriber)
		}
	}
}

// remove must be called with b.mu held.
func (b *broker) remove(sub *Subscription, err error) {
	delete(b.subs, sub)
	sub.shut(err)
}

// close ends every subscription and stops further events.
func (b *broker) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		b.remove(sub, err)
	}
}

func (b *broker) burst() []Event {
	now := time.Now().UTC()
	out := make([]Event, 0, len(b.pages)+2)
	for _, p := range b.pages {
		out = append(out, Event{Seq: b.nextSeq, Type: TypePageStatus, JobID: b.jobID, Timestamp: now, Data: p})
	}
	out = append(out, Event{Seq: b.nextSeq, Type: TypeProgress, JobID: b.jobID, Timestamp: now, Data: b.progress})
	if b.done {
		out = append(out, Event{Seq: b.nextSeq, Type: TypeJobDone, JobID: b.jobID, Timestamp: now, Data: JobDone{OK: b.allReady()}})
	}
	return out
}

func (b *broker) allReady() bool {
	for _, p := range b.pages {
		if p.State != types.PageReady {
			return false
		}
	}
	return true
}

func (b *broker) since(seq int64) ([]Event, bool) {
	if seq <= 0 || seq > b.nextSeq {
		return nil, false
	}
	if seq == b.nextSeq {
		return []Event{}, true
	}
	if len(b.log) == 0 || b.log[0].Seq > seq+1 {
		return nil, false
	}
	out := make([]Event, 0, b.nextSeq-seq)
	for _, ev := range b.log {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, true
}

func (b *broker) subscribe(buffer int, lastSeq int64) (*Subscription, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay, ok := b.since(lastSeq)
	if !ok {
		replay = b.burst()
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, broker: b}
	if b.done || b.closed {
		sub.shut(nil)
		return sub, replay
	}
	b.subs[sub] = struct{}{}
	return sub, replay
}

func (b *broker) snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Snapshot{
		JobID:    b.jobID,
		Pages:    append([]PageStatus(nil), b.pages...),
		Progress: b.progress,
		Done:     b.done,
	}
	return s
}
