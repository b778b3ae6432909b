// Package pipeline coordinates a job window through its two stages.
//
// Pages arrive as uploads. Once the arrival policy fires, every arrived page
// is extracted in one chapter-wide call on the extraction pool; each page's
// essential lines then become utterance tasks on the shared synthesis pool,
// ordered by distance from the reader's current page. A page whose
// utterances all succeed is assembled into one WAV and marked ready. The
// coordinator is the only writer of job records: every change goes through
// the store and is then handed to the event publisher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/cache"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/jobs"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/store"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

// Defaults for the arrival policy and assembly.
const (
	DefaultArrivalThreshold = 4
	DefaultTriggerTimeout   = 3 * time.Second
	DefaultLateBatchDelay   = 500 * time.Millisecond
	DefaultUploadDeadline   = 2 * time.Minute
	DefaultSegmentGap       = 150 * time.Millisecond
	silentPageDuration      = 500 * time.Millisecond
)

// Config configures a Coordinator.
type Config struct {
	Jobs      store.JobStore
	Blobs     blob.Store
	Cache     *cache.Layer
	Events    *events.Publisher
	Voices    *voices.Registry
	Providers *providers.Registry
	Logger    *slog.Logger

	ExtractionWorkers int
	SynthesisWorkers  int
	Retry             jobs.RetryConfig
	CallTimeout       time.Duration
	ExtractionLimiter *providers.RateLimiter
	SynthesisLimiter  *providers.RateLimiter

	// ArrivalThreshold is how many uploads start the first extraction.
	// It is capped at the window size.
	ArrivalThreshold int
	// TriggerTimeout starts extraction with whatever has arrived.
	TriggerTimeout time.Duration
	// LateBatchDelay debounces pages arriving after the first batch.
	LateBatchDelay time.Duration
	// UploadDeadline fails pages that never arrive.
	UploadDeadline time.Duration
	// SegmentGap is the silence between utterances of a page.
	SegmentGap time.Duration
	// AudioBaseURL prefixes page audio URLs.
	AudioBaseURL string
}

// Coordinator drives jobs from upload to playable audio.
type Coordinator struct {
	jobs      store.JobStore
	blobs     blob.Store
	cache     *cache.Layer
	events    *events.Publisher
	voices    *voices.Registry
	providers *providers.Registry
	logger    *slog.Logger

	extraction *jobs.Pool[*extractTask, *providers.ExtractionResult]
	synthesis  *jobs.Pool[*synthTask, []byte]

	threshold      atomic.Int64
	triggerTimeout time.Duration
	lateDelay      time.Duration
	uploadDeadline time.Duration
	segmentGap     time.Duration
	audioBase      string

	mu      sync.Mutex
	runs    map[string]*run
	jobSeq  int64
	viewMu  sync.RWMutex
	viewing map[string]int

	ctx context.Context
}

// New creates a coordinator and its two worker pools.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Jobs == nil || cfg.Blobs == nil || cfg.Events == nil || cfg.Voices == nil || cfg.Providers == nil {
		return nil, errors.New("pipeline: jobs, blobs, events, voices and providers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewLayer(cache.NewMemory(0), cache.NewMemory(0), false)
	}
	if cfg.ArrivalThreshold <= 0 {
		cfg.ArrivalThreshold = DefaultArrivalThreshold
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = DefaultTriggerTimeout
	}
	if cfg.LateBatchDelay <= 0 {
		cfg.LateBatchDelay = DefaultLateBatchDelay
	}
	if cfg.UploadDeadline <= 0 {
		cfg.UploadDeadline = DefaultUploadDeadline
	}
	if cfg.SegmentGap < 0 {
		cfg.SegmentGap = 0
	}

	c := &Coordinator{
		jobs:           cfg.Jobs,
		blobs:          cfg.Blobs,
		cache:          cfg.Cache,
		events:         cfg.Events,
		voices:         cfg.Voices,
		providers:      cfg.Providers,
		logger:         cfg.Logger.With("component", "pipeline"),
		triggerTimeout: cfg.TriggerTimeout,
		lateDelay:      cfg.LateBatchDelay,
		uploadDeadline: cfg.UploadDeadline,
		segmentGap:     cfg.SegmentGap,
		audioBase:      cfg.AudioBaseURL,
		runs:           make(map[string]*run),
		viewing:        make(map[string]int),
		ctx:            context.Background(),
	}
	c.threshold.Store(int64(cfg.ArrivalThreshold))

	var err error
	c.extraction, err = jobs.NewPool(jobs.PoolConfig[*extractTask, *providers.ExtractionResult]{
		Name:        "extraction",
		Type:        jobs.PoolTypeExtraction,
		Logger:      cfg.Logger,
		Handler:     c.extract,
		Workers:     jobs.ClampWorkers(jobs.PoolTypeExtraction, cfg.ExtractionWorkers),
		Cancelled:   c.extractCancelled,
		Retry:       cfg.Retry,
		CallTimeout: cfg.CallTimeout,
		RateLimiter: cfg.ExtractionLimiter,
	})
	if err != nil {
		return nil, err
	}
	c.synthesis, err = jobs.NewPool(jobs.PoolConfig[*synthTask, []byte]{
		Name:        "synthesis",
		Type:        jobs.PoolTypeSynthesis,
		Logger:      cfg.Logger,
		Handler:     c.synthesize,
		Workers:     jobs.ClampWorkers(jobs.PoolTypeSynthesis, cfg.SynthesisWorkers),
		Less:        c.synthLess,
		Cancelled:   c.synthCancelled,
		Retry:       cfg.Retry,
		CallTimeout: cfg.CallTimeout,
		RateLimiter: cfg.SynthesisLimiter,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Run starts both pools and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.extraction.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		c.synthesis.Start(ctx)
	}()
	<-ctx.Done()

	c.mu.Lock()
	for _, r := range c.runs {
		r.stopTimers()
	}
	c.mu.Unlock()
	wg.Wait()
	c.logger.Info("pipeline stopped")
}

func (c *Coordinator) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// SetArrivalThreshold changes the threshold for jobs registered afterwards
// and for jobs that have not triggered yet.
func (c *Coordinator) SetArrivalThreshold(n int) {
	if n > 0 {
		c.threshold.Store(int64(n))
	}
}

// AudioURL is where a page's assembled audio is served.
func (c *Coordinator) AudioURL(jobID string, index int) string {
	return fmt.Sprintf("%s/audio/%s/page-%d.wav", c.audioBase, jobID, index)
}

// AudioURLTemplate is AudioURL with placeholders for clients.
func (c *Coordinator) AudioURLTemplate() string {
	return c.audioBase + "/audio/{job_id}/page-{index}.wav"
}

// Register starts tracking a newly created job.
func (c *Coordinator) Register(job *types.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.register(job)
}

// register must be called with c.mu held.
func (c *Coordinator) register(job *types.Job) *run {
	if r, ok := c.runs[job.ID]; ok {
		return r
	}
	c.jobSeq++
	r := newRun(job, c.jobSeq)
	c.runs[job.ID] = r

	c.viewMu.Lock()
	c.viewing[job.ID] = job.ViewingIndex
	c.viewMu.Unlock()

	c.events.Open(job)

	jobID := job.ID
	r.triggerTimer = time.AfterFunc(c.triggerTimeout, func() { c.onTriggerTimeout(jobID) })
	deadline := c.uploadDeadline - time.Since(job.CreatedAt)
	if deadline < 0 {
		deadline = 0
	}
	r.deadlineTimer = time.AfterFunc(deadline, func() { c.onUploadDeadline(jobID) })
	c.logger.Debug("job registered", "job_id", job.ID, "size", job.Window.Size)
	return r
}

func (c *Coordinator) run(jobID string) (*run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[jobID]
	return r, ok
}

// mutate applies fn to a job record, marks it done once every page is
// terminal and publishes the result.
func (c *Coordinator) mutate(ctx context.Context, jobID string, fn func(*types.Job) error) (*types.Job, error) {
	var finished bool
	job, err := c.jobs.Update(ctx, jobID, func(j *types.Job) error {
		finished = false
		if err := fn(j); err != nil {
			return err
		}
		j.Recompute()
		if !j.Done && j.Progress.Complete() {
			j.Done = true
			finished = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.events.Update(job)
	if finished {
		c.finish(ctx, job)
	}
	return job, nil
}

func (c *Coordinator) finish(ctx context.Context, job *types.Job) {
	if r, ok := c.run(job.ID); ok {
		r.stopTimers()
	}
	c.writeSnapshot(ctx, events.SnapshotOf(job))
	c.logger.Info("job finished", "job_id", job.ID, "ok", job.AllReady(),
		"pages", job.Progress.Total, "elapsed", time.Since(job.CreatedAt).Round(time.Millisecond))
}

func (c *Coordinator) writeSnapshot(ctx context.Context, snap *events.Snapshot) {
	data, err := marshalSnapshot(snap)
	if err == nil {
		err = c.blobs.Put(ctx, blob.SnapshotKey(snap.JobID), data)
	}
	if err != nil {
		c.logger.Warn("failed to write snapshot", "job_id", snap.JobID, "error", err)
	}
}

// Status reports pool, cache and job counters.
type Status struct {
	ActiveJobs   int                     `json:"active_jobs"`
	Extraction   jobs.PoolStatus         `json:"extraction"`
	Synthesis    jobs.PoolStatus         `json:"synthesis"`
	Cache        cache.Stats             `json:"cache"`
	Conditioning voices.ConditionerStats `json:"conditioning"`
	Providers    map[string]string       `json:"providers"`
}

// Status returns a point-in-time view of the pipeline.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	active := len(c.runs)
	c.mu.Unlock()
	return Status{
		ActiveJobs:   active,
		Extraction:   c.extraction.Status(),
		Synthesis:    c.synthesis.Status(),
		Cache:        c.cache.Stats(),
		Conditioning: c.voices.Conditioner().Stats(),
		Providers: map[string]string{
			"extraction": c.providers.Extractor().Name(),
			"synthesis":  c.providers.Synthesizer().Name(),
		},
	}
}
