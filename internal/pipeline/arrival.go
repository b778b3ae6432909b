package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/types"
)

// run is the in-process bookkeeping of one job: which pages arrived, which
// were handed to extraction for their current attempt and the synthesis
// progress of each page.
type run struct {
	mu    sync.Mutex
	jobID string
	size  int
	seq   int64
	pack  types.VoicePack

	arrived        []bool
	arrivedCount   int
	dispatched     []bool
	attempts       []int
	boost          []bool
	triggered      bool
	timeoutElapsed bool
	lateArmed      bool
	work           map[int]*pageWork
	closed         bool

	triggerTimer  *time.Timer
	lateTimer     *time.Timer
	deadlineTimer *time.Timer
}

func newRun(job *types.Job, seq int64) *run {
	r := &run{
		jobID:      job.ID,
		size:       job.Window.Size,
		seq:        seq,
		pack:       job.VoicePack,
		arrived:    make([]bool, job.Window.Size),
		dispatched: make([]bool, job.Window.Size),
		attempts:   make([]int, job.Window.Size),
		boost:      make([]bool, job.Window.Size),
		work:       make(map[int]*pageWork),
	}
	for i, p := range job.Pages {
		r.arrived[i] = p.Arrived
		if p.Arrived {
			r.arrivedCount++
		}
		r.dispatched[i] = p.State != types.PageQueued
		r.attempts[i] = p.Attempt
		if p.State != types.PageQueued {
			r.triggered = true
		}
	}
	return r
}

func (r *run) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range []*time.Timer{r.triggerTimer, r.lateTimer, r.deadlineTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// takeArrived marks every arrived, undispatched page as dispatched and
// returns them. Must be called with r.mu held.
func (r *run) takeArrived() []int {
	var out []int
	for i := range r.arrived {
		if r.arrived[i] && !r.dispatched[i] {
			r.dispatched[i] = true
			out = append(out, i)
		}
	}
	return out
}

// remainingArrived reports whether every undispatched page has arrived.
// Must be called with r.mu held.
func (r *run) remainingArrived() bool {
	for i := range r.arrived {
		if !r.dispatched[i] && !r.arrived[i] {
			return false
		}
	}
	return true
}

// evaluate applies the arrival policy and returns the pages to extract
// now. Must be called with r.mu held.
func (c *Coordinator) evaluate(r *run) []int {
	if r.closed {
		return nil
	}
	threshold := min(int(c.threshold.Load()), r.size)
	if !r.triggered {
		if r.arrivedCount == r.size || r.arrivedCount >= threshold || (r.timeoutElapsed && r.arrivedCount > 0) {
			r.triggered = true
			if r.triggerTimer != nil {
				r.triggerTimer.Stop()
			}
			return r.takeArrived()
		}
		return nil
	}

	pending := false
	for i := range r.arrived {
		if r.arrived[i] && !r.dispatched[i] {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}
	if r.remainingArrived() {
		if r.lateTimer != nil {
			r.lateTimer.Stop()
		}
		r.lateArmed = false
		return r.takeArrived()
	}
	if !r.lateArmed {
		r.lateArmed = true
		jobID := r.jobID
		r.lateTimer = time.AfterFunc(c.lateDelay, func() { c.onLateBatch(jobID) })
	}
	return nil
}

func (c *Coordinator) dispatch(jobID string, batch []int) {
	if len(batch) == 0 {
		return
	}
	go c.runExtraction(jobID, batch)
}

// Upload stores a page asset and records its arrival. Uploading a page that
// is already being processed is a conflict.
func (c *Coordinator) Upload(ctx context.Context, jobID string, index int, data []byte) error {
	r, ok := c.run(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	r.mu.Lock()
	if index < 0 || index >= r.size {
		r.mu.Unlock()
		return fmt.Errorf("%w: page %d of job %s", types.ErrNotFound, index, jobID)
	}
	if r.dispatched[index] || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: page %d is already being processed", types.ErrConflict, index)
	}
	r.mu.Unlock()

	hash := c.cache.AssetKey(data)
	if err := c.blobs.Put(ctx, blob.AssetKey(jobID, index), data); err != nil {
		return fmt.Errorf("failed to store page asset: %w", err)
	}
	_, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		p, err := j.Page(index)
		if err != nil {
			return err
		}
		if p.State != types.PageQueued {
			return fmt.Errorf("%w: page %d is %s", types.ErrConflict, index, p.State)
		}
		p.Arrived = true
		p.AssetHash = hash
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !r.arrived[index] {
		r.arrived[index] = true
		r.arrivedCount++
	}
	batch := c.evaluate(r)
	r.mu.Unlock()

	c.logger.Debug("page arrived", "job_id", jobID, "index", index, "bytes", len(data), "dispatch", batch)
	c.dispatch(jobID, batch)
	return nil
}

func (c *Coordinator) onTriggerTimeout(jobID string) {
	r, ok := c.run(jobID)
	if !ok {
		return
	}
	r.mu.Lock()
	r.timeoutElapsed = true
	batch := c.evaluate(r)
	r.mu.Unlock()
	if len(batch) > 0 {
		c.logger.Debug("trigger timeout fired", "job_id", jobID, "pages", len(batch))
	}
	c.dispatch(jobID, batch)
}

func (c *Coordinator) onLateBatch(jobID string) {
	r, ok := c.run(jobID)
	if !ok {
		return
	}
	r.mu.Lock()
	r.lateArmed = false
	var batch []int
	if !r.closed {
		batch = r.takeArrived()
	}
	r.mu.Unlock()
	c.dispatch(jobID, batch)
}

// onUploadDeadline fails every page that never arrived.
func (c *Coordinator) onUploadDeadline(jobID string) {
	r, ok := c.run(jobID)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var missing []int
	for i := range r.arrived {
		if !r.arrived[i] && !r.dispatched[i] {
			r.dispatched[i] = true
			missing = append(missing, i)
		}
	}
	r.timeoutElapsed = true
	batch := c.evaluate(r)
	r.mu.Unlock()

	c.dispatch(jobID, batch)
	if len(missing) == 0 {
		return
	}
	c.logger.Warn("upload deadline passed", "job_id", jobID, "missing", missing)
	var timedOut, late []int
	_, err := c.mutate(c.runContext(), jobID, func(j *types.Job) error {
		timedOut, late = timedOut[:0], late[:0]
		for _, i := range missing {
			p := &j.Pages[i]
			if p.State != types.PageQueued {
				continue
			}
			if p.Arrived {
				// The upload committed before this write but had not yet
				// reached the run bookkeeping.
				late = append(late, i)
				continue
			}
			// queued has no direct edge to error; the page passes through
			// extracting inside this one write.
			if err := p.Transition(types.PageExtracting); err != nil {
				return err
			}
			if err := p.Fail(types.ReasonUploadTimeout); err != nil {
				return err
			}
			timedOut = append(timedOut, i)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to record upload timeout", "job_id", jobID, "error", err)
		return
	}
	for _, i := range timedOut {
		c.logFailure(&types.PageFailure{JobID: jobID, Index: i, Stage: types.StageUpload, Reason: types.ReasonUploadTimeout})
	}
	if len(late) == 0 {
		return
	}
	r.mu.Lock()
	for _, i := range late {
		r.dispatched[i] = false
		if !r.arrived[i] {
			r.arrived[i] = true
			r.arrivedCount++
		}
	}
	batch = c.evaluate(r)
	r.mu.Unlock()
	c.logger.Debug("pages arrived at the upload deadline", "job_id", jobID, "pages", late, "dispatch", batch)
	c.dispatch(jobID, batch)
}
