package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/types"
)

func marshalSnapshot(s *events.Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Retry requeues an errored page as a new generation. A page whose asset
// is known is re-extracted alone and its utterances jump the queue; a page
// that never arrived waits for its upload. No other page is touched.
func (c *Coordinator) Retry(ctx context.Context, jobID string, index int) (*types.Page, error) {
	r, ok := c.run(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	job, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		p, err := j.Page(index)
		if err != nil {
			return err
		}
		if p.State != types.PageError {
			return fmt.Errorf("%w: page %d is %s, only failed pages can be retried", types.ErrConflict, index, p.State)
		}
		return p.Requeue()
	})
	if err != nil {
		return nil, err
	}
	page := job.Pages[index]

	r.mu.Lock()
	old := r.attempts[index]
	r.attempts[index] = page.Attempt
	r.boost[index] = true
	delete(r.work, index)
	r.dispatched[index] = false
	r.arrived[index] = page.Arrived
	var batch []int
	if page.Arrived {
		r.dispatched[index] = true
		batch = []int{index}
	}
	r.mu.Unlock()

	c.synthesis.Purge(func(t *synthTask) bool {
		return t.jobID == jobID && t.index == index && t.attempt == old
	})
	c.logger.Info("page retried", "job_id", jobID, "index", index, "attempt", page.Attempt, "reextract", len(batch) > 0)
	c.dispatch(jobID, batch)
	return &page, nil
}

// SetViewingIndex records where the reader is and reorders queued
// utterances around it.
func (c *Coordinator) SetViewingIndex(ctx context.Context, jobID string, index int) error {
	r, ok := c.run(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	if index < 0 || index >= r.size {
		return types.NewValidationError("index", "must be within [0,%d)", r.size)
	}
	_, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		j.ViewingIndex = index
		return nil
	})
	if err != nil {
		return err
	}
	c.viewMu.Lock()
	c.viewing[jobID] = index
	c.viewMu.Unlock()
	c.synthesis.Reprioritize()
	return nil
}

// Evict forgets a job that the store expired: queued work is dropped,
// streams are closed and every blob of the job is removed, so later reads
// of the job are not found.
func (c *Coordinator) Evict(ctx context.Context, jobID string) {
	dropped := c.forget(ctx, jobID)
	c.logger.Info("job evicted", "job_id", jobID, "dropped_tasks", dropped)
}

// Unregister forgets a job registered by a session that then lost the
// race for its idempotency key.
func (c *Coordinator) Unregister(ctx context.Context, jobID string) {
	c.forget(ctx, jobID)
	c.logger.Debug("job unregistered", "job_id", jobID)
}

func (c *Coordinator) forget(ctx context.Context, jobID string) int {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	delete(c.runs, jobID)
	c.mu.Unlock()

	c.viewMu.Lock()
	delete(c.viewing, jobID)
	c.viewMu.Unlock()

	if ok {
		r.stopTimers()
		r.mu.Lock()
		r.closed = true
		r.work = make(map[int]*pageWork)
		r.mu.Unlock()
	}

	dropped := c.extraction.Purge(func(t *extractTask) bool { return t.jobID == jobID })
	dropped += c.synthesis.Purge(func(t *synthTask) bool { return t.jobID == jobID })

	c.events.Close(jobID)
	if err := c.blobs.DeletePrefix(ctx, blob.JobPrefix(jobID)); err != nil {
		c.logger.Warn("failed to delete job blobs", "job_id", jobID, "error", err)
	}
	return dropped
}

// Restore picks up jobs left in the store by a previous process: pages
// interrupted in extraction are extracted again, pages interrupted in
// synthesis are resynthesized from their stored lines and arrived pages
// still queued go through the arrival policy.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	active, err := c.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	restored := 0
	for _, job := range active {
		c.mu.Lock()
		_, exists := c.runs[job.ID]
		r := c.register(job)
		c.mu.Unlock()
		if exists {
			continue
		}
		restored++
		if job.Done {
			r.stopTimers()
			continue
		}

		var extracting []int
		for _, p := range job.Pages {
			switch p.State {
			case types.PageExtracting:
				extracting = append(extracting, p.Index)
			case types.PageTTS:
				c.resumeSynthesis(ctx, job.ID, p.Index, p.Attempt)
			}
		}
		c.dispatch(job.ID, extracting)

		r.mu.Lock()
		batch := c.evaluate(r)
		r.mu.Unlock()
		c.dispatch(job.ID, batch)
	}
	if restored > 0 {
		c.logger.Info("restored jobs", "count", restored)
	}
	return restored, nil
}

func (c *Coordinator) resumeSynthesis(ctx context.Context, jobID string, index, attempt int) {
	data, err := c.blobs.Get(ctx, blob.LinesKey(jobID, index))
	var lines []types.Line
	if err == nil {
		err = json.Unmarshal(data, &lines)
	}
	if err != nil {
		c.logger.Warn("cannot resume synthesis", "job_id", jobID, "index", index, "error", err)
		c.failPage(ctx, jobID, index, attempt, types.PageTTS, types.ReasonSynthesisFailed, err)
		return
	}
	c.scheduleSynthesis(ctx, jobID, index, attempt, lines)
}
