package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/jobs"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/types"
)

// extractTask is one chapter-wide extraction call.
type extractTask struct {
	jobID     string
	chapterID string
	pages     []providers.ExtractionPage
	attempts  map[int]int
	speakers  []string
}

func (c *Coordinator) extract(ctx context.Context, t *extractTask) (*providers.ExtractionResult, error) {
	return c.providers.Extractor().Extract(ctx, &providers.ExtractionRequest{
		ChapterID: t.chapterID,
		Pages:     t.pages,
		Speakers:  t.speakers,
	})
}

// extractCancelled drops a batch once none of its pages is current.
func (c *Coordinator) extractCancelled(t *extractTask) bool {
	r, ok := c.run(t.jobID)
	if !ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	for index, attempt := range t.attempts {
		if r.attempts[index] == attempt {
			return false
		}
	}
	return true
}

// runExtraction moves a batch of arrived pages through extraction. Pages
// with a cached result skip the provider; the rest go out in one call.
func (c *Coordinator) runExtraction(jobID string, indexes []int) {
	ctx := c.runContext()
	logger := c.logger.With("job_id", jobID)

	var attempts map[int]int
	var chapterID string
	var speakers []string
	_, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		attempts = make(map[int]int, len(indexes))
		chapterID = j.ChapterID
		speakers = j.VoicePack.Speakers()
		for _, i := range indexes {
			p, err := j.Page(i)
			if err != nil {
				return err
			}
			switch p.State {
			case types.PageQueued:
				if err := p.Transition(types.PageExtracting); err != nil {
					return err
				}
				attempts[i] = p.Attempt
			case types.PageExtracting:
				// Interrupted by a restart; extract again.
				attempts[i] = p.Attempt
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to start extraction", "pages", indexes, "error", err)
		return
	}
	if len(attempts) == 0 {
		return
	}

	resolved := make(map[int][]types.Line, len(attempts))
	failed := make(map[int]error)
	keys := make(map[int]string, len(attempts))
	var misses []providers.ExtractionPage
	for _, i := range indexes {
		if _, ok := attempts[i]; !ok {
			continue
		}
		asset, err := c.blobs.Get(ctx, blob.AssetKey(jobID, i))
		if err != nil {
			failed[i] = fmt.Errorf("page asset unavailable: %w", err)
			continue
		}
		key := c.cache.AssetKey(asset)
		keys[i] = key
		lines, ok, err := c.cache.Lines(ctx, key)
		if err != nil {
			logger.Warn("extraction cache read failed", "index", i, "error", err)
		}
		if ok {
			resolved[i] = lines
			continue
		}
		misses = append(misses, providers.ExtractionPage{Index: i, Image: asset})
	}

	if len(misses) > 0 {
		missAttempts := make(map[int]int, len(misses))
		for _, p := range misses {
			missAttempts[p.Index] = attempts[p.Index]
		}
		res, err := c.extraction.Submit(ctx, &extractTask{
			jobID:     jobID,
			chapterID: chapterID,
			pages:     misses,
			attempts:  missAttempts,
			speakers:  speakers,
		})
		switch {
		case errors.Is(err, jobs.ErrTaskDropped), ctx.Err() != nil:
			logger.Debug("extraction dropped", "pages", len(misses), "error", err)
			return
		case err != nil:
			logger.Warn("extraction failed", "pages", len(misses), "error", err)
			for _, p := range misses {
				failed[p.Index] = err
			}
		default:
			logger.Info("extraction finished", "pages", len(misses), "duration", res.ExecutionTime)
			got := make(map[int]bool, len(res.Pages))
			for _, pl := range res.Pages {
				if _, want := missAttempts[pl.Index]; !want || got[pl.Index] {
					continue
				}
				got[pl.Index] = true
				if pl.Error != "" {
					failed[pl.Index] = errors.New(pl.Error)
					continue
				}
				resolved[pl.Index] = pl.Lines
				if err := c.cache.PutLines(ctx, keys[pl.Index], pl.Lines); err != nil {
					logger.Warn("extraction cache write failed", "index", pl.Index, "error", err)
				}
			}
			for _, p := range misses {
				if !got[p.Index] {
					failed[p.Index] = errors.New("page missing from extraction result")
				}
			}
		}
	}

	for i, lines := range resolved {
		if data, err := json.Marshal(lines); err == nil {
			if err := c.blobs.Put(ctx, blob.LinesKey(jobID, i), data); err != nil {
				logger.Warn("failed to store lines", "index", i, "error", err)
			}
		}
	}

	ready := make(map[int]bool, len(resolved))
	var failedNow []int
	_, err = c.mutate(ctx, jobID, func(j *types.Job) error {
		clear(ready)
		failedNow = failedNow[:0]
		for i, attempt := range attempts {
			p := &j.Pages[i]
			if p.State != types.PageExtracting || p.Attempt != attempt {
				continue
			}
			if _, ok := resolved[i]; ok {
				if err := p.Transition(types.PageTTS); err != nil {
					return err
				}
				ready[i] = true
				continue
			}
			if err := p.Fail(types.ReasonExtractionFailed); err != nil {
				return err
			}
			failedNow = append(failedNow, i)
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to record extraction results", "error", err)
		return
	}
	for _, i := range failedNow {
		c.logFailure(&types.PageFailure{JobID: jobID, Index: i, Stage: types.StageExtraction,
			Reason: types.ReasonExtractionFailed, Err: failed[i]})
	}
	for _, i := range indexes {
		if ready[i] {
			c.scheduleSynthesis(ctx, jobID, i, attempts[i], resolved[i])
		}
	}
}
