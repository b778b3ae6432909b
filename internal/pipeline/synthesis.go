package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tanoshi/narration/internal/audio"
	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/cache"
	"github.com/tanoshi/narration/internal/jobs"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/types"
)

// errStale aborts a write whose page generation has moved on.
var errStale = errors.New("stale page generation")

// synthTask is one utterance of one page generation.
type synthTask struct {
	jobID   string
	jobSeq  int64
	index   int
	attempt int
	n       int
	line    types.Line
	voiceID string
	boosted bool
}

// pageWork collects the utterances of a page until all are synthesized.
type pageWork struct {
	attempt   int
	segments  [][]byte
	remaining int
	failed    bool
}

func (c *Coordinator) viewingIndex(jobID string) int {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.viewing[jobID]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// synthLess orders utterances: retried pages first, then pages closest to
// where the reader is, then lower page index, then newer jobs. Ties fall
// back to submission order.
func (c *Coordinator) synthLess(a, b *synthTask) bool {
	if a.boosted != b.boosted {
		return a.boosted
	}
	da := abs(a.index - c.viewingIndex(a.jobID))
	db := abs(b.index - c.viewingIndex(b.jobID))
	if da != db {
		return da < db
	}
	if a.index != b.index {
		return a.index < b.index
	}
	if a.jobSeq != b.jobSeq {
		return a.jobSeq > b.jobSeq
	}
	return false
}

func (c *Coordinator) synthCancelled(t *synthTask) bool {
	r, ok := c.run(t.jobID)
	if !ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.work[t.index]
	return r.closed || r.attempts[t.index] != t.attempt || w == nil || w.attempt != t.attempt || w.failed
}

func (c *Coordinator) synthesize(ctx context.Context, t *synthTask) ([]byte, error) {
	voice, err := c.voices.Get(ctx, t.voiceID)
	if err != nil {
		return nil, err
	}
	prosody := types.Prosody{Speed: 1, Emotion: t.line.Emotion}
	key := cache.UtteranceKey(voice.VoiceID, t.line.Text, prosody)
	if data, ok, err := c.cache.Utterance(ctx, key); err == nil && ok {
		return data, nil
	}

	cond, err := c.voices.Conditioner().Prepare(ctx, voice)
	if err != nil {
		return nil, err
	}
	res, err := c.providers.Synthesizer().Synthesize(ctx, &providers.SynthesisRequest{
		Voice:      *voice,
		Text:       t.line.Text,
		Prosody:    prosody,
		Reference:  cond.Reference,
		Checkpoint: cond.Checkpoint,
	})
	if err != nil {
		return nil, err
	}
	if err := c.cache.PutUtterance(ctx, key, res.Audio); err != nil {
		c.logger.Warn("utterance cache write failed", "job_id", t.jobID, "error", err)
	}
	return res.Audio, nil
}

// scheduleSynthesis queues one task per essential line of a page.
func (c *Coordinator) scheduleSynthesis(ctx context.Context, jobID string, index, attempt int, lines []types.Line) {
	r, ok := c.run(jobID)
	if !ok {
		return
	}

	var essential []types.Line
	for _, l := range lines {
		if l.Essential() {
			essential = append(essential, l)
		}
	}
	if len(essential) == 0 {
		c.completePage(ctx, jobID, index, attempt, audio.Silence(silentPageDuration, audio.DefaultSampleRate), silentPageDuration)
		return
	}

	r.mu.Lock()
	if r.closed || r.attempts[index] != attempt {
		r.mu.Unlock()
		return
	}
	r.work[index] = &pageWork{
		attempt:   attempt,
		segments:  make([][]byte, len(essential)),
		remaining: len(essential),
	}
	boosted := r.boost[index]
	r.boost[index] = false
	pack, seq := r.pack, r.seq
	r.mu.Unlock()

	fallback := c.voices.DefaultPack()[types.SpeakerNarrator]
	for n, line := range essential {
		voiceID, ok := pack.Resolve(line.Speaker)
		if !ok {
			voiceID = fallback
		}
		t := &synthTask{
			jobID:   jobID,
			jobSeq:  seq,
			index:   index,
			attempt: attempt,
			n:       n,
			line:    line,
			voiceID: voiceID,
			boosted: boosted,
		}
		c.synthesis.Enqueue(t, func(data []byte, err error) {
			c.onUtterance(t, data, err)
		})
	}
	c.logger.Debug("page queued for synthesis", "job_id", jobID, "index", index,
		"utterances", len(essential), "boosted", boosted)
}

func (c *Coordinator) onUtterance(t *synthTask, data []byte, err error) {
	if errors.Is(err, jobs.ErrTaskDropped) {
		return
	}
	ctx := c.runContext()
	if errors.Is(err, jobs.ErrPoolStopped) || ctx.Err() != nil {
		return
	}
	r, ok := c.run(t.jobID)
	if !ok {
		return
	}

	r.mu.Lock()
	w := r.work[t.index]
	if r.closed || w == nil || w.attempt != t.attempt || w.failed {
		r.mu.Unlock()
		return
	}
	if err != nil {
		w.failed = true
		delete(r.work, t.index)
		r.mu.Unlock()

		dropped := c.synthesis.Purge(func(o *synthTask) bool {
			return o.jobID == t.jobID && o.index == t.index && o.attempt == t.attempt
		})
		c.logger.Warn("utterance failed", "job_id", t.jobID, "index", t.index,
			"attempt", t.attempt, "dropped", dropped, "error", err)
		c.failPage(ctx, t.jobID, t.index, t.attempt, types.PageTTS, types.ReasonSynthesisFailed, err)
		return
	}
	w.segments[t.n] = data
	w.remaining--
	done := w.remaining == 0
	segments := w.segments
	if done {
		delete(r.work, t.index)
	}
	r.mu.Unlock()

	if err := c.blobs.Put(ctx, blob.SegmentKey(t.jobID, t.index, t.n), data); err != nil {
		c.logger.Warn("failed to store segment", "job_id", t.jobID, "index", t.index, "n", t.n, "error", err)
	}
	if done {
		c.assemble(ctx, t.jobID, t.index, t.attempt, segments)
	}
}

func (c *Coordinator) assemble(ctx context.Context, jobID string, index, attempt int, segments [][]byte) {
	wav, duration, err := audio.Concat(segments, c.segmentGap)
	if err != nil {
		c.failPage(ctx, jobID, index, attempt, types.PageTTS, types.ReasonAssemblyFailed, err)
		return
	}
	c.completePage(ctx, jobID, index, attempt, wav, duration)
}

func (c *Coordinator) completePage(ctx context.Context, jobID string, index, attempt int, wav []byte, duration time.Duration) {
	if err := c.blobs.Put(ctx, blob.AudioKey(jobID, index), wav); err != nil {
		c.failPage(ctx, jobID, index, attempt, types.PageTTS, types.ReasonAssemblyFailed,
			fmt.Errorf("failed to store page audio: %w", err))
		return
	}
	url := c.AudioURL(jobID, index)
	_, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		p := &j.Pages[index]
		if p.State != types.PageTTS || p.Attempt != attempt {
			return errStale
		}
		return p.Complete(url, duration.Seconds())
	})
	if err != nil && !errors.Is(err, errStale) {
		c.logger.Warn("failed to mark page ready", "job_id", jobID, "index", index, "error", err)
		return
	}
	if err == nil {
		c.logger.Info("page ready", "job_id", jobID, "index", index, "duration", duration.Round(time.Millisecond))
	}
}

// failPage moves a page of the given generation from state from to error.
func (c *Coordinator) failPage(ctx context.Context, jobID string, index, attempt int, from types.PageState, reason string, cause error) {
	_, err := c.mutate(ctx, jobID, func(j *types.Job) error {
		p := &j.Pages[index]
		if p.State != from || p.Attempt != attempt {
			return errStale
		}
		return p.Fail(reason)
	})
	switch {
	case err == nil:
		c.logFailure(&types.PageFailure{JobID: jobID, Index: index, Stage: stageOf(from), Reason: reason, Err: cause})
	case !errors.Is(err, errStale):
		c.logger.Warn("failed to mark page failed", "job_id", jobID, "index", index, "error", err)
	}
}

func stageOf(s types.PageState) types.Stage {
	switch s {
	case types.PageQueued:
		return types.StageUpload
	case types.PageExtracting:
		return types.StageExtraction
	default:
		return types.StageSynthesis
	}
}

func (c *Coordinator) logFailure(f *types.PageFailure) {
	c.logger.Warn("page failed", "job_id", f.JobID, "index", f.Index, "stage", f.Stage,
		"reason", f.Reason, "error", f)
}
