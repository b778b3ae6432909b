package types

import (
	"fmt"
	"maps"
	"time"
)

// JobKind identifies which session call created a job.
type JobKind string

const (
	KindStart JobKind = "start"
	KindNext  JobKind = "next"
)

// Window is a contiguous batch of page indices processed together.
type Window struct {
	StartIndex int `json:"start_index"`
	Size       int `json:"size"`
}

// Contains reports whether a window-relative index is inside the window.
func (w Window) Contains(index int) bool {
	return index >= 0 && index < w.Size
}

// Progress counts pages in a terminal state.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Complete reports whether every page has reached a terminal state.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Done == p.Total
}

// Job is one window of pages moving through extraction and synthesis.
type Job struct {
	ID           string    `json:"job_id"`
	ChapterID    string    `json:"chapter_id"`
	Kind         JobKind   `json:"kind"`
	Client       string    `json:"client,omitempty"`
	Window       Window    `json:"window"`
	VoicePack    VoicePack `json:"voice_pack"`
	ViewingIndex int       `json:"viewing_index"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Pages        []Page    `json:"pages"`
	Progress     Progress  `json:"progress"`
	Done         bool      `json:"done"`
	// Revision grows by one with every committed update, so readers can
	// order two copies of the same job.
	Revision int64 `json:"revision"`
}

// NewJob creates a job with every page queued.
func NewJob(id, chapterID string, kind JobKind, window Window, pack VoicePack, now time.Time) *Job {
	j := &Job{
		ID:        id,
		ChapterID: chapterID,
		Kind:      kind,
		Window:    window,
		VoicePack: pack,
		CreatedAt: now,
		UpdatedAt: now,
		Pages:     make([]Page, window.Size),
	}
	for i := range j.Pages {
		j.Pages[i] = Page{Index: i, State: PageQueued, UpdatedAt: now}
	}
	j.Recompute()
	return j
}

// Page returns the page at a window-relative index.
func (j *Job) Page(index int) (*Page, error) {
	if index < 0 || index >= len(j.Pages) {
		return nil, fmt.Errorf("%w: page %d of job %s", ErrNotFound, index, j.ID)
	}
	return &j.Pages[index], nil
}

// Recompute refreshes progress from page states and returns it.
func (j *Job) Recompute() Progress {
	done := 0
	for _, p := range j.Pages {
		if p.State.Terminal() {
			done++
		}
	}
	j.Progress = Progress{Done: done, Total: j.Window.Size}
	return j.Progress
}

// AllReady reports whether every page finished without error.
func (j *Job) AllReady() bool {
	for _, p := range j.Pages {
		if p.State != PageReady {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Pages = append([]Page(nil), j.Pages...)
	c.VoicePack = maps.Clone(j.VoicePack)
	return &c
}
