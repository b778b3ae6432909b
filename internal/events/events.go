// Package events fans job progress out to any number of subscribers.
//
// Each job has one broker holding the materialized page and progress state,
// a bounded log of recent events and the set of live subscribers. The
// pipeline is the only writer; it hands the broker a job snapshot and the
// broker derives the events. Subscribing returns a replay burst built from
// the materialized state under the same lock that registers the subscriber,
// so a client never misses or double-counts a transition.
package events

import (
	"time"

	"github.com/tanoshi/narration/internal/types"
)

// Type classifies stream messages.
type Type string

const (
	TypePageStatus Type = "page_status"
	TypePageReady  Type = "page_ready"
	TypeProgress   Type = "progress"
	TypeJobDone    Type = "job_done"
)

// Event is one sequenced message on a job stream. Data is one of
// PageStatus, PageReady, types.Progress or JobDone.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// PageStatus is the client view of one page.
type PageStatus struct {
	Index    int             `json:"index"`
	State    types.PageState `json:"state"`
	Reason   string          `json:"reason,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Duration float64         `json:"duration,omitempty"`
	Attempt  int             `json:"attempt"`
}

// PageReady announces a playable page.
type PageReady struct {
	Index    int     `json:"index"`
	Audio    string  `json:"audio"`
	Duration float64 `json:"duration"`
}

// JobDone is sent once when every page is terminal.
type JobDone struct {
	OK bool `json:"ok"`
}

// Snapshot is the point-in-time status of a job.
type Snapshot struct {
	JobID    string         `json:"job_id"`
	Pages    []PageStatus   `json:"pages"`
	Progress types.Progress `json:"progress"`
	Done     bool           `json:"done"`
}

// StatusOf converts a stored page into its client view.
func StatusOf(p types.Page) PageStatus {
	return PageStatus{
		Index:    p.Index,
		State:    p.State,
		Reason:   p.Reason,
		Audio:    p.Audio,
		Duration: p.Duration,
		Attempt:  p.Attempt,
	}
}

// SnapshotOf builds a snapshot straight from a job record.
func SnapshotOf(job *types.Job) *Snapshot {
	s := &Snapshot{
		JobID:    job.ID,
		Pages:    make([]PageStatus, len(job.Pages)),
		Progress: job.Progress,
		Done:     job.Done,
	}
	for i, p := range job.Pages {
		s.Pages[i] = StatusOf(p)
	}
	return s
}
