// Package types provides shared types used across multiple packages.
// This package has no dependencies on other narration packages to avoid import cycles.
package types

import (
	"fmt"
	"time"
)

// PageState is the lifecycle state of a single page within a job window.
type PageState string

const (
	PageQueued     PageState = "queued"
	PageExtracting PageState = "extracting"
	PageTTS        PageState = "tts"
	PageReady      PageState = "ready"
	PageError      PageState = "error"
)

// Page failure reasons.
const (
	ReasonUploadTimeout    = "upload_timeout"
	ReasonExtractionFailed = "extraction_failed"
	ReasonSynthesisFailed  = "synthesis_failed"
	ReasonAssemblyFailed   = "assembly_failed"
)

// transitions lists the allowed successor states for each state.
// error -> queued is only reachable through an explicit retry.
var transitions = map[PageState][]PageState{
	PageQueued:     {PageExtracting},
	PageExtracting: {PageTTS, PageError},
	PageTTS:        {PageReady, PageError},
	PageReady:      nil,
	PageError:      {PageQueued},
}

// Valid reports whether s is a known page state.
func (s PageState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s counts toward job progress.
func (s PageState) Terminal() bool {
	return s == PageReady || s == PageError
}

// CanTransition reports whether a page may move from one state to another.
func CanTransition(from, to PageState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Page is the per-index record owned by exactly one job.
type Page struct {
	Index     int       `json:"index"`
	State     PageState `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Audio     string    `json:"audio,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Attempt   int       `json:"attempt"`
	Arrived   bool      `json:"arrived"`
	AssetHash string    `json:"asset_hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves the page to a new state, clearing fields that are only
// meaningful in the old one.
func (p *Page) Transition(to PageState) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: page %d %s -> %s", ErrInvalidTransition, p.Index, p.State, to)
	}
	p.State = to
	if to != PageError {
		p.Reason = ""
	}
	if to != PageReady {
		p.Audio = ""
		p.Duration = 0
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the page to error with the given reason.
func (p *Page) Fail(reason string) error {
	if err := p.Transition(PageError); err != nil {
		return err
	}
	p.Reason = reason
	return nil
}

// Complete moves the page to ready with its playable asset.
func (p *Page) Complete(audio string, duration float64) error {
	if err := p.Transition(PageReady); err != nil {
		return err
	}
	p.Audio = audio
	p.Duration = duration
	return nil
}

// Requeue moves an errored page back to queued and starts a new attempt.
func (p *Page) Requeue() error {
	if err := p.Transition(PageQueued); err != nil {
		return err
	}
	p.Attempt++
	return nil
}
