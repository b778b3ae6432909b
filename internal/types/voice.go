package types

import (
	"strings"
	"time"
)

// VoicePack maps a speaker label to a synthesis voice identifier.
type VoicePack map[string]string

// Fallback speaker labels consulted when a speaker has no voice of its own.
const (
	SpeakerNarrator = "narrator"
	SpeakerDefault  = "default"
)

// Resolve returns the voice for a speaker, falling back to the pack's
// narrator and then default entries.
func (vp VoicePack) Resolve(speaker string) (string, bool) {
	if v, ok := vp[speaker]; ok && v != "" {
		return v, true
	}
	if v, ok := vp[strings.ToLower(strings.TrimSpace(speaker))]; ok && v != "" {
		return v, true
	}
	for _, fallback := range []string{SpeakerNarrator, SpeakerDefault} {
		if v, ok := vp[fallback]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Speakers returns the labels in the pack, used as extraction hints.
func (vp VoicePack) Speakers() []string {
	out := make([]string, 0, len(vp))
	for k := range vp {
		if k == SpeakerDefault {
			continue
		}
		out = append(out, k)
	}
	return out
}

// VoiceMode is how a voice profile was built.
type VoiceMode string

const (
	ModeZeroShot VoiceMode = "zero_shot"
	ModeFewShot  VoiceMode = "few_shot"
)

// VoiceStatus is the training lifecycle of a voice profile.
type VoiceStatus string

const (
	VoiceTraining VoiceStatus = "training"
	VoiceReady    VoiceStatus = "ready"
)

// VoiceProfile describes one synthesis voice.
type VoiceProfile struct {
	VoiceID       string      `json:"voice_id"`
	Name          string      `json:"name"`
	Engine        string      `json:"engine"`
	Mode          VoiceMode   `json:"mode"`
	Status        VoiceStatus `json:"status"`
	Languages     []string    `json:"languages"`
	SampleRate    int         `json:"sample_rate"`
	RefAudioKey   string      `json:"ref_audio_key,omitempty"`
	DatasetPrefix string      `json:"dataset_prefix,omitempty"`
	TranscriptKey string      `json:"transcript_key,omitempty"`
	Preview       string      `json:"preview,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Usable reports whether the voice can be referenced by a voice pack.
func (v *VoiceProfile) Usable() bool {
	return v != nil && v.Status == VoiceReady
}

// LineRole classifies an extracted line.
type LineRole string

const (
	RoleNarration  LineRole = "narration"
	RoleDialogue   LineRole = "dialogue"
	RoleThought    LineRole = "thought"
	RoleSFX        LineRole = "sfx"
	RoleBackground LineRole = "background"
)

// Line is one labeled utterance on a page.
type Line struct {
	Speaker string   `json:"speaker"`
	Text    string   `json:"text"`
	Role    LineRole `json:"role"`
	Emotion string   `json:"emotion,omitempty"`
}

// Essential reports whether the line must be voiced for its page to be ready.
func (l Line) Essential() bool {
	if strings.TrimSpace(l.Text) == "" {
		return false
	}
	return l.Role != RoleSFX && l.Role != RoleBackground
}

// Prosody holds the delivery parameters that affect synthesized audio.
type Prosody struct {
	Speed   float64 `json:"speed"`
	Emotion string  `json:"emotion,omitempty"`
}
