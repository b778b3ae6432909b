// Package voices manages the synthesis voice registry: registration of
// zero-shot and few-shot voices, their uploaded reference material, the
// training lifecycle and per-voice conditioning used by the synthesis pool.
package voices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tanoshi/narration/internal/audio"
	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/signing"
	"github.com/tanoshi/narration/internal/types"
)

// Engine is the only synthesis engine voices are registered against.
const Engine = "sovits"

// DefaultVoiceID is the builtin narrator seeded at startup.
const DefaultVoiceID = Engine + ":narrator"

// DefaultTrainingDelay is how long a few-shot voice stays in training.
const DefaultTrainingDelay = 30 * time.Second

// Asset names accepted for a voice.
const (
	AssetReference   = "ref.wav"
	AssetTranscripts = "transcripts.jsonl"
	clipsDir         = "clips/"
)

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
	clipName    = regexp.MustCompile(`^clips/[A-Za-z0-9_-]{1,64}\.wav$`)
)

// RegisterRequest asks for a new voice.
type RegisterRequest struct {
	Name     string          `json:"name"`
	Engine   string          `json:"engine"`
	Mode     types.VoiceMode `json:"mode"`
	LangHint string          `json:"lang_hint"`
}

// UploadTarget is one presigned PUT for a reference file.
type UploadTarget struct {
	Purpose string `json:"purpose"`
	PutURL  string `json:"put_url"`
}

// DatasetUpload tells a few-shot client where training material goes.
type DatasetUpload struct {
	AudioPutPrefix   string `json:"audio_put_prefix"`
	TranscriptPutURL string `json:"transcript_put_url"`
}

// Upload lists the presigned targets of a registration.
type Upload struct {
	Mode    string         `json:"mode"`
	Refs    []UploadTarget `json:"refs"`
	Dataset *DatasetUpload `json:"dataset,omitempty"`
}

// Registration is returned by Register.
type Registration struct {
	VoiceID   string              `json:"voice_id"`
	Status    types.VoiceStatus   `json:"status"`
	Upload    Upload              `json:"upload"`
	StatusURL string              `json:"status_url"`
	Profile   *types.VoiceProfile `json:"-"`
}

// Config configures a Registry.
type Config struct {
	Store         Store
	Blobs         blob.Store
	Signer        *signing.Signer
	APIBaseURL    string
	CDNBaseURL    string
	SampleRate    int
	TrainingDelay time.Duration
	// DefaultVoice fills an empty voice pack. Empty means DefaultVoiceID.
	DefaultVoice string
	// MaxCheckpoints bounds the few-shot checkpoints kept warm.
	MaxCheckpoints int
	Logger         *slog.Logger
}

// Registry is the voice catalogue shared by the session manager and the
// synthesis pool.
type Registry struct {
	store         Store
	blobs         blob.Store
	signer        *signing.Signer
	apiBase       string
	cdnBase       string
	sampleRate    int
	trainingDelay time.Duration
	defaultVoice  string
	logger        *slog.Logger
	conditioner   *Conditioner
	now           func() time.Time
}

// New creates a registry. Store defaults to memory.
func New(cfg Config) *Registry {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.TrainingDelay < 0 {
		cfg.TrainingDelay = 0
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = DefaultVoiceID
	}
	return &Registry{
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		signer:        cfg.Signer,
		apiBase:       strings.TrimRight(cfg.APIBaseURL, "/"),
		cdnBase:       strings.TrimRight(cfg.CDNBaseURL, "/"),
		sampleRate:    cfg.SampleRate,
		trainingDelay: cfg.TrainingDelay,
		defaultVoice:  cfg.DefaultVoice,
		logger:        cfg.Logger.With("component", "voices"),
		conditioner:   NewConditioner(cfg.Blobs, cfg.MaxCheckpoints),
		now:           time.Now,
	}
}

// SetClock replaces the time source (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Conditioner returns the conditioning cache used during synthesis.
func (r *Registry) Conditioner() *Conditioner {
	return r.conditioner
}

// Slug normalizes a display name into the id suffix of a voice.
func Slug(name string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Seed makes sure the builtin narrator exists.
func (r *Registry) Seed(ctx context.Context) error {
	_, err := r.store.Get(ctx, DefaultVoiceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	v := r.profile(DefaultVoiceID, "Narrator", types.ModeZeroShot, "ja")
	v.Status = types.VoiceReady
	if err := r.store.Put(ctx, v); err != nil {
		return err
	}
	r.logger.Info("seeded builtin voice", "voice_id", v.VoiceID)
	return nil
}

func (r *Registry) profile(id, name string, mode types.VoiceMode, lang string) *types.VoiceProfile {
	v := &types.VoiceProfile{
		VoiceID:    id,
		Name:       name,
		Engine:     Engine,
		Mode:       mode,
		Status:     types.VoiceReady,
		Languages:  []string{lang},
		SampleRate: r.sampleRate,
		CreatedAt:  r.now().UTC(),
	}
	if r.cdnBase != "" {
		v.Preview = r.cdnBase + "/" + blob.VoiceKey(id, "preview.wav")
	}
	switch mode {
	case types.ModeZeroShot:
		v.RefAudioKey = blob.VoiceKey(id, AssetReference)
	case types.ModeFewShot:
		v.Status = types.VoiceTraining
		v.DatasetPrefix = blob.VoiceKey(id, clipsDir)
		v.TranscriptKey = blob.VoiceKey(id, AssetTranscripts)
	}
	return v
}

// Register creates a voice, or returns fresh upload targets for an
// existing voice registered with the same mode.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	slug := Slug(req.Name)
	if slug == "" {
		return nil, types.NewValidationError("name", "must contain letters or digits")
	}
	if req.Engine != "" && req.Engine != Engine {
		return nil, types.NewValidationError("engine", "unsupported engine %q", req.Engine)
	}
	if req.Mode == "" {
		req.Mode = types.ModeZeroShot
	}
	if req.Mode != types.ModeZeroShot && req.Mode != types.ModeFewShot {
		return nil, types.NewValidationError("mode", "must be zero_shot or few_shot")
	}
	if req.LangHint == "" {
		req.LangHint = "ja"
	}

	id := Engine + ":" + slug
	existing, err := r.store.Get(ctx, id)
	switch {
	case err == nil:
		if existing.Mode != req.Mode {
			return nil, fmt.Errorf("%w: voice %s already registered as %s", types.ErrConflict, id, existing.Mode)
		}
		return r.registration(existing), nil
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	v := r.profile(id, strings.TrimSpace(req.Name), req.Mode, req.LangHint)
	if err := r.store.Put(ctx, v); err != nil {
		return nil, err
	}
	r.logger.Info("registered voice", "voice_id", id, "mode", v.Mode, "status", v.Status)
	return r.registration(v), nil
}

// AssetPath is the API path a voice asset is uploaded to.
func AssetPath(voiceID, name string) string {
	return "/voices/" + voiceID + "/assets/" + name
}

func (r *Registry) signed(path string) string {
	if r.signer == nil {
		return r.apiBase + path
	}
	return r.signer.SignURL(r.apiBase, http.MethodPut, path)
}

func (r *Registry) registration(v *types.VoiceProfile) *Registration {
	reg := &Registration{
		VoiceID:   v.VoiceID,
		Status:    v.Status,
		Upload:    Upload{Mode: "presigned"},
		StatusURL: r.apiBase + "/voices/" + v.VoiceID,
		Profile:   v,
	}
	switch v.Mode {
	case types.ModeZeroShot:
		reg.Upload.Refs = []UploadTarget{{
			Purpose: "zero_shot_ref",
			PutURL:  r.signed(AssetPath(v.VoiceID, AssetReference)),
		}}
	case types.ModeFewShot:
		reg.Upload.Refs = []UploadTarget{}
		reg.Upload.Dataset = &DatasetUpload{
			AudioPutPrefix:   r.apiBase + AssetPath(v.VoiceID, clipsDir),
			TranscriptPutURL: r.signed(AssetPath(v.VoiceID, AssetTranscripts)),
		}
	}
	return reg
}

// SignAssetURL signs a dataset clip upload for a few-shot voice.
func (r *Registry) SignAssetURL(voiceID, name string) (string, error) {
	if !validAssetName(name) {
		return "", types.NewValidationError("name", "unsupported voice asset %q", name)
	}
	return r.signed(AssetPath(voiceID, name)), nil
}

func validAssetName(name string) bool {
	return name == AssetReference || name == AssetTranscripts || clipName.MatchString(name)
}

// Get returns a voice, promoting a few-shot voice whose training delay
// has elapsed.
func (r *Registry) Get(ctx context.Context, voiceID string) (*types.VoiceProfile, error) {
	v, err := r.store.Get(ctx, voiceID)
	if err != nil {
		return nil, err
	}
	return r.promote(ctx, v)
}

// List returns every registered voice.
func (r *Registry) List(ctx context.Context) ([]*types.VoiceProfile, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i, v := range all {
		if all[i], err = r.promote(ctx, v); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (r *Registry) promote(ctx context.Context, v *types.VoiceProfile) (*types.VoiceProfile, error) {
	if v.Mode != types.ModeFewShot || v.Status != types.VoiceTraining {
		return v, nil
	}
	if r.now().Before(v.CreatedAt.Add(r.trainingDelay)) {
		return v, nil
	}
	v.Status = types.VoiceReady
	if err := r.store.Put(ctx, v); err != nil {
		return nil, err
	}
	r.logger.Info("voice training finished", "voice_id", v.VoiceID)
	return v, nil
}

// PutAsset stores an uploaded reference or dataset file.
func (r *Registry) PutAsset(ctx context.Context, voiceID, name string, data []byte) error {
	if r.blobs == nil {
		return fmt.Errorf("voice assets are not configured")
	}
	if !validAssetName(name) {
		return types.NewValidationError("name", "unsupported voice asset %q", name)
	}
	v, err := r.store.Get(ctx, voiceID)
	if err != nil {
		return err
	}
	if strings.HasSuffix(name, ".wav") {
		if _, err := audio.Decode(data); err != nil {
			return types.NewValidationError("body", "not a wav file: %v", err)
		}
	}
	if v.Mode == types.ModeZeroShot && name != AssetReference {
		return types.NewValidationError("name", "zero-shot voices only take %s", AssetReference)
	}
	if err := r.blobs.Put(ctx, blob.VoiceKey(voiceID, name), data); err != nil {
		return err
	}
	r.conditioner.Forget(voiceID)
	r.logger.Debug("stored voice asset", "voice_id", voiceID, "name", name, "bytes", len(data))
	return nil
}

// DefaultPack is used when a session names no voices.
func (r *Registry) DefaultPack() types.VoicePack {
	return types.VoicePack{types.SpeakerNarrator: r.defaultVoice}
}

// ValidatePack checks that every voice of a pack exists and is ready.
func (r *Registry) ValidatePack(ctx context.Context, pack types.VoicePack) error {
	if len(pack) == 0 {
		return types.NewValidationError("voice_pack", "must name at least one voice")
	}
	for speaker, id := range pack {
		if strings.TrimSpace(speaker) == "" {
			return types.NewValidationError("voice_pack", "speaker label must not be blank")
		}
		v, err := r.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			return types.NewValidationError("voice_pack", "unknown voice %q for %q", id, speaker)
		}
		if err != nil {
			return err
		}
		if !v.Usable() {
			return types.NewValidationError("voice_pack", "voice %q is still %s", id, v.Status)
		}
	}
	return nil
}
