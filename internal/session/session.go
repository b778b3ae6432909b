// Package session is the entry point for clients: it validates session
// requests, applies rate limits and idempotency, creates jobs and hands out
// upload plans. Reads and page actions are delegated to the pipeline and the
// event publisher.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/idempotency"
	"github.com/tanoshi/narration/internal/pipeline"
	"github.com/tanoshi/narration/internal/ratelimit"
	"github.com/tanoshi/narration/internal/signing"
	"github.com/tanoshi/narration/internal/store"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

const (
	// DefaultWindowSize is used when a request leaves window.size unset.
	DefaultWindowSize = 20
	// DefaultMaxWindow bounds window.size.
	DefaultMaxWindow = 20
	// DefaultMaxUploadBytes bounds a single page upload.
	DefaultMaxUploadBytes = 3_000_000
	// UploadContentType is the only accepted page format.
	UploadContentType = "image/png"
	// UploadMode tells clients to PUT each page to its own URL.
	UploadMode = "presigned_put"
	// DefaultAdHint is the placeholder duration shown while the first page
	// is produced.
	DefaultAdHint = 3

	maxReserveAttempts = 3
)

// ErrTooLarge is returned for uploads over the size limit.
var ErrTooLarge = errors.New("payload too large")

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// ClientInfo describes the calling app.
type ClientInfo struct {
	Device     string `json:"device,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// Request opens a window of a chapter.
type Request struct {
	ChapterID    string          `json:"chapter_id"`
	VoicePack    types.VoicePack `json:"voice_pack"`
	Window       types.Window    `json:"window"`
	ViewingIndex int             `json:"viewing_index,omitempty"`
	Client       ClientInfo      `json:"client"`

	// Identity keys rate limiting. The server sets it from the caller's
	// address.
	Identity string `json:"-"`
}

// UploadPage is where one page image goes.
type UploadPage struct {
	Index       int    `json:"index"`
	PutURL      string `json:"put_url"`
	ContentType string `json:"content_type"`
	MaxBytes    int64  `json:"max_bytes"`
}

// UploadPlan lists the upload targets of a window.
type UploadPlan struct {
	Mode  string       `json:"mode"`
	Pages []UploadPage `json:"pages"`
}

// Plan is returned by Start and Next.
type Plan struct {
	JobID            string           `json:"job_id"`
	Upload           UploadPlan       `json:"upload"`
	StatusSSE        string           `json:"status_sse"`
	StatusWS         string           `json:"status_ws"`
	SnapshotURL      string           `json:"snapshot_url"`
	AudioURLTemplate string           `json:"audio_url_template"`
	AdPlan           types.AdPlanJSON `json:"adPlan"`
}

// UploadRequest carries a page upload and the signature from its URL.
type UploadRequest struct {
	JobID  string
	Index  int
	Expiry string
	Sig    string
	Data   []byte
}

// Config configures a Manager.
type Config struct {
	Jobs     store.JobStore
	Ledger   idempotency.Ledger
	Limiter  ratelimit.Limiter
	Pipeline *pipeline.Coordinator
	Events   *events.Publisher
	Voices   *voices.Registry
	Signer   *signing.Signer
	Logger   *slog.Logger

	// APIBaseURL prefixes upload and status URLs.
	APIBaseURL     string
	MaxWindow      int
	MaxUploadBytes int64
	AdPlan         types.AdPlan
}

// Manager implements the session operations.
type Manager struct {
	jobs     store.JobStore
	ledger   idempotency.Ledger
	limiter  ratelimit.Limiter
	pipeline *pipeline.Coordinator
	events   *events.Publisher
	voices   *voices.Registry
	signer   *signing.Signer
	logger   *slog.Logger

	apiBase   string
	maxWindow int
	maxBytes  int64
	adPlan    types.AdPlan
}

// New creates a session manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Jobs == nil || cfg.Ledger == nil || cfg.Limiter == nil || cfg.Pipeline == nil ||
		cfg.Events == nil || cfg.Voices == nil || cfg.Signer == nil {
		return nil, errors.New("session: jobs, ledger, limiter, pipeline, events, voices and signer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.AdPlan == nil {
		cfg.AdPlan = types.PlaceholderAd{DurationHint: DefaultAdHint}
	}
	return &Manager{
		jobs:      cfg.Jobs,
		ledger:    cfg.Ledger,
		limiter:   cfg.Limiter,
		pipeline:  cfg.Pipeline,
		events:    cfg.Events,
		voices:    cfg.Voices,
		signer:    cfg.Signer,
		logger:    cfg.Logger.With("component", "session"),
		apiBase:   strings.TrimRight(cfg.APIBaseURL, "/"),
		maxWindow: cfg.MaxWindow,
		maxBytes:  cfg.MaxUploadBytes,
		adPlan:    cfg.AdPlan,
	}, nil
}

// MaxUploadBytes returns the page upload size limit.
func (m *Manager) MaxUploadBytes() int64 {
	return m.maxBytes
}

// Start opens the first window of a chapter.
func (m *Manager) Start(ctx context.Context, req Request) (*Plan, error) {
	return m.open(ctx, types.KindStart, req)
}

// Next opens a following window. It is limited separately from Start.
func (m *Manager) Next(ctx context.Context, req Request) (*Plan, error) {
	return m.open(ctx, types.KindNext, req)
}

func (m *Manager) validate(ctx context.Context, req *Request) error {
	req.ChapterID = strings.TrimSpace(req.ChapterID)
	if req.ChapterID == "" {
		return types.NewValidationError("chapter_id", "is required")
	}
	if req.Window.Size == 0 {
		req.Window.Size = DefaultWindowSize
	}
	if req.Window.Size < 1 || req.Window.Size > m.maxWindow {
		return types.NewValidationError("window.size", "must be between 1 and %d", m.maxWindow)
	}
	if req.Window.StartIndex < 0 {
		return types.NewValidationError("window.start_index", "must not be negative")
	}
	if len(req.VoicePack) == 0 {
		req.VoicePack = m.voices.DefaultPack()
	}
	if err := m.voices.ValidatePack(ctx, req.VoicePack); err != nil {
		return err
	}
	if !req.Window.Contains(req.ViewingIndex) {
		return types.NewValidationError("viewing_index", "must be within [0,%d)", req.Window.Size)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, kind types.JobKind, req Request) (*Plan, error) {
	if err := m.validate(ctx, &req); err != nil {
		return nil, err
	}
	identity := req.Identity
	if identity == "" {
		identity = "unknown"
	}
	if err := m.limiter.Allow(ctx, string(kind), identity); err != nil {
		return nil, err
	}

	key, err := idempotency.Fingerprint(req.ChapterID, req.Window, req.VoicePack)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("kind", kind, "chapter_id", req.ChapterID, "start_index", req.Window.StartIndex)

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		existing, ok, err := m.ledger.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if ok {
			job, live, err := m.live(ctx, key, existing)
			if err != nil {
				return nil, err
			}
			if live {
				logger.Debug("reusing job", "job_id", job.ID)
				return m.plan(job), nil
			}
			continue
		}

		job := types.NewJob(uuid.NewString(), req.ChapterID, kind, req.Window, req.VoicePack, time.Now().UTC())
		job.Client = identity
		job.ViewingIndex = req.ViewingIndex
		job.Fingerprint = key
		if err := m.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		// Registered before the key is published, so whoever is handed this
		// job's plan can upload right away.
		m.pipeline.Register(job)

		winner, won, err := m.ledger.Reserve(ctx, key, job.ID)
		if err != nil {
			m.pipeline.Unregister(ctx, job.ID)
			_ = m.jobs.Delete(ctx, job.ID)
			return nil, fmt.Errorf("idempotency reserve failed: %w", err)
		}
		if won {
			logger.Info("job created", "job_id", job.ID, "size", job.Window.Size,
				"device", req.Client.Device, "app_version", req.Client.AppVersion)
			return m.plan(job), nil
		}

		// Lost the race: drop our rows and serve the winner.
		m.pipeline.Unregister(ctx, job.ID)
		if err := m.jobs.Delete(ctx, job.ID); err != nil {
			logger.Warn("failed to delete orphan job", "job_id", job.ID, "error", err)
		}
		other, live, err := m.live(ctx, key, winner)
		if err != nil {
			return nil, err
		}
		if live {
			logger.Debug("converged on concurrent job", "job_id", other.ID, "orphan", job.ID)
			return m.plan(other), nil
		}
	}
	return nil, fmt.Errorf("failed to reserve session after %d attempts", maxReserveAttempts)
}

// live reads the job a ledger entry points to. An entry whose job is gone
// is released so the next attempt can create a fresh one.
func (m *Manager) live(ctx context.Context, key, jobID string) (*types.Job, bool, error) {
	job, err := m.jobs.Read(ctx, jobID)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if err := m.ledger.Release(ctx, key, jobID); err != nil {
		return nil, false, fmt.Errorf("failed to release stale idempotency key: %w", err)
	}
	m.logger.Info("released idempotency key of evicted job", "job_id", jobID)
	return nil, false, nil
}

// UploadPath is the API path a page image is PUT to.
func UploadPath(jobID string, index int) string {
	return "/jobs/" + jobID + "/pages/" + strconv.Itoa(index) + "/asset"
}

func (m *Manager) plan(job *types.Job) *Plan {
	pages := make([]UploadPage, job.Window.Size)
	for i := range pages {
		pages[i] = UploadPage{
			Index:       i,
			PutURL:      m.signer.SignURL(m.apiBase, http.MethodPut, UploadPath(job.ID, i)),
			ContentType: UploadContentType,
			MaxBytes:    m.maxBytes,
		}
	}
	return &Plan{
		JobID:            job.ID,
		Upload:           UploadPlan{Mode: UploadMode, Pages: pages},
		StatusSSE:        m.apiBase + "/jobs/" + job.ID + "/events",
		StatusWS:         wsBase(m.apiBase) + "/jobs/" + job.ID + "/ws",
		SnapshotURL:      m.apiBase + "/jobs/" + job.ID + "/snapshot",
		AudioURLTemplate: strings.ReplaceAll(m.pipeline.AudioURLTemplate(), "{job_id}", job.ID),
		AdPlan:           types.AdPlanJSON{Plan: m.adPlan},
	}
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// Snapshot returns a job's current pages and progress, the same state a new
// event subscriber is replayed.
func (m *Manager) Snapshot(ctx context.Context, jobID string) (*events.Snapshot, error) {
	return m.events.Snapshot(ctx, jobID)
}

// Retry requeues a failed page.
func (m *Manager) Retry(ctx context.Context, jobID string, index int) (*types.Page, error) {
	return m.pipeline.Retry(ctx, jobID, index)
}

// SetViewingIndex records the page the reader is on.
func (m *Manager) SetViewingIndex(ctx context.Context, jobID string, index int) error {
	return m.pipeline.SetViewingIndex(ctx, jobID, index)
}

// Upload checks a signed page upload and hands the image to the pipeline.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) error {
	if err := m.signer.Verify(http.MethodPut, UploadPath(req.JobID, req.Index), req.Expiry, req.Sig); err != nil {
		return err
	}
	if int64(len(req.Data)) > m.maxBytes {
		return fmt.Errorf("%w: page is %d bytes, limit %d", ErrTooLarge, len(req.Data), m.maxBytes)
	}
	if len(req.Data) < len(pngMagic) || string(req.Data[:len(pngMagic)]) != string(pngMagic) {
		return types.NewValidationError("body", "page must be a PNG image")
	}
	return m.pipeline.Upload(ctx, req.JobID, req.Index, req.Data)
}
