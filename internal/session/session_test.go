package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/idempotency"
	"github.com/tanoshi/narration/internal/pipeline"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/ratelimit"
	"github.com/tanoshi/narration/internal/signing"
	"github.com/tanoshi/narration/internal/store"
	"github.com/tanoshi/narration/internal/testutil"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

type fixture struct {
	m       *Manager
	store   *store.MemoryStore
	limiter *ratelimit.MemoryLimiter
	clock   *time.Time
	mu      *sync.Mutex
}

func newFixture(t *testing.T, limits ratelimit.Limits) *fixture {
	t.Helper()
	logger := testutil.Logger(t)
	ctx, cancel := context.WithCancel(context.Background())

	st := store.NewMemoryStore(time.Hour)
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	pub := events.New(events.Config{Jobs: st, Logger: logger})
	registry := voices.New(voices.Config{Blobs: blobs, Logger: logger})
	if err := registry.Seed(ctx); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	coord, err := pipeline.New(pipeline.Config{
		Jobs:         st,
		Blobs:        blobs,
		Events:       pub,
		Voices:       registry,
		Providers:    providers.NewRegistry(providers.NewMockExtractor(), providers.NewMockSynthesizer(), logger),
		Logger:       logger,
		AudioBaseURL: "https://cdn.test",
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	signer, err := signing.New("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("signing.New() error = %v", err)
	}
	limiter := ratelimit.NewMemoryLimiter(limits)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	limiter.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	m, err := New(Config{
		Jobs:       st,
		Ledger:     idempotency.NewMemoryLedger(10 * time.Minute),
		Limiter:    limiter,
		Pipeline:   coord,
		Events:     pub,
		Voices:     registry,
		Signer:     signer,
		Logger:     logger,
		APIBaseURL: "https://api.test/",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{m: m, store: st, limiter: limiter, clock: &now, mu: &mu}
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.clock = f.clock.Add(d)
}

func request(chapter string, size int) Request {
	return Request{
		ChapterID: chapter,
		VoicePack: types.VoicePack{types.SpeakerNarrator: voices.DefaultVoiceID},
		Window:    types.Window{StartIndex: 0, Size: size},
		Client:    ClientInfo{Device: "ios", AppVersion: "1.0.0"},
		Identity:  "10.0.0.1",
	}
}

func TestStartReturnsPlan(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	plan, err := f.m.Start(context.Background(), request("ch-1", 0))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(plan.Upload.Pages) != DefaultWindowSize {
		t.Fatalf("expected %d upload pages, got %d", DefaultWindowSize, len(plan.Upload.Pages))
	}
	if plan.Upload.Mode != UploadMode {
		t.Errorf("mode = %q", plan.Upload.Mode)
	}
	page := plan.Upload.Pages[3]
	if page.Index != 3 || page.ContentType != "image/png" || page.MaxBytes != DefaultMaxUploadBytes {
		t.Errorf("unexpected upload page %+v", page)
	}
	u, err := url.Parse(page.PutURL)
	if err != nil {
		t.Fatalf("bad put url %q: %v", page.PutURL, err)
	}
	if u.Path != UploadPath(plan.JobID, 3) || u.Query().Get("sig") == "" || u.Query().Get("exp") == "" {
		t.Errorf("unexpected put url %q", page.PutURL)
	}

	want := map[string]string{
		"status_sse":         "https://api.test/jobs/" + plan.JobID + "/events",
		"status_ws":          "wss://api.test/jobs/" + plan.JobID + "/ws",
		"snapshot_url":       "https://api.test/jobs/" + plan.JobID + "/snapshot",
		"audio_url_template": "https://cdn.test/audio/" + plan.JobID + "/page-{index}.wav",
	}
	got := map[string]string{
		"status_sse":         plan.StatusSSE,
		"status_ws":          plan.StatusWS,
		"snapshot_url":       plan.SnapshotURL,
		"audio_url_template": plan.AudioURLTemplate,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	data, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"adPlan":{"kind":"placeholder","duration_hint":3}`) {
		t.Errorf("unexpected ad plan in %s", data)
	}

	job, err := f.store.Read(context.Background(), plan.JobID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if job.Kind != types.KindStart || job.Client != "10.0.0.1" || job.Fingerprint == "" {
		t.Errorf("unexpected job %+v", job)
	}
	for _, p := range job.Pages {
		if p.State != types.PageQueued {
			t.Fatalf("page %d = %s, want queued", p.Index, p.State)
		}
	}
}

func TestConcurrentStartsConverge(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()

	const callers = 16
	img := testutil.PageImage(t, 0)
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan, err := f.m.Start(ctx, request("ch-race", 8))
			if err != nil {
				t.Errorf("Start() error = %v", err)
				return
			}
			ids[i] = plan.JobID
			// Whichever caller gets the plan can upload at once.
			if err := f.m.pipeline.Upload(ctx, plan.JobID, i%8, img); err != nil && !errors.Is(err, types.ErrConflict) {
				t.Errorf("Upload() right after Start() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "orphan jobs were left behind")
	require.Equal(t, 1, f.m.pipeline.Status().ActiveJobs, "orphan jobs are still registered")

	// A different window is a different job.
	other := request("ch-race", 8)
	other.Window.StartIndex = 8
	plan, err := f.m.Next(ctx, other)
	require.NoError(t, err)
	require.NotEqual(t, ids[0], plan.JobID)
}

func TestStartReissuesPlanForExistingJob(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()

	first, err := f.m.Start(ctx, request("ch-1", 4))
	require.NoError(t, err)
	again, err := f.m.Start(ctx, request("ch-1", 4))
	require.NoError(t, err)
	require.Equal(t, first.JobID, again.JobID)
	require.Len(t, again.Upload.Pages, 4)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()

	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"missing chapter", func(r *Request) { r.ChapterID = "  " }, "chapter_id"},
		{"window too large", func(r *Request) { r.Window.Size = DefaultMaxWindow + 1 }, "window.size"},
		{"negative size", func(r *Request) { r.Window.Size = -1 }, "window.size"},
		{"negative start", func(r *Request) { r.Window.StartIndex = -20 }, "window.start_index"},
		{"unknown voice", func(r *Request) { r.VoicePack = types.VoicePack{"hero": "sovits:nobody"} }, "voice_pack"},
		{"viewing index outside window", func(r *Request) { r.ViewingIndex = 4 }, "viewing_index"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("ch-1", 4)
			tt.edit(&req)
			_, err := f.m.Start(ctx, req)
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	active, _ := f.store.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("invalid requests created %d jobs", len(active))
	}
}

func TestEmptyVoicePackUsesDefault(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	req := request("ch-1", 2)
	req.VoicePack = nil
	plan, err := f.m.Start(context.Background(), req)
	require.NoError(t, err)

	job, err := f.store.Read(context.Background(), plan.JobID)
	require.NoError(t, err)
	require.Equal(t, voices.DefaultVoiceID, job.VoicePack[types.SpeakerNarrator])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{
		Window: time.Minute,
		Max:    map[string]int{"start": 2, "next": 1},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.m.Start(ctx, request(fmt.Sprintf("ch-%d", i), 2)); err != nil {
			t.Fatalf("Start(%d) error = %v", i, err)
		}
	}

	// Even an identical request is rejected before the ledger is consulted.
	_, err := f.m.Start(ctx, request("ch-0", 2))
	rl, ok := types.IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Errorf("unexpected retry after %v", rl.RetryAfter)
	}
	if _, err := f.m.Start(ctx, request("ch-new", 2)); err == nil {
		t.Fatal("expected a new chapter to be limited too")
	}
	active, _ := f.store.ListActive(ctx)
	if len(active) != 2 {
		t.Fatalf("rejected calls created jobs: %d active", len(active))
	}

	// next has its own budget.
	if _, err := f.m.Next(ctx, request("ch-next", 2)); err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	// Another caller is unaffected.
	other := request("ch-other", 2)
	other.Identity = "10.0.0.2"
	if _, err := f.m.Start(ctx, other); err != nil {
		t.Fatalf("Start() for another identity error = %v", err)
	}

	f.advance(time.Minute)
	if _, err := f.m.Start(ctx, request("ch-later", 2)); err != nil {
		t.Fatalf("Start() after window error = %v", err)
	}
}

func TestLedgerEntryForEvictedJob(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()

	first, err := f.m.Start(ctx, request("ch-1", 2))
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, first.JobID))

	second, err := f.m.Start(ctx, request("ch-1", 2))
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, second.JobID)

	third, err := f.m.Start(ctx, request("ch-1", 2))
	require.NoError(t, err)
	require.Equal(t, second.JobID, third.JobID)
}

func signedUpload(t *testing.T, plan *Plan, index int, data []byte) UploadRequest {
	t.Helper()
	u, err := url.Parse(plan.Upload.Pages[index].PutURL)
	if err != nil {
		t.Fatalf("bad put url: %v", err)
	}
	return UploadRequest{
		JobID:  plan.JobID,
		Index:  index,
		Expiry: u.Query().Get("exp"),
		Sig:    u.Query().Get("sig"),
		Data:   data,
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()
	plan, err := f.m.Start(ctx, request("ch-1", 2))
	require.NoError(t, err)

	bad := signedUpload(t, plan, 0, testutil.PageImage(t, 0))
	bad.Index = 1
	if err := f.m.Upload(ctx, bad); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("signature for page 0 accepted for page 1: %v", err)
	}

	big := signedUpload(t, plan, 0, make([]byte, DefaultMaxUploadBytes+1))
	if err := f.m.Upload(ctx, big); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	notPNG := signedUpload(t, plan, 0, []byte("GIF89a......"))
	if err := f.m.Upload(ctx, notPNG); !types.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.m.Upload(ctx, signedUpload(t, plan, i, testutil.PageImage(t, i))); err != nil {
			t.Fatalf("Upload(%d) error = %v", i, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, err := f.m.Snapshot(ctx, plan.JobID)
		require.NoError(t, err)
		if snap.Done {
			require.Equal(t, 2, snap.Progress.Done)
			for _, p := range snap.Pages {
				require.Equal(t, types.PageReady, p.State)
				require.NotEmpty(t, p.Audio)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := f.m.Retry(ctx, plan.JobID, 0); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("retrying a ready page should conflict, got %v", err)
	}
	if _, err := f.m.Snapshot(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUploadExpired(t *testing.T) {
	f := newFixture(t, ratelimit.Limits{})
	ctx := context.Background()
	plan, err := f.m.Start(ctx, request("ch-1", 1))
	require.NoError(t, err)

	f.m.signer.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	err = f.m.Upload(ctx, signedUpload(t, plan, 0, testutil.PageImage(t, 0)))
	require.ErrorIs(t, err, types.ErrForbidden)
}
