package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/jobs"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/store"
	"github.com/tanoshi/narration/internal/testutil"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

type harness struct {
	c      *Coordinator
	store  *store.MemoryStore
	events *events.Publisher
	blobs  *blob.FS
	ext    *providers.MockExtractor
	syn    *providers.MockSynthesizer
}

func newHarness(t *testing.T, configure func(*Config, *providers.MockExtractor, *providers.MockSynthesizer)) *harness {
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

	ext := providers.NewMockExtractor()
	syn := providers.NewMockSynthesizer()
	syn.Latency = 5 * time.Millisecond

	cfg := Config{
		Jobs:              st,
		Blobs:             blobs,
		Events:            pub,
		Voices:            registry,
		Providers:         providers.NewRegistry(ext, syn, logger),
		Logger:            logger,
		ExtractionWorkers: 2,
		SynthesisWorkers:  4,
		Retry:             jobs.RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxJitter: time.Millisecond},
		ArrivalThreshold:  4,
		TriggerTimeout:    time.Second,
		LateBatchDelay:    20 * time.Millisecond,
		UploadDeadline:    time.Minute,
		AudioBaseURL:      "http://cdn.test",
	}
	if configure != nil {
		configure(&cfg, ext, syn)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{c: c, store: st, events: pub, blobs: blobs, ext: ext, syn: syn}
}

func (h *harness) newJob(t *testing.T, size int) *types.Job {
	t.Helper()
	job := types.NewJob(uuid.NewString(), "chapter-1", types.KindStart, types.Window{Size: size},
		types.VoicePack{types.SpeakerNarrator: voices.DefaultVoiceID}, time.Now().UTC())
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h.c.Register(job)
	return job
}

func (h *harness) upload(t *testing.T, jobID string, indexes ...int) {
	t.Helper()
	for _, i := range indexes {
		if err := h.c.Upload(context.Background(), jobID, i, testutil.PageImage(t, i)); err != nil {
			t.Fatalf("Upload(%d) error = %v", i, err)
		}
	}
}

// stream collects every event of a job until job_done closes the stream.
func (h *harness) stream(t *testing.T, jobID string) <-chan []events.Event {
	t.Helper()
	sub, replay, err := h.events.Subscribe(context.Background(), jobID, 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	out := make(chan []events.Event, 1)
	go func() {
		all := append([]events.Event(nil), replay...)
		timeout := time.After(10 * time.Second)
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					out <- all
					return
				}
				all = append(all, ev)
			case <-timeout:
				sub.Close()
				out <- all
				return
			}
		}
	}()
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) read(t *testing.T, jobID string) *types.Job {
	t.Helper()
	job, err := h.store.Read(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return job
}

func readyOrder(evs []events.Event) []int {
	var out []int
	for _, ev := range evs {
		if ev.Type == events.TypePageReady {
			out = append(out, ev.Data.(events.PageReady).Index)
		}
	}
	return out
}

func jobDone(evs []events.Event) (events.JobDone, int) {
	var last events.JobDone
	n := 0
	for _, ev := range evs {
		if ev.Type == events.TypeJobDone {
			last = ev.Data.(events.JobDone)
			n++
		}
	}
	return last, n
}

func TestThresholdTriggersExtractionAndPageZeroFirst(t *testing.T) {
	h := newHarness(t, func(_ *Config, _ *providers.MockExtractor, syn *providers.MockSynthesizer) {
		syn.Latency = 20 * time.Millisecond
	})
	job := h.newJob(t, 8)
	stream := h.stream(t, job.ID)

	h.upload(t, job.ID, 0, 1, 2)
	time.Sleep(30 * time.Millisecond)
	if n := h.ext.Calls(); n != 0 {
		t.Fatalf("extraction started below threshold (%d calls)", n)
	}

	h.upload(t, job.ID, 3)
	waitFor(t, "first extraction", func() bool { return h.ext.Calls() >= 1 })
	first := slices.Clone(h.ext.Batches()[0])
	sort.Ints(first)
	if !slices.Equal(first, []int{0, 1, 2, 3}) {
		t.Fatalf("first batch = %v, want [0 1 2 3]", first)
	}

	h.upload(t, job.ID, 4, 5, 6, 7)
	evs := <-stream

	order := readyOrder(evs)
	if len(order) != 8 {
		t.Fatalf("expected 8 ready pages, got %v", order)
	}
	pos := func(i int) int { return slices.Index(order, i) }
	if pos(0) > pos(3) {
		t.Fatalf("page 0 became ready after page 3: %v", order)
	}
	done, n := jobDone(evs)
	if n != 1 || !done.OK {
		t.Fatalf("expected one ok job_done, got %d (%+v)", n, done)
	}

	final := h.read(t, job.ID)
	if !final.Done || final.Progress.Done != 8 {
		t.Fatalf("unexpected final job %+v", final.Progress)
	}
	seen := map[int]int{}
	for _, b := range h.ext.Batches() {
		for _, i := range b {
			seen[i]++
		}
	}
	for i := 0; i < 8; i++ {
		if seen[i] != 1 {
			t.Fatalf("page %d extracted %d times", i, seen[i])
		}
	}
	if final.Pages[0].Audio != "http://cdn.test/audio/"+job.ID+"/page-0.wav" {
		t.Fatalf("unexpected audio url %s", final.Pages[0].Audio)
	}
	if _, err := h.blobs.Get(context.Background(), blob.AudioKey(job.ID, 0)); err != nil {
		t.Fatalf("page audio not stored: %v", err)
	}
}

func TestExtractionFailureIsolatedToPage(t *testing.T) {
	h := newHarness(t, func(_ *Config, ext *providers.MockExtractor, _ *providers.MockSynthesizer) {
		ext.FailPages = map[int]bool{5: true}
	})
	job := h.newJob(t, 20)
	stream := h.stream(t, job.ID)

	for i := 0; i < 20; i++ {
		h.upload(t, job.ID, i)
	}
	evs := <-stream

	done, n := jobDone(evs)
	if n != 1 || done.OK {
		t.Fatalf("expected one job_done with ok=false, got %d (%+v)", n, done)
	}
	final := h.read(t, job.ID)
	if final.Progress.Done != 20 || final.Progress.Total != 20 {
		t.Fatalf("unexpected progress %+v", final.Progress)
	}
	for _, p := range final.Pages {
		switch {
		case p.Index == 5:
			if p.State != types.PageError || p.Reason != types.ReasonExtractionFailed {
				t.Fatalf("page 5 = %+v", p)
			}
		case p.State != types.PageReady:
			t.Fatalf("page %d = %s, want ready", p.Index, p.State)
		}
	}

	var snap []byte
	waitFor(t, "snapshot", func() bool {
		data, err := h.blobs.Get(context.Background(), blob.SnapshotKey(job.ID))
		snap = data
		return err == nil
	})
	var s events.Snapshot
	if err := json.Unmarshal(snap, &s); err != nil || s.Progress.Done != 20 {
		t.Fatalf("unexpected snapshot %s (%v)", snap, err)
	}
}

func TestRetryIsolation(t *testing.T) {
	h := newHarness(t, func(_ *Config, ext *providers.MockExtractor, _ *providers.MockSynthesizer) {
		ext.FailPages = map[int]bool{2: true}
	})
	job := h.newJob(t, 4)
	stream := h.stream(t, job.ID)
	h.upload(t, job.ID, 0, 1, 2, 3)
	<-stream

	before := h.read(t, job.ID)
	if before.Pages[2].State != types.PageError {
		t.Fatalf("page 2 = %+v", before.Pages[2])
	}

	ctx := context.Background()
	if _, err := h.c.Retry(ctx, job.ID, 1); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("retrying a ready page should conflict, got %v", err)
	}

	h.ext.FailPages = nil
	calls := h.ext.Calls()
	page, err := h.c.Retry(ctx, job.ID, 2)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if page.State != types.PageQueued || page.Attempt != 1 {
		t.Fatalf("unexpected retried page %+v", page)
	}

	waitFor(t, "retried page ready", func() bool {
		return h.read(t, job.ID).Pages[2].State == types.PageReady
	})
	after := h.read(t, job.ID)
	for _, i := range []int{0, 1, 3} {
		if after.Pages[i] != before.Pages[i] {
			t.Fatalf("page %d changed by retry: %+v -> %+v", i, before.Pages[i], after.Pages[i])
		}
	}
	if h.ext.Calls() != calls+1 {
		t.Fatalf("expected one extraction call for the retry, got %d", h.ext.Calls()-calls)
	}
	if last := h.ext.Batches()[len(h.ext.Batches())-1]; !slices.Equal(last, []int{2}) {
		t.Fatalf("retry extracted %v, want [2]", last)
	}
	if after.Progress.Done != 4 {
		t.Fatalf("unexpected progress %+v", after.Progress)
	}
}

func TestSynthesisFailureFailsPage(t *testing.T) {
	h := newHarness(t, func(_ *Config, _ *providers.MockExtractor, syn *providers.MockSynthesizer) {
		syn.FailText = "Page 1 line 1"
	})
	job := h.newJob(t, 3)
	stream := h.stream(t, job.ID)
	h.upload(t, job.ID, 0, 1, 2)
	evs := <-stream

	if done, _ := jobDone(evs); done.OK {
		t.Fatal("expected job_done ok=false")
	}
	final := h.read(t, job.ID)
	if p := final.Pages[1]; p.State != types.PageError || p.Reason != types.ReasonSynthesisFailed {
		t.Fatalf("page 1 = %+v", p)
	}
	if final.Pages[0].State != types.PageReady || final.Pages[2].State != types.PageReady {
		t.Fatalf("other pages should be ready: %+v", final.Pages)
	}
}

func TestTriggerTimeoutAndLateBatches(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *providers.MockExtractor, _ *providers.MockSynthesizer) {
		cfg.TriggerTimeout = 50 * time.Millisecond
		cfg.LateBatchDelay = 30 * time.Millisecond
	})
	job := h.newJob(t, 6)
	stream := h.stream(t, job.ID)

	h.upload(t, job.ID, 0, 1)
	waitFor(t, "timeout batch", func() bool { return h.ext.Calls() == 1 })
	first := slices.Clone(h.ext.Batches()[0])
	sort.Ints(first)
	if !slices.Equal(first, []int{0, 1}) {
		t.Fatalf("timeout batch = %v", first)
	}

	h.upload(t, job.ID, 2, 3)
	waitFor(t, "late batch", func() bool { return h.ext.Calls() == 2 })

	// The last pages complete the window and go out without waiting.
	h.upload(t, job.ID, 4, 5)
	<-stream

	seen := map[int]int{}
	for _, b := range h.ext.Batches() {
		for _, i := range b {
			seen[i]++
		}
	}
	for i := 0; i < 6; i++ {
		if seen[i] != 1 {
			t.Fatalf("page %d extracted %d times (batches %v)", i, seen[i], h.ext.Batches())
		}
	}
}

func TestUploadDeadline(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *providers.MockExtractor, _ *providers.MockSynthesizer) {
		cfg.TriggerTimeout = 20 * time.Millisecond
		cfg.UploadDeadline = 150 * time.Millisecond
	})
	job := h.newJob(t, 3)
	stream := h.stream(t, job.ID)
	h.upload(t, job.ID, 0, 1)
	<-stream

	final := h.read(t, job.ID)
	if p := final.Pages[2]; p.State != types.PageError || p.Reason != types.ReasonUploadTimeout {
		t.Fatalf("page 2 = %+v", p)
	}
	if err := h.c.Upload(context.Background(), job.ID, 2, testutil.PageImage(t, 2)); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("late upload should conflict, got %v", err)
	}

	// Retrying a page that never arrived waits for its upload.
	if _, err := h.c.Retry(context.Background(), job.ID, 2); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	h.upload(t, job.ID, 2)
	waitFor(t, "page 2 ready", func() bool {
		return h.read(t, job.ID).Pages[2].State == types.PageReady
	})
}

func TestPoolBoundsAcrossJobs(t *testing.T) {
	h := newHarness(t, func(cfg *Config, ext *providers.MockExtractor, syn *providers.MockSynthesizer) {
		cfg.ExtractionWorkers = 2
		cfg.SynthesisWorkers = 4
		ext.Latency = 10 * time.Millisecond
		syn.Latency = 5 * time.Millisecond
	})

	var streams []<-chan []events.Event
	var ids []string
	for j := 0; j < 10; j++ {
		job := h.newJob(t, 4)
		ids = append(ids, job.ID)
		streams = append(streams, h.stream(t, job.ID))
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				_ = h.c.Upload(context.Background(), id, i, testutil.PageImage(t, i))
			}
		}(id)
	}
	wg.Wait()
	for _, s := range streams {
		if done, n := jobDone(<-s); n != 1 || !done.OK {
			t.Fatalf("expected ok job_done, got %d (%+v)", n, done)
		}
	}

	if peak := h.ext.PeakInFlight(); peak > 2 {
		t.Fatalf("extraction peak %d exceeds 2 workers", peak)
	}
	if peak := h.syn.PeakInFlight(); peak > 4 {
		t.Fatalf("synthesis peak %d exceeds 4 workers", peak)
	}
	st := h.c.Status()
	if st.Synthesis.PeakInFlight > 4 || st.Extraction.PeakInFlight > 2 {
		t.Fatalf("pool status peaks out of bounds: %+v", st)
	}
	if st.ActiveJobs != 10 {
		t.Fatalf("expected 10 active jobs, got %d", st.ActiveJobs)
	}
}

func TestCachedPagesSkipProviders(t *testing.T) {
	h := newHarness(t, nil)

	first := h.newJob(t, 4)
	stream := h.stream(t, first.ID)
	h.upload(t, first.ID, 0, 1, 2, 3)
	<-stream
	extractions, syntheses := h.ext.Calls(), h.syn.Calls()

	second := h.newJob(t, 4)
	stream = h.stream(t, second.ID)
	h.upload(t, second.ID, 0, 1, 2, 3)
	if done, _ := jobDone(<-stream); !done.OK {
		t.Fatal("expected second job to finish ok")
	}

	if h.ext.Calls() != extractions {
		t.Fatalf("expected no new extraction calls, got %d", h.ext.Calls()-extractions)
	}
	if h.syn.Calls() != syntheses {
		t.Fatalf("expected no new synthesis calls, got %d", h.syn.Calls()-syntheses)
	}
	st := h.c.Status().Cache
	if st.ExtractionHits != 4 || st.UtteranceHits != 8 {
		t.Fatalf("unexpected cache stats %+v", st)
	}
}

func TestSynthesisPriority(t *testing.T) {
	h := newHarness(t, nil)
	c := h.c
	c.viewMu.Lock()
	c.viewing["a"] = 5
	c.viewing["b"] = 0
	c.viewMu.Unlock()

	tests := []struct {
		name string
		x, y *synthTask
		want bool
	}{
		{"boost wins", &synthTask{jobID: "a", index: 19, boosted: true}, &synthTask{jobID: "a", index: 5}, true},
		{"closer to viewing index", &synthTask{jobID: "a", index: 6}, &synthTask{jobID: "a", index: 9}, true},
		{"equal distance lower index", &synthTask{jobID: "a", index: 4}, &synthTask{jobID: "a", index: 6}, true},
		{"per job viewing index", &synthTask{jobID: "b", index: 1}, &synthTask{jobID: "a", index: 3}, true},
		{"newer job first", &synthTask{jobID: "a", index: 5, jobSeq: 2}, &synthTask{jobID: "a", index: 5, jobSeq: 1}, true},
		{"equal", &synthTask{jobID: "a", index: 5}, &synthTask{jobID: "a", index: 5}, false},
	}
	for _, tt := range tests {
		if got := c.synthLess(tt.x, tt.y); got != tt.want {
			t.Errorf("%s: synthLess = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSetViewingIndex(t *testing.T) {
	h := newHarness(t, nil)
	job := h.newJob(t, 4)
	ctx := context.Background()

	if err := h.c.SetViewingIndex(ctx, job.ID, 4); !types.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := h.c.SetViewingIndex(ctx, "missing", 0); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.c.SetViewingIndex(ctx, job.ID, 3); err != nil {
		t.Fatalf("SetViewingIndex() error = %v", err)
	}
	if h.read(t, job.ID).ViewingIndex != 3 || h.c.viewingIndex(job.ID) != 3 {
		t.Fatal("viewing index not recorded")
	}
}

func TestEvict(t *testing.T) {
	h := newHarness(t, nil)
	job := h.newJob(t, 2)
	stream := h.stream(t, job.ID)
	h.upload(t, job.ID, 0, 1)
	<-stream

	ctx := context.Background()
	if err := h.store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	h.c.Evict(ctx, job.ID)

	for _, key := range []string{blob.AssetKey(job.ID, 0), blob.AudioKey(job.ID, 1), blob.SnapshotKey(job.ID)} {
		if _, err := h.blobs.Get(ctx, key); !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("expected %s removed by eviction, got %v", key, err)
		}
	}
	if err := h.c.Upload(ctx, job.ID, 0, testutil.PageImage(t, 0)); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found after eviction, got %v", err)
	}
	if _, err := h.events.Snapshot(ctx, job.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected no broker after eviction, got %v", err)
	}
}

func TestRestoreResumesInterruptedPages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A job left behind by a previous process: page 0 was in synthesis,
	// page 1 was being extracted, page 2 arrived but never dispatched.
	job := types.NewJob("restored", "chapter-1", types.KindStart, types.Window{Size: 3},
		types.VoicePack{types.SpeakerNarrator: voices.DefaultVoiceID}, time.Now().UTC())
	for i := range job.Pages {
		job.Pages[i].Arrived = true
		if err := h.blobs.Put(ctx, blob.AssetKey(job.ID, i), testutil.PageImage(t, i)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	_ = job.Pages[0].Transition(types.PageExtracting)
	_ = job.Pages[0].Transition(types.PageTTS)
	_ = job.Pages[1].Transition(types.PageExtracting)
	lines, _ := json.Marshal([]types.Line{{Speaker: "narrator", Text: "Resumed.", Role: types.RoleNarration}})
	if err := h.blobs.Put(ctx, blob.LinesKey(job.ID, 0), lines); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := h.store.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	n, err := h.c.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}
	waitFor(t, "restored job done", func() bool { return h.read(t, job.ID).Done })
	final := h.read(t, job.ID)
	for _, p := range final.Pages {
		if p.State != types.PageReady {
			t.Fatalf("page %d = %+v", p.Index, p)
		}
	}
}

func TestPageWithoutEssentialLinesIsSilent(t *testing.T) {
	h := newHarness(t, func(_ *Config, ext *providers.MockExtractor, _ *providers.MockSynthesizer) {
		ext.Lines = map[int][]types.Line{0: {{Speaker: "narrator", Text: "BOOM", Role: types.RoleSFX}}}
	})
	job := h.newJob(t, 1)
	stream := h.stream(t, job.ID)
	h.upload(t, job.ID, 0)
	<-stream

	p := h.read(t, job.ID).Pages[0]
	if p.State != types.PageReady || p.Duration != silentPageDuration.Seconds() {
		t.Fatalf("unexpected silent page %+v", p)
	}
	if h.syn.Calls() != 0 {
		t.Fatalf("expected no synthesis calls, got %d", h.syn.Calls())
	}
}

func ExampleCoordinator_AudioURLTemplate() {
	c := &Coordinator{audioBase: "https://cdn.example.com"}
	fmt.Println(c.AudioURLTemplate())
	// Output: https://cdn.example.com/audio/{job_id}/page-{index}.wav
}
