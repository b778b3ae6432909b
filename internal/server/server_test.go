package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"gopkg.in/yaml.v2"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/audio"
	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/home"
	"github.com/tanoshi/narration/internal/server/endpoints"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/testutil"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

type testServer struct {
	url    string
	client *api.Client
	srv    *Server
}

// setKey sets a dotted key in a nested config tree.
func setKey(tree map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	node := tree
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// newTestServer serves a fully initialized server with mock providers.
// overrides are dotted config keys.
func newTestServer(t *testing.T, overrides map[string]any) *testServer {
	t.Helper()

	ts := httptest.NewUnstartedServer(nil)
	base := "http://" + ts.Listener.Addr().String()
	dir := t.TempDir()

	tree := map[string]any{}
	for k, v := range map[string]any{
		"api_base_url":              base,
		"cdn_base_url":              base,
		"blob.dir":                  filepath.Join(dir, "blobs"),
		"signing.secret":            "test-secret",
		"pipeline.trigger_timeout":  "200ms",
		"pipeline.late_batch_delay": "20ms",
		"pipeline.retry_delay":      "1ms",
		"pipeline.retry_max_delay":  "5ms",
		"pipeline.segment_gap":      "0s",
		"voices.training_delay":     "1h",
	} {
		setKey(tree, k, v)
	}
	for k, v := range overrides {
		setKey(tree, k, v)
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h, err := home.New(dir)
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	srv, err := New(Config{
		ConfigManager: mgr,
		Home:          h,
		KeepAlive:     50 * time.Millisecond,
		Logger:        testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Init(ctx); err != nil {
		cancel()
		t.Fatalf("Init() error = %v", err)
	}
	ts.Config.Handler = srv.HTTPHandler()
	ts.Start()
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		cancel()
		srv.Close()
	})

	return &testServer{url: base, client: api.NewClient(base), srv: srv}
}

func (s *testServer) start(t *testing.T, chapter string, size int) *session.Plan {
	t.Helper()
	var plan session.Plan
	req := session.Request{ChapterID: chapter, Window: types.Window{Size: size}}
	if err := s.client.Post(context.Background(), "/session/start", req, &plan); err != nil {
		t.Fatalf("session/start error = %v", err)
	}
	return &plan
}

func (s *testServer) uploadAll(t *testing.T, plan *session.Plan) {
	t.Helper()
	for _, p := range plan.Upload.Pages {
		if err := s.client.PutBytes(context.Background(), p.PutURL, p.ContentType, testutil.PageImage(t, p.Index)); err != nil {
			t.Fatalf("upload page %d error = %v", p.Index, err)
		}
	}
}

// collect reads the SSE stream of a job until it ends. connected is closed
// once the replay burst has arrived.
func (s *testServer) collect(ctx context.Context, jobID string, connected chan<- struct{}) ([]api.StreamEvent, error) {
	var (
		out  []api.StreamEvent
		once sync.Once
	)
	err := s.client.Stream(ctx, "/jobs/"+jobID+"/events", "", func(ev api.StreamEvent) error {
		once.Do(func() { close(connected) })
		out = append(out, ev)
		return nil
	})
	return out, err
}

func runToCompletion(t *testing.T, s *testServer, chapter string, size int) (*session.Plan, []api.StreamEvent) {
	t.Helper()
	plan := s.start(t, chapter, size)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	connected := make(chan struct{})
	type result struct {
		events []api.StreamEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		evs, err := s.collect(ctx, plan.JobID, connected)
		done <- result{evs, err}
	}()

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("event stream did not connect")
	}
	s.uploadAll(t, plan)

	res := <-done
	if res.err != nil {
		t.Fatalf("event stream error = %v", res.err)
	}
	return plan, res.events
}

func TestSessionEndToEnd(t *testing.T) {
	s := newTestServer(t, nil)
	plan, evs := runToCompletion(t, s, "ch-1", 4)

	if !strings.HasPrefix(plan.StatusSSE, s.url+"/jobs/") || !strings.HasPrefix(plan.StatusWS, "ws://") {
		t.Errorf("unexpected status urls %q %q", plan.StatusSSE, plan.StatusWS)
	}
	if len(plan.Upload.Pages) != 4 || plan.Upload.Mode != session.UploadMode {
		t.Fatalf("unexpected upload plan %+v", plan.Upload)
	}

	ready := map[int]bool{}
	var done *events.JobDone
	for _, ev := range evs {
		switch events.Type(ev.Event) {
		case events.TypePageReady:
			var pr events.PageReady
			if err := json.Unmarshal(ev.Data, &pr); err != nil {
				t.Fatalf("bad page_ready payload %s: %v", ev.Data, err)
			}
			if pr.Audio != fmt.Sprintf("%s/audio/%s/page-%d.wav", s.url, plan.JobID, pr.Index) {
				t.Errorf("unexpected audio url %q", pr.Audio)
			}
			ready[pr.Index] = true
		case events.TypeJobDone:
			done = &events.JobDone{}
			json.Unmarshal(ev.Data, done)
		}
	}
	if len(ready) != 4 {
		t.Errorf("expected 4 page_ready events, got %v", ready)
	}
	if done == nil || !done.OK {
		t.Fatalf("expected job_done ok, got %+v", done)
	}
	if last := evs[len(evs)-1]; events.Type(last.Event) != events.TypeJobDone {
		t.Errorf("stream should end with job_done, ended with %s", last.Event)
	}

	wav, err := s.client.Download(context.Background(), fmt.Sprintf("/audio/%s/page-0.wav", plan.JobID))
	if err != nil {
		t.Fatalf("audio download error = %v", err)
	}
	if _, err := audio.Decode(wav); err != nil {
		t.Errorf("page audio is not a wav: %v", err)
	}

	var snap events.Snapshot
	if err := s.client.Get(context.Background(), "/v1/narration/jobs/"+plan.JobID+"/snapshot", &snap); err != nil {
		t.Fatalf("snapshot error = %v", err)
	}
	if !snap.Done || snap.Progress.Done != 4 || snap.Progress.Total != 4 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	err = s.client.Post(context.Background(), "/jobs/"+plan.JobID+"/pages/0/retry", nil, nil)
	if api.StatusCode(err) != http.StatusConflict {
		t.Errorf("retrying a ready page: expected 409, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.start(t, "ch-idem", 3)
	second := s.start(t, "ch-idem", 3)
	if first.JobID != second.JobID {
		t.Errorf("identical requests created two jobs: %s %s", first.JobID, second.JobID)
	}
	other := s.start(t, "ch-idem", 4)
	if other.JobID == first.JobID {
		t.Error("a different window must create a new job")
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, map[string]any{
		"rate_limit.start_max":      3,
		"pipeline.max_upload_bytes": 2048,
	})
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		resp, err := http.Post(s.url+"/session/start", "application/json", strings.NewReader(`{"window":{"size":3}}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body endpoints.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode != http.StatusBadRequest || body.Field != "chapter_id" {
			t.Errorf("expected 400 on chapter_id, got %d %+v", resp.StatusCode, body)
		}

		resp2, err := http.Post(s.url+"/session/start", "application/json", strings.NewReader(`{not json`))
		if err != nil {
			t.Fatal(err)
		}
		resp2.Body.Close()
		if resp2.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for malformed JSON, got %d", resp2.StatusCode)
		}
	})

	plan := s.start(t, "ch-err", 2)

	t.Run("forbidden", func(t *testing.T) {
		url := s.url + session.UploadPath(plan.JobID, 0) + "?exp=9999999999&sig=bogus"
		err := s.client.PutBytes(ctx, url, "image/png", testutil.PageImage(t, 0))
		if api.StatusCode(err) != http.StatusForbidden {
			t.Errorf("expected 403, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		err := s.client.PutBytes(ctx, plan.Upload.Pages[0].PutURL, "image/png", bytes.Repeat([]byte{1}, 4096))
		if api.StatusCode(err) != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		err := s.client.Get(ctx, "/jobs/does-not-exist/snapshot", nil)
		if api.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected 404, got %v", err)
		}
		err = s.client.Post(ctx, "/jobs/does-not-exist/pages/0/retry", nil, nil)
		if api.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected 404 for retry, got %v", err)
		}
		if _, err := s.client.Download(ctx, "/audio/does-not-exist/page-0.wav"); api.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected 404 for audio, got %v", err)
		}
	})

	t.Run("evicted", func(t *testing.T) {
		es := newTestServer(t, map[string]any{
			"job_ttl":        "500ms",
			"sweep_interval": "50ms",
		})
		done, _ := runToCompletion(t, es, "ch-evict", 2)
		audioPath := "/audio/" + done.JobID + "/page-0.wav"
		if _, err := es.client.Download(ctx, audioPath); err != nil {
			t.Fatalf("audio before eviction: %v", err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for {
			err := es.client.Get(ctx, "/jobs/"+done.JobID+"/snapshot", nil)
			if api.StatusCode(err) == http.StatusNotFound {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected 404 once the job is evicted, got %v", err)
			}
			time.Sleep(50 * time.Millisecond)
		}
		if err := es.client.Get(ctx, "/v1/narration/jobs/"+done.JobID+"/snapshot", nil); api.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected 404 on the versioned route, got %v", err)
		}
		if _, err := es.client.Download(ctx, audioPath); api.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected evicted audio to be gone, got %v", err)
		}
	})

	t.Run("conflict", func(t *testing.T) {
		err := s.client.Post(ctx, "/jobs/"+plan.JobID+"/pages/1/retry", nil, nil)
		if api.StatusCode(err) != http.StatusConflict {
			t.Errorf("expected 409 retrying a queued page, got %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		// ch-err used one start; two more fill the window.
		s.start(t, "ch-rl-1", 2)
		s.start(t, "ch-rl-2", 2)
		err := s.client.Post(ctx, "/session/start", session.Request{ChapterID: "ch-rl-3", Window: types.Window{Size: 2}}, nil)
		var se *api.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %v", err)
		}
		if se.RetryAfter <= 0 {
			t.Error("expected a Retry-After header")
		}
	})
}

func TestViewing(t *testing.T) {
	s := newTestServer(t, nil)
	plan := s.start(t, "ch-view", 5)
	ctx := context.Background()

	if err := s.client.Post(ctx, "/jobs/"+plan.JobID+"/viewing", endpoints.ViewingRequest{Index: 3}, nil); err != nil {
		t.Errorf("viewing error = %v", err)
	}
	err := s.client.Post(ctx, "/jobs/"+plan.JobID+"/viewing", endpoints.ViewingRequest{Index: 9}, nil)
	if api.StatusCode(err) != http.StatusBadRequest {
		t.Errorf("expected 400 for an index outside the window, got %v", err)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := newTestServer(t, nil)
	plan := s.start(t, "ch-ws", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, plan.StatusWS, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	index := 2
	if err := wsjson.Write(ctx, conn, endpoints.Frame{Type: "viewing", Index: &index}); err != nil {
		t.Fatalf("write viewing frame: %v", err)
	}

	var first endpoints.Frame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read replay frame: %v", err)
	}
	if first.Type != events.TypePageStatus {
		t.Errorf("replay should start with page_status, got %s", first.Type)
	}

	s.uploadAll(t, plan)

	sawDone := false
	for !sawDone {
		var f endpoints.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("stream ended before job_done: %v", err)
		}
		sawDone = f.Type == events.TypeJobDone
	}

	var f endpoints.Frame
	err = wsjson.Read(ctx, conn, &f)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected a normal close after job_done, got %v", err)
	}
}

func TestVoices(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	var reg voices.Registration
	if err := s.client.Post(ctx, "/v1/voices/register", voices.RegisterRequest{Name: "Kana"}, &reg); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if reg.VoiceID != "sovits:kana" || len(reg.Upload.Refs) != 1 {
		t.Fatalf("unexpected registration %+v", reg)
	}

	ref := audio.Tone(500*time.Millisecond, 24000, 440)
	if err := s.client.PutBytes(ctx, reg.Upload.Refs[0].PutURL, "audio/wav", ref); err != nil {
		t.Fatalf("reference upload error = %v", err)
	}

	var v types.VoiceProfile
	if err := s.client.Get(ctx, "/voices/sovits:kana", &v); err != nil {
		t.Fatalf("get voice error = %v", err)
	}
	if v.Status != types.VoiceReady || v.Mode != types.ModeZeroShot {
		t.Errorf("unexpected voice %+v", v)
	}

	var list endpoints.ListVoicesResponse
	if err := s.client.Get(ctx, "/voices", &list); err != nil {
		t.Fatalf("list voices error = %v", err)
	}
	if len(list.Voices) < 2 {
		t.Errorf("expected the seeded voice and kana, got %d", len(list.Voices))
	}

	err := s.client.Post(ctx, "/voices/register", voices.RegisterRequest{Name: "Kana", Mode: types.ModeFewShot}, nil)
	if api.StatusCode(err) != http.StatusConflict {
		t.Errorf("expected 409 when re-registering with another mode, got %v", err)
	}

	t.Run("few shot dataset", func(t *testing.T) {
		var reg voices.Registration
		if err := s.client.Post(ctx, "/voices/register", voices.RegisterRequest{Name: "Mio", Mode: types.ModeFewShot}, &reg); err != nil {
			t.Fatalf("register error = %v", err)
		}
		if reg.Status != types.VoiceTraining || reg.Upload.Dataset == nil {
			t.Fatalf("unexpected registration %+v", reg)
		}
		var signed endpoints.SignAssetResponse
		if err := s.client.Post(ctx, "/voices/"+reg.VoiceID+"/assets/sign", endpoints.SignAssetRequest{Name: "clips/001.wav"}, &signed); err != nil {
			t.Fatalf("sign error = %v", err)
		}
		if err := s.client.PutBytes(ctx, signed.PutURL, "audio/wav", ref); err != nil {
			t.Fatalf("clip upload error = %v", err)
		}
		unsigned := s.url + voices.AssetPath(reg.VoiceID, "clips/002.wav")
		if err := s.client.PutBytes(ctx, unsigned, "audio/wav", ref); api.StatusCode(err) != http.StatusForbidden {
			t.Errorf("expected 403 for an unsigned clip, got %v", err)
		}
	})
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, map[string]any{"cors_origins": []string{"https://reader.example"}})

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, s.url+"/session/start", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://reader.example")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://reader.example" {
		t.Errorf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}
	resp = preflight("https://evil.example")
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be allowed")
	}
}

func TestHealthReadyStatus(t *testing.T) {
	s := newTestServer(t, map[string]any{"pools.synthesis": 5})
	ctx := context.Background()

	var health endpoints.HealthResponse
	if err := s.client.Get(ctx, "/health", &health); err != nil || health.Status != "ok" {
		t.Errorf("health = %+v, %v", health, err)
	}
	var ready endpoints.HealthResponse
	if err := s.client.Get(ctx, "/ready", &ready); err != nil || ready.Status != "ok" {
		t.Errorf("ready = %+v, %v", ready, err)
	}
	var status endpoints.StatusResponse
	if err := s.client.Get(ctx, "/status", &status); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if status.Pipeline == nil || status.Pipeline.Synthesis.Workers != 5 {
		t.Errorf("unexpected status %+v", status.Pipeline)
	}
}

func TestRequireInit(t *testing.T) {
	mgr, err := config.NewManager("", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := home.New(t.TempDir())
	srv, err := New(Config{ConfigManager: mgr, Home: h, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/session/start", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Init, got %d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require init, got %d", resp.StatusCode)
	}
}

func TestNATSBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats backend test in short mode")
	}
	ns, _ := testutil.StartNATS(t)
	s := newTestServer(t, map[string]any{
		"store.backend": "nats",
		"nats.url":      ns.ClientURL(),
	})

	plan, evs := runToCompletion(t, s, "ch-nats", 3)
	if last := evs[len(evs)-1]; events.Type(last.Event) != events.TypeJobDone {
		t.Fatalf("stream should end with job_done, ended with %s", last.Event)
	}
	if _, err := s.client.Download(context.Background(), fmt.Sprintf("/audio/%s/page-2.wav", plan.JobID)); err != nil {
		t.Errorf("audio from object store: %v", err)
	}
	again := s.start(t, "ch-nats", 3)
	if again.JobID != plan.JobID {
		t.Error("nats ledger should resolve the identical request to the same job")
	}
}
