package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tanoshi/narration/internal/testutil"
	"github.com/tanoshi/narration/internal/types"
)

func TestMemoryLRU(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	_ = m.Put(ctx, "a", []byte("1"))
	_ = m.Put(ctx, "b", []byte("2"))

	// Touch a so b becomes the eviction candidate.
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("expected a to be cached")
	}
	_ = m.Put(ctx, "c", []byte("3"))

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if v, ok, _ := m.Get(ctx, "a"); !ok || string(v) != "1" {
		t.Fatalf("expected a=1, got %q %v", v, ok)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
}

func TestUtteranceKey(t *testing.T) {
	p := types.Prosody{Speed: 1}
	a := UtteranceKey("v1", "hello", p)
	if a != UtteranceKey("v1", "hello", p) {
		t.Fatal("key is not deterministic")
	}
	if a == UtteranceKey("v2", "hello", p) {
		t.Fatal("voice does not affect key")
	}
	if a == UtteranceKey("v1", "hello", types.Prosody{Speed: 1.2}) {
		t.Fatal("prosody does not affect key")
	}
}

func TestLayerLinesAndStats(t *testing.T) {
	ctx := context.Background()
	l := NewLayer(NewMemory(0), NewMemory(0), false)

	asset := testutil.PageImage(t, 1)
	key := l.AssetKey(asset)
	if key != ExtractionKey(asset) {
		t.Fatal("expected content hash key")
	}

	if _, ok, _ := l.Lines(ctx, key); ok {
		t.Fatal("expected miss")
	}
	lines := []types.Line{{Speaker: "hero", Text: "hi", Role: types.RoleDialogue}}
	if err := l.PutLines(ctx, key, lines); err != nil {
		t.Fatalf("PutLines() error = %v", err)
	}
	got, ok, err := l.Lines(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("unexpected lines %+v", got)
	}

	s := l.Stats()
	if s.ExtractionHits != 1 || s.ExtractionMisses != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestPerceptualKeyStable(t *testing.T) {
	asset := testutil.PageImage(t, 7)
	a, err := PerceptualKey(asset)
	if err != nil {
		t.Fatalf("PerceptualKey() error = %v", err)
	}
	b, _ := PerceptualKey(asset)
	if a != b {
		t.Fatal("perceptual key is not deterministic")
	}

	if _, err := PerceptualKey([]byte("not a png")); err == nil {
		t.Fatal("expected decode error")
	}

	l := NewLayer(NewMemory(0), NewMemory(0), true)
	if l.AssetKey([]byte("not a png")) != ExtractionKey([]byte("not a png")) {
		t.Fatal("expected content hash fallback")
	}
}

func TestNATSCaches(t *testing.T) {
	_, js := testutil.StartNATS(t)
	ctx := context.Background()

	kv, err := NewKV(ctx, js, NamespaceExtract, time.Hour)
	require.NoError(t, err)
	objs, err := NewObjects(ctx, js, NamespaceUtter)
	require.NoError(t, err)

	_, ok, err := kv.Get(ctx, "abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Put(ctx, "abc", []byte(`[]`)))
	v, ok, err := kv.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(v))

	audio := make([]byte, 2<<20)
	audio[0] = 'R'
	require.NoError(t, objs.Put(ctx, "k", audio))
	got, ok, err := objs.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, len(audio))

	_, ok, err = objs.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
