package signing

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

func TestSignAndVerify(t *testing.T) {
	s, err := New("secret", time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	raw := s.SignURL("https://api.example.com", http.MethodPut, "/jobs/j1/pages/0/asset")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasPrefix(raw, "https://api.example.com/jobs/j1/pages/0/asset?") {
		t.Fatalf("unexpected url %s", raw)
	}
	exp, sig := u.Query().Get("exp"), u.Query().Get("sig")

	if err := s.Verify(http.MethodPut, u.Path, exp, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := s.Verify(http.MethodPut, "/jobs/j1/pages/1/asset", exp, sig); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("expected forbidden for other path, got %v", err)
	}
	if err := s.Verify(http.MethodGet, u.Path, exp, sig); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("expected forbidden for other method, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := s.Verify(http.MethodPut, u.Path, exp, sig); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("expected forbidden after expiry, got %v", err)
	}
}

func TestRandomSecret(t *testing.T) {
	a, _ := New("", 0)
	b, _ := New("", 0)
	if a.TTL() != DefaultTTL {
		t.Fatalf("expected default ttl, got %s", a.TTL())
	}
	url := a.SignURL("", http.MethodPut, "/x")
	q := url[strings.Index(url, "?")+1:]
	v, _ := parseQuery(q)
	if err := b.Verify(http.MethodPut, "/x", v.Get("exp"), v.Get("sig")); err == nil {
		t.Fatal("signers with random secrets should not agree")
	}
}

func parseQuery(q string) (url.Values, error) {
	return url.ParseQuery(q)
}
