package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"eventorder/internal/ordering"
	logx "eventorder/pkg/logx"
)

// fakeDispatcharr serves the channel endpoints from memory.
type fakeDispatcharr struct {
	mu       sync.Mutex
	streams  map[int64]apiStream
	channels map[int64][]int64
	token    string
	logins   atomic.Int32
	patches  atomic.Int32
	paged    bool
}

func newFake() *fakeDispatcharr {
	return &fakeDispatcharr{
		streams: map[int64]apiStream{
			1: {ID: 1, Name: "PPV 1 start:2025-11-22 19:00:00", URL: "http://a/1"},
			2: {ID: 2, Name: "PPV 2 start:2025-11-22 20:00:00", URL: "http://a/2"},
			3: {ID: 3, Name: "PPV 3", URL: "http://a/3"},
		},
		channels: map[int64][]int64{100: {1, 2}, 130: {3}},
		token:    "tok-1",
	}
}

func (f *fakeDispatcharr) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/accounts/token/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["username"] != "admin" || in["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"access": f.token, "refresh": "r"})
	})
	mux.HandleFunc("GET /api/channels/channels/{id}/streams/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := mustID(t, r.PathValue("id"))
		f.mu.Lock()
		ids, ok := f.channels[id]
		out := make([]apiStream, 0, len(ids))
		for _, sid := range ids {
			out = append(out, f.streams[sid])
		}
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if f.paged {
			_ = json.NewEncoder(w).Encode(map[string]any{"count": len(out), "results": out})
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /api/channels/channels/{id}/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := mustID(t, r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(apiChannel{ID: id, Name: "Main Events"})
	})
	mux.HandleFunc("PATCH /api/channels/channels/{id}/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := mustID(t, r.PathValue("id"))
		var body struct {
			Streams []int64 `json:"streams"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.patches.Add(1)
		f.mu.Lock()
		f.channels[id] = body.Streams
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(apiChannel{ID: id, Streams: body.Streams})
	})
	return mux
}

func (f *fakeDispatcharr) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+f.token
}

func (f *fakeDispatcharr) ids(ch int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.channels[ch]...)
}

func mustID(t *testing.T, s string) int64 {
	var id int64
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Errorf("bad id %q", s)
			return 0
		}
		id = id*10 + int64(r-'0')
	}
	return id
}

func newTestClient(t *testing.T, f *fakeDispatcharr, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	c, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestListStreams(t *testing.T) {
	t.Parallel()
	for _, paged := range []bool{false, true} {
		f := newFake()
		f.paged = paged
		c := newTestClient(t, f, Config{Token: "tok-1"})
		got, err := c.ListStreams(context.Background(), 100)
		if err != nil {
			t.Fatalf("ListStreams(paged=%v): %v", paged, err)
		}
		want := []ordering.Stream{
			{ID: 1, Name: "PPV 1 start:2025-11-22 19:00:00", ChannelID: 100, URL: "http://a/1"},
			{ID: 2, Name: "PPV 2 start:2025-11-22 20:00:00", ChannelID: 100, URL: "http://a/2"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("streams (-want +got):\n%s", diff)
		}
	}
}

func TestReorderReplacesMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFake()
	c := newTestClient(t, f, Config{Token: "tok-1"})
	opts := ordering.UpdateOptions{AllowDeadStreams: true}

	before := f.patches.Load()
	if err := c.ReorderChannel(ctx, 130, []int64{1, 3}, opts); err != nil {
		t.Fatalf("ReorderChannel: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 3}, f.ids(130)); diff != "" {
		t.Fatalf("after reorder (-want +got):\n%s", diff)
	}
	if err := c.ReorderChannel(ctx, 100, nil, opts); err != nil {
		t.Fatalf("ReorderChannel empty: %v", err)
	}
	if got := f.ids(100); len(got) != 0 {
		t.Fatalf("channel 100 = %v, want empty", got)
	}
	if n := f.patches.Load() - before; n != 2 {
		t.Fatalf("patches = %d, want one per call", n)
	}
}

func TestDeadStreamFilterBypass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFake()
	var filtered atomic.Int32
	c := newTestClient(t, f, Config{Token: "tok-1"}).WithDeadStreamFilter(
		func(_ context.Context, _ int64, ids []int64) ([]int64, error) {
			filtered.Add(1)
			var out []int64
			for _, id := range ids {
				if id != 2 {
					out = append(out, id)
				}
			}
			return out, nil
		})

	if err := c.ReorderChannel(ctx, 100, []int64{2, 1}, ordering.UpdateOptions{AllowDeadStreams: true}); err != nil {
		t.Fatalf("ReorderChannel: %v", err)
	}
	if filtered.Load() != 0 {
		t.Fatal("filter consulted despite bypass")
	}
	if diff := cmp.Diff([]int64{2, 1}, f.ids(100)); diff != "" {
		t.Fatalf("bypassed (-want +got):\n%s", diff)
	}

	if err := c.ReorderChannel(ctx, 100, []int64{2, 1}, ordering.UpdateOptions{}); err != nil {
		t.Fatalf("ReorderChannel: %v", err)
	}
	if diff := cmp.Diff([]int64{1}, f.ids(100)); diff != "" {
		t.Fatalf("filtered (-want +got):\n%s", diff)
	}
}

func TestLoginAndRelogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFake()
	c := newTestClient(t, f, Config{Username: "admin", Password: "secret"})

	if _, err := c.ListStreams(ctx, 100); err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if f.logins.Load() != 1 {
		t.Fatalf("logins = %d, want 1", f.logins.Load())
	}

	// Server rotates the token; the next call re-authenticates once.
	f.mu.Lock()
	f.token = "tok-2"
	f.mu.Unlock()
	if _, err := c.ListStreams(ctx, 100); err != nil {
		t.Fatalf("ListStreams after rotation: %v", err)
	}
	if f.logins.Load() != 2 {
		t.Fatalf("logins = %d, want 2", f.logins.Load())
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFake()
	c := newTestClient(t, f, Config{Token: "tok-1"})
	_, err := c.ListStreams(ctx, 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing channel err = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, ordering.ErrUpstreamUnavailable) || ordering.ErrorKind(err) != "upstream" {
		t.Fatalf("missing channel err = %v, want kind upstream", err)
	}

	bad := newTestClient(t, newFake(), Config{Token: "wrong"})
	if _, err := bad.ListStreams(ctx, 100); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bad token err = %v, want ErrForbidden", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	sc, err := New(Config{BaseURL: slow.URL, Token: "x", RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := sc.ListStreams(tctx, 100); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow err = %v, want ErrTimeout", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer garbage.Close()
	gc, _ := New(Config{BaseURL: garbage.URL, Token: "x", RatePerSec: 100}, logx.Nop())
	_, err = gc.ListStreams(ctx, 100)
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("garbage err = %v, want ErrBadResponse", err)
	}
	if !strings.Contains(err.Error(), "list_streams") {
		t.Fatalf("error lacks operation: %v", err)
	}
}

func TestChannelName(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newFake(), Config{Token: "tok-1"})
	name, err := c.ChannelName(context.Background(), 100)
	if err != nil || name != "Main Events" {
		t.Fatalf("ChannelName = %q, %v", name, err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error without base url")
	}
}
