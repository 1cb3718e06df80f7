package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"eventorder/internal/overflow"
	"eventorder/internal/scheduler"
	"eventorder/internal/storage"
	logx "eventorder/pkg/logx"
)

type fakeOrderer struct {
	mu    sync.Mutex
	calls []int64
	dry   []bool
}

func (f *fakeOrderer) Trigger(_ context.Context, id int64, opts scheduler.TriggerOptions) ([]scheduler.ChannelOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.dry = append(f.dry, opts.DryRun)
	f.mu.Unlock()
	if id == 404 {
		return nil, scheduler.ErrUnknownChannel
	}
	return []scheduler.ChannelOutcome{
		{ChannelID: 1, OK: true},
		{ChannelID: 2, OK: false, ErrorKind: "upstream"},
	}, nil
}

func (f *fakeOrderer) Status() []scheduler.ChannelStatus {
	return []scheduler.ChannelStatus{{ChannelID: 1}}
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func newTestHandler(cfg Config) (http.Handler, *fakeOrderer, *fakeAudit) {
	o := &fakeOrderer{}
	a := &fakeAudit{}
	deps := Deps{
		Orderer: o,
		Audit:   a,
		Assignments: func() []overflow.Assignment {
			return []overflow.Assignment{{Group: 100, Key: 2, Origin: 100, Destination: 130}}
		},
	}
	return NewHandler(cfg, deps, logx.Nop()), o, a
}

func do(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunEndpoint(t *testing.T) {
	t.Parallel()
	h, o, a := newTestHandler(Config{RunsPerMinute: 100})

	rec := do(h, http.MethodPost, "/api/v1/ordering/run?channel_id=7&dry_run=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK != 1 || resp.Failed != 1 || len(resp.Results) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if diff := cmp.Diff([]int64{7}, o.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if !o.dry[0] {
		t.Fatal("dry_run not forwarded")
	}
	if len(a.entries) != 1 || a.entries[0].Action != "ordering.dry_run" || a.entries[0].ChannelID != 7 {
		t.Fatalf("audit = %+v", a.entries)
	}

	if rec := do(h, http.MethodPost, "/api/v1/ordering/run", ""); rec.Code != http.StatusOK {
		t.Fatalf("all channels status = %d", rec.Code)
	}
	if o.calls[1] != 0 {
		t.Fatalf("all channels called with %d", o.calls[1])
	}
	if rec := do(h, http.MethodPost, "/api/v1/ordering/run?channel_id=404", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown channel status = %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/v1/ordering/run?channel_id=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/v1/ordering/run", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET run status = %d", rec.Code)
	}
}

func TestRunRateLimited(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHandler(Config{RunsPerMinute: 1})
	if rec := do(h, http.MethodPost, "/api/v1/ordering/run", ""); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/v1/ordering/run", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHandler(Config{Token: "secret", Pprof: true})

	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	for _, path := range []string{"/api/v1/ordering/status", "/metrics", "/debug/pprof/"} {
		if rec := do(h, http.MethodGet, path, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d", path, rec.Code)
		}
		if rec := do(h, http.MethodGet, path, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token = %d", path, rec.Code)
		}
		if rec := do(h, http.MethodGet, path, "secret"); rec.Code != http.StatusOK {
			t.Fatalf("%s with token = %d", path, rec.Code)
		}
	}
}

func TestStatusAndAssignments(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHandler(Config{})

	rec := do(h, http.MethodGet, "/api/v1/ordering/assignments", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"destination_channel_id":130`) {
		t.Fatalf("assignments = %d %s", rec.Code, rec.Body)
	}
	rec = do(h, http.MethodGet, "/api/v1/ordering/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"channel_id":1`) {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled but served: %d", rec.Code)
	}
}

func TestServiceLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, Deps{Orderer: &fakeOrderer{}}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	for i := 0; i < 200 && addr == ""; i++ {
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	client.CloseIdleConnections()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("address still reported after stop")
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Orderer: &fakeOrderer{}}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want refusal", err)
	}
}
