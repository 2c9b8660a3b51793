package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/faultinject"
	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/bufmgr"
	"github.com/FocuswithJustin/PageHealer/internal/ledger"
)

type fakeHistory struct {
	reports []heal.Report
	filter  ledger.Filter
	err     error
}

func (f *fakeHistory) List(_ context.Context, filter ledger.Filter) ([]heal.Report, error) {
	f.filter = filter
	return f.reports, f.err
}

func (f *fakeHistory) Summary(context.Context) (map[heal.Outcome]int, error) {
	out := map[heal.Outcome]int{}
	for _, r := range f.reports {
		out[r.Outcome]++
	}
	return out, f.err
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) APIResponse {
	t.Helper()
	resp := APIResponse{Data: data}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func do(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{Version: "1.2.3"}, Deps{})
	rec := do(s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info HealthInfo
	resp := decode(t, rec, &info)
	if !resp.Success || info.Status != "healthy" || info.Version != "1.2.3" {
		t.Errorf("health = %+v", info)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestRootAndNotFound(t *testing.T) {
	h := New(DefaultConfig(), Deps{}).Handler()
	if rec := do(h, http.MethodGet, "/", ""); rec.Code != http.StatusOK {
		t.Errorf("GET / status = %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d", rec.Code)
	}
	if resp := decode(t, rec, nil); resp.Success || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("error response = %+v", resp)
	}
}

func TestEventsEmitOnBus(t *testing.T) {
	bus := signal.NewBus()
	var got []signal.Event
	bus.Subscribe(func(ev signal.Event) { got = append(got, ev) })
	h := New(DefaultConfig(), Deps{Bus: bus}).Handler()

	tests := []struct {
		name        string
		body        string
		wantMatched bool
		wantTarget  signal.Target
	}{
		{
			name:        "message",
			body:        `{"code":"XX001","message":"invalid page in block 4 of relation base/1/2"}`,
			wantMatched: true,
			wantTarget:  signal.Target{Path: "base/1/2", Block: 4},
		},
		{
			name:        "log line",
			body:        `{"line":"2024-05-01 10:00:00 UTC [77] ERROR:  XX001: invalid page in block 9 of relation global/1262"}`,
			wantMatched: true,
			wantTarget:  signal.Target{Path: "global/1262", Block: 9},
		},
		{
			name: "other error",
			body: `{"severity":"warning","code":"42P01","message":"relation \"x\" does not exist"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(got)
			rec := do(h, http.MethodPost, "/api/events", tt.body)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			var res EventResult
			decode(t, rec, &res)
			if res.Matched != tt.wantMatched {
				t.Errorf("Matched = %v, want %v", res.Matched, tt.wantMatched)
			}
			if tt.wantMatched && (res.Target == nil || *res.Target != tt.wantTarget) {
				t.Errorf("Target = %+v, want %+v", res.Target, tt.wantTarget)
			}
			if len(got) != before+1 {
				t.Errorf("bus received %d events, want 1", len(got)-before)
			}
		})
	}
}

func TestEventsRejectsBadInput(t *testing.T) {
	h := New(Config{MaxBodyBytes: 64}, Deps{Bus: signal.NewBus()}).Handler()

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest},
		{"empty", http.MethodPost, `{}`, http.StatusBadRequest},
		{"bad severity", http.MethodPost, `{"severity":"LOUD","message":"x"}`, http.StatusBadRequest},
		{"unparsable line", http.MethodPost, `{"line":"no severity here"}`, http.StatusBadRequest},
		{"too large", http.MethodPost, `{"message":"` + strings.Repeat("x", 100) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(h, tt.method, "/api/events", tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

// writeDamagedPage stores one page of base/1/2 under dir, damages its free
// space and returns the healthy original and the file path.
func writeDamagedPage(t *testing.T, dir string) ([]byte, string) {
	t.Helper()
	buf, err := page.New(page.DefaultPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := page.AddItem(buf, bytes.Repeat([]byte("row"), 10)); err != nil {
		t.Fatal(err)
	}
	checksum.Set(buf, 0)
	path := filepath.Join(dir, "base", "1", "2")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	in := &faultinject.Injector{TestMode: true, DataDir: dir, PageSize: page.DefaultPageSize}
	if err := in.Corrupt("base/1/2", 0, faultinject.KindFreeSpace); err != nil {
		t.Fatal(err)
	}
	return buf, path
}

func TestEventRepairsPage(t *testing.T) {
	dir := t.TempDir()
	buf, path := writeDamagedPage(t, dir)

	bus := signal.NewBus()
	s := New(DefaultConfig(), Deps{Bus: bus})
	cfg := heal.DefaultConfig()
	cfg.DataDir = dir
	healer, err := heal.New(cfg, heal.WithRecorder(s.Feed()))
	if err != nil {
		t.Fatal(err)
	}
	healer.Attach(bus)

	body := fmt.Sprintf(`{"code":%q,"message":"invalid page in block 0 of relation base/1/2"}`, signal.CodeDataCorrupted)
	if rec := do(s.Handler(), http.MethodPost, "/api/events", body); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("page was not repaired")
	}
}

func TestRepairs(t *testing.T) {
	hist := &fakeHistory{reports: []heal.Report{
		{ID: uuid.New(), Path: "base/1/2", Block: 3, Outcome: heal.IntrinsicallyHealed},
		{ID: uuid.New(), Path: "base/1/2", Block: 4, Outcome: heal.Unresolved},
	}}
	h := New(DefaultConfig(), Deps{History: hist}).Handler()

	rec := do(h, http.MethodGet, "/api/repairs?path=base/1/2&block=3&outcome=unresolved,intrinsically_healed&limit=5000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var reports []heal.Report
	resp := decode(t, rec, &reports)
	if len(reports) != 2 || resp.Meta.Total != 2 || reports[1].Outcome != heal.Unresolved {
		t.Errorf("reports = %+v", reports)
	}
	f := hist.filter
	if f.Path != "base/1/2" || f.Block == nil || *f.Block != 3 || len(f.Outcomes) != 2 || f.Limit != maxListLimit {
		t.Errorf("filter = %+v", f)
	}

	rec = do(h, http.MethodGet, "/api/repairs/summary", "")
	var summary map[string]int
	decode(t, rec, &summary)
	if summary["unresolved"] != 1 || summary["intrinsically_healed"] != 1 {
		t.Errorf("summary = %v", summary)
	}
}

func TestRepairsErrors(t *testing.T) {
	tests := []struct {
		name    string
		history History
		target  string
		status  int
	}{
		{"no history", nil, "/api/repairs", http.StatusServiceUnavailable},
		{"no history summary", nil, "/api/repairs/summary", http.StatusServiceUnavailable},
		{"bad block", &fakeHistory{}, "/api/repairs?block=x", http.StatusBadRequest},
		{"bad outcome", &fakeHistory{}, "/api/repairs?outcome=fine", http.StatusBadRequest},
		{"bad since", &fakeHistory{}, "/api/repairs?since=yesterday", http.StatusBadRequest},
		{"bad limit", &fakeHistory{}, "/api/repairs?limit=0", http.StatusBadRequest},
		{"backend failure", &fakeHistory{err: fmt.Errorf("disk gone")}, "/api/repairs", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(DefaultConfig(), Deps{History: tt.history}).Handler()
			if rec := do(h, http.MethodGet, tt.target, ""); rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"https://ops.example.com"}}, Deps{}).Handler()

	r := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Errorf("allowed preflight = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	r = httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	r.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("rejected preflight status = %d", rec.Code)
	}

	open := New(DefaultConfig(), Deps{}).Handler()
	rec = do(open, http.MethodGet, "/health", "")
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("default config should allow all origins")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://a.test", nil, true},
		{"", []string{"https://a.test"}, false},
		{"https://a.test", []string{"https://a.test"}, true},
		{"https://x.example.com", []string{"*.example.com"}, true},
		{"https://evilexample.com", []string{"*.example.com"}, false},
		{"https://b.test", []string{"*"}, true},
		{"https://b.test", []string{"https://a.test"}, false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

func TestPageReadThroughBufferManager(t *testing.T) {
	dir := t.TempDir()
	buf, _ := writeDamagedPage(t, dir)

	bus := signal.NewBus()
	mgr, err := bufmgr.New(bufmgr.Config{DataDir: dir, PageSize: page.DefaultPageSize}, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	cfg := heal.DefaultConfig()
	cfg.DataDir = dir
	healer, err := heal.New(cfg, heal.WithInvalidator(mgr))
	if err != nil {
		t.Fatal(err)
	}
	healer.Attach(bus)
	h := New(DefaultConfig(), Deps{Bus: bus, Pages: mgr}).Handler()

	rec := do(h, http.MethodGet, "/api/pages?path=base/1/2&block=0", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("damaged page status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/api/pages?path=base/1/2&block=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healed page status = %d: %s", rec.Code, rec.Body.String())
	}
	var info PageInfo
	decode(t, rec, &info)
	if info.Fingerprint != page.Fingerprint(buf) || len(info.Items) != 1 || info.Path != "base/1/2" {
		t.Errorf("page info = %+v", info)
	}

	var health HealthInfo
	decode(t, do(h, http.MethodGet, "/health", ""), &health)
	if health.Cache == nil || health.Cache.Failures != 1 || health.Cache.Invalidations != 1 {
		t.Errorf("cache stats = %+v", health.Cache)
	}

	tests := []struct {
		target string
		status int
	}{
		{"/api/pages?path=base/1/2", http.StatusBadRequest},
		{"/api/pages?path=pg_wal/x&block=0", http.StatusBadRequest},
		{"/api/pages?path=base/1/2&block=5", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(h, http.MethodGet, tt.target, ""); rec.Code != tt.status {
			t.Errorf("GET %s status = %d, want %d", tt.target, rec.Code, tt.status)
		}
	}
	if rec := do(New(DefaultConfig(), Deps{}).Handler(), http.MethodGet, "/api/pages?path=base/1/2&block=0", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no buffer manager status = %d", rec.Code)
	}
}
