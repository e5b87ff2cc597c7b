package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) payload {
	t.Helper()
	var body payload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(Checker{Name: "coordinator", Check: func(_ context.Context) error {
		return errors.New("index unavailable")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	pass := func(_ context.Context) error { return nil }
	fail := func(msg string) func(context.Context) error {
		return func(_ context.Context) error { return errors.New(msg) }
	}

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "coordinator", Check: pass},
				{Name: "model", Check: pass},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"coordinator": "ok", "model": "ok"},
		},
		{
			name: "index down",
			checkers: []Checker{
				{Name: "coordinator", Check: fail("vector index unavailable")},
				{Name: "model", Check: pass},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"coordinator": "fail: vector index unavailable",
				"model":       "ok",
			},
		},
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(tc.checkers...)

			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			body := decode(t, rec)
			if body.Status != tc.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantBody)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestCheckAllReportsEveryChecker(t *testing.T) {
	h := New(
		Checker{Name: "coordinator", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "index", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
	)

	checks, ok := h.CheckAll(context.Background())
	if ok {
		t.Error("CheckAll ok = true with a failing checker")
	}
	if len(checks) != 2 {
		t.Fatalf("checks = %v, want 2 entries", checks)
	}
	if checks["coordinator"] != "ok" {
		t.Errorf("coordinator = %q", checks["coordinator"])
	}
	if checks["index"] != "fail: connection refused" {
		t.Errorf("index = %q", checks["index"])
	}
}

func TestReadyzRespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
