package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthzAlwaysReturns200(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decodeBody(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyzReportsPerDependency(t *testing.T) {
	tests := []struct {
		name        string
		checkers    []Checker
		wantCode    int
		wantStatus  string
		wantResults map[string]string
	}{
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "database", Check: func(context.Context) error { return nil }},
				{Name: "mcp", Check: func(context.Context) error { return nil }},
			},
			wantCode:    http.StatusOK,
			wantStatus:  "ok",
			wantResults: map[string]string{"database": "ok", "mcp": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "database", Check: func(context.Context) error {
					return errors.New("connection refused")
				}},
				{Name: "mcp", Check: func(context.Context) error { return nil }},
			},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  "fail",
			wantResults: map[string]string{"database": "fail", "mcp": "ok"},
		},
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			body := decodeBody(t, rec)
			if body.Status != tc.wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantResults {
				if got := body.Checks[name].Status; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyzIncludesFailureDetail(t *testing.T) {
	h := New(Checker{Name: "database", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	body := decodeBody(t, rec)
	if got := body.Checks["database"].Error; got != "connection refused" {
		t.Errorf("error detail = %q, want %q", got, "connection refused")
	}
	if body.Checks["database"].LatencyMS < 0 {
		t.Errorf("latency_ms = %d, want >= 0", body.Checks["database"].LatencyMS)
	}
}

func TestReadyzRunsCheckersConcurrently(t *testing.T) {
	// Two checkers that each wait for the other would deadlock a sequential
	// runner; the rendezvous only completes when both run at once.
	sync := make(chan struct{})
	meet := func(context.Context) error {
		select {
		case sync <- struct{}{}:
		case <-sync:
		}
		return nil
	}
	h := New(
		Checker{Name: "a", Check: meet},
		Checker{Name: "b", Check: meet},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
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

func TestCapacityChecker(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		active  int
		wantErr bool
	}{
		{"below limit", 5, 2, false},
		{"at limit", 5, 5, true},
		{"over limit", 5, 9, true},
		{"disabled", 0, 100, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Capacity(tc.limit, func() int { return tc.active })
			if c.Name != "capacity" {
				t.Errorf("name = %q", c.Name)
			}
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Check = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
