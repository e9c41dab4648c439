package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/vocata/internal/config"
)

func newTestServer(t *testing.T) (*Server, *SessionManager) {
	t.Helper()
	sm, _ := newTestManager(t, config.CallTypeDialOut)
	return NewServer(ServerConfig{Addr: ":0", Manager: sm}), sm
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, r)
	return w
}

func TestStartEndpointInvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodPost, "/start", "{broken")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStartEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)
	// Both legs present.
	body := `{
		"organization_id": "org",
		"dialin_settings": {"call_id": "c1"},
		"dialout_targets": [{"phone_number": "+15551234567"}]
	}`
	w := doRequest(s, http.MethodPost, "/start", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Error, "mutually exclusive") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestStartEndpointAcceptsCall(t *testing.T) {
	s, sm := newTestServer(t)
	defer func() {
		sm.StopAll()
		sm.Wait()
	}()

	body := `{
		"organization_id": "org",
		"dialout_targets": [{"phone_number": "+15551234567"}]
	}`
	w := doRequest(s, http.MethodPost, "/start", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp startResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" || resp.Status != "starting" {
		t.Errorf("response = %+v", resp)
	}

	// The accepted call shows up in the session list.
	lw := doRequest(s, http.MethodGet, "/sessions", "")
	if lw.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", lw.Code)
	}
	var infos []SessionInfo
	if err := json.Unmarshal(lw.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != resp.SessionID {
		t.Errorf("sessions = %+v", infos)
	}
}

func TestStopEndpointUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodDelete, "/sessions/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
