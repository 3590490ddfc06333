package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/RuntimeRacer/KoboldAI-united/internal/manager"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// fakeService implements Service with scriptable behavior.
type fakeService struct {
	models      []types.Model
	ready       bool
	generateErr error
	loadErr     error
	unloadErr   error
	lines       []string
}

func (s *fakeService) ListModels() []types.Model    { return s.models }
func (s *fakeService) Status() types.StatusResponse { return types.StatusResponse{State: "ready"} }
func (s *fakeService) Ready() bool                  { return s.ready }
func (s *fakeService) Load(context.Context, string, string) error { return s.loadErr }
func (s *fakeService) Unload() error                { return s.unloadErr }

func (s *fakeService) Generate(_ context.Context, _ types.GenerateRequest, w io.Writer, flush func()) error {
	if s.generateErr != nil {
		return s.generateErr
	}
	for _, line := range s.lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}

func newTestServer(svc Service) *httptest.Server {
	return httptest.NewServer(NewMux(svc, Options{Log: zerolog.Nop()}))
}

func TestModelsEndpoint(t *testing.T) {
	svc := &fakeService{models: []types.Model{{ID: "gpt-j-6b", Type: "gptj"}}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body types.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].ID != "gpt-j-6b" {
		t.Fatalf("unexpected models: %+v", body.Models)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	svc := &fakeService{lines: []string{`{"token":1}`, `{"done":true}`}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), raw)
	}
}

func TestGenerateValidation(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	// Missing prompt.
	resp, err := http.Post(srv.URL+"/generate", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt: status = %d, want 400", resp.StatusCode)
	}

	// Wrong content type.
	resp, err = http.Post(srv.URL+"/generate", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("wrong content type: status = %d, want 415", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"model not found", manager.ErrModelNotFound("x"), http.StatusNotFound, "model_not_found"},
		{"configuration", manager.ErrConfiguration("bad path"), http.StatusBadRequest, "configuration"},
		{"dependency unavailable", manager.ErrDependencyUnavailable("no engine"), http.StatusServiceUnavailable, "dependency_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		srv := newTestServer(&fakeService{generateErr: tc.err})
		resp, err := http.Post(srv.URL+"/generate", "application/json", strings.NewReader(`{"prompt":"hi"}`))
		if err != nil {
			t.Fatalf("%s: post: %v", tc.name, err)
		}
		var body types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		resp.Body.Close()
		srv.Close()
		if resp.StatusCode != tc.wantStatus || body.Kind != tc.wantKind {
			t.Errorf("%s: status=%d kind=%q, want %d %q", tc.name, resp.StatusCode, body.Kind, tc.wantStatus, tc.wantKind)
		}
	}
}

func TestReadyz(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("not ready: status = %d, want 503", resp.StatusCode)
	}

	svc.ready = true
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: status = %d, want 200", resp.StatusCode)
	}
}

func TestLoadEndpointValidation(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/load", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing model: status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
