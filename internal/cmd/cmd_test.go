package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// fakeAPI serves a canned control API and records the requests it saw.
type fakeAPI struct {
	*httptest.Server
	requests []string
	auth     []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"sessions": []map[string]any{
			{"id": "alpha", "status": "connected", "running": true, "backoff": "1s"},
			{"id": "beta", "status": "reconnecting", "running": false, "backoff": "4s"},
		}})
	})
	mux.HandleFunc("PUT /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusCreated
		if r.PathValue("id") == "alpha" {
			status = http.StatusOK
		}
		writeTestJSON(w, status, map[string]any{"id": r.PathValue("id"), "status": "stopped"})
	})
	mux.HandleFunc("POST /api/sessions/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": "connected", "running": true})
	})
	mux.HandleFunc("POST /api/sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "ghost" {
			writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "stopped": false})
	})
	mux.HandleFunc("POST /api/sessions/{id}/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]string{"status": "ok", "uptime": "3m0s"})
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"sessions": map[string]int{"total": 2, "running": 1},
			"throttle": map[string]int{"limit": 32, "running": 1, "queued": 0},
			"cache":    []map[string]any{{"tenant": "alpha", "entries": 3, "bytes": 1200}},
		})
	})
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SWITCHYARD_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("SWITCHYARD_API", "")
	t.Setenv("SWITCHYARD_TOKEN", "")

	root := NewRootCmd("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSessionsList(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "", "--api", api.URL, "--token", "secret-token", "sessions", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ID", "STATUS", "alpha", "connected", "beta", "reconnecting", "4s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if api.auth[0] != "Bearer secret-token" {
		t.Errorf("expected bearer token, got %q", api.auth[0])
	}
}

func TestSessionsRegister(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "", "--api", api.URL, "sessions", "register", "gamma")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Registered gamma") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "", "--api", api.URL, "sessions", "register", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "already registered") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSessionsStartStop(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "", "--api", api.URL, "sessions", "start", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "alpha: connected" {
		t.Errorf("unexpected start output %q", out)
	}

	out, err = execute(t, "", "--api", api.URL, "sessions", "stop", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "was not running") {
		t.Errorf("unexpected stop output %q", out)
	}

	_, err = execute(t, "", "--api", api.URL, "sessions", "stop", "ghost")
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Errorf("expected API error to surface, got %v", err)
	}
}

func TestSessionsLogout(t *testing.T) {
	api := newFakeAPI(t)

	if _, err := execute(t, "n\n", "--api", api.URL, "sessions", "logout", "alpha"); err == nil {
		t.Fatal("declining the prompt should abort")
	}
	for _, r := range api.requests {
		if strings.HasSuffix(r, "/logout") {
			t.Fatal("logout must not be sent when aborted")
		}
	}

	out, err := execute(t, "", "--api", api.URL, "sessions", "logout", "--yes", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Logged out alpha") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStatus(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "", "--api", api.URL, "status")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Uptime:   3m0s", "1 running / 2 registered", "limit 32", "alpha"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus_Unreachable(t *testing.T) {
	api := newFakeAPI(t)
	url := api.URL
	api.Close()
	out, err := execute(t, "", "--api", url, "status")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(out, "unreachable") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestTokenHash(t *testing.T) {
	token := "a-very-long-api-token"
	out, err := execute(t, token+"\n"+token+"\n", "token", "hash")
	if err != nil {
		t.Fatal(err)
	}
	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		t.Errorf("printed hash does not match token: %v", err)
	}
}

func TestTokenHash_Mismatch(t *testing.T) {
	if _, err := execute(t, "a-very-long-api-token\nsomething-different!!\n", "token", "hash"); err == nil {
		t.Error("expected mismatch error")
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(good, []byte(`{"bridge":{"url":"ws://localhost:8787"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`{"bridge":{"url":"http://localhost"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "config", "validate", good)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := execute(t, "", "-c", bad, "config", "validate"); err == nil {
		t.Error("expected validation error")
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := `{"bridge":{"url":"ws://localhost:8787","token":"bridge-secret-value"},
		"api":{"auth":{"mode":"jwt","jwt_secret":"0123456789abcdef0123456789abcdef"}}}`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "", "config", "show", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "bridge-secret-value") || strings.Contains(out, "0123456789abcdef0123456789abcdef") {
		t.Errorf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "brid****alue") {
		t.Errorf("expected masked bridge token:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "switchyard test" {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"short":            "****",
		"longer-secret-12": "long****t-12",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
