package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-dev/keepsake/internal/app"
	"github.com/keepsake-dev/keepsake/internal/event"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/store"
	_ "github.com/keepsake-dev/keepsake/internal/store/badgerstore"
	"github.com/keepsake-dev/keepsake/internal/watcher"
)

func setupServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()

	registry, err := project.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	factory := store.NewFactory(t.TempDir(), store.WithForcedType(store.TypeBadger))

	hub := event.NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	w := watcher.NewManager(factory, hub, watcher.Config{
		Debounce: 20 * time.Millisecond,
		Policy:   session.Policy{Inactivity: time.Hour, MaxDeltas: 1 << 20, MaxAge: time.Hour},
	})
	a := app.New(registry, factory, w, hub, nil)
	t.Cleanup(func() { a.Close(context.Background()) })

	s := New(a, hub, Config{})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv, a
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func addProject(t *testing.T, srv *httptest.Server, dir string) project.Project {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects", map[string]string{"path": dir})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /projects = %d: %s", resp.StatusCode, body)
	}
	var p project.Project
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d", resp.StatusCode)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestProjectLifecycle(t *testing.T) {
	srv, a := setupServer(t)
	dir := t.TempDir()

	p := addProject(t, srv, dir)
	if !a.IsWatched(p.ID) {
		t.Error("project not watched after POST /projects")
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/projects", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /projects = %d", resp.StatusCode)
	}
	var projects []project.Project
	if err := json.Unmarshal(body, &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].ID != p.ID {
		t.Errorf("GET /projects = %+v", projects)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/projects/"+p.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE /projects/{id} = %d", resp.StatusCode)
	}
	if a.IsWatched(p.ID) {
		t.Error("project still watched after DELETE")
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/projects/"+p.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", resp.StatusCode)
	}
}

func TestAddProjectValidation(t *testing.T) {
	srv, _ := setupServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"missing body", nil, http.StatusBadRequest},
		{"empty path", map[string]string{"path": ""}, http.StatusBadRequest},
		{"unreadable path", map[string]string{"path": filepath.Join(t.TempDir(), "gone")}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
		})
	}

	// Duplicate registration.
	dir := t.TempDir()
	addProject(t, srv, dir)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/projects", map[string]string{"path": dir})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate add = %d, want 400", resp.StatusCode)
	}
}

func TestWatchEndpoints(t *testing.T) {
	srv, a := setupServer(t)
	p := addProject(t, srv, t.TempDir())

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/projects/"+p.ID+"/watch", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE watch = %d", resp.StatusCode)
	}
	if a.IsWatched(p.ID) {
		t.Error("still watched after DELETE watch")
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/projects/"+p.ID+"/watch", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST watch = %d", resp.StatusCode)
	}
	if !a.IsWatched(p.ID) {
		t.Error("not watched after POST watch")
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/projects/unknown/watch", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("watch unknown project = %d, want 404", resp.StatusCode)
	}
}

func TestFilesAndDeltasEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	dir := t.TempDir()
	p := addProject(t, srv, dir)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Wait for capture via the API itself.
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, body := doJSON(t, http.MethodGet, srv.URL+"/projects/"+p.ID+"/deltas", nil)
		var log map[string][]json.RawMessage
		_ = json.Unmarshal(body, &log)
		if len(log["main.go"]) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for delta, last body: %s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/projects/"+p.ID+"/flush", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST flush = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/projects/"+p.ID+"/files", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET files = %d", resp.StatusCode)
	}
	var files []string
	if err := json.Unmarshal(body, &files); err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "main.go" {
		t.Errorf("files = %v", files)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/projects/"+p.ID+"/files/main.go", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET file = %d", resp.StatusCode)
	}
	if string(body) != "package main\n" {
		t.Errorf("file content = %q", body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/projects/"+p.ID+"/files/absent.go", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing file = %d, want 404", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/projects/"+p.ID+"/snapshots", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET snapshots = %d", resp.StatusCode)
	}
	var snaps []json.RawMessage
	if err := json.Unmarshal(body, &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Errorf("snapshots = %s", body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := setupServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/projects/nope/files", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %q is not the JSON envelope: %v", body, err)
	}
	if e.Message == "" {
		t.Error("error envelope has empty message")
	}
}

func TestSnapshotsLimitValidation(t *testing.T) {
	srv, _ := setupServer(t)
	p := addProject(t, srv, t.TempDir())

	for _, bad := range []string{"-1", "abc"} {
		resp, _ := doJSON(t, http.MethodGet, fmt.Sprintf("%s/projects/%s/snapshots?limit=%s", srv.URL, p.ID, bad), nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}
