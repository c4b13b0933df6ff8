package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgferry/pgferry/internal/task"
)

func newTestServer(t *testing.T, manager *task.Manager) http.Handler {
	t.Helper()
	return NewServer(Config{Version: "test"}, manager).Router()
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s returned invalid JSON %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestTaskLifecycle(t *testing.T) {
	manager := task.NewManager()
	block := make(chan struct{})
	manager.Register("sync", func(ctx context.Context, arg string, link *task.Link) error {
		link.Infof("syncing %s", arg)
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	h := newTestServer(t, manager)

	rec, body := do(t, h, http.MethodPost, "/tasks/sync/billing")
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d, body %v", rec.Code, body)
	}
	if body["state"] != "started" || body["id"] != "sync/billing" {
		t.Errorf("POST body = %v", body)
	}

	// The worker logs before blocking, so the running status carries its
	// message.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, body = do(t, h, http.MethodGet, "/tasks/sync/billing")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET = %d", rec.Code)
		}
		if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("running task never logged, body %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["state"] != "running" {
		t.Errorf("state = %v", body["state"])
	}
	if _, ok := body["ok"]; ok {
		t.Errorf("running task must not report an outcome yet: %v", body)
	}

	rec, body = do(t, h, http.MethodPost, "/tasks/sync/billing")
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate POST = %d", rec.Code)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("conflict body = %v", body)
	}

	close(block)
	deadline = time.Now().Add(5 * time.Second)
	for {
		_, body = do(t, h, http.MethodGet, "/tasks/sync/billing")
		if body["state"] == "complete" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, body %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["ok"] != true {
		t.Errorf("completed task ok = %v", body["ok"])
	}

	rec, body = do(t, h, http.MethodDelete, "/tasks/sync/billing")
	if rec.Code != http.StatusOK || body["state"] != "deleted" {
		t.Errorf("DELETE = %d, body %v", rec.Code, body)
	}
	rec, _ = do(t, h, http.MethodGet, "/tasks/sync/billing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d", rec.Code)
	}
}

func TestDeleteKillsRunningTask(t *testing.T) {
	manager := task.NewManager()
	started := make(chan struct{})
	manager.Register("sync", func(ctx context.Context, arg string, link *task.Link) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	h := newTestServer(t, manager)

	if rec, _ := do(t, h, http.MethodPost, "/tasks/sync/billing"); rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d", rec.Code)
	}
	<-started

	rec, body := do(t, h, http.MethodDelete, "/tasks/sync/billing")
	if rec.Code != http.StatusOK || body["state"] != "killed" {
		t.Errorf("DELETE = %d, body %v", rec.Code, body)
	}
}

func TestCreateUnknownKind(t *testing.T) {
	h := newTestServer(t, task.NewManager())
	rec, body := do(t, h, http.MethodPost, "/tasks/nope/billing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST unknown kind = %d, body %v", rec.Code, body)
	}
}

func TestListFiltersByKindAndState(t *testing.T) {
	manager := task.NewManager()
	block := make(chan struct{})
	defer close(block)
	manager.Register("sync", func(ctx context.Context, arg string, link *task.Link) error {
		if arg == "running" {
			select {
			case <-block:
			case <-ctx.Done():
			}
		}
		return nil
	})
	h := newTestServer(t, manager)

	do(t, h, http.MethodPost, "/tasks/sync/running")
	do(t, h, http.MethodPost, "/tasks/sync/done")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if rec, body := do(t, h, http.MethodGet, "/tasks/sync/done"); rec.Code == http.StatusOK && body["state"] == "complete" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync/done never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/sync", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("list body %q: %v", rec.Body.String(), err)
	}
	if len(list) != 1 || list[0]["id"] != "sync/running" {
		t.Errorf("list = %v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks/sync?include_completed=true", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("list with completed = %v", list)
	}
	for _, s := range list {
		if _, ok := s["messages"]; ok {
			t.Errorf("list entries must not carry messages: %v", s)
		}
	}

	// An unknown kind is an empty list, not an error.
	req = httptest.NewRequest(http.MethodGet, "/tasks/other", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || len(list) != 0 {
		t.Errorf("list unknown kind = %d %v", rec.Code, list)
	}
}

func TestKindsEndpoint(t *testing.T) {
	manager := task.NewManager()
	manager.Register("sync", nil)
	h := newTestServer(t, manager)

	rec, body := do(t, h, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rec.Code)
	}
	kinds, ok := body["tasks"].([]any)
	if !ok || len(kinds) != 2 || kinds[0] != "dummy" || kinds[1] != "sync" {
		t.Errorf("kinds = %v", body)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, task.NewManager())
	rec, body := do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}
