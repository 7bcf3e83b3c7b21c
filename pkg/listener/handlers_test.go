package listener

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corepeer/peersync/pkg/config"
	"github.com/corepeer/peersync/pkg/dbpool"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	pool := dbpool.NewRegistry(t.TempDir())
	t.Cleanup(func() { _ = pool.Close() })

	cfg := config.ListenerConfig{
		ServerName:     "peersyncd",
		Version:        "test",
		AllowCreateDBs: true,
		AllowDeleteDBs: true,
	}
	return New(cfg, pool, nil)
}

func do(l *Listener, method, path string, body []byte) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	w := httptest.NewRecorder()
	l.serveHTTP(w, req)
	return w
}

func TestWelcome(t *testing.T) {
	l := newTestListener(t)
	w := do(l, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["couchdb"] != "Welcome" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("Server") != "peersyncd/test" {
		t.Errorf("Server header = %q", w.Header().Get("Server"))
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	l := newTestListener(t)

	w := do(l, http.MethodPut, "/mydb", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /mydb status = %d body=%s", w.Code, w.Body.String())
	}

	w = do(l, http.MethodGet, "/_all_dbs", nil)
	var dbs []string
	_ = json.Unmarshal(w.Body.Bytes(), &dbs)
	if len(dbs) != 1 || dbs[0] != "mydb" {
		t.Errorf("_all_dbs = %v", dbs)
	}

	w = do(l, http.MethodGet, "/mydb", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /mydb status = %d", w.Code)
	}

	w = do(l, http.MethodDelete, "/mydb", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE /mydb status = %d", w.Code)
	}

	w = do(l, http.MethodGet, "/mydb", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /mydb after delete status = %d", w.Code)
	}
}

func TestPutDBConflict(t *testing.T) {
	l := newTestListener(t)
	do(l, http.MethodPut, "/mydb", nil)
	w := do(l, http.MethodPut, "/mydb", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestPutDBDisabled(t *testing.T) {
	pool := dbpool.NewRegistry(t.TempDir())
	defer pool.Close()
	l := New(config.ListenerConfig{ServerName: "s", Version: "v"}, pool, nil)

	w := do(l, http.MethodPut, "/mydb", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestDocumentCRUD(t *testing.T) {
	l := newTestListener(t)
	do(l, http.MethodPut, "/mydb", nil)

	w := do(l, http.MethodPut, "/mydb/doc1", []byte(`{"a":1}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT doc status = %d body=%s", w.Code, w.Body.String())
	}
	var putResp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &putResp)
	rev1, _ := putResp["rev"].(string)
	if rev1 == "" {
		t.Fatal("expected a rev in PUT response")
	}

	w = do(l, http.MethodGet, "/mydb/doc1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET doc status = %d", w.Code)
	}
	var got map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got["a"].(float64) != 1 {
		t.Errorf("doc body = %v", got)
	}
	if got["_rev"] != rev1 {
		t.Errorf("_rev = %v, want %v", got["_rev"], rev1)
	}

	// Conflicting update without rev.
	w = do(l, http.MethodPut, "/mydb/doc1", []byte(`{"a":2}`))
	if w.Code != http.StatusConflict {
		t.Fatalf("PUT without rev on existing doc status = %d, want 409", w.Code)
	}

	// Update with correct rev succeeds.
	w = do(l, http.MethodPut, "/mydb/doc1?rev="+rev1, []byte(`{"a":2}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT with rev status = %d body=%s", w.Code, w.Body.String())
	}
	var putResp2 map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &putResp2)
	rev2 := putResp2["rev"].(string)

	// Delete requires correct rev.
	w = do(l, http.MethodDelete, "/mydb/doc1?rev="+rev1, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("DELETE with stale rev status = %d, want 409", w.Code)
	}
	w = do(l, http.MethodDelete, "/mydb/doc1?rev="+rev2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE with correct rev status = %d body=%s", w.Code, w.Body.String())
	}

	w = do(l, http.MethodGet, "/mydb/doc1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", w.Code)
	}
}

func TestAllDocs(t *testing.T) {
	l := newTestListener(t)
	do(l, http.MethodPut, "/mydb", nil)
	do(l, http.MethodPut, "/mydb/a", []byte(`{"v":1}`))
	do(l, http.MethodPut, "/mydb/b", []byte(`{"v":2}`))

	w := do(l, http.MethodGet, "/mydb/_all_docs?include_docs=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		TotalRows int `json:"total_rows"`
		Rows      []struct {
			ID  string         `json:"id"`
			Doc map[string]any `json:"doc"`
		} `json:"rows"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TotalRows != 2 {
		t.Fatalf("total_rows = %d, want 2", resp.TotalRows)
	}
	if resp.Rows[0].Doc == nil {
		t.Error("expected include_docs to populate doc bodies")
	}
}

func TestReplicateAndActiveTasks(t *testing.T) {
	l := newTestListener(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	body := []byte(fmt.Sprintf(`{"source":"a","target":%q}`, ln.Addr().String()))
	w := do(l, http.MethodPost, "/_replicate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["ok"] != true {
		t.Errorf("resp = %v", resp)
	}

	w = do(l, http.MethodGet, "/_active_tasks", nil)
	var tasks []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &tasks)
	if len(tasks) != 1 {
		t.Fatalf("active tasks = %d, want 1", len(tasks))
	}
}

func TestReplicateCancel(t *testing.T) {
	l := newTestListener(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	target := ln.Addr().String()

	body := []byte(fmt.Sprintf(`{"source":"a","target":%q,"continuous":true}`, target))
	w := do(l, http.MethodPost, "/_replicate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	w = do(l, http.MethodGet, "/_active_tasks", nil)
	var tasks []map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &tasks)
	if len(tasks) != 1 {
		t.Fatalf("active tasks = %d, want 1", len(tasks))
	}

	cancelBody := []byte(fmt.Sprintf(`{"source":"a","target":%q,"cancel":true}`, target))
	w = do(l, http.MethodPost, "/_replicate", cancelBody)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["ok"] != true {
		t.Errorf("resp = %v", resp)
	}

	w = do(l, http.MethodGet, "/_active_tasks", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &tasks)
	// A cancelled task stays listed, marked finished, for the retention window.
	if len(tasks) != 1 || tasks[0]["finished"] != true {
		t.Fatalf("active tasks after cancel = %v, want 1 finished task", tasks)
	}
}

func TestReplicateCancelNoMatch(t *testing.T) {
	l := newTestListener(t)
	cancelBody := []byte(`{"source":"a","target":"b","cancel":true}`)
	w := do(l, http.MethodPost, "/_replicate", cancelBody)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestReplicateRejectsMissingFields(t *testing.T) {
	l := newTestListener(t)
	w := do(l, http.MethodPost, "/_replicate", []byte(`{"source":"a"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetConfig(t *testing.T) {
	l := newTestListener(t)
	do(l, http.MethodPut, "/mydb", nil)

	w := do(l, http.MethodGet, "/_config", nil)
	var cfg map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &cfg)
	if cfg["allowCreateDBs"] != true {
		t.Errorf("cfg = %v", cfg)
	}
}

func TestNotFoundRoute(t *testing.T) {
	l := newTestListener(t)
	w := do(l, http.MethodGet, "/_nonexistent/path/segments/here", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuthenticatorRejectsUnauthorized(t *testing.T) {
	l := newTestListener(t)
	l.SetAuthenticator(func(authorizationHeader string) bool {
		return authorizationHeader == "Bearer good"
	})

	w := do(l, http.MethodGet, "/", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	l.serveHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with good auth = %d, want 200", rec.Code)
	}
}
