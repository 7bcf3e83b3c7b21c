package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/corepeer/peersync/pkg/dbpool"
	"github.com/corepeer/peersync/pkg/health"
	"github.com/corepeer/peersync/pkg/perr"
)

func (l *Listener) registerRoutes() {
	r := l.router
	r.add([]string{http.MethodGet}, "/", handleWelcome)
	r.add([]string{http.MethodGet}, "/_all_dbs", handleAllDBs)
	r.add([]string{http.MethodGet}, "/_active_tasks", handleActiveTasks)
	r.add([]string{http.MethodGet}, "/_config", handleGetConfig)
	r.add([]string{http.MethodPost}, "/_replicate", handleReplicate)

	r.add([]string{http.MethodGet}, "/{db}/_blipsync", handleBlipSync)
	r.add([]string{http.MethodGet}, "/{db}/_all_docs", handleAllDocs)

	r.add([]string{http.MethodGet}, "/{db}", handleGetDB)
	r.add([]string{http.MethodPut}, "/{db}", handlePutDB)
	r.add([]string{http.MethodDelete}, "/{db}", handleDeleteDB)

	r.add([]string{http.MethodGet}, "/{db}/{docID}", handleGetDoc)
	r.add([]string{http.MethodPut}, "/{db}/{docID}", handlePutDoc)
	r.add([]string{http.MethodDelete}, "/{db}/{docID}", handleDeleteDoc)
}

func handleWelcome(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	rw.JSON(map[string]any{
		"couchdb": "Welcome",
		"vendor":  map[string]any{"name": l.cfg.ServerName, "version": l.cfg.Version},
		"version": l.cfg.Version,
	})
}

func handleAllDBs(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	dbs := l.pool.Databases()
	sort.Strings(dbs)
	rw.JSON(dbs)
}

func handleActiveTasks(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	rw.JSON(l.tasks.ActiveTasks())
}

func handleGetConfig(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	dbs := l.pool.Databases()
	sort.Strings(dbs)
	keyspaces := make(map[string][]string, len(dbs))
	for _, name := range dbs {
		ks, err := l.pool.Keyspaces(name)
		if err == nil {
			sort.Strings(ks)
			keyspaces[name] = ks
		}
	}
	rw.JSON(map[string]any{
		"allowCreateDBs": l.cfg.AllowCreateDBs,
		"allowDeleteDBs": l.cfg.AllowDeleteDBs,
		"databases":      keyspaces,
	})
}

type replicateRequest struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Continuous bool   `json:"continuous"`
	Bidi       bool   `json:"bidi"`
	Cancel     bool   `json:"cancel"`
	User       string `json:"user"`
	Password   string `json:"password"`
}

// handleReplicate registers a replication Task for bookkeeping purposes;
// the BLIP sync protocol itself is out of scope, so no real transfer runs.
// A one-shot task is marked finished immediately; a continuous task stays
// unfinished until it is cancelled or the listener shuts down. cancel=true instead
// looks up and stops a matching in-flight task, per
// original_source/REST/RESTListener+Replicate.cc's cancelExisting():
// 200 on a task found and stopped, 404 if none matches.
func handleReplicate(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.Error(perr.LiteCore(perr.CodeInvalidParameter, "malformed replicate body"))
		return
	}
	if req.Source == "" || req.Target == "" {
		rw.Error(perr.LiteCore(perr.CodeInvalidParameter, "source and target are required"))
		return
	}

	if req.Cancel {
		task, ok := l.tasks.FindReplication(req.Source, req.Target)
		if !ok {
			rw.Error(perr.LiteCore(perr.CodeNotFound, "no matching replication task"))
			return
		}
		task.Stop()
		l.tasks.Unregister(task.ID)
		rw.JSON(map[string]any{"ok": true})
		return
	}

	if reachErr := checkTargetReachable(req.Target); reachErr != nil {
		rw.Error(reachErr)
		return
	}

	task := l.tasks.Register("replication", func() {})
	task.SetStatus(map[string]any{
		"source":     req.Source,
		"target":     req.Target,
		"continuous": req.Continuous,
		"bidi":       req.Bidi,
	})
	if !req.Continuous {
		l.tasks.Unregister(task.ID)
	}

	rw.JSON(map[string]any{"ok": true, "session_id": strconv.FormatInt(task.ID, 10)})
}

func handleGetDB(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name := params["db"]
	if !l.pool.IsRegistered(name) {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "no such database"))
		return
	}
	h, err := l.pool.Borrow(name)
	if err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeNotFound, "borrow failed", err))
		return
	}
	defer h.Release()

	count := 0
	_ = h.ForEach(func(key string, value []byte) error {
		count++
		return nil
	})
	rw.JSON(map[string]any{"db_name": name, "doc_count": count})
}

func handlePutDB(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name := params["db"]
	if !l.cfg.AllowCreateDBs {
		rw.SetStatus(http.StatusForbidden)
		rw.JSON(map[string]any{"error": "database creation is disabled"})
		return
	}
	if l.pool.IsRegistered(name) {
		rw.Error(perr.LiteCore(perr.CodeConflict, "database already exists"))
		return
	}
	if err := l.pool.RegisterDatabase(name); err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeUnsupported, "failed to create database", err))
		return
	}
	rw.SetStatus(http.StatusCreated)
	rw.JSON(map[string]any{"ok": true})
}

func handleDeleteDB(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name := params["db"]
	if !l.cfg.AllowDeleteDBs {
		rw.SetStatus(http.StatusForbidden)
		rw.JSON(map[string]any{"error": "database deletion is disabled"})
		return
	}
	if !l.pool.IsRegistered(name) {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "no such database"))
		return
	}
	if err := l.pool.UnregisterDatabase(name); err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeUnsupported, "failed to delete database", err))
		return
	}
	rw.JSON(map[string]any{"ok": true})
}

func handleAllDocs(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name := params["db"]
	h, err := borrowDefault(l.pool, name, false)
	if err != nil {
		rw.Error(err)
		return
	}
	defer h.Release()

	descending := r.URL.Query().Get("descending") == "true"
	includeDocs := r.URL.Query().Get("include_docs") == "true"

	type row struct {
		ID    string         `json:"id"`
		Key   string         `json:"key"`
		Value map[string]any `json:"value"`
		Doc   any            `json:"doc,omitempty"`
	}
	var rows []row
	_ = h.ForEach(func(key string, value []byte) error {
		rev := extractRev(value)
		rr := row{ID: key, Key: key, Value: map[string]any{"rev": rev}}
		if includeDocs {
			var body any
			_ = json.Unmarshal(value, &body)
			rr.Doc = body
		}
		rows = append(rows, rr)
		return nil
	})
	if descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	rw.JSON(map[string]any{"total_rows": len(rows), "offset": 0, "rows": rows})
}

func handleGetDoc(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name, docID := params["db"], params["docID"]
	h, err := borrowDefault(l.pool, name, false)
	if err != nil {
		rw.Error(err)
		return
	}
	defer h.Release()

	raw := h.Get(docID)
	if raw == nil {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "missing document"))
		return
	}
	if wantRev := r.URL.Query().Get("rev"); wantRev != "" && wantRev != extractRev(raw) {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "missing revision"))
		return
	}

	var body any
	_ = json.Unmarshal(raw, &body)
	rw.JSON(body)
}

func handlePutDoc(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name, docID := params["db"], params["docID"]
	h, err := borrowDefault(l.pool, name, true)
	if err != nil {
		rw.Error(err)
		return
	}
	defer h.Release()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		rw.Error(perr.LiteCore(perr.CodeInvalidParameter, "failed to read body"))
		return
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		rw.Error(perr.LiteCore(perr.CodeInvalidParameter, "malformed JSON body"))
		return
	}

	existing := h.Get(docID)
	currentRev := extractRev(existing)
	if reqRev := r.URL.Query().Get("rev"); existing != nil && reqRev != currentRev {
		rw.Error(perr.LiteCore(perr.CodeConflict, "revision mismatch"))
		return
	}
	if existing == nil && r.URL.Query().Get("rev") != "" {
		rw.Error(perr.LiteCore(perr.CodeConflict, "document does not exist"))
		return
	}

	newRev := nextRev(currentRev, payload)
	body["_id"] = docID
	body["_rev"] = newRev

	encoded, err := json.Marshal(body)
	if err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeCorruptData, "failed to encode document", err))
		return
	}
	if err := h.Put(docID, encoded); err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeUnsupported, "write failed", err))
		return
	}

	rw.SetStatus(http.StatusCreated)
	rw.JSON(map[string]any{"ok": true, "id": docID, "rev": newRev})
}

func handleDeleteDoc(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
	name, docID := params["db"], params["docID"]
	h, err := borrowDefault(l.pool, name, true)
	if err != nil {
		rw.Error(err)
		return
	}
	defer h.Release()

	existing := h.Get(docID)
	if existing == nil {
		rw.Error(perr.LiteCore(perr.CodeNotFound, "missing document"))
		return
	}
	currentRev := extractRev(existing)
	if reqRev := r.URL.Query().Get("rev"); reqRev != currentRev {
		rw.Error(perr.LiteCore(perr.CodeConflict, "revision mismatch"))
		return
	}
	if err := h.Delete(docID); err != nil {
		rw.Error(perr.Wrap(perr.LiteCoreDomain, perr.CodeUnsupported, "delete failed", err))
		return
	}

	rw.JSON(map[string]any{"ok": true, "id": docID, "rev": currentRev})
}

// checkTargetReachable runs a quick pre-flight reachability probe against a
// replication target before a Task is registered for it: an HTTP checker
// against the target URL exactly as given for http(s) URLs, a bare TCP dial
// otherwise (e.g. a bare host:port naming another peer's sync listener).
func checkTargetReachable(target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result health.Result
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		result = health.NewHTTPChecker(target).Check(ctx)
	} else {
		result = health.NewTCPChecker(target).Check(ctx)
	}
	if !result.Healthy {
		return perr.Network(perr.NetErrHostUnreachable, fmt.Sprintf("replication target %q unreachable: %s", target, result.Message))
	}
	return nil
}

func borrowDefault(pool *dbpool.Registry, dbName string, writeable bool) (*dbpool.Handle, error) {
	if !pool.IsRegistered(dbName) {
		return nil, perr.LiteCore(perr.CodeNotFound, "no such database")
	}
	if writeable {
		return pool.BorrowWriteable(dbName)
	}
	return pool.Borrow(dbName)
}

func extractRev(raw []byte) string {
	if raw == nil {
		return ""
	}
	var v struct {
		Rev string `json:"_rev"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Rev
}

// nextRev computes a CouchDB-style "N-hash" revision id: the generation
// number bumped by one, paired with a short content hash so two different
// bodies at the same generation still disagree.
func nextRev(currentRev string, payload []byte) string {
	gen := 0
	if currentRev != "" {
		if i := strings.IndexByte(currentRev, '-'); i > 0 {
			gen, _ = strconv.Atoi(currentRev[:i])
		}
	}
	sum := crc32.ChecksumIEEE(payload)
	return fmt.Sprintf("%d-%08x", gen+1, sum)
}
