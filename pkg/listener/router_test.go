package listener

import (
	"net/http"
	"testing"
)

func noop(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {}

func TestRouterFirstMatchWins(t *testing.T) {
	rt := newRouter()
	var gotAllDocs, gotDocID bool
	rt.add([]string{http.MethodGet}, "/{db}/_all_docs", func(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
		gotAllDocs = true
	})
	rt.add([]string{http.MethodGet}, "/{db}/{docID}", func(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string) {
		gotDocID = true
	})

	rte, params, ok := rt.match(http.MethodGet, "/mydb/_all_docs")
	if !ok {
		t.Fatal("expected a match")
	}
	rte.handler(nil, nil, nil, params)
	if !gotAllDocs || gotDocID {
		t.Error("expected the earlier-registered /{db}/_all_docs rule to win")
	}
}

func TestRouterCapturesParams(t *testing.T) {
	rt := newRouter()
	rt.add([]string{http.MethodGet}, "/{db}/{docID}", noop)

	_, params, ok := rt.match(http.MethodGet, "/mydb/doc1")
	if !ok {
		t.Fatal("expected a match")
	}
	if params["db"] != "mydb" || params["docID"] != "doc1" {
		t.Errorf("params = %v, want db=mydb docID=doc1", params)
	}
}

func TestRouterMethodMismatch(t *testing.T) {
	rt := newRouter()
	rt.add([]string{http.MethodGet}, "/{db}", noop)

	if _, _, ok := rt.match(http.MethodPost, "/mydb"); ok {
		t.Error("expected no match for wrong method")
	}
}

func TestRouterSegmentCountMismatch(t *testing.T) {
	rt := newRouter()
	rt.add([]string{http.MethodGet}, "/{db}", noop)

	if _, _, ok := rt.match(http.MethodGet, "/mydb/extra"); ok {
		t.Error("expected no match for differing segment count")
	}
}
