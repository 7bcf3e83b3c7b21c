package listener

import (
	"net/http"
	"strings"
)

// handlerFunc is the shape every registered route dispatches to: it
// receives the owning Listener (for pool/task-registry access), the
// response wrapper, the raw request, and the path parameters captured by
// "{name}" segments in the route's pattern.
type handlerFunc func(l *Listener, rw *RequestResponse, r *http.Request, params map[string]string)

// route pairs a method set and a slash-separated pattern with a handler.
// "{name}" segments match exactly one path segment and are captured into
// params; all other segments must match literally.
type route struct {
	methods map[string]bool
	segs    []string
	handler handlerFunc
}

// router holds the ordered rule table; the first route whose method and
// pattern both match wins, per the dispatch contract.
type router struct {
	routes []route
}

func newRouter() *router { return &router{} }

func (rt *router) add(methods []string, pattern string, h handlerFunc) {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	rt.routes = append(rt.routes, route{
		methods: set,
		segs:    splitPath(pattern),
		handler: h,
	})
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return []string{}
	}
	return strings.Split(p, "/")
}

// match finds the first route whose method set contains method and whose
// pattern matches path, returning the captured path parameters.
func (rt *router) match(method, path string) (route, map[string]string, bool) {
	reqSegs := splitPath(path)
	for _, rte := range rt.routes {
		if !rte.methods[method] {
			continue
		}
		if len(rte.segs) != len(reqSegs) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, seg := range rte.segs {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				params[seg[1:len(seg)-1]] = reqSegs[i]
				continue
			}
			if seg != reqSegs[i] {
				matched = false
				break
			}
		}
		if matched {
			return rte, params, true
		}
	}
	return route{}, nil, false
}
