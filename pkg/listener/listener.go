// Package listener implements the HTTP/Sync Listener (§4.G): a REST server
// that hosts the per-database endpoints and upgrades qualifying requests to
// a framed WebSocket handed off to the sync engine (pkg/wsframe).
//
// Grounded on pkg/api/health.go's http.ServeMux + http.Server{ReadTimeout,
// WriteTimeout, IdleTimeout} construction, and on pkg/ingress/proxy.go's
// net.Listen + Server.Serve-in-a-goroutine + graceful Shutdown(ctx) pattern;
// the handler-registry/rule-table dispatch and the Task registry are
// grounded on original_source/REST/Listener.cc and Listener.hh
// (HTTPListener::Task, registerTask/unregisterTask, the rule table's
// first-match-wins dispatch).
package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/corepeer/peersync/pkg/config"
	"github.com/corepeer/peersync/pkg/dbpool"
	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/mailbox"
	"github.com/corepeer/peersync/pkg/metrics"
)

// Authenticator validates the Authorization header of an incoming request.
// A nil Authenticator on a Listener means no authentication is required.
type Authenticator func(authorizationHeader string) bool

// Listener is the HTTP/Sync server. Zero value is not usable; construct
// with New.
type Listener struct {
	cfg    config.ListenerConfig
	pool   *dbpool.Registry
	auth   Authenticator
	router *router
	tasks  *TaskRegistry
	sched  *mailbox.Scheduler

	server   *http.Server
	listener net.Listener
}

// New constructs a Listener bound to pool for document storage, configured
// per cfg. Routes are registered immediately; Start begins accepting. sched
// backs the Mailbox each upgraded sync WebSocket dispatches its delegate
// callbacks on; nil selects wsframe's own package-wide default scheduler.
func New(cfg config.ListenerConfig, pool *dbpool.Registry, sched *mailbox.Scheduler) *Listener {
	l := &Listener{
		cfg:    cfg,
		pool:   pool,
		router: newRouter(),
		tasks:  NewTaskRegistry(10 * time.Second),
		sched:  sched,
	}
	l.registerRoutes()
	return l
}

// SetAuthenticator installs an Authenticator; requests failing it get 401
// before route matching.
func (l *Listener) SetAuthenticator(a Authenticator) { l.auth = a }

// Start binds port on iface (empty = all interfaces) and begins accepting
// connections in a background goroutine. The server speaks plain HTTP; there
// is no TLS option.
func (l *Listener) Start(iface string, port int) error {
	addr := fmt.Sprintf("%s:%d", iface, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	l.listener = ln

	l.server = &http.Server{
		Handler:      http.HandlerFunc(l.serveHTTP),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithComponent("listener").Error().Err(err).Msg("serve exited")
		}
	}()

	log.WithComponent("listener").Info().Str("addr", ln.Addr().String()).Msg("listener started")
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Shutdown stops every unfinished task, then gracefully drains and closes
// the HTTP server within ctx's deadline.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.tasks.StopAll()
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

func (l *Listener) serverHeader() string {
	return fmt.Sprintf("%s/%s", l.cfg.ServerName, l.cfg.Version)
}

// serveHTTP is the single http.Handler entry point: it sets the Server
// header and any configured extra headers, authenticates, matches the
// route table, and dispatches — matching the dispatch steps of the
// contract.
func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Server", l.serverHeader())
	for k, v := range l.cfg.ExtraHeaders {
		w.Header().Set(k, v)
	}

	if l.auth != nil && !l.auth(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		recordRequest(r.Method, http.StatusUnauthorized, start)
		return
	}

	route, params, ok := l.router.match(r.Method, r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "no such endpoint")
		recordRequest(r.Method, http.StatusNotFound, start)
		return
	}

	rw := &RequestResponse{w: w, status: http.StatusOK}
	route.handler(l, rw, r, params)
	rw.finish()
	recordRequest(r.Method, rw.status, start)
}

func recordRequest(method string, status int, start time.Time) {
	metrics.ListenerRequestsTotal.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	metrics.ListenerRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
