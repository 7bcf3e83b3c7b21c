/*
Package metrics provides Prometheus metrics collection and exposition for
the peer sync engine.

The metrics package defines and registers all process metrics using the
Prometheus client library, providing observability into peer discovery,
WebSocket framing, the actor/mailbox runtime, the HTTP/sync listener, and
the database pool. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (peers online)       │          │
	│  │  Counter: Monotonic increases (frames sent)  │          │
	│  │  Histogram: Distributions (request latency) │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Discovery: Peers seen, browse/publish state │          │
	│  │  WebSocket: Frames, bytes, socket closures    │          │
	│  │  Mailbox: Queue depth, active actors, panics  │          │
	│  │  Listener: Requests, duration, active tasks   │          │
	│  │  DB Pool: Registered databases                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Collector:
  - Periodically scrapes gauges that can't be updated inline: mailbox
    queue depth/active actors/worker count off Scheduler.Stats(), and
    registered database count off dbpool.Registry
  - Discovery and WebSocket counters are updated at the call site, the
    moment the event happens, rather than scraped

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Discovery Metrics:

peersync_peers_discovered{provider}:
  - Type: Gauge
  - Description: Current number of online peers, by provider
  - Example: peersync_peers_discovered{provider="dnssd"} 4

peersync_peers_added_total{provider}:
  - Type: Counter
  - Description: Total peers reported added, by provider

peersync_peers_removed_total{provider}:
  - Type: Counter
  - Description: Total peers reported removed, by provider

peersync_browsing_active{provider}:
  - Type: Gauge
  - Description: Whether a provider is actively browsing (1) or not (0)

peersync_publishing_active{provider}:
  - Type: Gauge
  - Description: Whether a provider is actively publishing (1) or not (0)

WebSocket Framing Metrics:

peersync_ws_frames_sent_total{opcode}:
  - Type: Counter
  - Description: Total WebSocket frames sent, by opcode

peersync_ws_frames_received_total{opcode}:
  - Type: Counter
  - Description: Total WebSocket frames received, by opcode

peersync_ws_bytes_sent_total / peersync_ws_bytes_received_total:
  - Type: Counter
  - Description: Total payload bytes sent/received over WebSocket sockets

peersync_ws_sockets_closed_total{reason}:
  - Type: Counter
  - Description: Total sockets closed, by close reason (normal, error,
    timeout, remote)

Mailbox/Actor Runtime Metrics:

peersync_mailbox_queue_depth:
  - Type: Gauge
  - Description: Sum of queued tasks across all mailboxes

peersync_mailbox_active_actors:
  - Type: Gauge
  - Description: Number of mailboxes with at least one queued task

peersync_mailbox_workers:
  - Type: Gauge
  - Description: Number of worker goroutines in the scheduler pool

peersync_mailbox_panics_total:
  - Type: Counter
  - Description: Total task panics recovered by the scheduler

HTTP/Sync Listener Metrics:

peersync_listener_requests_total{method, status}:
  - Type: Counter
  - Description: Total HTTP requests handled, by method and status

peersync_listener_request_duration_seconds{method}:
  - Type: Histogram
  - Description: Listener request duration in seconds
  - Buckets: Default Prometheus buckets

peersync_listener_active_tasks:
  - Type: Gauge
  - Description: Number of currently registered (not yet retired) tasks

Database Pool Metrics:

peersync_dbpool_registered_databases:
  - Type: Gauge
  - Description: Number of databases currently registered in the pool

# Usage

Updating Gauge Metrics:

	import "github.com/corepeer/peersync/pkg/metrics"

	metrics.PeersDiscovered.WithLabelValues("dnssd").Set(4)
	metrics.BrowsingActive.WithLabelValues("dnssd").Set(1)

Updating Counter Metrics:

	metrics.PeersAddedTotal.WithLabelValues("dnssd").Inc()
	metrics.FramesSentTotal.WithLabelValues("text").Inc()
	metrics.BytesSentTotal.Add(float64(len(payload)))

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... handle request ...
	timer.ObserveDurationVec(metrics.ListenerRequestDuration, "GET")

Complete Example:

	package main

	import (
		"net/http"

		"github.com/corepeer/peersync/pkg/metrics"
	)

	func main() {
		metrics.PeersDiscovered.WithLabelValues("dnssd").Set(3)

		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

# Integration Points

This package integrates with:

  - cmd/peersyncd: its discovery observer updates peers added/removed and
    browsing/publishing state
  - pkg/listener: Instruments request count and duration, active tasks,
    received frames and bytes, and socket closures
  - pkg/mailbox: Scheduler.Stats() feeds the Collector
  - pkg/dbpool: Registered database count feeds the Collector
  - Prometheus: Scrapes /metrics endpoint

peersync_peers_discovered, peersync_ws_frames_sent_total,
peersync_ws_bytes_sent_total and peersync_mailbox_panics_total are
registered and exported, but no package in this module updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (provider,
    opcode, method, status, reason)
  - Avoid high-cardinality labels (peer IDs, document IDs)

Timer Pattern:
  - Create timer at operation start
  - Call ObserveDuration or ObserveDurationVec when it ends

Global Metrics:
  - Package-level variables, accessible from any package in this module
  - Thread-safe concurrent updates

# Monitoring

Prometheus Queries (PromQL):

Discovery Health:
  - Peers online: sum(peersync_peers_discovered)
  - Churn rate: rate(peersync_peers_added_total[5m])

Listener Performance:
  - Request rate: rate(peersync_listener_requests_total[1m])
  - Error rate: rate(peersync_listener_requests_total{status=~"5.."}[1m])
  - p95 latency: histogram_quantile(0.95, peersync_listener_request_duration_seconds_bucket)

Mailbox Load:
  - Queue depth: peersync_mailbox_queue_depth
  - Panic rate: rate(peersync_mailbox_panics_total[5m])

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
