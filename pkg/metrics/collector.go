package metrics

import (
	"time"

	"github.com/corepeer/peersync/pkg/dbpool"
	"github.com/corepeer/peersync/pkg/mailbox"
)

// Collector periodically scrapes gauges off the mailbox scheduler and
// database pool that can't be updated incrementally at the call site.
// Discovery and WebSocket counters are updated inline, at the point the
// event occurs, via the package-level metric vars directly.
type Collector struct {
	scheduler *mailbox.Scheduler
	pool      *dbpool.Registry
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a Collector that scrapes scheduler and pool on a
// fixed interval once Start is called.
func NewCollector(scheduler *mailbox.Scheduler, pool *dbpool.Registry, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{scheduler: scheduler, pool: pool, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the periodic scrape loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the scrape loop. Idempotent is not guaranteed; call once.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.scheduler != nil {
		stats := c.scheduler.Stats()
		MailboxQueueDepth.Set(float64(stats.QueueDepth))
		MailboxActiveActors.Set(float64(stats.ActiveActors))
		MailboxWorkers.Set(float64(stats.WorkerCount))
	}
	if c.pool != nil {
		DBPoolRegisteredDatabases.Set(float64(len(c.pool.Databases())))
	}
}
