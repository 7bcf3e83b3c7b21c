// Command peersyncd runs the peer sync engine: DNS-SD discovery, the
// actor/mailbox runtime, the bbolt-backed document pool, and the
// CouchDB-style HTTP/sync listener, wired together the way
// cmd/warren wires its manager subsystems.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corepeer/peersync/pkg/config"
	"github.com/corepeer/peersync/pkg/dbpool"
	"github.com/corepeer/peersync/pkg/discovery"
	"github.com/corepeer/peersync/pkg/discovery/providers/dnssd"
	"github.com/corepeer/peersync/pkg/listener"
	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/mailbox"
	"github.com/corepeer/peersync/pkg/metrics"
	"github.com/corepeer/peersync/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "peersyncd",
	Short: "peersyncd - peer-to-peer document sync engine",
	Long: `peersyncd discovers nearby peers over DNS-SD, holds a set of
bbolt-backed document databases, and serves a CouchDB-style HTTP API
with a BLIP/WebSocket sync endpoint for replicating with them.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"peersyncd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the peer sync daemon",
	Long:  `Start discovery, the mailbox scheduler, the database pool, and the HTTP/sync listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		var cfg *config.Config
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}

		if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
			cfg.Listener.Interface = iface
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Listener.Port = port
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.Pool.DataDir = dataDir
		}
		if group, _ := cmd.Flags().GetString("peer-group"); group != "" {
			cfg.Discovery.PeerGroupID = group
		}
		if allowCreate, _ := cmd.Flags().GetBool("allow-create-dbs"); allowCreate {
			cfg.Listener.AllowCreateDBs = true
		}
		if allowDelete, _ := cmd.Flags().GetBool("allow-delete-dbs"); allowDelete {
			cfg.Listener.AllowDeleteDBs = true
		}

		if err := types.PeerGroupID(cfg.Discovery.PeerGroupID).Validate(); err != nil {
			return fmt.Errorf("invalid peer group: %w", err)
		}

		fmt.Println("Starting peersyncd...")
		fmt.Printf("  Peer group: %s\n", cfg.Discovery.PeerGroupID)
		fmt.Printf("  Listener:   %s:%d\n", cfg.Listener.Interface, cfg.Listener.Port)
		fmt.Printf("  Data dir:   %s\n", cfg.Pool.DataDir)
		fmt.Println()

		thisPeerID, err := randomPeerID()
		if err != nil {
			return fmt.Errorf("failed to generate peer id: %w", err)
		}

		sched := mailbox.NewScheduler(cfg.Mailbox.Workers)

		for _, name := range cfg.Discovery.Providers {
			switch name {
			case "dnssd":
				resolver := dnssd.NewMDNSResolver()
				if err := resolver.Start(); err != nil {
					return fmt.Errorf("failed to start mDNS resolver: %w", err)
				}
				discovery.RegisterProviderFactory(name, dnssd.Factory(resolver, sched))
			default:
				return fmt.Errorf("unknown discovery provider %q", name)
			}
		}

		pool := dbpool.NewRegistry(cfg.Pool.DataDir)
		for _, dbName := range cfg.Pool.Databases {
			if err := pool.RegisterDatabase(dbName); err != nil {
				return fmt.Errorf("failed to register database %q: %w", dbName, err)
			}
		}

		mgr := discovery.NewManager(
			types.PeerGroupID(cfg.Discovery.PeerGroupID),
			thisPeerID,
			cfg.Discovery.Providers,
			types.DefaultPeerSelector,
			sched,
		)
		mgr.AddObserver(&logObserver{})

		lst := listener.New(cfg.Listener, pool, sched)
		if err := lst.Start(cfg.Listener.Interface, cfg.Listener.Port); err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		fmt.Printf("✓ Listener started on %s\n", lst.Addr())

		collector := metrics.NewCollector(sched, pool, 15*time.Second)
		collector.Start()
		fmt.Println("✓ Metrics collector started")

		metrics.SetVersion(Version)
		metrics.RegisterComponent("discovery", false, "starting")
		metrics.RegisterComponent("listener", true, "ready")
		metrics.RegisterComponent("mailbox", true, "ready")

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		ctx, cancelDiscovery := context.WithCancel(context.Background())
		mgr.StartBrowsing(ctx)
		mgr.StartPublishing(ctx, cfg.Listener.ServerName, cfg.Listener.Port, nil)
		metrics.RegisterComponent("discovery", true, "browsing")
		fmt.Println("✓ Discovery started")

		fmt.Println()
		fmt.Println("peersyncd is running. Press Ctrl+C to stop.")
		fmt.Println()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancelDiscovery()
		mgr.Shutdown()
		collector.Stop()
		sched.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lst.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down listener: %w", err)
		}
		if err := pool.Close(); err != nil {
			return fmt.Errorf("failed to close database pool: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func randomPeerID() (types.PeerID, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return types.PeerID{}, err
	}
	return types.NewPeerIDFromCert(raw[:]), nil
}

// logObserver reports discovery.Observer events through the structured
// logger and the package-level metrics, the way cmd/warren's manager
// callbacks log cluster membership changes.
type logObserver struct{}

func (logObserver) Browsing(providerName string, active bool, err error) {
	metrics.BrowsingActive.WithLabelValues(providerName).Set(boolToFloat(active))
	l := log.WithComponent("discovery")
	if err != nil {
		l.Error().Err(err).Str("provider", providerName).Msg("browsing state changed")
		return
	}
	l.Info().Str("provider", providerName).Bool("active", active).Msg("browsing state changed")
}

func (logObserver) Publishing(providerName string, active bool, err error) {
	metrics.PublishingActive.WithLabelValues(providerName).Set(boolToFloat(active))
	l := log.WithComponent("discovery")
	if err != nil {
		l.Error().Err(err).Str("provider", providerName).Msg("publishing state changed")
		return
	}
	l.Info().Str("provider", providerName).Bool("active", active).Msg("publishing state changed")
}

func (logObserver) AddedPeers(batch []*types.Peer) {
	for _, p := range batch {
		metrics.PeersAddedTotal.WithLabelValues(p.Provider().Name()).Inc()
	}
	log.WithComponent("discovery").Info().Int("count", len(batch)).Msg("peers added")
}

func (logObserver) RemovedPeers(batch []*types.Peer) {
	for _, p := range batch {
		metrics.PeersRemovedTotal.WithLabelValues(p.Provider().Name()).Inc()
	}
	log.WithComponent("discovery").Info().Int("count", len(batch)).Msg("peers removed")
}

func (logObserver) PeerMetadataChanged(p *types.Peer) {
	log.WithComponent("discovery").Debug().Str("peer", p.ID()).Msg("peer metadata changed")
}

func (logObserver) IncomingConnection(p *types.Peer, conn any) bool {
	log.WithComponent("discovery").Info().Str("peer", p.ID()).Msg("incoming connection")
	return true
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("interface", "", "Listener bind interface (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listener port (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Database pool data directory (overrides config)")
	serveCmd.Flags().String("peer-group", "", "Peer group ID (overrides config)")
	serveCmd.Flags().Bool("allow-create-dbs", false, "Allow clients to create databases via PUT")
	serveCmd.Flags().Bool("allow-delete-dbs", false, "Allow clients to delete databases via DELETE")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
}
