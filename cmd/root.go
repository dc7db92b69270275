// Package cmd implements the hydragate CLI using Cobra.
package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"

	"github.com/drsoft-oss/hydragate/internal/api"
	"github.com/drsoft-oss/hydragate/internal/metrics"
	"github.com/drsoft-oss/hydragate/internal/pool"
	"github.com/drsoft-oss/hydragate/internal/prober"
	"github.com/drsoft-oss/hydragate/internal/rotation"
	"github.com/drsoft-oss/hydragate/internal/server"
	"github.com/drsoft-oss/hydragate/internal/store"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagHost    string
	flagPort    uint16
	flagMode    string
	flagAPIPort string

	flagDataDir string
	flagFile    string

	flagProbeInterval string
	flagProbeTimeout  string
	flagProbeTarget   string
	flagDialTimeout   string

	flagAutostart bool
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "hydragate",
	Short: "Local SOCKS5 proxy multiplexer with upstream rotation",
	Long: `hydragate — a local SOCKS5 proxy that tunnels each client connection
through one of several configured upstream proxies (SOCKS5 or HTTP CONNECT).

The upstream for each connection is chosen by the active rotation mode:

  • round_robin     cycle through the live proxies in order
  • random          uniformly-random live proxy
  • least_latency   lowest measured probe latency
  • weighted        random, weighted toward lower latency
  • time_sticky     same proxy within each 10-minute window
  • ip_sticky       same proxy for the same destination host

A background prober checks every upstream on a fixed cadence so selection
always operates on fresh liveness data. Proxies are managed at runtime
through the HTTP API; the list is persisted encrypted at rest.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	// Listener
	f.StringVarP(&flagHost, "host", "H", server.DefaultHost, "Listen host (127.0.0.1 or 0.0.0.0)")
	f.Uint16VarP(&flagPort, "port", "p", server.DefaultPort, "Listen port (>= 1024)")
	f.StringVarP(&flagMode, "mode", "m", rotation.DefaultMode.String(), "Rotation mode")
	f.BoolVar(&flagAutostart, "autostart", false, "Start the SOCKS5 listener immediately")

	// API
	f.StringVar(&flagAPIPort, "api-port", "9090", "Port for the management API server")

	// State
	f.StringVar(&flagDataDir, "data-dir", "", "Directory for the encrypted proxy store (default: user config dir)")
	f.StringVarP(&flagFile, "file", "f", "", "Plaintext proxy list to import at startup (one URI per line)")

	// Probing
	f.StringVar(&flagProbeInterval, "probe-interval", "30s", "Interval between health sweeps")
	f.StringVar(&flagProbeTimeout, "probe-timeout", "5s", "Deadline per individual probe")
	f.StringVar(&flagProbeTarget, "probe-target", prober.DefaultTarget, "Destination tunneled to by probes")

	// Dial
	f.StringVar(&flagDialTimeout, "dial-timeout", "30s", "Timeout for dialling through an upstream proxy")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	// ---- Parse durations ------------------------------------------------
	probeInterval, err := time.ParseDuration(flagProbeInterval)
	if err != nil {
		return fmt.Errorf("--probe-interval: %w", err)
	}
	probeTimeout, err := time.ParseDuration(flagProbeTimeout)
	if err != nil {
		return fmt.Errorf("--probe-timeout: %w", err)
	}
	dialTimeout, err := time.ParseDuration(flagDialTimeout)
	if err != nil {
		return fmt.Errorf("--dial-timeout: %w", err)
	}
	mode, err := rotation.ParseMode(flagMode)
	if err != nil {
		return fmt.Errorf("--mode: %w", err)
	}

	// ---- Encrypted store ------------------------------------------------
	dataDir := flagDataDir
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve config dir (use --data-dir): %w", err)
		}
		dataDir = filepath.Join(base, "hydragate")
	}
	st, err := store.New(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ---- Registry -------------------------------------------------------
	registry := pool.NewRegistry()

	saved, err := st.Load()
	if err != nil {
		return fmt.Errorf("load proxy store: %w", err)
	}
	for _, p := range saved {
		registry.Put(p)
	}
	if len(saved) > 0 {
		log.Printf("[init] restored %d proxies from %s", len(saved), dataDir)
	}

	if flagFile != "" {
		imported, err := pool.LoadFile(flagFile)
		if err != nil {
			return fmt.Errorf("import proxy file: %w", err)
		}
		for _, p := range imported {
			registry.Put(p)
		}
		log.Printf("[init] imported %d proxies from %s", len(imported), flagFile)
		if err := st.Save(registry.Snapshot()); err != nil {
			log.Printf("[init] persist imported proxies: %v", err)
		}
	}

	// ---- Proxy server ---------------------------------------------------
	mc := metrics.Init("hydragate")
	proxySrv := server.New(registry, mc, server.Config{
		Host:        flagHost,
		Port:        flagPort,
		Mode:        mode,
		DialTimeout: dialTimeout,
	})
	if err := proxySrv.SetHost(flagHost); err != nil {
		return fmt.Errorf("--host: %w", err)
	}
	if err := proxySrv.SetPort(flagPort); err != nil {
		return fmt.Errorf("--port: %w", err)
	}

	// ---- Health prober --------------------------------------------------
	var apiSrv *api.Server
	prb := prober.New(registry, prober.Config{
		Interval: probeInterval,
		Timeout:  probeTimeout,
		Target:   flagProbeTarget,
		OnResult: func(px pool.Proxy) {
			mc.ProbesTotal.Inc()
			if !px.Alive {
				mc.ProbeFailures.Inc()
			}
			mc.ProxiesAlive.Set(float64(registry.AliveLen()))
			if apiSrv != nil {
				apiSrv.Hub().Broadcast("probe", px)
			}
		},
	})

	// ---- Periodic persistence -------------------------------------------
	sched := gocron.NewScheduler(time.UTC)
	_, err = sched.Every(1).Hour().Do(func() {
		if err := st.Save(registry.Snapshot()); err != nil {
			log.Printf("[store] periodic save: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule periodic save: %w", err)
	}
	sched.StartAsync()
	defer sched.Stop()

	// ---- API server -----------------------------------------------------
	apiAddr := "127.0.0.1:" + flagAPIPort
	apiSrv = api.New(apiAddr, registry, proxySrv, prb, st)
	go func() {
		log.Printf("[init] API server listening on http://%s", apiAddr)
		if err := apiSrv.Start(); err != nil {
			log.Printf("[api] server stopped: %v", err)
		}
	}()
	defer apiSrv.Stop()

	// Run the initial sweep in the background so startup is instant; the
	// restored proxies keep their last saved probe state until it reaches
	// them.
	go func() {
		log.Printf("[init] running initial health sweep (background)…")
		prb.RunOnce()
	}()

	prb.Start()
	defer prb.Stop()

	if flagAutostart {
		proxySrv.Start()
	}

	printBanner(apiAddr, registry, proxySrv)

	// ---- Wait for shutdown ----------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[init] received %s — shutting down", sig)

	proxySrv.Stop()
	if err := st.Save(registry.Snapshot()); err != nil {
		log.Printf("[store] final save: %v", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(apiAddr string, registry *pool.Registry, proxySrv *server.Server) {
	state := "stopped (POST /api/listener to start)"
	if proxySrv.Running() {
		state = fmt.Sprintf("socks5://%s:%d", proxySrv.Host(), proxySrv.Port())
	}
	fmt.Printf(`
hydragate %s
  Listener : %s
  API      : http://%s
  Mode     : %s
  Pool     : %d proxies (%d alive)

`, version, state, apiAddr, proxySrv.Mode(), registry.Len(), registry.AliveLen())
}
