package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moproxy-go/moproxy/internal/acceptor"
	"github.com/moproxy-go/moproxy/internal/config"
	"github.com/moproxy-go/moproxy/internal/fleet"
	"github.com/moproxy-go/moproxy/internal/graphite"
	"github.com/moproxy-go/moproxy/internal/metrics"
	"github.com/moproxy-go/moproxy/internal/orchestrator"
	"github.com/moproxy-go/moproxy/internal/policy"
	"github.com/moproxy-go/moproxy/internal/prober"
	"github.com/moproxy-go/moproxy/internal/scoring"
	"github.com/moproxy-go/moproxy/internal/scoring/luabridge"
	"github.com/moproxy-go/moproxy/internal/statsapi"
	"github.com/moproxy-go/moproxy/internal/sysnotify"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagServerList string
	flagPolicyFile string
	flagListen     []string
	flagParallel   []int

	flagSniffTLSPort   int
	flagSniffHTTPPort  int
	flagParallelFanOut int
	flagDirectTimeout  string

	flagProbeInterval string
	flagLuaScript     string

	flagStatsAddr      string
	flagGraphiteAddr   string
	flagGraphiteIntvl  string
	flagGraphitePrefix string

	flagDrainTimeout string
)

var rootCmd = &cobra.Command{
	Use:   "moproxy",
	Short: "Transparent TCP proxy multiplexing connections over a scored upstream fleet",
	Long: `moproxy is a Linux-native transparent TCP proxy. It accepts NAT-redirected
and inline-SOCKSv5 client connections, optionally sniffs TLS SNI / HTTP Host
for policy matching, and forwards each connection either directly or through
the best-scoring eligible upstream proxy (SOCKSv5 or HTTP CONNECT), selected
by a continuously-probed fleet monitor.

Reload the server list and policy file without dropping active connections:

  kill -HUP $(pidof moproxy)
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

	f.StringVarP(&flagServerList, "server-list", "s", "", "Path to the INI upstream server list (required)")
	_ = rootCmd.MarkFlagRequired("server-list")
	f.StringVarP(&flagPolicyFile, "policy-file", "p", "", "Path to the policy rules file (required)")
	_ = rootCmd.MarkFlagRequired("policy-file")
	f.StringSliceVarP(&flagListen, "listen", "l", nil, "Listen address (host:port), repeatable; each runs an independent acceptor (required)")
	f.IntSliceVar(&flagParallel, "parallel-port", nil, "Destination port that uses the parallel dial strategy, repeatable (e.g. 443)")

	f.IntVar(&flagSniffTLSPort, "sniff-tls-port", 443, "Destination port sniffed for TLS SNI when no hostname was recovered (0 disables)")
	f.IntVar(&flagSniffHTTPPort, "sniff-http-port", 0, "Destination port sniffed for HTTP Host (0 disables)")
	f.IntVar(&flagParallelFanOut, "parallel-fanout", 3, "Max candidates raced concurrently on a parallel-dial port")
	f.StringVar(&flagDirectTimeout, "direct-dial-timeout", "10s", "Timeout for a DIRECT action's TCP connect")

	f.StringVar(&flagProbeInterval, "probe-interval", "30s", "Interval between fleet probe rounds")
	f.StringVar(&flagLuaScript, "lua-scoring-script", "", "Path to a Lua script overriding the default scoring algorithm")

	f.StringVar(&flagStatsAddr, "stats-addr", "127.0.0.1:9090", "Listen address for the stats/OpenMetrics HTTP server")
	f.StringVar(&flagGraphiteAddr, "graphite-addr", "", "Optional host:port of a Graphite carbon plaintext receiver")
	f.StringVar(&flagGraphiteIntvl, "graphite-interval", "60s", "Graphite push interval")
	f.StringVar(&flagGraphitePrefix, "graphite-prefix", "moproxy", "Graphite metric name prefix")

	f.StringVar(&flagDrainTimeout, "drain-timeout", "30s", "Grace period for in-flight connections to finish on SIGTERM/SIGINT")
}

// policyRef forwards Evaluate to whatever *policy.Engine was most
// recently loaded, so the orchestrator observes a SIGHUP reload without
// holding a stale snapshot (spec.md §6.8 "reload server list and
// policy").
type policyRef struct {
	ptr atomic.Pointer[policy.Engine]
}

func (r *policyRef) Evaluate(q policy.Query) policy.Decision {
	return r.ptr.Load().Evaluate(q)
}

func (r *policyRef) Store(e *policy.Engine) { r.ptr.Store(e) }

func run(_ *cobra.Command, _ []string) error {
	if len(flagListen) == 0 {
		return fmt.Errorf("at least one --listen address is required")
	}

	probeInterval, err := time.ParseDuration(flagProbeInterval)
	if err != nil {
		return fmt.Errorf("--probe-interval: %w", err)
	}
	directTimeout, err := time.ParseDuration(flagDirectTimeout)
	if err != nil {
		return fmt.Errorf("--direct-dial-timeout: %w", err)
	}
	drainTimeout, err := time.ParseDuration(flagDrainTimeout)
	if err != nil {
		return fmt.Errorf("--drain-timeout: %w", err)
	}
	graphiteInterval, err := time.ParseDuration(flagGraphiteIntvl)
	if err != nil {
		return fmt.Errorf("--graphite-interval: %w", err)
	}

	// ---- Scoring ----------------------------------------------------------
	var scorer scoring.Scorer
	defaultScorer := scoring.NewDefault()
	scorer = defaultScorer
	if flagLuaScript != "" {
		log.Printf("[init] loading custom scoring script %s", flagLuaScript)
		luaScorer, err := luabridge.Load(flagLuaScript)
		if err != nil {
			return fmt.Errorf("load lua scoring script: %w", err)
		}
		defer luaScorer.Close()
		scorer = luaScorer
	}

	// ---- Fleet monitor ------------------------------------------------------
	reg := metrics.New()
	notifier := sysnotify.New()
	// mon is captured by the round-observer closure below before it's
	// assigned; the closure only runs once RunProbeRound completes, by
	// which point mon is fully constructed.
	var mon *fleet.Monitor
	mon = fleet.NewMonitor(
		fleet.NewScorerAdapter(scorer),
		prober.NewActive(),
		fleet.WithProbeInterval(probeInterval),
		fleet.WithRemoveObserver(fleet.DefaultRemoveObserver(defaultScorer)),
		fleet.WithRoundObserver(func(gen int64, alive, total int) {
			reg.RoundObserver(gen, alive, total)
			reg.ObserveSnapshot(mon.Snapshot())
			notifier.Status(alive, total)
		}),
	)

	log.Printf("[init] loading server list from %s", flagServerList)
	entries, err := config.LoadServerList(flagServerList)
	if err != nil {
		return fmt.Errorf("load server list: %w", err)
	}
	mon.Reload(entries)
	log.Printf("[init] loaded %d upstream proxies", len(entries))

	log.Printf("[init] loading policy file from %s", flagPolicyFile)
	eng, err := config.LoadPolicy(flagPolicyFile)
	if err != nil {
		return fmt.Errorf("load policy file: %w", err)
	}
	pref := &policyRef{}
	pref.Store(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	// ---- Orchestrator -------------------------------------------------------
	parallelPorts := make(map[uint16]struct{}, len(flagParallel))
	for _, p := range flagParallel {
		parallelPorts[uint16(p)] = struct{}{}
	}
	orch := orchestrator.New(orchestrator.Config{
		SniffTLSPort:      uint16(flagSniffTLSPort),
		SniffHTTPPort:     uint16(flagSniffHTTPPort),
		ParallelPorts:     parallelPorts,
		ParallelFanOut:    flagParallelFanOut,
		DirectDialTimeout: directTimeout,
	}, mon, pref, orchestrator.WithRecorder(metrics.NewRecorder(reg)))

	// ---- Stats API ----------------------------------------------------------
	statsSrv := statsapi.New(flagStatsAddr, mon, reg.Registerer(), version)
	go func() {
		log.Printf("[init] stats server listening on http://%s", flagStatsAddr)
		if err := statsSrv.Start(); err != nil {
			log.Printf("[statsapi] server stopped: %v", err)
		}
	}()
	defer statsSrv.Stop()

	// ---- Optional Graphite push ----------------------------------------------
	var pusher *graphite.Pusher
	if flagGraphiteAddr != "" {
		pusher = graphite.New(graphite.Config{
			Addr:     flagGraphiteAddr,
			Prefix:   flagGraphitePrefix,
			Interval: graphiteInterval,
		}, mon)
		pusher.Start()
		defer pusher.Stop()
		log.Printf("[init] pushing metrics to graphite receiver %s every %s", flagGraphiteAddr, graphiteInterval)
	}

	// ---- systemd notify/watchdog ----------------------------------------------
	notifier.RunWatchdog()
	defer notifier.Stop()

	// ---- Listeners ------------------------------------------------------------
	listeners := make([]*acceptor.Listener, 0, len(flagListen))
	for _, addr := range flagListen {
		ln, err := acceptor.Listen(addr)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		log.Printf("[init] accepting on %s", addr)
	}

	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go acceptLoop(ctx, ln, orch, &wg)
	}

	notifier.Ready()
	notifier.Status(len(mon.SnapshotSorted()), len(mon.Snapshot()))
	log.Printf("[init] moproxy %s ready", version)

	// ---- Signal handling: SIGHUP reloads, SIGTERM/INT drains -------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload(mon, pref)
			continue
		}
		log.Printf("[init] received %s — draining (deadline %s)", sig, drainTimeout)
		notifier.Stopping()
		break
	}

	for _, ln := range listeners {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Printf("[init] all connections drained")
	case <-time.After(drainTimeout):
		log.Printf("[init] drain deadline exceeded, exiting with connections still open")
	}
	return nil
}

// reload re-reads the server list and policy file; failures leave the
// previous in-memory state untouched and are only logged (spec.md §7(a)
// "config errors are fatal at load/reload: the previous configuration is
// retained").
func reload(mon *fleet.Monitor, pref *policyRef) {
	log.Printf("[reload] SIGHUP received, reloading %s and %s", flagServerList, flagPolicyFile)

	entries, err := config.LoadServerList(flagServerList)
	if err != nil {
		log.Printf("[reload] server list reload failed, keeping previous fleet: %v", err)
		return
	}
	eng, err := config.LoadPolicy(flagPolicyFile)
	if err != nil {
		log.Printf("[reload] policy reload failed, keeping previous policy: %v", err)
		return
	}

	mon.Reload(entries)
	pref.Store(eng)
	log.Printf("[reload] reconciled %d upstream proxies and reloaded policy", len(entries))
}

// acceptLoop runs one listener's accept loop until it's closed, handing
// every accepted connection to the orchestrator on its own goroutine.
func acceptLoop(ctx context.Context, ln *acceptor.Listener, orch *orchestrator.Orchestrator, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		acc, err := ln.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Handle(ctx, acc)
		}()
	}
}

