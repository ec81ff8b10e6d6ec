package pystemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// runningSite bundles the pieces the supervisor must start/stop together
// for one enabled site.
type runningSite struct {
	site      *Site
	throttler *Throttler
	pool      *FetcherPool
	pollUA    *UserAgent
}

// graph is one generation of the thread/goroutine topology the supervisor
// manages: every component instantiated from a single configuration load.
//
// Grounded on pystemon.py's load_config, which returns a flat thread list;
// here the equivalent components are grouped so Stop/Join can target them
// precisely.
type graph struct {
	proxies    *ProxyList
	dispatcher *StorageDispatcher
	notifier   Notifier
	sites      map[string]*runningSite
}

// Supervisor owns the process: it loads configuration, builds the
// component graph, starts everything, and reacts to SIGTERM/SIGHUP/SIGUSR1/
// SIGINT.
//
// Grounded on pystemon.py's main/load_config/start_threads/stop_threads/
// join_threads and walker's cmd/cmd.go signal.Notify wiring.
type Supervisor struct {
	mu      sync.Mutex
	current *graph

	backendFactory func(name string, cfg StorageConfig) (Storage, error)
	notifierFactory func(cfg EmailConfig) Notifier
	extractorFor    func(name string) Extractor
}

// NewSupervisor constructs a Supervisor. The three factory functions let
// callers (normally cmd/pystemon) wire in concrete storage backends,
// notifiers and extractors without this package importing them directly
// and creating an import cycle with storage/notify/extractor.
func NewSupervisor(
	backendFactory func(name string, cfg StorageConfig) (Storage, error),
	notifierFactory func(cfg EmailConfig) Notifier,
	extractorFor func(name string) Extractor,
) *Supervisor {
	return &Supervisor{
		backendFactory:  backendFactory,
		notifierFactory: notifierFactory,
		extractorFor:    extractorFor,
	}
}

// buildGraph constructs a fresh component graph from the current Config,
// reusing queues/seen-rings from prevGraph for any site whose identity key
// is unchanged.
func (sv *Supervisor) buildGraph(ctx context.Context, prev *graph) (*graph, error) {
	engine := Engine(Config.Engine)

	proxies, err := NewProxyList(Config.Proxy.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy list: %w", err)
	}

	dispatcher := NewStorageDispatcher()
	for name, sc := range Config.Storage {
		if !sc.Save && !sc.SaveAll {
			log.Debug().Str("storage", name).Msg("skipping disabled storage")
			continue
		}
		backend, err := sv.backendFactory(name, sc)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage %q: %w", name, err)
		}
		if Config.SaveThread {
			dispatcher.AddAsync(ctx, backend, 1000)
		} else {
			dispatcher.AddSync(backend)
		}
	}

	var notifier Notifier
	if sv.notifierFactory != nil {
		notifier = sv.notifierFactory(Config.Email)
	}

	g := &graph{
		proxies:    proxies,
		dispatcher: dispatcher,
		notifier:   notifier,
		sites:      map[string]*runningSite{},
	}

	maxThrottling := 0
	sitesLoaded := 0
	for name, sy := range Config.Site {
		if !sy.Enable {
			continue
		}
		if sy.Throttling > maxThrottling {
			maxThrottling = sy.Throttling
		}

		re, err := regexpCompileCached(sy.ArchiveRegex)
		if err != nil {
			log.Error().Err(err).Str("site", name).Msg("unable to initialize site, skipping")
			continue
		}

		identityKey := name + "|" + sy.DownloadURL + "|" + sy.ArchiveURL + "|" + sy.PastieClassname

		site, err := NewSite(name, 1000)
		if err != nil {
			log.Error().Err(err).Str("site", name).Msg("unable to initialize site, skipping")
			continue
		}
		// A site surviving reload unchanged keeps its Queue and SeenRing so
		// pending work and dedup state aren't lost -- but never its
		// stopCh/doneCh/stopOnce, which belong to exactly one Poll
		// goroutine's lifecycle. Sharing those across generations would let
		// the new poller and the about-to-be-stopped old poller race on the
		// same channels and close(doneCh) twice.
		if prev != nil {
			if rs, ok := prev.sites[name]; ok && rs.site.IdentityKey() == identityKey {
				site.Queue = rs.site.Queue
				site.SeenRing = rs.site.SeenRing
			}
		}

		site.DownloadURLTemplate = sy.DownloadURL
		site.ArchiveURL = sy.ArchiveURL
		site.ArchiveRegex = re
		site.PublicURLTemplate = sy.PublicURL
		site.MetadataURLTemplate = sy.MetadataURL
		site.UpdateMin = sy.UpdateMin
		site.UpdateMax = sy.UpdateMax
		site.ThrottlingMillis = sy.Throttling
		site.ExtractorName = sy.PastieClassname

		patternSet, err := BuildPatternSet(Config.Search, engine, Config.StrictRegex)
		if err != nil {
			log.Error().Err(err).Str("site", name).Msg("unable to compile patterns, skipping site")
			continue
		}
		site.Patterns = patternSet

		var throttler *Throttler
		if sy.Throttling > 0 {
			throttler = NewThrottler(time.Duration(sy.Throttling) * time.Millisecond)
		}

		var userAgentList []string
		pollUA := NewUserAgent(proxies, userAgentList, throttler, Config.Network.IP)

		fetchUA := NewUserAgent(proxies, userAgentList, throttler, Config.Network.IP)
		var extractor Extractor
		if sv.extractorFor != nil {
			extractor = sv.extractorFor(sy.PastieClassname)
		}
		pool := NewFetcherPool(site, fetchUA, dispatcher, notifier, extractor, Config.Threads)

		g.sites[name] = &runningSite{
			site:      site,
			throttler: throttler,
			pool:      pool,
			pollUA:    pollUA,
		}
		sitesLoaded++
	}

	if sitesLoaded == 0 {
		return nil, fmt.Errorf("resulting configuration ends up monitoring no site")
	}

	return g, nil
}

func (sv *Supervisor) startGraph(ctx context.Context, g *graph) {
	g.proxies.Monitor()
	for _, rs := range g.sites {
		rs.pool.Start(ctx)
		go rs.site.Poll(ctx, rs.pollUA, g.dispatcher)
	}
}

func (sv *Supervisor) stopGraph(g *graph) {
	for _, rs := range g.sites {
		rs.site.Stop()
		rs.pool.Stop()
		if rs.throttler != nil {
			rs.throttler.Stop()
		}
	}
	g.dispatcher.Stop()
	g.proxies.Stop()
}

// Reload re-reads the configuration file named by ConfigName, builds a new
// graph from it, then starts the new graph and stops the running one. If
// the new configuration cannot be read or is invalid: when a graph is
// already running it is kept and the error logged; when none is running
// the error is returned so the caller can exit with code 2.
func (sv *Supervisor) Reload(ctx context.Context) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if err := readConfig(); err != nil {
		if sv.current != nil {
			log.Error().Err(err).Msg("reload failed, continuing with previous configuration")
			return nil
		}
		return err
	}

	newGraph, err := sv.buildGraph(ctx, sv.current)
	if err != nil {
		if sv.current != nil {
			log.Error().Err(err).Msg("reload failed, continuing with previous configuration")
			return nil
		}
		return err
	}

	old := sv.current
	sv.startGraph(ctx, newGraph)
	sv.current = newGraph

	if old != nil {
		sv.stopGraph(old)
	}
	return nil
}

// SiteStats is one site's snapshot inside a Stats report.
type SiteStats struct {
	Name        string `json:"name"`
	QueueSize   int    `json:"queue_size"`
	QueueCap    int    `json:"queue_cap"`
	PatternsNum int    `json:"patterns"`
}

// Stats is the JSON-friendly snapshot served by console's /status endpoint.
type Stats struct {
	Running    bool        `json:"running"`
	ProxyCount int         `json:"proxy_count"`
	Sites      []SiteStats `json:"sites"`
}

// Stats returns a point-in-time snapshot of the running graph, the data
// half of what QueueStats logs for SIGUSR1.
func (sv *Supervisor) Stats() Stats {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current == nil {
		return Stats{Running: false}
	}
	out := Stats{Running: true, ProxyCount: sv.current.proxies.Len()}
	for name, rs := range sv.current.sites {
		out.Sites = append(out.Sites, SiteStats{
			Name:        name,
			QueueSize:   len(rs.site.Queue),
			QueueCap:    cap(rs.site.Queue),
			PatternsNum: len(rs.site.Patterns.Patterns),
		})
	}
	return out
}

// QueueStats logs per-site queue depth, answering SIGUSR1.
func (sv *Supervisor) QueueStats() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current == nil {
		return
	}
	sites := make(map[string]*Site, len(sv.current.sites))
	for name, rs := range sv.current.sites {
		log.Info().Str("site", name).Int("queue_size", len(rs.site.Queue)).Msg("queue stats")
		sites[name] = rs.site
	}
	if GlobalMetrics != nil {
		GlobalMetrics.ObserveQueueDepths(sites)
	}
}

// Stop tears down the running graph, waiting for every component to stop.
// No join timeout is applied: Stop blocks until each poller, fetcher
// worker, throttler, storage worker and the proxy watcher has returned.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.current == nil {
		return
	}
	sv.stopGraph(sv.current)
	sv.current = nil
}

// Run is the top-level loop: load config,
// build and start the graph, then block reacting to signals until a stop
// is requested. It returns the process exit code: 0 after a graceful stop,
// 2 when the configuration cannot be loaded on startup or a reload fails
// with no graph running. Run never returns 1 and does not recover panics.
func (sv *Supervisor) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGINT)
	defer signal.Stop(sigCh)

	if err := sv.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("initial configuration load failed")
		return 2
	}

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("reload requested")
			if err := sv.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("reload failed and no configuration is running")
				return 2
			}
		case syscall.SIGUSR1:
			sv.QueueStats()
		case syscall.SIGTERM, syscall.SIGINT:
			log.Info().Msg("stop requested")
			sv.Stop()
			log.Info().Msg("exiting")
			return 0
		}
	}
	return 0
}

// regexpCompileCached is a thin indirection point kept separate so tests
// can stub regex compilation failures without touching the stdlib regexp
// package directly.
var regexpCompileCached = defaultRegexpCompile
