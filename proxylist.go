package pystemon

import (
	"bufio"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ProxyList is a mutable, hot-reloadable set of outbound proxy URLs. A
// background watcher polls the backing file's mtime once a second and
// reloads on change. A proxy is dropped once it has failed twice, unless it
// is the last proxy left in the list.
//
// Grounded on pystemon/proxy.py's ProxyList/ThreadProxyList.
type ProxyList struct {
	mu       sync.Mutex
	path     string
	proxies  []string
	failures map[string]int
	modTime  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProxyList loads path (if non-empty) and returns a ready ProxyList. An
// empty path yields a ProxyList with no proxies; Random always returns "".
func NewProxyList(path string) (*ProxyList, error) {
	pl := &ProxyList{
		path:     path,
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if path != "" {
		if err := pl.Reload(); err != nil {
			return nil, err
		}
	}
	return pl, nil
}

// Reload re-reads the proxy file from disk, replacing the list and
// resetting failure counts.
func (pl *ProxyList) Reload() error {
	if pl.path == "" {
		return nil
	}
	f, err := os.Open(pl.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	info, _ := f.Stat()

	pl.mu.Lock()
	pl.proxies = proxies
	pl.failures = make(map[string]int)
	if info != nil {
		pl.modTime = info.ModTime()
	}
	pl.mu.Unlock()

	log.Info().Str("file", pl.path).Int("count", len(proxies)).Msg("reloaded proxy list")
	return nil
}

// Random returns a random proxy, or "" if none are configured.
func (pl *ProxyList) Random() string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if len(pl.proxies) == 0 {
		return ""
	}
	return pl.proxies[rand.Intn(len(pl.proxies))]
}

// Fail records a failure for proxy. On the second recorded failure the
// proxy is removed, unless it is the only proxy remaining.
func (pl *ProxyList) Fail(proxy string) {
	if proxy == "" {
		return
	}
	if GlobalMetrics != nil {
		GlobalMetrics.ProxyFailures.WithLabelValues().Inc()
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.failures[proxy]++
	if pl.failures[proxy] < 2 {
		return
	}
	if len(pl.proxies) <= 1 {
		return
	}
	for i, p := range pl.proxies {
		if p == proxy {
			pl.proxies = append(pl.proxies[:i], pl.proxies[i+1:]...)
			delete(pl.failures, proxy)
			log.Info().Str("proxy", proxy).Msg("removed proxy after repeated failures")
			break
		}
	}
}

// Len reports how many proxies are currently in the list.
func (pl *ProxyList) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.proxies)
}

// Monitor starts the mtime-polling watcher goroutine. It returns
// immediately; call Stop to terminate it.
func (pl *ProxyList) Monitor() {
	if pl.path == "" {
		close(pl.doneCh)
		return
	}
	go func() {
		defer close(pl.doneCh)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pl.stopCh:
				return
			case <-ticker.C:
				info, err := os.Stat(pl.path)
				if err != nil {
					continue
				}
				pl.mu.Lock()
				changed := info.ModTime().After(pl.modTime)
				pl.mu.Unlock()
				if changed {
					if err := pl.Reload(); err != nil {
						log.Error().Err(err).Str("file", pl.path).Msg("failed to reload proxy list")
					}
				}
			}
		}
	}()
}

// Stop terminates the watcher goroutine and waits for it to exit.
func (pl *ProxyList) Stop() {
	pl.stopOnce.Do(func() { close(pl.stopCh) })
	<-pl.doneCh
}
