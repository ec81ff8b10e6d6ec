package pystemon

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 3050 * time.Millisecond
	defaultReadTimeout    = 10 * time.Second
	defaultRetriesClient  = 5
	defaultRetriesServer  = 100
)

// defaultBackoff is the wait applied after a retryable response. It is a
// var rather than a const so tests can shrink it instead of waiting out
// real sleeps while exercising retry-exhaustion paths.
var defaultBackoff = 60 * time.Second

// verdict is the outcome of classifying one HTTP attempt.
type verdict int

const (
	verdictOK verdict = iota
	verdictClientRetry
	verdictServerRetry
	verdictAbort
)

// UserAgent is the single point through which every HTTP GET in pystemon
// passes: proxy rotation, random user-agent strings, optional source-IP
// binding, retry classification and throttling.
//
// Grounded on pystemon/ua.py's PystemonUA.
type UserAgent struct {
	Proxies    *ProxyList
	UserAgents []string
	Throttler  *Throttler
	SourceIP   string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetriesClient  int
	RetriesServer  int

	mu      sync.Mutex
	stopped bool
}

// NewUserAgent constructs a UserAgent with the default retry budgets. proxies,
// throttler and sourceIP may be nil/empty.
func NewUserAgent(proxies *ProxyList, userAgents []string, throttler *Throttler, sourceIP string) *UserAgent {
	return &UserAgent{
		Proxies:        proxies,
		UserAgents:     userAgents,
		Throttler:      throttler,
		SourceIP:       sourceIP,
		ConnectTimeout: defaultConnectTimeout,
		ReadTimeout:    defaultReadTimeout,
		RetriesClient:  defaultRetriesClient,
		RetriesServer:  defaultRetriesServer,
	}
}

// Stop causes the next classification to force an abort and interrupts any
// pending backoff sleep.
func (ua *UserAgent) Stop() {
	ua.mu.Lock()
	ua.stopped = true
	ua.mu.Unlock()
}

func (ua *UserAgent) isStopped() bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.stopped
}

func (ua *UserAgent) randomUserAgent() string {
	if len(ua.UserAgents) == 0 {
		return "pystemon"
	}
	return ua.UserAgents[rand.Intn(len(ua.UserAgents))]
}

func (ua *UserAgent) buildClient(proxy string) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	dialer := &net.Dialer{Timeout: ua.ConnectTimeout}
	if ua.SourceIP != "" {
		if local, err := net.ResolveTCPAddr("tcp", ua.SourceIP+":0"); err == nil {
			dialer.LocalAddr = local
		}
	}
	transport.DialContext = dialer.DialContext

	if proxy != "" {
		if pu, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(pu)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   ua.ConnectTimeout + ua.ReadTimeout,
	}
}

// Get performs the full retry/proxy/UA-rotation GET and returns the
// response body, or an error once retries are exhausted or the result is
// classified as an abort.
//
// Grounded on pystemon/ua.py's download_url/__download_url__/__parse_http__.
func (ua *UserAgent) Get(ctx context.Context, targetURL string) ([]byte, error) {
	loopClient := 0
	loopServer := 0
	retriesClient := ua.RetriesClient
	if retriesClient <= 0 {
		retriesClient = defaultRetriesClient
	}
	retriesServer := ua.RetriesServer
	if retriesServer <= 0 {
		retriesServer = defaultRetriesServer
	}

	var wait time.Duration

	for {
		if ua.isStopped() {
			return nil, errors.New("useragent: stopped")
		}
		if loopClient >= retriesClient || loopServer >= retriesServer {
			if GlobalMetrics != nil {
				GlobalMetrics.RetryExhausted.WithLabelValues(retryExhaustedLabel(targetURL)).Inc()
			}
			return nil, errors.New("useragent: retry budget exhausted")
		}

		if ua.Throttler != nil {
			ua.Throttler.Wait()
		}

		if wait > 0 {
			if !ua.interruptibleSleep(ctx, wait) {
				return nil, errors.New("useragent: stopped during backoff")
			}
			wait = 0
		}

		proxy := ""
		if ua.Proxies != nil {
			proxy = ua.Proxies.Random()
		}
		client := ua.buildClient(proxy)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Charset", "utf-8")
		req.Header.Set("User-Agent", ua.randomUserAgent())

		resp, body, err := doRequest(client, req)

		v, penalizeProxy, nextWait := classify(resp, body, err, ctx)
		if penalizeProxy && proxy != "" && ua.Proxies != nil {
			ua.Proxies.Fail(proxy)
		}

		switch v {
		case verdictOK:
			return body, nil
		case verdictAbort:
			if err != nil {
				return nil, err
			}
			return nil, errors.New("useragent: aborted, non-retryable response")
		case verdictClientRetry:
			loopClient++
			wait = nextWait
		case verdictServerRetry:
			loopServer++
			wait = nextWait
		}

		log.Debug().Str("url", targetURL).Int("loop_client", loopClient).Int("loop_server", loopServer).Msg("retrying request")
	}
}

// retryExhaustedLabel reduces a target URL to its host for metrics
// cardinality; falling back to the raw string keeps the metric usable even
// against a malformed URL.
func retryExhaustedLabel(targetURL string) string {
	if u, err := url.Parse(targetURL); err == nil && u.Host != "" {
		return u.Host
	}
	return targetURL
}

func doRequest(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp, nil, readErr
	}
	return resp, body, nil
}

// classify implements the UserAgent response classification table
// verbatim: status code and body content decide between an immediate
// success, a client-kind retry, a server-kind retry, or a hard abort.
func classify(resp *http.Response, body []byte, err error, ctx context.Context) (v verdict, penalizeProxy bool, wait time.Duration) {
	if ctx.Err() != nil {
		return verdictAbort, false, 0
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return verdictServerRetry, true, defaultBackoff
		}
		// generic connection error
		return verdictServerRetry, true, defaultBackoff
	}

	if resp == nil {
		return verdictAbort, false, 0
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return verdictOK, false, 0
	case resp.StatusCode == http.StatusNotFound:
		return verdictClientRetry, true, defaultBackoff
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := defaultBackoff
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(strings.TrimSpace(ra)); convErr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return verdictServerRetry, true, wait
	case resp.StatusCode == http.StatusInternalServerError,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout:
		return verdictServerRetry, true, defaultBackoff
	case resp.StatusCode == http.StatusForbidden:
		text := strings.ToLower(string(body))
		if strings.Contains(text, "slow down") ||
			strings.Contains(text, "blocked") ||
			strings.Contains(text, "temporarily blocked your computer") {
			return verdictServerRetry, true, defaultBackoff
		}
		return verdictAbort, true, 0
	default:
		return verdictAbort, false, 0
	}
}

// interruptibleSleep sleeps for d, returning false early if ctx is
// cancelled or the UserAgent is stopped mid-sleep.
func (ua *UserAgent) interruptibleSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return !ua.isStopped()
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if ua.isStopped() {
				return false
			}
		}
	}
}
