// sweep/proxy_manager.go
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracertea/src/keysweep/lookupclient"
)

const (
	failureThreshold      = 3
	cooldownDuration      = 5 * time.Minute
	probeInterval         = 1 * time.Minute
	statusLogInterval     = 1 * time.Minute
	throughputLogInterval = 1 * time.Minute
)

var errNoHealthyClients = errors.New("no healthy proxies available")

type proxyState struct {
	client        *lookupclient.Client
	failures      int
	isUnhealthy   bool
	cooldownUntil time.Time
}

// ClientPool spreads lookups over one client per configured proxy (or a
// single direct client), tracking their health with a circuit breaker.
type ClientPool struct {
	mu             sync.Mutex
	proxies        []*proxyState
	next           int // for round-robin
	verbose        bool
	logger         *slog.Logger
	endpoint       string
	cooldown       time.Duration
	activeRequests atomic.Int64
	keysProcessed  atomic.Int64
}

// NewClientPool creates the pool and starts its probe and logging
// goroutines, which stop when ctx is done.
func NewClientPool(ctx context.Context, config *Config) (*ClientPool, error) {
	endpoint, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}
	pm := &ClientPool{
		verbose:  config.Verbose,
		logger:   config.logger(),
		endpoint: endpoint.Redacted(),
		cooldown: config.BreakerCooldown,
	}
	if pm.cooldown <= 0 {
		pm.cooldown = cooldownDuration
	}

	proxies := config.Proxies
	if len(proxies) == 0 {
		proxies = []string{""} // direct connection
	}

	for _, proxyAddr := range proxies {
		var proxyURL *url.URL
		if proxyAddr != "" {
			proxyURL, err = url.Parse(proxyAddr)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url %q: %w", proxyAddr, err)
			}
		}
		httpClient, err := lookupclient.NewHTTPClientWithProxy(proxyURL, config.RequestTimeout)
		if err != nil {
			return nil, err
		}

		addrForLog := "direct"
		if proxyURL != nil {
			addrForLog = proxyURL.Redacted()
		}
		pm.proxies = append(pm.proxies, &proxyState{
			client: &lookupclient.Client{
				URL:        endpoint,
				Action:     config.Action,
				HTTPClient: httpClient,
				Name:       addrForLog,
			},
		})
	}
	pm.logger.Debug("client pool initialized", slog.String("endpoint", pm.endpoint), slog.Int("proxies", len(pm.proxies)))

	go pm.startProbing(ctx)
	go pm.startStatusLogger(ctx)
	go pm.startThroughputLogger(ctx)

	return pm, nil
}

// Lookup performs one request through the next healthy client and
// records the result against that client's health.  While every client
// is cooling down, Lookup waits for the first to come back rather than
// failing, so the wait never costs the caller an attempt.
func (pm *ClientPool) Lookup(ctx context.Context, token string, id string) ([]byte, error) {
	client, err := pm.awaitClient(ctx)
	if err != nil {
		return nil, err
	}
	pm.activeRequests.Add(1)
	body, err := client.Lookup(ctx, token, id)
	pm.activeRequests.Add(-1)

	if countsAgainstProxy(ctx, err) {
		pm.ReportFailure(client)
	} else {
		pm.ReportSuccess(client)
	}
	return body, err
}

// awaitClient returns the next healthy client, sleeping until the
// earliest cooldown ends whenever none is available.  It fails only when
// ctx is done.
func (pm *ClientPool) awaitClient(ctx context.Context) (*lookupclient.Client, error) {
	for {
		client, _, err := pm.GetClient()
		if err == nil {
			return client, nil
		}
		wait := max(time.Until(pm.nextRevival()), 0)
		pm.logger.Debug("waiting for a proxy to leave cooldown", slog.String("endpoint", pm.endpoint), slog.Duration("wait", wait))
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
		pm.reviveCooledDown(time.Now())
	}
}

// nextRevival returns the earliest cooldown deadline among tripped
// proxies, or the zero time if none is tripped.
func (pm *ClientPool) nextRevival() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var earliest time.Time
	for _, p := range pm.proxies {
		if p.isUnhealthy && (earliest.IsZero() || p.cooldownUntil.Before(earliest)) {
			earliest = p.cooldownUntil
		}
	}
	return earliest
}

// countsAgainstProxy reports whether err says something about the path to
// the service rather than about the key or the credential.
func countsAgainstProxy(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var httpErr *lookupclient.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	return true
}

func (pm *ClientPool) startThroughputLogger(ctx context.Context) {
	if !pm.verbose {
		return
	}

	ticker := time.NewTicker(throughputLogInterval)
	defer ticker.Stop()

	var lastCount int64
	var lastTime time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			currentCount := pm.keysProcessed.Load()

			// The first tick only captures a baseline.
			if !lastTime.IsZero() {
				elapsed := t.Sub(lastTime).Seconds()
				processedInInterval := currentCount - lastCount
				if elapsed > 0 {
					pm.logger.Info("throughput",
						slog.String("endpoint", pm.endpoint),
						slog.Float64("keys_per_sec", float64(processedInInterval)/elapsed),
						slog.Int64("keys", processedInInterval),
						slog.Duration("interval", t.Sub(lastTime)),
					)
				}
			}

			lastCount = currentCount
			lastTime = t
		}
	}
}

// AddKeysProcessed adds to the counter reported by the throughput logger.
func (pm *ClientPool) AddKeysProcessed(count int64) {
	pm.keysProcessed.Add(count)
}

// GetClient returns a healthy client from the pool using round-robin.
// If all proxies are unhealthy, it returns errNoHealthyClients.
func (pm *ClientPool) GetClient() (*lookupclient.Client, string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i := 0; i < len(pm.proxies); i++ {
		idx := (pm.next + i) % len(pm.proxies)
		proxy := pm.proxies[idx]

		if !proxy.isUnhealthy {
			pm.next = (idx + 1) % len(pm.proxies)
			return proxy.client, proxy.client.Name, nil
		}
	}
	pm.logger.Debug("no healthy proxies available", slog.String("endpoint", pm.endpoint))
	return nil, "", errNoHealthyClients
}

// ReportFailure is called when a request through failedClient fails.
func (pm *ClientPool) ReportFailure(failedClient *lookupclient.Client) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.proxies {
		if p.client != failedClient {
			continue
		}
		// Already tripped: this failure is from a request that started
		// before the circuit opened.
		if p.isUnhealthy {
			return
		}

		p.failures++
		pm.logger.Debug("proxy failure reported",
			slog.String("proxy", p.client.Name),
			slog.Int("failures", p.failures),
			slog.Int("threshold", failureThreshold),
		)
		if p.failures >= failureThreshold {
			p.isUnhealthy = true
			p.cooldownUntil = time.Now().Add(pm.cooldown)
			pm.logger.Warn("proxy marked unhealthy",
				slog.String("proxy", p.client.Name),
				slog.Time("cooldown_until", p.cooldownUntil),
			)
		}
		return
	}
}

// ReportSuccess is called when a request through succeededClient succeeds.
func (pm *ClientPool) ReportSuccess(succeededClient *lookupclient.Client) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.proxies {
		if p.client != succeededClient {
			continue
		}
		p.failures = 0
		if p.isUnhealthy {
			pm.logger.Info("proxy marked healthy again", slog.String("proxy", p.client.Name))
			p.isUnhealthy = false
		}
		return
	}
}

// startProbing periodically returns cooled-down proxies to rotation.
func (pm *ClientPool) startProbing(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pm.reviveCooledDown(now)
		}
	}
}

// reviveCooledDown puts proxies whose cooldown has passed into the
// half-open state: usable again, tripped by the next run of failures.
func (pm *ClientPool) reviveCooledDown(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range pm.proxies {
		if p.isUnhealthy && !now.Before(p.cooldownUntil) {
			pm.logger.Debug("probing proxy after cooldown", slog.String("proxy", p.client.Name))
			p.isUnhealthy = false
			p.failures = 0
		}
	}
}

func (pm *ClientPool) statusLine() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var statusStrings []string
	for _, p := range pm.proxies {
		status := "HEALTHY"
		if p.isUnhealthy {
			status = fmt.Sprintf("UNHEALTHY (cooldown until %s)", p.cooldownUntil.Format(time.Kitchen))
		}
		statusStrings = append(statusStrings, fmt.Sprintf("%s: %s, failures: %d/%d", p.client.Name, status, p.failures, failureThreshold))
	}
	return strings.Join(statusStrings, " | ")
}

func (pm *ClientPool) startStatusLogger(ctx context.Context) {
	if !pm.verbose {
		return
	}

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.logger.Info("proxy status",
				slog.String("endpoint", pm.endpoint),
				slog.Int64("active_requests", pm.activeRequests.Load()),
				slog.String("proxies", pm.statusLine()),
			)
		}
	}
}
