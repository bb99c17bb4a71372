// Package caltopo delivers resolved position reports to the CalTopo
// position-report API. Each report fans out to every configured destination
// concurrently, with per-destination retry and backoff, so one slow or
// failing destination never delays or cancels the others. Destination
// identifiers are secrets: they are validated before any request is built
// and scrubbed from every log line.
package caltopo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wpamesh/meshtopo/pkg/config"
	"github.com/wpamesh/meshtopo/pkg/models"
)

// probeCallsign is the synthetic id used by TestConnection. The API may
// reject the fix itself; any HTTP response proves the endpoint is reachable.
const probeCallsign = "TEST"

// Options tunes a Reporter beyond its configuration.
type Options struct {
	// Client, when set, is adopted instead of creating an owned client.
	// A supplied client is shared and survives Close.
	Client *http.Client
}

// Reporter sends position reports to the configured destinations.
type Reporter struct {
	log        *slog.Logger
	cfg        *config.Configuration
	allowlist  []*regexp.Regexp
	startOnce  sync.Once
	client     *http.Client
	ownsClient bool
}

// New builds a Reporter. An invalid URL allowlist pattern is a
// configuration fault and refuses to initialize.
func New(cfg *config.Configuration, log *slog.Logger, opts Options) (*Reporter, error) {
	allowlist, err := compileAllowlist(cfg.CalTopo.URLAllowlist)
	if err != nil {
		return nil, err
	}
	return &Reporter{
		log:       log,
		cfg:       cfg,
		allowlist: allowlist,
		client:    opts.Client,
	}, nil
}

// Start prepares the shared HTTP client. Idempotent, and invoked by the
// send paths as well, so a forgotten Start is harmless.
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		if r.client == nil {
			r.client = &http.Client{Timeout: r.cfg.CalTopo.Timeout}
			r.ownsClient = true
		}
	})
}

// Close tears down the HTTP client's idle connections, but only if this
// Reporter created the client. A caller-supplied client is left alone.
func (r *Reporter) Close() {
	if r.ownsClient {
		r.client.CloseIdleConnections()
	}
}

// SendPositionUpdate delivers one report to every configured destination
// concurrently. It returns true if at least one destination accepted the
// report; partial failure is logged per destination but never escalated as
// long as one delivery succeeds.
func (r *Reporter) SendPositionUpdate(ctx context.Context, report models.PositionReport) bool {
	r.Start()
	return r.scatter(r.destinationsFor(report.Group), func(dest models.Destination) bool {
		return r.sendToDestination(ctx, dest, report)
	})
}

// TestConnection probes every configured destination once, used at startup
// to fail fast on misconfiguration. A destination counts as reachable on
// any HTTP response, success or not; only a transport failure marks it
// unreachable. True if at least one destination responded.
func (r *Reporter) TestConnection(ctx context.Context) bool {
	r.Start()
	return r.scatter(r.destinationsFor(""), func(dest models.Destination) bool {
		return r.probeDestination(ctx, dest)
	})
}

// scatter runs fn once per destination, each on its own goroutine, and
// gathers the results. One destination's failure does not interrupt the
// others' in-flight attempts.
func (r *Reporter) scatter(dests []models.Destination, fn func(models.Destination) bool) bool {
	if len(dests) == 0 {
		r.log.Error("no delivery destinations configured")
		return false
	}

	results := make(chan bool, len(dests))
	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- fn(dest)
		}()
	}
	wg.Wait()
	close(results)

	delivered := false
	for ok := range results {
		delivered = delivered || ok
	}
	return delivered
}

// destinationsFor assembles the destination set for one report. A non-empty
// group override replaces the configured group identifier; the connect-key
// destination is unaffected by overrides.
func (r *Reporter) destinationsFor(groupOverride string) []models.Destination {
	var dests []models.Destination
	if key := r.cfg.CalTopo.ConnectKey; key != "" {
		dests = append(dests, models.Destination{Kind: models.DestinationConnectKey, Secret: key})
	}
	group := groupOverride
	if group == "" {
		group = r.cfg.CalTopo.Group
	}
	if group != "" {
		dests = append(dests, models.Destination{Kind: models.DestinationGroup, Secret: group})
	}
	return dests
}

// sendToDestination runs the delivery attempt loop for a single
// destination: validate, request, classify, back off, repeat. The backoff
// doubles from the configured base up to the configured cap, plus up to 25%
// jitter, and the loop unwinds promptly on context cancellation.
func (r *Reporter) sendToDestination(ctx context.Context, dest models.Destination, report models.PositionReport) bool {
	requestURL, ok := r.buildRequestURL(dest, report.Callsign, report.Latitude, report.Longitude)
	if !ok {
		return false
	}

	maxAttempts := r.cfg.CalTopo.RetryMaxAttempts
	delay := r.cfg.CalTopo.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		status, err := r.get(ctx, requestURL)
		switch classify(status, err) {
		case outcomeSuccess:
			r.log.Info("position delivered",
				"callsign", report.Callsign,
				"destination", string(dest.Kind),
				"status", status,
				"attempt", attempt)
			return true
		case outcomeFatal:
			r.log.Error("destination rejected position, not retrying",
				"callsign", report.Callsign,
				"destination", string(dest.Kind),
				"status", status)
			return false
		}

		cause := fmt.Sprintf("HTTP %d", status)
		if err != nil {
			cause = redact(err.Error(), dest.Secret)
		}
		if attempt >= maxAttempts {
			r.log.Error("destination failed after exhausting retries",
				"callsign", report.Callsign,
				"destination", string(dest.Kind),
				"attempts", attempt,
				"cause", cause)
			return false
		}
		r.log.Warn("position send failed, retrying",
			"destination", string(dest.Kind),
			"attempt", attempt,
			"backoff", delay,
			"cause", cause)
		if !r.sleep(ctx, delay) {
			return false
		}
		delay = min(2*delay, r.cfg.CalTopo.RetryMaxDelay)
	}
}

// probeDestination issues a single probe request with a fixed synthetic
// position.
func (r *Reporter) probeDestination(ctx context.Context, dest models.Destination) bool {
	requestURL, ok := r.buildRequestURL(dest, probeCallsign, 0, 0)
	if !ok {
		return false
	}
	status, err := r.get(ctx, requestURL)
	if err != nil {
		r.log.Error("connectivity probe failed",
			"destination", string(dest.Kind),
			"error", redact(err.Error(), dest.Secret))
		return false
	}
	r.log.Info("connectivity probe ok",
		"destination", string(dest.Kind),
		"status", status)
	return true
}

// buildRequestURL validates the destination and assembles the GET URL.
// Failure here is local and final: no request is issued, and retrying could
// not change the outcome.
func (r *Reporter) buildRequestURL(dest models.Destination, callsign string, lat, lng float64) (string, bool) {
	if !validSecret(dest.Secret) {
		r.log.Error("destination identifier failed validation, dropping send",
			"destination", string(dest.Kind),
			"identifier", redactedPlaceholder)
		return "", false
	}
	base := strings.TrimRight(r.cfg.CalTopo.BaseURL, "/")
	if !allowedBase(base, r.allowlist) {
		r.log.Error("base url not covered by allowlist, dropping send",
			"destination", string(dest.Kind),
			"base_url", base)
		return "", false
	}

	query := url.Values{}
	query.Set("id", callsign)
	query.Set("lat", formatCoordinate(lat))
	query.Set("lng", formatCoordinate(lng))
	return base + "/" + dest.Secret + "?" + query.Encode(), true
}

func (r *Reporter) get(ctx context.Context, requestURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// sleep waits for delay plus up to 25% jitter, returning false if the
// context is cancelled first.
func (r *Reporter) sleep(ctx context.Context, delay time.Duration) bool {
	wait := delay
	if quarter := delay / 4; quarter > 0 {
		wait += rand.N(quarter)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type outcome int

const (
	outcomeRetryable outcome = iota
	outcomeSuccess
	outcomeFatal
)

// classify buckets one attempt's result. Transport errors, 429, and 5xx are
// retryable; any other non-2xx means the request as built will never
// succeed, so it fails the attempt immediately.
func classify(status int, err error) outcome {
	switch {
	case err != nil:
		return outcomeRetryable
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusTooManyRequests:
		return outcomeRetryable
	case status >= 500:
		return outcomeRetryable
	default:
		return outcomeFatal
	}
}

// formatCoordinate renders a decimal-degree value with the shortest exact
// representation, so 61.218846 stays 61.218846 on the wire.
func formatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
