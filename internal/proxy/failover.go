package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/credentials"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	// sameCandidateRetries bounds how many times a single provider is retried
	// in place on a transient (5xx/timeout) failure before failover advances
	// to the next candidate in the fallback order. Kept small (1) so the
	// default MaxRetries budget still reaches a fallback candidate instead of
	// being exhausted entirely on a single bad provider.
	sameCandidateRetries = 1

	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// backoffDelay returns a full-jitter exponential backoff delay for the given
// zero-indexed retry attempt: a random duration in [0, min(cap, base*2^n)).
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// failoverEvent records one failover attempt for observability.
type failoverEvent struct {
	From      string
	To        string
	Reason    string
	LatencyMs int64
}

// requestWithFailover tries the primary provider and, on retryable errors,
// walks through a candidate list until one succeeds or g.maxRetries is
// exhausted. The candidate list is catalog-driven (pinned/price/stability
// ordered, capability-filtered) whenever g.catalog resolves req.Model;
// otherwise it falls back to providers.DefaultFallbackOrder.
//
// It skips providers whose circuit breaker is in the Open state, those the
// credential resolver can't configure a key for, and those that reject the
// request's capability requirements (spec.md §4.3 capabilityCheck) — all
// before any upstream call is made.
//
// orgCtx is optional; omit it to skip per-candidate credential resolution
// (providers then use whichever static key they were constructed with).
//
// Returns the successful response, the name of the provider that served it,
// and nil — or nil, "", and an error if every candidate fails.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
	orgCtx ...credentials.OrgContext,
) (*providers.ProxyResponse, string, error) {

	var oc credentials.OrgContext
	if len(orgCtx) > 0 {
		oc = orgCtx[0]
	}

	candidates, modelOverride := g.candidateList(req, primary)

	var lastErr error

	prevProvider := ""
	prevReason := ""
	havePrevFailure := false
	attempts := 0

	for _, name := range candidates {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.providers[name]
		if !ok {
			continue // provider not configured, skip
		}

		// Skip providers whose circuit breaker is open.
		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		// candReq is a per-candidate copy: the resolved credential and, when
		// the catalog supplied a provider-native model name, the translated
		// model go here rather than onto the shared req.
		candReq := *req
		if mn, ok := modelOverride[name]; ok && mn != "" {
			candReq.Model = mn
		}

		if g.credResolver != nil {
			cred, err := g.credResolver.Resolve(oc, name)
			if err != nil {
				g.log.DebugContext(ctx, "credential_not_configured",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
				)
				lastErr = err
				prevProvider = name
				prevReason = "provider_not_configured"
				havePrevFailure = true
				continue
			}
			candReq.APIKey = cred.APIKey
		}

		if cc, ok := prov.(providers.CapabilityChecker); ok {
			if err := cc.CapabilityCheck(&candReq); err != nil {
				g.log.DebugContext(ctx, "capability_rejected",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				lastErr = err
				prevProvider = name
				prevReason = "capability_rejected"
				havePrevFailure = true
				continue
			}
		}

		// We are switching to a different provider after a failure.
		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		var resp *providers.ProxyResponse
		var err error
		var dur time.Duration

		// Retry the same candidate on transient failures before advancing to
		// the next one — a 5xx or timeout from a healthy provider is often a
		// blip, and switching providers mid-blip costs a cold circuit check.
		for sameRetry := 0; attempts < g.maxRetries; sameRetry++ {
			start := time.Now()
			resp, err = prov.Request(ctx, &candReq)
			dur = time.Since(start)
			attempts++

			if err == nil || sameRetry >= sameCandidateRetries || !isRetryable(err) {
				break
			}

			delay := backoffDelay(sameRetry)
			g.log.DebugContext(ctx, "provider_retry_same_candidate",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
				slog.Int("attempt", sameRetry+1),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
			case <-timer.C:
				continue
			}
			break
		}

		latencyMs := dur.Milliseconds()

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			// ── Success ───────────────────────────────────────────────────────
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", latencyMs),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, nil
		}

		// ── Failure ───────────────────────────────────────────────────────────
		if g.cb != nil {
			g.cb.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason
		havePrevFailure = true

		// Non-retryable errors (4xx) abort failover immediately — further
		// providers are unlikely to return a different result for the same
		// request parameters.
		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining providers in DefaultFallbackOrder (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// candidateList builds the failover candidate order for req. When g.catalog
// resolves req.Model to a curated entry, the order follows
// catalog.ListBindings (pinned provider first, then ascending price, then
// stability) restricted to bindings whose Capabilities satisfy req; the
// returned map gives each candidate's provider-native model name so the
// upstream call uses the right identifier instead of the client's string
// verbatim. When the catalog has no entry for req.Model (most models — the
// curated table is a subset), this falls back to buildCandidateList, which
// routes every candidate with the client's model name unchanged, matching
// the legacy ModelAliases behavior.
func (g *Gateway) candidateList(req *providers.ProxyRequest, primary string) ([]string, map[string]string) {
	if g.catalog != nil {
		if names, overrides := catalogCandidates(g.catalog, req); len(names) > 0 {
			return names, overrides
		}
	}
	return buildCandidateList(primary), nil
}

// catalogCandidates resolves req.Model against cat and returns the ordered,
// capability-filtered provider list plus each provider's native model name.
// Returns a nil slice when cat has no entry for the model.
func catalogCandidates(cat *catalog.Catalog, req *providers.ProxyRequest) ([]string, map[string]string) {
	entry, pinned, err := cat.Lookup(req.Model)
	if err != nil {
		return nil, nil
	}
	policy := catalog.BindingPolicy{ExcludeDeprecated: true, PinnedProviderID: pinned}
	bindings := cat.ListBindings(entry, policy)

	names := make([]string, 0, len(bindings))
	overrides := make(map[string]string, len(bindings))
	for _, b := range bindings {
		if !bindingSatisfies(b, req) {
			continue
		}
		names = append(names, b.ProviderID)
		overrides[b.ProviderID] = b.ProviderModelName
	}
	return names, overrides
}

// bindingSatisfies reports whether a binding's declared capabilities cover
// what req asks for (spec.md §4.1/§4.4 step 3: filter before ordering).
func bindingSatisfies(b catalog.ProviderBinding, req *providers.ProxyRequest) bool {
	if req.Stream && !b.Capabilities.Streaming {
		return false
	}
	if len(req.Tools) > 0 && !b.Capabilities.Tools {
		return false
	}
	if req.ResponseFormat == "json_object" || req.ResponseFormat == "json_schema" {
		if !b.Capabilities.JSONOutput {
			return false
		}
	}
	return true
}

// isRetryable returns true for errors that should trigger provider failover.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout, different provider may be faster)
//   - 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true // unknown errors are treated as retryable
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
