// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target provider, checks the cache, applies rate limiting, and forwards the
// request to the selected provider — falling back to alternatives when the
// primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/credentials"
	"github.com/nulpointcorp/llm-gateway/internal/ledger"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// defaultOrgID is the ledger/logging account used when no client API key is
// presented (AllowClientAPIKeys disabled, or the client sent no bearer
// token). A future ingress auth layer would replace this with a real org id
// resolved from the request.
const defaultOrgID = "default"

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// defaultTPMLimit is a tokens-per-minute figure; nothing in this package
	// reads or enforces it.
	defaultTPMLimit = 2_000_000
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// Catalog provides pricing and capability lookups used to cost each
	// dispatched request. Nil disables cost computation (requests are
	// logged with a zero cost and the ledger, if set, is prechecked and
	// debited with a zero amount).
	Catalog *catalog.Catalog

	// Ledger is the credit ledger precheck'd before dispatch and debited
	// after a successful response. Nil disables ledger enforcement
	// entirely.
	Ledger ledger.Ledger

	// CacheServeCost is debited instead of the full request cost on a cache
	// hit. Default: zero (cache hits are free).
	CacheServeCost decimal.Decimal

	// Authenticator validates inbound requests against a gateway API key.
	// Nil disables authentication (every request is accepted).
	Authenticator Authenticator

	// CredentialResolver resolves per-candidate upstream credentials (BYOK vs.
	// gateway-owned key) during failover. Nil disables resolution entirely —
	// providers then use whatever static key they were constructed with.
	CredentialResolver *credentials.Resolver
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	// Configurable failover parameters (set from GatewayOptions).
	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList
	catalog         *catalog.Catalog
	ledger          ledger.Ledger
	cacheServeCost  decimal.Decimal
	auther          Authenticator
	credResolver    *credentials.Resolver

	// CORS allowed origins. An empty slice or ["*"] allows all origins.
	corsOrigins []string

	allowClientAPIKeys bool
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit readiness probe for
// the cache backend (used by GET /readiness for Kubernetes liveness checks).
func NewGatewayWithProbes(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
) *Gateway {
	return NewGatewayWithOptions(baseCtx, provs, c, cacheReady, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or failover limits.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		cb:                 NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
		catalog:            opts.Catalog,
		ledger:             opts.Ledger,
		cacheServeCost:     opts.CacheServeCost,
		auther:             opts.Authenticator,
		credResolver:       opts.CredentialResolver,
	}

	// Initialise circuit breaker gauges (closed) for known providers.
	if gw.metrics != nil && gw.cb != nil {
		for _, name := range providers.DefaultFallbackOrder {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// orgIDFor returns the ledger/logging account for a request. Requests
// without a client-supplied API key (BYOK disabled, or no bearer token
// sent) are pooled under defaultOrgID.
func orgIDFor(clientKeyID string) string {
	if clientKeyID == "" {
		return defaultOrgID
	}
	return clientKeyID
}

// estimateCost returns g.catalog's pricing for the (model, providerID)
// binding applied to usage, or zero if no catalog is configured or the
// binding can't be found.
func (g *Gateway) estimateCost(model, providerID string, usage providers.Usage) decimal.Decimal {
	if g.catalog == nil {
		return decimal.Zero
	}
	entry, _, err := g.catalog.Lookup(model)
	if err != nil {
		return decimal.Zero
	}
	for _, b := range entry.Bindings {
		if b.ProviderID != providerID {
			continue
		}
		billableInput := usage.InputTokens - usage.CachedTokens
		if billableInput < 0 {
			billableInput = 0
		}
		cost := decimal.NewFromInt(int64(billableInput)).Mul(decimal.NewFromFloat(b.EffectiveInputPrice()))
		cost = cost.Add(decimal.NewFromInt(int64(usage.CachedTokens)).Mul(decimal.NewFromFloat(b.CachedInputPricePerToken)))
		cost = cost.Add(decimal.NewFromInt(int64(usage.OutputTokens)).Mul(decimal.NewFromFloat(b.EffectiveOutputPrice())))
		cost = cost.Add(decimal.NewFromFloat(b.RequestPrice))
		return cost
	}
	return decimal.Zero
}

// precheckLedger is a non-binding balance check before dispatch. A rough
// cost estimate is used since actual usage isn't known until the provider
// responds; MaxTokens (or a conservative default) stands in for output
// tokens. No-op when no ledger is configured.
func (g *Gateway) precheckLedger(ctx context.Context, orgID, model, providerID string, promptChars, maxTokens int) error {
	if g.ledger == nil {
		return nil
	}
	estOutput := maxTokens
	if estOutput <= 0 {
		estOutput = 1024
	}
	est := g.estimateCost(model, providerID, providers.Usage{
		InputTokens:  promptChars / 4,
		OutputTokens: estOutput,
	})
	return g.ledger.Precheck(ctx, orgID, est)
}

// settleLedger debits amount from the ledger for a completed request. Callers
// pass g.cacheServeCost for cache hits and zero for BYOK requests (the client
// supplied their own upstream key); otherwise they pass the computed cost.
func (g *Gateway) settleLedger(ctx context.Context, orgID, requestID string, amount decimal.Decimal) {
	if g.ledger == nil {
		return
	}
	if err := g.ledger.Debit(ctx, orgID, requestID, amount); err != nil {
		g.log.WarnContext(ctx, "ledger_debit_failed",
			slog.String("request_id", requestID),
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via a custom unmarshal in parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
// It resolves the provider from the model name, delegates to the provider's
// Embed method, and returns an OpenAI-compatible response envelope.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)
	orgID := orgIDFor(clientKeyID)
	byok := clientKey != ""

	// 1. Parse request.
	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Resolve provider.
	providerName := resolveEmbeddingProvider(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3a. Ledger precheck using a rough character-count estimate of the
	// embedding inputs.
	var promptChars int
	for _, in := range inputs {
		promptChars += len(in)
	}
	if err := g.precheckLedger(ctx, orgID, req.Model, providerName, promptChars, 0); err != nil {
		apierr.Write(ctx, fasthttp.StatusPaymentRequired,
			"insufficient credits", apierr.TypeInvalidRequest, apierr.CodeInsufficientCredits)
		return
	}

	// 3b. Find a provider that implements EmbeddingProvider.
	prov, ok := g.providers[providerName]
	if !ok {
		// Try the first available provider.
		for _, p := range g.providers {
			prov = p
			break
		}
	}
	if prov != nil {
		servedProvider = prov.Name()
	}

	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 4. Call the provider.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
		APIKey:    clientKey,
		APIKeyID:  clientKeyID,
	}

	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
		}
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.logRequest(logEntry{
			RequestID:         reqID,
			OrgID:             orgID,
			Provider:          servedProvider,
			Model:             req.Model,
			RequestedProvider: providerName,
			RequestedModel:    req.Model,
			Latency:           time.Since(start),
			Status:            fasthttp.StatusBadGateway,
		})
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
	}

	// 5. Build OpenAI-compatible response.
	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}

	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	}
	inputTokens = embResp.Usage.InputTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", prov.Name()),
		slog.String("model", embResp.Model),
		slog.Int("vectors", len(embResp.Data)),
		slog.Int("input_tokens", embResp.Usage.InputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	cost := g.estimateCost(embResp.Model, servedProvider, providers.Usage{InputTokens: embResp.Usage.InputTokens})
	margin := cost
	if byok {
		margin = decimal.Zero
	}
	g.settleLedger(ctx, orgID, reqID, margin)
	g.logRequest(logEntry{
		RequestID:         reqID,
		OrgID:             orgID,
		Provider:          servedProvider,
		Model:             embResp.Model,
		RequestedProvider: providerName,
		RequestedModel:    req.Model,
		InputTokens:       embResp.Usage.InputTokens,
		CostUSD:           cost,
		GatewayMarginUSD:  margin,
		Latency:           time.Since(start),
		Status:            fasthttp.StatusOK,
	})

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and present)
// and a deterministic SHA-256 hash suitable for cache partitioning.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model          string           `json:"model"`
		Messages       []inboundMessage `json:"messages"`
		Stream         bool             `json:"stream"`
		Temperature    float64          `json:"temperature"`
		TopP           float64          `json:"top_p"`
		MaxTokens      int              `json:"max_tokens"`
		Stop           json.RawMessage  `json:"stop"`
		Seed           *int64           `json:"seed"`
		Tools          json.RawMessage  `json:"tools"`
		ToolChoice     json.RawMessage  `json:"tool_choice"`
		ResponseFormat json.RawMessage  `json:"response_format"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	// outboundMetadata echoes the routing decisions the gateway made for this
	// request (requested vs. actually-served model/provider).
	outboundMetadata struct {
		RequestedModel      string `json:"requested_model"`
		RequestedProvider   string `json:"requested_provider"`
		UsedModel           string `json:"used_model"`
		UsedProvider        string `json:"used_provider"`
		UnderlyingUsedModel string `json:"underlying_used_model"`
	}

	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
		Metadata outboundMetadata `json:"metadata"`
	}
)

// parseStopSequences normalises the OpenAI-compatible "stop" field, which
// accepts either a bare string or an array of strings.
func parseStopSequences(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'stop' must be a string or array of strings")
}

// parseResponseFormat extracts the "type" discriminator from an
// OpenAI-style response_format object, e.g. {"type":"json_object"}.
func parseResponseFormat(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var rf struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &rf); err != nil {
		return "", fmt.Errorf("'response_format' must be an object with a 'type' field")
	}
	return rf.Type, nil
}

// parseToolChoice accepts either the bare string form ("auto", "none",
// "required") or the object form ({"type":"function",...}), collapsing both
// to the canonical string ProxyRequest.ToolChoice carries downstream.
func parseToolChoice(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type != "" {
		return obj.Type, nil
	}
	return "", fmt.Errorf("'tool_choice' must be a string or an object with a 'type' field")
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)
	orgID := orgIDFor(clientKeyID)
	byok := clientKey != ""

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Route to provider based on model name.
	providerName := resolveProvider(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("provider", providerName),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 4. Build the normalized ProxyRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	stopSeqs, err := parseStopSequences(req.Stop)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	responseFormat, err := parseResponseFormat(req.ResponseFormat)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	toolChoice, err := parseToolChoice(req.ToolChoice)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	proxyReq := &providers.ProxyRequest{
		Model:          req.Model,
		Messages:       msgs,
		Tools:          []byte(req.Tools),
		ToolChoice:     toolChoice,
		Stream:         req.Stream,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           stopSeqs,
		Seed:           req.Seed,
		ResponseFormat: responseFormat,
		RequestID:      reqID,
		APIKey:         clientKey,
		APIKeyID:       clientKeyID,
	}

	// 4b. Ledger precheck — a non-binding estimate; skipped when no ledger
	// is configured. BYOK requests still precheck, since gateway margin
	// applies even to BYOK responses once GatewayOptions.CacheServeCost or
	// a non-zero margin policy is configured.
	var promptChars int
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	if err := g.precheckLedger(ctx, orgID, req.Model, providerName, promptChars, req.MaxTokens); err != nil {
		apierr.Write(ctx, fasthttp.StatusPaymentRequired,
			"insufficient credits", apierr.TypeInvalidRequest, apierr.CodeInsufficientCredits)
		return
	}

	// 5. Cache lookup — non-streaming, deterministic requests only (temperature
	// 0 or an explicit seed); skip excluded models. A non-zero temperature
	// without a seed makes the upstream response non-reproducible, so caching
	// it would silently replay one sample for every subsequent call.
	deterministic := req.Temperature == 0 || req.Seed != nil
	cacheEligible := !req.Stream && deterministic && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			// Best-effort token extraction from cached payload.
			var cu struct {
				Model string `json:"model"`
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}

			cost := g.estimateCost(req.Model, providerName, providers.Usage{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			margin := g.cacheServeCost
			g.settleLedger(ctx, orgID, reqID, margin)
			g.logRequest(logEntry{
				RequestID:         reqID,
				OrgID:             orgID,
				Provider:          providerName,
				Model:             req.Model,
				RequestedProvider: providerName,
				RequestedModel:    req.Model,
				InputTokens:       inputTokens,
				OutputTokens:      outputTokens,
				CostUSD:           cost,
				GatewayMarginUSD:  margin,
				Latency:           time.Since(start),
				Status:            fasthttp.StatusOK,
				Cached:            true,
			})
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6. Call provider with automatic failover. Cache-eligible non-streaming
	// requests coalesce concurrent identical calls through the single-flight
	// cache wrapper (at most one in-flight upstream fill per key); a request
	// that joins someone else's fill never calls the provider and is billed
	// like a cache hit (CacheServeCost margin) once the fill lands.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	// orgCtx carries the client's BYOK key (if any) for the primary provider
	// only — a key scoped to one provider is never forwarded to a different
	// fallback candidate (see credentials.Resolver.Resolve).
	orgCtx := credentials.OrgContext{OrgID: orgID}
	if byok {
		orgCtx.ProviderKeys = map[string]string{providerName: clientKey}
	}

	var (
		resp            *providers.ProxyResponse
		usedProvider    string
		body            []byte
		joined          bool
		viaSingleflight bool
	)

	if sfc, ok := g.cache.(*cache.SingleflightCache); cacheEligible && ok {
		cacheKey := buildCacheKey(proxyReq)
		ranFiller := false
		fillBody, fillErr := sfc.GetOrCompute(ctx, cacheKey, func() ([]byte, time.Duration, error) {
			ranFiller = true
			r, up, ferr := g.requestWithFailover(provCtx, proxyReq, providerName, route, orgCtx)
			if ferr != nil {
				return nil, 0, ferr
			}
			r.Metadata.RequestedModel = req.Model
			r.Metadata.RequestedProvider = providerName
			b, merr := buildChatResponseBody(r, up)
			if merr != nil {
				return nil, 0, merr
			}
			resp = r
			usedProvider = up
			return b, g.cacheTTL, nil
		})
		if fillErr != nil {
			g.log.ErrorContext(ctx, "provider_error",
				slog.String("request_id", reqID),
				slog.String("primary_provider", providerName),
				slog.String("error", fillErr.Error()),
				slog.Duration("elapsed", time.Since(start)),
			)
			handleProviderError(ctx, fillErr)
			g.logRequest(logEntry{
				RequestID:         reqID,
				OrgID:             orgID,
				Provider:          providerName,
				Model:             req.Model,
				RequestedProvider: providerName,
				RequestedModel:    req.Model,
				Latency:           time.Since(start),
				Status:            fasthttp.StatusBadGateway,
			})
			return
		}
		body = fillBody
		joined = !ranFiller
		viaSingleflight = true
		if ranFiller {
			servedProvider = usedProvider
			cacheLabel = "miss"
			if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		} else {
			servedProvider = providerName
			cacheLabel = "hit"
			cached = true
		}
	} else {
		r, up, ferr := g.requestWithFailover(provCtx, proxyReq, providerName, route, orgCtx)
		if ferr != nil {
			g.log.ErrorContext(ctx, "provider_error",
				slog.String("request_id", reqID),
				slog.String("primary_provider", providerName),
				slog.String("error", ferr.Error()),
				slog.Duration("elapsed", time.Since(start)),
			)
			handleProviderError(ctx, ferr)
			g.logRequest(logEntry{
				RequestID:         reqID,
				OrgID:             orgID,
				Provider:          providerName,
				Model:             req.Model,
				RequestedProvider: providerName,
				RequestedModel:    req.Model,
				Latency:           time.Since(start),
				Status:            fasthttp.StatusBadGateway,
			})
			return
		}
		r.Metadata.RequestedModel = req.Model
		r.Metadata.RequestedProvider = providerName
		resp = r
		usedProvider = up
		servedProvider = usedProvider
	}

	// 7a. Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		capturedProvider := usedProvider
		writeSSE(ctx, resp, func(outputTokens int) {
			cost := g.estimateCost(resp.Model, usedProvider, providers.Usage{OutputTokens: outputTokens})
			margin := cost
			if byok {
				margin = decimal.Zero
			}
			g.settleLedger(ctx, orgID, reqID, margin)
			g.logRequest(logEntry{
				RequestID:         reqID,
				OrgID:             orgID,
				Provider:          usedProvider,
				Model:             resp.Model,
				RequestedProvider: providerName,
				RequestedModel:    req.Model,
				OutputTokens:      outputTokens,
				CostUSD:           cost,
				GatewayMarginUSD:  margin,
				Latency:           time.Since(capturedStart),
				Status:            fasthttp.StatusOK,
			})
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, 0, outputTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 7b. Non-streaming — serialize the response envelope, unless a
	// single-flight fill already produced one (resp is nil for a joined
	// request; its bytes came from the fill leader).
	model := req.Model
	if body == nil {
		b, merr := buildChatResponseBody(resp, usedProvider)
		if merr != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		body = b
		model = resp.Model
	} else if resp != nil {
		model = resp.Model
	}

	// 8. Populate cache for future identical requests. Single-flight fills
	// already stored their result inside GetOrCompute.
	if cacheEligible && !viaSingleflight {
		cacheKey := buildCacheKey(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	// 9. Settle the ledger and emit a request log entry asynchronously. BYOK
	// requests (client supplied their own upstream key) still record the
	// full provider cost for observability but debit zero gateway margin —
	// see the Credit Ledger Interface's BYOK logging cost policy. A joined
	// single-flight request never called the provider, so it's billed like
	// a cache hit instead (CacheServeCost margin, best-effort token count
	// from the shared response body).
	var usage providers.Usage
	if resp != nil {
		usage = resp.Usage
	} else {
		var cu struct {
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if jerr := json.Unmarshal(body, &cu); jerr == nil {
			usage = providers.Usage{InputTokens: cu.Usage.PromptTokens, OutputTokens: cu.Usage.CompletionTokens}
		}
	}

	cost := g.estimateCost(model, servedProvider, usage)
	var margin decimal.Decimal
	switch {
	case joined:
		margin = g.cacheServeCost
	case byok:
		margin = decimal.Zero
	default:
		margin = cost
	}
	g.settleLedger(ctx, orgID, reqID, margin)
	g.logRequest(logEntry{
		RequestID:         reqID,
		OrgID:             orgID,
		Provider:          servedProvider,
		Model:             model,
		RequestedProvider: providerName,
		RequestedModel:    req.Model,
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CachedTokens:      usage.CachedTokens,
		ReasoningTokens:   usage.ReasoningTokens,
		CostUSD:           cost,
		GatewayMarginUSD:  margin,
		Latency:           time.Since(start),
		Status:            fasthttp.StatusOK,
		Cached:            joined,
	})
	inputTokens = usage.InputTokens
	outputTokens = usage.OutputTokens
	if cacheEligible {
		if joined {
			cacheLabel = "hit"
		} else {
			cacheLabel = "miss"
		}
	} else {
		cacheLabel = "bypass"
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", servedProvider),
		slog.String("model", model),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	if joined {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// logEntry carries everything logRequest needs to emit one usage record.
// CostUSD is the full provider-cost of the request; GatewayMarginUSD is
// what's actually debited from the ledger (zero under BYOK — see
// dispatchChat).
type logEntry struct {
	RequestID         string
	OrgID             string
	Provider          string
	Model             string
	RequestedProvider string
	RequestedModel    string
	InputTokens       int
	OutputTokens      int
	CachedTokens      int
	ReasoningTokens   int
	CostUSD           decimal.Decimal
	GatewayMarginUSD  decimal.Decimal
	Latency           time.Duration
	TTFBMs            uint16
	Status            int
	Cached            bool
}

// logRequest enqueues a LogRecord entry to the async logger. Never blocks.
func (g *Gateway) logRequest(e logEntry) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(e.RequestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(e.Latency.Milliseconds())
	if e.Latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.LogRecord{
		ID:                reqUUID,
		OrgID:             e.OrgID,
		Provider:          e.Provider,
		Model:             e.Model,
		RequestedProvider: e.RequestedProvider,
		RequestedModel:    e.RequestedModel,
		InputTokens:       uint32(e.InputTokens),
		OutputTokens:     uint32(e.OutputTokens),
		CachedTokens:     uint32(e.CachedTokens),
		ReasoningTokens:  uint32(e.ReasoningTokens),
		CostUSD:          e.CostUSD,
		GatewayMarginUSD: e.GatewayMarginUSD,
		LatencyMs:        latencyMs,
		TTFBMs:           e.TTFBMs,
		Status:           uint16(e.Status),
		Cached:           e.Cached,
		CreatedAt:        time.Now(),
	})
}

// buildChatResponseBody serializes a provider response into the
// OpenAI-compatible chat.completion envelope clients expect. servedProvider
// is the provider that actually produced resp; the client-facing model name
// is echoed as "provider/baseModel" (e.g. "openai/gpt-4o") so callers can
// tell which upstream served a fallback-routed request.
func buildChatResponseBody(resp *providers.ProxyResponse, servedProvider string) ([]byte, error) {
	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = providers.FinishStop
	}
	qualifiedModel := resp.Model
	if servedProvider != "" {
		qualifiedModel = servedProvider + "/" + resp.Model
	}
	meta := resp.Metadata
	meta.UsedProvider = servedProvider
	meta.UsedModel = qualifiedModel
	meta.UnderlyingUsedModel = resp.Model

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   qualifiedModel,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Metadata: outboundMetadata{
			RequestedModel:      meta.RequestedModel,
			RequestedProvider:   meta.RequestedProvider,
			UsedModel:           meta.UsedModel,
			UsedProvider:        meta.UsedProvider,
			UnderlyingUsedModel: meta.UnderlyingUsedModel,
		},
	}
	return json.Marshal(out)
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The provider name is included to prevent cross-provider key collisions when
// two providers share a model name.
func buildCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	seed := int64(0)
	if req.Seed != nil {
		seed = *req.Seed
	}
	data, _ := json.Marshal(struct {
		W    string   `json:"w"`
		K    string   `json:"k"`
		P    string   `json:"p"`
		M    string   `json:"m"`
		T    string   `json:"t"`
		MT   int      `json:"mt"`
		S    int64    `json:"s"`
		RF   string   `json:"rf"`
		TP   float64  `json:"tp"`
		St   []string `json:"st"`
		Tl   string   `json:"tl"`
		TC   string   `json:"tc"`
		Msgs []msg    `json:"msgs"`
	}{
		req.WorkspaceID,
		req.APIKeyID,
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		seed,
		req.ResponseFormat,
		req.TopP,
		req.Stop,
		string(req.Tools),
		req.ToolChoice,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events.
// onComplete is called once the stream drains with an estimated output token
// count (≈ chars/4), enabling async logging for streaming requests.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
