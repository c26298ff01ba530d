package proxy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// It registers no management routes (proxy-only mode).
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", requireAuth(g.auther, g.handleChatCompletions))
	r.POST("/v1/completions", requireAuth(g.auther, g.handleCompletions))
	r.POST("/v1/embeddings", requireAuth(g.auther, g.handleEmbeddings))
	r.GET("/v1/models", requireAuth(g.auther, g.handleModels))
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

// handleModels serves GET /v1/models — a listing of every catalog entry with
// at least one binding visible under the request's filters. By default a
// model with no active binding is omitted and deprecated bindings are kept;
// include_deactivated=true surfaces deactivated bindings (and their
// deactivated_at) and exclude_deprecated=true additionally drops deprecated
// ones.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if g.catalog == nil {
		writeJSON(ctx, modelsResponse{Object: "list", Data: []modelObject{}})
		return
	}

	includeDeactivated := string(ctx.QueryArgs().Peek("include_deactivated")) == "true"
	excludeDeprecated := string(ctx.QueryArgs().Peek("exclude_deprecated")) == "true"

	entries := g.catalog.All()
	data := make([]modelObject, 0, len(entries))
	for _, e := range entries {
		mo, ok := modelViewFor(e, includeDeactivated, excludeDeprecated)
		if !ok {
			continue
		}
		data = append(data, mo)
	}
	writeJSON(ctx, modelsResponse{Object: "list", Data: data})
}

// modelViewFor projects a catalog.ModelEntry into the wire shape for one
// GET /v1/models listing, or reports false when the query's filters leave
// the model with no binding to show.
func modelViewFor(e catalog.ModelEntry, includeDeactivated, excludeDeprecated bool) (modelObject, bool) {
	bindings := make([]catalog.ProviderBinding, 0, len(e.Bindings))
	for _, b := range e.Bindings {
		if !includeDeactivated && !b.Active() {
			continue
		}
		if excludeDeprecated && b.DeprecatedAt != 0 {
			continue
		}
		bindings = append(bindings, b)
	}
	if len(bindings) == 0 {
		return modelObject{}, false
	}

	sort.SliceStable(bindings, func(i, j int) bool {
		return bindings[i].EffectiveInputPrice() < bindings[j].EffectiveInputPrice()
	})

	providerViews := make([]modelProviderView, 0, len(bindings))
	hasVision := false
	var deactivatedAt, deprecatedAt *int64
	for _, b := range bindings {
		providerViews = append(providerViews, modelProviderView{
			ProviderID: b.ProviderID,
			ModelName:  b.ProviderModelName,
			Pricing:    pricingFor(b),
		})
		if b.Capabilities.Vision {
			hasVision = true
		}
		if !b.Active() && (deactivatedAt == nil || b.DeactivatedAt < *deactivatedAt) {
			v := b.DeactivatedAt
			deactivatedAt = &v
		}
		if b.DeprecatedAt != 0 && (deprecatedAt == nil || b.DeprecatedAt < *deprecatedAt) {
			v := b.DeprecatedAt
			deprecatedAt = &v
		}
	}

	inputModalities := []string{"text"}
	if hasVision {
		inputModalities = append(inputModalities, "image")
	}

	return modelObject{
		ID:               e.ID,
		Object:           "model",
		OwnedBy:          e.Family,
		Family:           e.Family,
		InputModalities:  inputModalities,
		OutputModalities: []string{"text"},
		Providers:        providerViews,
		Pricing:          pricingFor(bindings[0]),
		DeactivatedAt:    deactivatedAt,
		DeprecatedAt:     deprecatedAt,
	}, true
}

func pricingFor(b catalog.ProviderBinding) modelPricing {
	return modelPricing{
		InputPerToken:       b.EffectiveInputPrice(),
		OutputPerToken:      b.EffectiveOutputPrice(),
		CachedInputPerToken: b.CachedInputPricePerToken,
		RequestPrice:        b.RequestPrice,
		ImagePrice:          b.ImagePrice,
	}
}

type (
	modelsResponse struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}
	modelPricing struct {
		InputPerToken       float64 `json:"input_per_token"`
		OutputPerToken      float64 `json:"output_per_token"`
		CachedInputPerToken float64 `json:"cached_input_per_token,omitempty"`
		RequestPrice        float64 `json:"request_price,omitempty"`
		ImagePrice          float64 `json:"image_price,omitempty"`
	}
	modelProviderView struct {
		ProviderID string       `json:"provider_id"`
		ModelName  string       `json:"model_name"`
		Pricing    modelPricing `json:"pricing"`
	}
	modelObject struct {
		ID               string              `json:"id"`
		Object           string              `json:"object"`
		OwnedBy          string              `json:"owned_by"`
		Family           string              `json:"family"`
		InputModalities  []string            `json:"input_modalities"`
		OutputModalities []string            `json:"output_modalities"`
		Providers        []modelProviderView `json:"providers"`
		Pricing          modelPricing        `json:"pricing"`
		DeactivatedAt    *int64              `json:"deactivated_at,omitempty"`
		DeprecatedAt     *int64              `json:"deprecated_at,omitempty"`
	}
)

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
