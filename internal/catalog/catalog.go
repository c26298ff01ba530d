// Package catalog holds the static, process-wide table of models and the
// providers that can serve them. It is read-only after New returns and safe
// for concurrent callers without additional locking.
package catalog

import (
	"errors"
	"sort"
	"strings"
)

// Stability describes the declared maturity of a (model, provider) pair.
// Lower values sort first when ordering fallback candidates.
type Stability int

const (
	StabilityStable Stability = iota
	StabilityBeta
	StabilityUnstable
	StabilityExperimental
)

// Capabilities records the feature set a binding supports.
type Capabilities struct {
	Streaming         bool
	Vision            bool
	Tools             bool
	ParallelToolCalls bool
	Reasoning         bool
	JSONOutput        bool
}

// ProviderBinding is one (model, provider) pair: pricing, limits, and the
// provider's own name for the model.
type ProviderBinding struct {
	ProviderID        string
	ProviderModelName string

	InputPricePerToken       float64
	OutputPricePerToken      float64
	CachedInputPricePerToken float64
	RequestPrice             float64
	ImagePrice               float64

	ContextWindow int
	MaxOutput     int

	Capabilities Capabilities
	Discount     float64 // fraction, e.g. 0.1 = 10% off input+output price
	Stability    Stability

	DeactivatedAt int64 // unix seconds, 0 = active
	DeprecatedAt  int64 // unix seconds, 0 = not deprecated
}

// Active reports whether the binding may currently be selected.
func (b ProviderBinding) Active() bool { return b.DeactivatedAt == 0 }

// EffectiveInputPrice is the input price after the binding's discount.
func (b ProviderBinding) EffectiveInputPrice() float64 {
	return b.InputPricePerToken * (1 - b.Discount)
}

// EffectiveOutputPrice is the output price after the binding's discount.
func (b ProviderBinding) EffectiveOutputPrice() float64 {
	return b.OutputPricePerToken * (1 - b.Discount)
}

// ProviderInfo is static metadata about an upstream provider family.
type ProviderInfo struct {
	ProviderID     string
	DisplayName    string
	BaseURLTmpl    string
	AuthScheme     AuthScheme
	EnvKeyVar      string
	NativeStreamSSE bool
}

// AuthScheme enumerates the auth mechanisms adapters use.
type AuthScheme int

const (
	AuthBearer AuthScheme = iota
	AuthAPIKeyHeader
	AuthSignedAWS
)

// ModelEntry is a model and its ordered list of provider bindings.
type ModelEntry struct {
	ID       string
	Display  string
	Family   string
	Bindings []ProviderBinding
}

// HasServableBinding reports whether at least one binding is active.
func (m ModelEntry) HasServableBinding() bool {
	for _, b := range m.Bindings {
		if b.Active() {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownModel is returned by Lookup when the model string resolves
	// to nothing in the table.
	ErrUnknownModel = errors.New("catalog: unknown model")
)

// Catalog is the read-only, process-wide model/provider table.
type Catalog struct {
	models    map[string]ModelEntry
	aliases   map[string]string // alias -> model id
	providers map[string]ProviderInfo
}

// New builds a Catalog from the static table in table.go. The table is
// baked into the binary; there is no authoring component in this exercise's
// scope (spec.md §1: "Model catalog authoring... is an input, not a
// component").
func New() *Catalog {
	c := &Catalog{
		models:    make(map[string]ModelEntry, len(modelTable)),
		aliases:   make(map[string]string, len(aliasTable)),
		providers: make(map[string]ProviderInfo, len(providerTable)),
	}
	for _, m := range modelTable {
		c.models[m.ID] = m
	}
	for alias, id := range aliasTable {
		c.aliases[alias] = id
	}
	for _, p := range providerTable {
		c.providers[p.ProviderID] = p
	}
	return c
}

// Provider returns static metadata for a providerId.
func (c *Catalog) Provider(providerID string) (ProviderInfo, bool) {
	p, ok := c.providers[providerID]
	return p, ok
}

// Lookup resolves a model string to a ModelEntry. The string may be a bare
// model id, an alias, or "provider/model". When the caller pinned a
// provider (the "provider/model" form), pinnedProviderID is returned
// non-empty so the caller can validate that binding exists and is active.
func (c *Catalog) Lookup(modelString string) (entry ModelEntry, pinnedProviderID string, err error) {
	if m, ok := c.models[modelString]; ok {
		return m, "", nil
	}
	if id, ok := c.aliases[modelString]; ok {
		if m, ok := c.models[id]; ok {
			return m, "", nil
		}
	}
	if provID, rest, ok := strings.Cut(modelString, "/"); ok {
		if m, ok := c.models[rest]; ok {
			return m, provID, nil
		}
		if id, ok := c.aliases[rest]; ok {
			if m, ok := c.models[id]; ok {
				return m, provID, nil
			}
		}
	}
	return ModelEntry{}, "", ErrUnknownModel
}

// BindingPolicy controls which bindings ListBindings returns.
type BindingPolicy struct {
	ExcludeDeprecated bool
	ExcludeUnstable   bool
	PinnedProviderID  string
}

// ListBindings returns the entry's bindings filtered by policy and ordered:
// pinned provider first, then ascending effective input price, then by
// stability (stable < beta < unstable < experimental). Deactivated
// bindings are always excluded.
func (c *Catalog) ListBindings(entry ModelEntry, policy BindingPolicy) []ProviderBinding {
	out := make([]ProviderBinding, 0, len(entry.Bindings))
	for _, b := range entry.Bindings {
		if !b.Active() {
			continue
		}
		if policy.ExcludeDeprecated && b.DeprecatedAt != 0 {
			continue
		}
		if policy.ExcludeUnstable && (b.Stability == StabilityUnstable || b.Stability == StabilityExperimental) {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi := out[i].ProviderID == policy.PinnedProviderID && policy.PinnedProviderID != ""
		pj := out[j].ProviderID == policy.PinnedProviderID && policy.PinnedProviderID != ""
		if pi != pj {
			return pi
		}
		if out[i].EffectiveInputPrice() != out[j].EffectiveInputPrice() {
			return out[i].EffectiveInputPrice() < out[j].EffectiveInputPrice()
		}
		return out[i].Stability < out[j].Stability
	})
	return out
}

// All returns every model entry, for catalog listing endpoints.
func (c *Catalog) All() []ModelEntry {
	out := make([]ModelEntry, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
