// Package credentials resolves, for a given organization and provider, the
// API key and provider-specific connection options the dispatch engine
// needs to call upstream. It prefers an org's own bring-your-own-key over
// the gateway-owned key, matching the BYOK policy in spec.md §4.2.
package credentials

import (
	"errors"
)

// ErrProviderNotConfigured is returned when neither the org nor the
// gateway has a usable key for the requested provider. The dispatch engine
// treats this as a skip-candidate, never a hard failure (spec.md §7).
var ErrProviderNotConfigured = errors.New("credentials: provider not configured")

// OrgContext is populated by the ingress layer's auth collaborator
// (out of core scope per spec.md §1 — the core only consumes it through
// this struct).
type OrgContext struct {
	OrgID            string
	ProjectID        string
	AllowedProviders []string
	BlockedProviders []string
	ProviderKeys     map[string]string // providerId -> org-owned API key, if any
}

// Credential is what an adapter needs to authenticate and address a single
// upstream call.
type Credential struct {
	APIKey string
	BYOK   bool

	// Bedrock-specific.
	RegionPrefix string

	// Azure-specific.
	ResourceName string
	APIVersion   string
}

// GatewayKeyLookup returns the gateway-owned API key for a providerId, or
// "" if none is configured. Implemented by internal/config.Config.
type GatewayKeyLookup interface {
	GatewayKey(providerID string) string
	BedrockRegionPrefix() string
	AzureResourceName() string
	AzureAPIVersion() string
}

// Resolver resolves credentials per spec.md §4.2.
type Resolver struct {
	gateway GatewayKeyLookup
}

// New builds a Resolver backed by the gateway's own configured keys.
func New(gateway GatewayKeyLookup) *Resolver {
	return &Resolver{gateway: gateway}
}

// Resolve returns the credential to use for (org, provider). BYOK keys win
// when present; otherwise the gateway-owned key is used. Bedrock and Azure
// bindings get their extra routing fields populated regardless of key
// source, since those are gateway-operational details, not per-org secrets.
func (r *Resolver) Resolve(orgCtx OrgContext, providerID string) (Credential, error) {
	cred := Credential{}

	if key, ok := orgCtx.ProviderKeys[providerID]; ok && key != "" {
		cred.APIKey = key
		cred.BYOK = true
	} else if r.gateway != nil {
		if key := r.gateway.GatewayKey(providerID); key != "" {
			cred.APIKey = key
		}
	}

	if cred.APIKey == "" {
		return Credential{}, ErrProviderNotConfigured
	}

	if r.gateway != nil {
		switch providerID {
		case "bedrock":
			cred.RegionPrefix = r.gateway.BedrockRegionPrefix()
		case "azure":
			cred.ResourceName = r.gateway.AzureResourceName()
			cred.APIVersion = r.gateway.AzureAPIVersion()
		}
	}

	return cred, nil
}

// Allowed reports whether the org's policy permits dispatching to
// providerID (neither explicitly blocked, nor excluded by an allow-list).
func (o OrgContext) Allowed(providerID string) bool {
	for _, blocked := range o.BlockedProviders {
		if blocked == providerID {
			return false
		}
	}
	if len(o.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range o.AllowedProviders {
		if allowed == providerID {
			return true
		}
	}
	return false
}
