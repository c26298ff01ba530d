package proxy

import (
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Authenticator verifies the inbound request carries a valid gateway
// credential. It returns the caller's opaque org identifier on success.
type Authenticator interface {
	Authenticate(ctx *fasthttp.RequestCtx) (orgID string, ok bool)
}

// StaticAuthenticator checks the Authorization bearer token against a single
// configured gateway API key. A zero-value Key disables authentication —
// every request is accepted under defaultOrgID — matching the teacher's
// default of running open when no key is configured.
type StaticAuthenticator struct {
	Key string
}

// Authenticate implements Authenticator.
func (a StaticAuthenticator) Authenticate(ctx *fasthttp.RequestCtx) (string, bool) {
	if a.Key == "" {
		return defaultOrgID, true
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Key)) != 1 {
		return "", false
	}
	return defaultOrgID, true
}

// requireAuth wraps a handler with gateway authentication when auther is
// non-nil. A nil auther leaves the handler unauthenticated, matching
// GatewayOptions.Authenticator being left unset.
func requireAuth(auther Authenticator, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if auther == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		if _, ok := auther.Authenticate(ctx); !ok {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		next(ctx)
	}
}
