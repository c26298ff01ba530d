package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestStaticAuthenticator_NoKeyConfigured(t *testing.T) {
	a := StaticAuthenticator{}
	ctx := &fasthttp.RequestCtx{}

	org, ok := a.Authenticate(ctx)
	if !ok || org != defaultOrgID {
		t.Errorf("expected (%s, true), got (%s, %v)", defaultOrgID, org, ok)
	}
}

func TestStaticAuthenticator_ValidKey(t *testing.T) {
	a := StaticAuthenticator{Key: "secret"}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer secret")

	org, ok := a.Authenticate(ctx)
	if !ok || org != defaultOrgID {
		t.Errorf("expected (%s, true), got (%s, %v)", defaultOrgID, org, ok)
	}
}

func TestStaticAuthenticator_WrongKey(t *testing.T) {
	a := StaticAuthenticator{Key: "secret"}
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer wrong")

	if _, ok := a.Authenticate(ctx); ok {
		t.Error("expected authentication to fail")
	}
}

func TestStaticAuthenticator_MissingHeader(t *testing.T) {
	a := StaticAuthenticator{Key: "secret"}
	ctx := &fasthttp.RequestCtx{}

	if _, ok := a.Authenticate(ctx); ok {
		t.Error("expected authentication to fail without an Authorization header")
	}
}

func TestRequireAuth_NilAuthenticatorPassesThrough(t *testing.T) {
	called := false
	h := requireAuth(nil, func(ctx *fasthttp.RequestCtx) { called = true })

	h(&fasthttp.RequestCtx{})

	if !called {
		t.Error("expected wrapped handler to run when auther is nil")
	}
}

func TestRequireAuth_RejectsInvalidKey(t *testing.T) {
	called := false
	h := requireAuth(StaticAuthenticator{Key: "secret"}, func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if called {
		t.Error("expected wrapped handler not to run")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}
