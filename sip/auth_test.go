package sip_test

import (
	"strings"
	"testing"

	"github.com/halcyontel/converge/sip"
)

func TestAuthorizeRequest_Digest(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".auth")

	challenge := newInboundResponse(t, req, sip.StatusUnauthorized, "totag1")
	challenge.SetHeader("WWW-Authenticate",
		`Digest realm="atlanta.example.com", nonce="84a4cc6f3082121f32b42a2187831a9e", algorithm="MD5"`)

	if err := sip.AuthorizeRequest(req, challenge, "alice", "secret"); err != nil {
		t.Fatalf("sip.AuthorizeRequest() error = %v, want nil", err)
	}

	vals := req.Header("Authorization")
	if len(vals) != 1 {
		t.Fatalf("len(Authorization) = %d, want 1", len(vals))
	}
	cred := vals[0]
	for _, part := range []string{
		`Digest realm="atlanta.example.com"`,
		`nonce="84a4cc6f3082121f32b42a2187831a9e"`,
		`username="alice"`,
		`uri="` + req.Uri().String() + `"`,
		`response="`,
	} {
		if !strings.Contains(cred, part) {
			t.Errorf("credential %q missing %q", cred, part)
		}
	}

	// same inputs, same digest
	auth := sip.AuthFromValue(cred).
		SetMethod(req.Method()).
		SetUri(req.Uri().String()).
		SetUsername("alice").
		SetPassword("secret")
	if got, want := auth.CalcResponse(), auth.Response(); got != want {
		t.Errorf("recomputed digest = %q, want %q", got, want)
	}
}

func TestAuthorizeRequest_ProxyChallenge(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".auth-proxy")
	challenge := newInboundResponse(t, req, sip.StatusProxyAuthRequired, "totag1")
	challenge.SetHeader("Proxy-Authenticate", `Digest realm="proxy.example.com", nonce="abc"`)

	if err := sip.AuthorizeRequest(req, challenge, "alice", "secret"); err != nil {
		t.Fatalf("sip.AuthorizeRequest() error = %v, want nil", err)
	}
	if len(req.Header("Proxy-Authorization")) != 1 {
		t.Errorf("Proxy-Authorization header not attached")
	}
}

func TestAuthorizeRequest_NotAChallenge(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".auth-bad")
	ok := newInboundResponse(t, req, sip.StatusOK, "totag1")
	if err := sip.AuthorizeRequest(req, ok, "alice", "secret"); err == nil {
		t.Fatalf("sip.AuthorizeRequest(200) error = nil, want error")
	}
}
