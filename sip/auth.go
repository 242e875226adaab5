package sip

import (
	"crypto/md5" //nolint:gosec // RFC 3261 section 22 digest is MD5
	"encoding/hex"
	"fmt"
	"regexp"

	"braces.dev/errtrace"
)

// Authorization holds the fields of a Digest challenge or credential
// (RFC 3261 section 22). Only the Digest scheme with MD5 is handled.
type Authorization struct {
	realm     string
	nonce     string
	algorithm string
	username  string
	password  string
	uri       string
	response  string
	method    string
	other     map[string]string
}

var authParamRe = regexp.MustCompile(`([\w]+)="([^"]+)"`)

// AuthFromValue parses a WWW-Authenticate / Proxy-Authenticate value.
func AuthFromValue(value string) *Authorization {
	auth := &Authorization{
		algorithm: "MD5",
		other:     make(map[string]string),
	}
	for _, match := range authParamRe.FindAllStringSubmatch(value, -1) {
		switch match[1] {
		case "realm":
			auth.realm = match[2]
		case "algorithm":
			auth.algorithm = match[2]
		case "nonce":
			auth.nonce = match[2]
		case "username":
			auth.username = match[2]
		case "uri":
			auth.uri = match[2]
		case "response":
			auth.response = match[2]
		default:
			auth.other[match[1]] = match[2]
		}
	}
	return auth
}

func (auth *Authorization) Realm() string { return auth.realm }

func (auth *Authorization) Nonce() string { return auth.nonce }

func (auth *Authorization) Username() string { return auth.username }

func (auth *Authorization) SetUsername(username string) *Authorization {
	auth.username = username
	return auth
}

func (auth *Authorization) SetPassword(password string) *Authorization {
	auth.password = password
	return auth
}

func (auth *Authorization) SetUri(uri string) *Authorization {
	auth.uri = uri
	return auth
}

func (auth *Authorization) SetMethod(method RequestMethod) *Authorization {
	auth.method = string(method)
	return auth
}

func (auth *Authorization) Response() string { return auth.response }

// CalcResponse computes the digest response over the credential fields.
func (auth *Authorization) CalcResponse() string {
	return calcResponse(auth.username, auth.realm, auth.password, auth.method, auth.uri, auth.nonce)
}

func (auth *Authorization) String() string {
	return fmt.Sprintf(
		`Digest realm="%s",algorithm=%s,nonce="%s",username="%s",uri="%s",response="%s"`,
		auth.realm, auth.algorithm, auth.nonce, auth.username, auth.uri, auth.response,
	)
}

// calcResponse computes the RFC 2617 digest.
func calcResponse(username, realm, password, method, uri, nonce string) string {
	h := func(s string) string {
		sum := md5.Sum([]byte(s)) //nolint:gosec
		return hex.EncodeToString(sum[:])
	}
	a1 := h(username + ":" + realm + ":" + password)
	a2 := h(method + ":" + uri)
	return h(a1 + ":" + nonce + ":" + a2)
}

// AuthorizeRequest answers a 401/407 challenge: it computes the Digest
// credential for the challenged request and attaches the matching
// Authorization / Proxy-Authorization header. The caller retries the
// request with a fresh branch and bumped CSeq.
func AuthorizeRequest(req *Request, challenge *Response, user, password string) error {
	if user == "" {
		return errtrace.Wrap(NewInvalidArgumentError("authorize request: missing user"))
	}

	var challengeHdr, credentialHdr string
	switch challenge.Status() {
	case StatusUnauthorized:
		challengeHdr, credentialHdr = "WWW-Authenticate", "Authorization"
	case StatusProxyAuthRequired:
		challengeHdr, credentialHdr = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return errtrace.Wrap(NewInvalidArgumentError("authorize request: %d is not a challenge", challenge.Status()))
	}

	values := challenge.Header(challengeHdr)
	if len(values) == 0 {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "missing %s header", challengeHdr))
	}

	auth := AuthFromValue(values[0]).
		SetMethod(req.Method()).
		SetUri(req.Uri().String()).
		SetUsername(user).
		SetPassword(password)
	auth.response = auth.CalcResponse()

	req.SetHeader(credentialHdr, auth.String())
	return nil
}
