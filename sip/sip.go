// Package sip implements the SIP protocol core: the message model, the
// transport selector and the RFC 3261 section 17 transaction layer.
//
// The package deliberately models only the message-identity fields that
// drive protocol state (Call-ID, Via branch, tags, CSeq, Contact, route
// sets, Content-Type); everything else rides along as opaque headers.
package sip

import (
	"strings"

	"github.com/halcyontel/converge/internal/util"
)

const (
	// MagicCookie is the RFC 3261 branch prefix.
	MagicCookie = "z9hG4bK"

	// MTU is the message size threshold above which requests are sent
	// over a stream transport (RFC 3261 section 18.1.1).
	MTU = 1300

	// DefaultPort is the default SIP port for UDP and TCP.
	DefaultPort uint16 = 5060
	// DefaultTLSPort is the default SIP port for TLS.
	DefaultTLSPort uint16 = 5061

	// SIPVersion is the protocol version token used on the wire.
	SIPVersion = "SIP/2.0"
)

// GenerateBranch returns a random RFC 3261 branch parameter.
func GenerateBranch() string {
	return MagicCookie + util.RandString(24)
}

// IsRFC3261Branch reports whether the branch carries the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateTag returns a random dialog tag.
func GenerateTag() string { return util.RandStringLC(12) }
