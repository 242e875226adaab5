package sip

import (
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strings"

	"github.com/halcyontel/converge/internal/util"
)

// RequestMethod is a SIP request method.
type RequestMethod string

const (
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// Equal checks methods for case-insensitive equality.
func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// Message is a parsed SIP request or response.
type Message interface {
	slog.LogValuer
	// IsRequest reports whether the message is a request.
	IsRequest() bool
	// CallID returns the Call-ID header field value.
	CallID() string
	// CSeq returns the CSeq header field value.
	CSeq() CSeq
	// From returns the From header field value.
	From() *NameAddr
	// To returns the To header field value.
	To() *NameAddr
	// Via returns the topmost Via hop.
	Via() *Via
	// Contact returns the Contact header field value, if any.
	Contact() *NameAddr
	// ContentType returns the Content-Type header field value.
	ContentType() string
	// Body returns the opaque message body.
	Body() []byte
	// Header returns all values of an extra header by its canonical name.
	Header(name string) []string
	// Render serializes the message to its wire form.
	Render() []byte
	// Clone returns a deep copy.
	Clone() Message
	// Validate checks that the message carries its mandatory identity fields.
	Validate() error

	// Transport returns the transport protocol the message arrived or leaves on.
	Transport() TransportProto
	// Source returns the remote address the message arrived from.
	Source() netip.AddrPort
	// Destination returns the remote address the message is sent to.
	Destination() netip.AddrPort
}

// message carries the fields shared by requests and responses.
type message struct {
	callID      string
	from, to    *NameAddr
	cseq        CSeq
	vias        []*Via
	contact     *NameAddr
	routes      []*NameAddr
	recRoutes   []*NameAddr
	contentType string
	maxForwards int
	extra       map[string][]string
	body        []byte

	transport TransportProto
	source    netip.AddrPort
	dest      netip.AddrPort
}

func (m *message) CallID() string   { return m.callID }
func (m *message) CSeq() CSeq       { return m.cseq }
func (m *message) From() *NameAddr  { return m.from }
func (m *message) To() *NameAddr    { return m.to }
func (m *message) Contact() *NameAddr { return m.contact }

func (m *message) Via() *Via {
	if len(m.vias) == 0 {
		return nil
	}
	return m.vias[0]
}

func (m *message) ContentType() string { return m.contentType }
func (m *message) Body() []byte        { return m.body }

func (m *message) Header(name string) []string {
	return m.extra[canonicalHeaderName(name)]
}

func (m *message) setHeader(name string, values ...string) {
	if m.extra == nil {
		m.extra = make(map[string][]string)
	}
	m.extra[canonicalHeaderName(name)] = values
}

func (m *message) addHeader(name, value string) {
	if m.extra == nil {
		m.extra = make(map[string][]string)
	}
	name = canonicalHeaderName(name)
	m.extra[name] = append(m.extra[name], value)
}

// Routes returns the Route set, topmost first.
func (m *message) Routes() []*NameAddr { return m.routes }

// RecordRoutes returns the Record-Route set in message order.
func (m *message) RecordRoutes() []*NameAddr { return m.recRoutes }

func (m *message) Transport() TransportProto  { return m.transport }
func (m *message) Source() netip.AddrPort      { return m.source }
func (m *message) Destination() netip.AddrPort { return m.dest }

func (m *message) SetTransport(tp TransportProto) { m.transport = tp }
func (m *message) SetSource(a netip.AddrPort)     { m.source = a }
func (m *message) SetDestination(a netip.AddrPort) { m.dest = a }

func (m *message) cloneInto(out *message) {
	*out = *m
	out.from = m.from.Clone()
	out.to = m.to.Clone()
	out.contact = m.contact.Clone()
	out.vias = make([]*Via, len(m.vias))
	for i, v := range m.vias {
		out.vias[i] = v.Clone()
	}
	out.routes = cloneNameAddrs(m.routes)
	out.recRoutes = cloneNameAddrs(m.recRoutes)
	out.extra = make(map[string][]string, len(m.extra))
	for k, vs := range m.extra {
		out.extra[k] = slices.Clone(vs)
	}
	out.body = slices.Clone(m.body)
}

func cloneNameAddrs(in []*NameAddr) []*NameAddr {
	if in == nil {
		return nil
	}
	out := make([]*NameAddr, len(in))
	for i, na := range in {
		out[i] = na.Clone()
	}
	return out
}

func (m *message) validate() error {
	switch {
	case m.callID == "":
		return NewInvalidArgumentError("missing Call-ID") //errtrace:skip
	case m.from == nil || m.from.Uri == nil:
		return NewInvalidArgumentError("missing From") //errtrace:skip
	case m.to == nil || m.to.Uri == nil:
		return NewInvalidArgumentError("missing To") //errtrace:skip
	case m.cseq.Method == "":
		return NewInvalidArgumentError("missing CSeq") //errtrace:skip
	case len(m.vias) == 0:
		return NewInvalidArgumentError("missing Via") //errtrace:skip
	}
	return nil
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// sortedHeaderNames returns extra header names in stable render order.
func (m *message) sortedHeaderNames() []string {
	return slices.Sorted(maps.Keys(m.extra))
}
