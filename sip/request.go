package sip

import (
	"fmt"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/errorutil"
)

// Request is a SIP request.
type Request struct {
	message
	method RequestMethod
	uri    *Uri
}

// NewRequest creates a request with the mandatory identity fields.
// Via hops, routes, contact, body and extra headers are added afterwards.
func NewRequest(method RequestMethod, uri *Uri, from, to *NameAddr, callID string, seq uint32) (*Request, error) {
	if method == "" || uri == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing method or request-uri"))
	}
	req := &Request{
		method: RequestMethod(strings.ToUpper(string(method))),
		uri:    uri.Clone(),
	}
	req.callID = callID
	req.from = from.Clone()
	req.to = to.Clone()
	req.cseq = CSeq{Seq: seq, Method: req.method}
	req.maxForwards = 70
	return req, nil
}

func (req *Request) IsRequest() bool { return true }

// Method returns the request method.
func (req *Request) Method() RequestMethod { return req.method }

// Uri returns the request-URI.
func (req *Request) Uri() *Uri { return req.uri }

// SetUri replaces the request-URI.
func (req *Request) SetUri(uri *Uri) { req.uri = uri.Clone() }

// OverrideCSeq replaces the CSeq; ACK mirrors the INVITE sequence number.
func (req *Request) OverrideCSeq(cseq CSeq) { req.cseq = cseq }

// PushVia prepends a Via hop, making it the topmost.
func (req *Request) PushVia(v *Via) { req.vias = append([]*Via{v.Clone()}, req.vias...) }

// SetContact sets the Contact header field.
func (req *Request) SetContact(na *NameAddr) { req.contact = na.Clone() }

// SetRoutes replaces the Route set, topmost first.
func (req *Request) SetRoutes(routes []*NameAddr) { req.routes = cloneNameAddrs(routes) }

// SetBody sets the body and its content type.
func (req *Request) SetBody(contentType string, body []byte) {
	req.contentType = contentType
	req.body = body
}

// SetHeader replaces an extra header.
func (req *Request) SetHeader(name string, values ...string) { req.setHeader(name, values...) }

// AddHeader appends an extra header value.
func (req *Request) AddHeader(name, value string) { req.addHeader(name, value) }

// Validate checks that the request carries its mandatory identity fields.
func (req *Request) Validate() error {
	if req == nil || req.method == "" || req.uri == nil {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if err := req.validate(); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	return nil
}

// Clone returns a deep copy.
func (req *Request) Clone() Message {
	out := &Request{method: req.method, uri: req.uri.Clone()}
	req.cloneInto(&out.message)
	return out
}

// NewResponse builds a response to the request per RFC 3261 section 8.2.6:
// Via hops, From, Call-ID and CSeq are copied, To is copied with the
// supplied tag (kept empty for 100).
func (req *Request) NewResponse(status StatusCode, toTag string) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	res := &Response{status: status, reason: status.Reason()}
	res.callID = req.callID
	res.from = req.from.Clone()
	res.to = req.to.Clone()
	if toTag != "" && res.to.Tag() == "" {
		res.to = res.to.WithTag(toTag)
	}
	res.cseq = req.cseq
	res.vias = make([]*Via, len(req.vias))
	for i, v := range req.vias {
		res.vias[i] = v.Clone()
	}
	res.recRoutes = cloneNameAddrs(req.recRoutes)
	res.transport = req.transport
	res.dest = req.source
	return res, nil
}

// NewAck builds an ACK for a response to the INVITE. The ACK reuses the
// INVITE CSeq number with the ACK method, the request-URI and the route
// set, and takes To from the response. It carries no Via: the caller
// pushes the top hop (the INVITE's own Via for a non-2xx ACK, RFC 3261
// section 17.1.1.3).
func (req *Request) NewAck(res *Response, contact *NameAddr) (*Request, error) {
	if !req.method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(ErrMethodNotAllowed)
	}
	ack := &Request{method: RequestMethodAck, uri: req.uri.Clone()}
	ack.callID = req.callID
	ack.from = req.from.Clone()
	ack.to = res.To().Clone()
	ack.cseq = CSeq{Seq: req.cseq.Seq, Method: RequestMethodAck}
	ack.routes = cloneNameAddrs(req.routes)
	ack.contact = contact.Clone()
	ack.maxForwards = 70
	ack.transport = req.transport
	ack.dest = req.dest
	return ack, nil
}

// NewCancel builds the CANCEL for the request per RFC 3261 section 9.1:
// same request-URI, Call-ID, From, To, route set and Via branch.
func (req *Request) NewCancel() (*Request, error) {
	if !req.method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(ErrMethodNotAllowed)
	}
	cancel := &Request{method: RequestMethodCancel, uri: req.uri.Clone()}
	cancel.callID = req.callID
	cancel.from = req.from.Clone()
	cancel.to = req.to.Clone()
	cancel.cseq = CSeq{Seq: req.cseq.Seq, Method: RequestMethodCancel}
	cancel.routes = cloneNameAddrs(req.routes)
	cancel.maxForwards = 70
	cancel.vias = []*Via{req.Via().Clone()}
	cancel.transport = req.transport
	cancel.dest = req.dest
	return cancel, nil
}

// Render serializes the request to its wire form.
func (req *Request) Render() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", req.method, req.uri, SIPVersion)
	for _, v := range req.vias {
		fmt.Fprintf(&sb, "Via: %s\r\n", v)
	}
	if req.maxForwards > 0 {
		fmt.Fprintf(&sb, "Max-Forwards: %d\r\n", req.maxForwards)
	}
	for _, r := range req.routes {
		fmt.Fprintf(&sb, "Route: %s\r\n", r)
	}
	for _, r := range req.recRoutes {
		fmt.Fprintf(&sb, "Record-Route: %s\r\n", r)
	}
	fmt.Fprintf(&sb, "From: %s\r\n", req.from)
	fmt.Fprintf(&sb, "To: %s\r\n", req.to)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", req.callID)
	fmt.Fprintf(&sb, "CSeq: %s\r\n", req.cseq)
	if req.contact != nil {
		fmt.Fprintf(&sb, "Contact: %s\r\n", req.contact)
	}
	for _, name := range req.sortedHeaderNames() {
		for _, v := range req.extra[name] {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	if req.contentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", req.contentType)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(req.body))
	sb.Write(req.body)
	return []byte(sb.String())
}

func (req *Request) String() string {
	return fmt.Sprintf("%s %s (%s)", req.method, req.uri, req.cseq)
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("method", string(req.method)),
		slog.Any("uri", req.uri),
		slog.String("call_id", req.callID),
		slog.Any("cseq", req.cseq),
		slog.String("branch", req.Via().Branch()),
	)
}

var _ Message = (*Request)(nil)
