package sip

import (
	"fmt"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/errorutil"
)

// StatusCode is a SIP response status code, 100-699.
type StatusCode uint16

const (
	StatusTrying               StatusCode = 100
	StatusRinging              StatusCode = 180
	StatusSessionProgress      StatusCode = 183
	StatusOK                   StatusCode = 200
	StatusAccepted             StatusCode = 202
	StatusMovedTemporarily     StatusCode = 302
	StatusBadRequest           StatusCode = 400
	StatusUnauthorized         StatusCode = 401
	StatusForbidden            StatusCode = 403
	StatusNotFound             StatusCode = 404
	StatusProxyAuthRequired    StatusCode = 407
	StatusRequestTimeout       StatusCode = 408
	StatusTemporarilyUnavail   StatusCode = 480
	StatusCallDoesNotExist     StatusCode = 481
	StatusBusyHere             StatusCode = 486
	StatusRequestTerminated    StatusCode = 487
	StatusNotAcceptableHere    StatusCode = 488
	StatusRequestPending       StatusCode = 491
	StatusServerInternalError  StatusCode = 500
	StatusNotImplemented       StatusCode = 501
	StatusServiceUnavailable   StatusCode = 503
	StatusDecline              StatusCode = 603
)

var reasonPhrases = map[StatusCode]string{
	StatusTrying:              "Trying",
	StatusRinging:             "Ringing",
	StatusSessionProgress:     "Session Progress",
	StatusOK:                  "OK",
	StatusAccepted:            "Accepted",
	StatusMovedTemporarily:    "Moved Temporarily",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusProxyAuthRequired:   "Proxy Authentication Required",
	StatusRequestTimeout:      "Request Timeout",
	StatusTemporarilyUnavail:  "Temporarily Unavailable",
	StatusCallDoesNotExist:    "Call/Transaction Does Not Exist",
	StatusBusyHere:            "Busy Here",
	StatusRequestTerminated:   "Request Terminated",
	StatusNotAcceptableHere:   "Not Acceptable Here",
	StatusRequestPending:      "Request Pending",
	StatusServerInternalError: "Server Internal Error",
	StatusNotImplemented:      "Not Implemented",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusDecline:             "Decline",
}

// Reason returns the standard reason phrase for the status code.
func (c StatusCode) Reason() string {
	if r, ok := reasonPhrases[c]; ok {
		return r
	}
	switch {
	case c.IsProvisional():
		return "Provisional"
	case c.IsSuccess():
		return "OK"
	default:
		return "Failure"
	}
}

func (c StatusCode) IsProvisional() bool { return c >= 100 && c < 200 }
func (c StatusCode) IsSuccess() bool     { return c >= 200 && c < 300 }
func (c StatusCode) IsRedirect() bool    { return c >= 300 && c < 400 }
func (c StatusCode) IsFinal() bool       { return c >= 200 }

// Response is a SIP response.
type Response struct {
	message
	status StatusCode
	reason string
}

func (res *Response) IsRequest() bool { return false }

// Status returns the response status code.
func (res *Response) Status() StatusCode { return res.status }

// ReasonPhrase returns the response reason phrase.
func (res *Response) ReasonPhrase() string { return res.reason }

// SetContact sets the Contact header field.
func (res *Response) SetContact(na *NameAddr) { res.contact = na.Clone() }

// SetBody sets the body and its content type.
func (res *Response) SetBody(contentType string, body []byte) {
	res.contentType = contentType
	res.body = body
}

// SetHeader replaces an extra header.
func (res *Response) SetHeader(name string, values ...string) { res.setHeader(name, values...) }

// AddHeader appends an extra header value.
func (res *Response) AddHeader(name, value string) { res.addHeader(name, value) }

// SetRecordRoutes replaces the Record-Route set.
func (res *Response) SetRecordRoutes(rrs []*NameAddr) { res.recRoutes = cloneNameAddrs(rrs) }

// Validate checks that the response carries its mandatory identity fields.
func (res *Response) Validate() error {
	if res == nil || res.status < 100 || res.status > 699 {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if err := res.validate(); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	return nil
}

// Clone returns a deep copy.
func (res *Response) Clone() Message {
	out := &Response{status: res.status, reason: res.reason}
	res.cloneInto(&out.message)
	return out
}

// Render serializes the response to its wire form.
func (res *Response) Render() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s\r\n", SIPVersion, res.status, res.reason)
	for _, v := range res.vias {
		fmt.Fprintf(&sb, "Via: %s\r\n", v)
	}
	for _, r := range res.recRoutes {
		fmt.Fprintf(&sb, "Record-Route: %s\r\n", r)
	}
	fmt.Fprintf(&sb, "From: %s\r\n", res.from)
	fmt.Fprintf(&sb, "To: %s\r\n", res.to)
	fmt.Fprintf(&sb, "Call-ID: %s\r\n", res.callID)
	fmt.Fprintf(&sb, "CSeq: %s\r\n", res.cseq)
	if res.contact != nil {
		fmt.Fprintf(&sb, "Contact: %s\r\n", res.contact)
	}
	for _, name := range res.sortedHeaderNames() {
		for _, v := range res.extra[name] {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	if res.contentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", res.contentType)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(res.body))
	sb.Write(res.body)
	return []byte(sb.String())
}

func (res *Response) String() string {
	return fmt.Sprintf("%d %s (%s)", res.status, res.reason, res.cseq)
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", int(res.status)),
		slog.String("call_id", res.callID),
		slog.Any("cseq", res.cseq),
		slog.String("branch", res.Via().Branch()),
	)
}

var _ Message = (*Response)(nil)
