package sip

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/util"
)

// Parse decodes the wire form of a SIP message into a [Request] or a
// [Response]. Only message-identity headers are interpreted; everything
// else is preserved verbatim in the extra header map. Malformed input
// returns an error wrapping [ErrInvalidMessage] and never panics.
func Parse(data []byte) (Message, error) {
	rd := bufio.NewReader(bytes.NewReader(data))

	startLine, err := readLine(rd)
	if err != nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "missing start line"))
	}

	var (
		req *Request
		res *Response
		msg *message
	)
	if strings.HasPrefix(startLine, SIPVersion+" ") {
		res = new(Response)
		if err := parseStatusLine(startLine, res); err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg = &res.message
	} else {
		req = new(Request)
		if err := parseRequestLine(startLine, req); err != nil {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, err))
		}
		msg = &req.message
	}

	var contentLength = -1
	for {
		line, err := readLine(rd)
		if err != nil {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "truncated headers"))
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed header line %q", line))
		}
		name = util.TrimSP(name)
		value = util.TrimSP(value)

		if err := applyHeader(msg, name, value, &contentLength); err != nil {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, err))
		}
	}

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(rd); err != nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, err))
	}
	msg.body = body.Bytes()
	if contentLength >= 0 && contentLength < len(msg.body) {
		msg.body = msg.body[:contentLength]
	}

	if req != nil {
		if err := req.Validate(); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return req, nil
	}
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return res, nil
}

func applyHeader(msg *message, name, value string, contentLength *int) error {
	switch util.LCase(name) {
	case "via", "v":
		via, err := ParseVia(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.vias = append(msg.vias, via)
	case "from", "f":
		na, err := ParseNameAddr(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.from = na
	case "to", "t":
		na, err := ParseNameAddr(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.to = na
	case "contact", "m":
		if value == "*" {
			return nil
		}
		na, err := ParseNameAddr(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.contact = na
	case "call-id", "i":
		msg.callID = value
	case "cseq":
		cseq, err := ParseCSeq(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.cseq = cseq
	case "route":
		na, err := ParseNameAddr(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.routes = append(msg.routes, na)
	case "record-route":
		na, err := ParseNameAddr(value)
		if err != nil {
			return errtrace.Wrap(err)
		}
		msg.recRoutes = append(msg.recRoutes, na)
	case "content-type", "c":
		msg.contentType = value
	case "content-length", "l":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "bad Content-Length %q", value))
		}
		*contentLength = n
	case "max-forwards":
		if n, err := strconv.Atoi(value); err == nil {
			msg.maxForwards = n
		}
	default:
		msg.addHeader(name, value)
	}
	return nil
}

func parseRequestLine(line string, req *Request) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[2] != SIPVersion {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed request line %q", line))
	}
	uri, err := ParseUri(parts[1])
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.method = RequestMethod(util.UCase(parts[0]))
	req.uri = uri
	return nil
}

func parseStatusLine(line string, res *Response) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed status line %q", line))
	}
	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || code < 100 || code > 699 {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "bad status code %q", line))
	}
	res.status = StatusCode(code)
	if len(parts) == 3 {
		res.reason = parts[2]
	} else {
		res.reason = res.status.Reason()
	}
	return nil
}

func readLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil && line == "" {
		return "", errtrace.Wrap(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

