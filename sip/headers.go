package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/util"
)

// NameAddr is a From/To/Contact/Route style header value: an optional
// display name, a URI and header parameters (most notably "tag").
type NameAddr struct {
	DisplayName string
	Uri         *Uri
	Params      Params
}

// ParseNameAddr parses a name-addr or addr-spec form.
func ParseNameAddr(s string) (*NameAddr, error) {
	s = util.TrimSP(s)
	na := &NameAddr{}

	rest := s
	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s, '>')
		if gt < lt {
			return nil, errtrace.Wrap(NewInvalidArgumentError("unbalanced angle brackets in %q", s))
		}
		na.DisplayName = strings.Trim(util.TrimSP(s[:lt]), `"`)
		uri, err := ParseUri(s[lt+1 : gt])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		na.Uri = uri
		rest = s[gt+1:]
	} else {
		// addr-spec form: header params start at the first semicolon.
		spec := s
		if sc := strings.IndexByte(s, ';'); sc >= 0 {
			spec, rest = s[:sc], s[sc:]
		} else {
			rest = ""
		}
		uri, err := ParseUri(spec)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		na.Uri = uri
	}

	for kv := range strings.SplitSeq(strings.TrimPrefix(rest, ";"), ";") {
		if kv = util.TrimSP(kv); kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		na.Params = append(na.Params, Param{k, v})
	}
	return na, nil
}

// Tag returns the tag header parameter.
func (na *NameAddr) Tag() string {
	if na == nil {
		return ""
	}
	tag, _ := na.Params.Get("tag")
	return tag
}

// WithTag returns a copy with the tag parameter set.
func (na *NameAddr) WithTag(tag string) *NameAddr {
	out := na.Clone()
	out.Params = out.Params.With("tag", tag)
	return out
}

func (na *NameAddr) Clone() *NameAddr {
	if na == nil {
		return nil
	}
	out := *na
	out.Uri = na.Uri.Clone()
	out.Params = append(Params{}, na.Params...)
	return &out
}

func (na *NameAddr) String() string {
	if na == nil {
		return ""
	}
	var sb strings.Builder
	if na.DisplayName != "" {
		fmt.Fprintf(&sb, "%q ", na.DisplayName)
	}
	sb.WriteByte('<')
	sb.WriteString(na.Uri.String())
	sb.WriteByte('>')
	sb.WriteString(na.Params.String())
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (na *NameAddr) LogValue() slog.Value {
	if na == nil {
		return slog.Value{}
	}
	return slog.StringValue(na.String())
}

// Via is one hop of a Via header field.
type Via struct {
	Transport TransportProto
	Host      string
	Port      uint16
	Params    Params
}

// ParseVia parses a single Via header field value.
func ParseVia(s string) (*Via, error) {
	s = util.TrimSP(s)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed Via %q", s))
	}
	parts := strings.SplitN(proto, "/", 3)
	if len(parts) != 3 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed Via protocol %q", proto))
	}

	via := &Via{Transport: TransportProto(util.UCase(parts[2]))}

	hostport := util.TrimSP(rest)
	if sc := strings.IndexByte(hostport, ';'); sc >= 0 {
		for kv := range strings.SplitSeq(hostport[sc+1:], ";") {
			if kv = util.TrimSP(kv); kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			via.Params = append(via.Params, Param{k, v})
		}
		hostport = hostport[:sc]
	}

	host, port, ok := strings.Cut(hostport, ":")
	if host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty Via host in %q", s))
	}
	via.Host = host
	if ok {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("bad Via port in %q: %w", s, err))
		}
		via.Port = uint16(p)
	}
	return via, nil
}

// Branch returns the branch parameter.
func (v *Via) Branch() string {
	if v == nil {
		return ""
	}
	branch, _ := v.Params.Get("branch")
	return branch
}

// SentBy returns the host:port identity of the hop.
func (v *Via) SentBy() string {
	if v == nil {
		return ""
	}
	if v.Port == 0 {
		return v.Host
	}
	return fmt.Sprintf("%s:%d", v.Host, v.Port)
}

func (v *Via) Clone() *Via {
	if v == nil {
		return nil
	}
	out := *v
	out.Params = append(Params{}, v.Params...)
	return &out
}

func (v *Via) String() string {
	if v == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SIP/2.0/%s %s", v.Transport, v.Host)
	if v.Port != 0 {
		fmt.Fprintf(&sb, ":%d", v.Port)
	}
	sb.WriteString(v.Params.String())
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (v *Via) LogValue() slog.Value {
	if v == nil {
		return slog.Value{}
	}
	return slog.StringValue(v.String())
}

// CSeq is the CSeq header field value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

// ParseCSeq parses a CSeq header field value.
func ParseCSeq(s string) (CSeq, error) {
	num, method, ok := strings.Cut(util.TrimSP(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("malformed CSeq %q", s))
	}
	seq, err := strconv.ParseUint(util.TrimSP(num), 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("bad CSeq number %q: %w", s, err))
	}
	return CSeq{Seq: uint32(seq), Method: RequestMethod(util.UCase(util.TrimSP(method)))}, nil
}

func (c CSeq) String() string { return fmt.Sprintf("%d %s", c.Seq, c.Method) }

// LogValue implements [slog.LogValuer].
func (c CSeq) LogValue() slog.Value { return slog.StringValue(c.String()) }
