package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/util"
)

// Uri is a SIP or SIPS URI reduced to the fields that drive routing:
// scheme, user, host, port and parameters (most notably "transport" and
// "lr"). Headers and the full RFC 3261 grammar are out of scope.
type Uri struct {
	Scheme string
	User   string
	Host   string
	Port   uint16
	Params Params
}

// Params is an ordered list of ";key=value" URI or header parameters.
type Params []Param

type Param struct {
	Key   string
	Value string
}

func (ps Params) Get(key string) (string, bool) {
	for _, p := range ps {
		if util.EqFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

func (ps Params) With(key, value string) Params {
	for i, p := range ps {
		if util.EqFold(p.Key, key) {
			out := make(Params, len(ps))
			copy(out, ps)
			out[i].Value = value
			return out
		}
	}
	return append(append(Params{}, ps...), Param{key, value})
}

func (ps Params) Without(key string) Params {
	out := make(Params, 0, len(ps))
	for _, p := range ps {
		if !util.EqFold(p.Key, key) {
			out = append(out, p)
		}
	}
	return out
}

func (ps Params) String() string {
	var sb strings.Builder
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Key)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

// ParseUri parses a SIP/SIPS URI, optionally wrapped in angle brackets.
func ParseUri(s string) (*Uri, error) {
	s = util.TrimSP(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")

	var scheme string
	switch {
	case strings.HasPrefix(strings.ToLower(s), "sip:"):
		scheme, s = "sip", s[4:]
	case strings.HasPrefix(strings.ToLower(s), "sips:"):
		scheme, s = "sips", s[5:]
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported uri scheme in %q", s))
	}

	uri := &Uri{Scheme: scheme}

	if at := strings.IndexByte(s, '@'); at >= 0 {
		uri.User = s[:at]
		s = s[at+1:]
	}

	hostport := s
	if sc := strings.IndexByte(s, ';'); sc >= 0 {
		hostport = s[:sc]
		for kv := range strings.SplitSeq(s[sc+1:], ";") {
			if kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			uri.Params = append(uri.Params, Param{k, v})
		}
	}

	host, port, ok := strings.Cut(hostport, ":")
	if host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty host in %q", s))
	}
	uri.Host = host
	if ok {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("bad port in %q: %w", s, err))
		}
		uri.Port = uint16(p)
	}
	return uri, nil
}

// Transport returns the transport URI parameter, upper-cased.
func (u *Uri) Transport() (TransportProto, bool) {
	if u == nil {
		return "", false
	}
	if v, ok := u.Params.Get("transport"); ok && v != "" {
		return TransportProto(util.UCase(v)), true
	}
	return "", false
}

// IsSecure reports whether the URI scheme is sips.
func (u *Uri) IsSecure() bool { return u != nil && util.EqFold(u.Scheme, "sips") }

// IsLooseRouter reports whether the URI carries the "lr" parameter.
func (u *Uri) IsLooseRouter() bool {
	if u == nil {
		return false
	}
	_, ok := u.Params.Get("lr")
	return ok
}

// PortOrDefault returns the explicit port or the scheme default.
func (u *Uri) PortOrDefault() uint16 {
	if u.Port != 0 {
		return u.Port
	}
	if u.IsSecure() {
		return DefaultTLSPort
	}
	return DefaultPort
}

func (u *Uri) Clone() *Uri {
	if u == nil {
		return nil
	}
	out := *u
	out.Params = append(Params{}, u.Params...)
	return &out
}

func (u *Uri) Equal(other *Uri) bool {
	if u == nil || other == nil {
		return u == other
	}
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		util.EqFold(u.Host, other.Host) &&
		u.PortOrDefault() == other.PortOrDefault()
}

func (u *Uri) String() string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port != 0 {
		fmt.Fprintf(&sb, ":%d", u.Port)
	}
	sb.WriteString(u.Params.String())
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (u *Uri) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.StringValue(u.String())
}
