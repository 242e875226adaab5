package conversation

import (
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/sip"
)

// MediaURLKind is the scheme of a media resource URL.
type MediaURLKind string

const (
	MediaURLTone   MediaURLKind = "tone"
	MediaURLFile   MediaURLKind = "file"
	MediaURLCache  MediaURLKind = "cache"
	MediaURLRecord MediaURLKind = "record"
)

// Special tone names accepted next to DTMF digits 0-9, *, #, A-D.
var specialTones = map[string]struct{}{
	"dialtone": {}, "busy": {}, "fastbusy": {}, "ringback": {}, "ring": {},
	"backspace": {}, "callwaiting": {}, "holding": {}, "loudfastbusy": {},
}

// ErrBadMediaURL is returned for an unparsable media URL.
const ErrBadMediaURL sip.Error = "bad media url"

// MediaURL is a parsed media resource locator:
//
//	tone:<digit|name>[;duration=<ms>][;repeat]
//	file:<path> or file://<path>[;duration=<ms>][;repeat]
//	cache:<name>[;duration=<ms>][;repeat]
//	record:<path>[;duration=<ms>][;append][;silencetime=<ms>]
type MediaURL struct {
	Kind MediaURLKind
	// Resource is the tone name, file path or cache key.
	Resource string
	// Duration bounds playback or recording; zero means unbounded.
	Duration time.Duration
	// Repeat loops file or cache playback.
	Repeat bool
	// Append appends to an existing recording.
	Append bool
	// SilenceTime stops a recording after this much silence.
	SilenceTime time.Duration
}

// ParseMediaURL parses a media resource URL.
func ParseMediaURL(raw string) (*MediaURL, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "missing scheme in %q", raw))
	}

	u := &MediaURL{Kind: MediaURLKind(strings.ToLower(scheme))}
	switch u.Kind {
	case MediaURLTone, MediaURLFile, MediaURLCache, MediaURLRecord:
	default:
		return nil, errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "unsupported scheme %q", scheme))
	}

	rest = strings.TrimPrefix(rest, "//")

	resource := rest
	if sc := strings.IndexByte(rest, ';'); sc >= 0 {
		resource = rest[:sc]
		if err := u.parseParams(rest[sc+1:]); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	if resource == "" {
		return nil, errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "empty resource in %q", raw))
	}
	u.Resource = resource

	if u.Kind == MediaURLTone && !validTone(resource) {
		return nil, errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "unknown tone %q", resource))
	}
	return u, nil
}

func (u *MediaURL) parseParams(s string) error {
	for kv := range strings.SplitSeq(s, ";") {
		if kv == "" {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		switch strings.ToLower(key) {
		case "duration":
			ms, err := strconv.Atoi(value)
			if err != nil || ms < 0 {
				return errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "bad duration %q", value))
			}
			u.Duration = time.Duration(ms) * time.Millisecond
		case "repeat":
			u.Repeat = true
		case "append":
			u.Append = true
		case "silencetime":
			ms, err := strconv.Atoi(value)
			if err != nil || ms < 0 {
				return errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "bad silencetime %q", value))
			}
			u.SilenceTime = time.Duration(ms) * time.Millisecond
		default:
			return errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "unknown parameter %q", key))
		}
	}
	return nil
}

func validTone(name string) bool {
	if len(name) == 1 {
		c := name[0]
		switch {
		case c >= '0' && c <= '9', c == '*', c == '#':
			return true
		case c >= 'A' && c <= 'D', c >= 'a' && c <= 'd':
			return true
		}
		return false
	}
	_, ok := specialTones[strings.ToLower(name)]
	return ok
}

func (u *MediaURL) String() string {
	var sb strings.Builder
	sb.WriteString(string(u.Kind))
	sb.WriteByte(':')
	sb.WriteString(u.Resource)
	if u.Duration > 0 {
		sb.WriteString(";duration=")
		sb.WriteString(strconv.Itoa(int(u.Duration / time.Millisecond)))
	}
	if u.Repeat {
		sb.WriteString(";repeat")
	}
	if u.Append {
		sb.WriteString(";append")
	}
	if u.SilenceTime > 0 {
		sb.WriteString(";silencetime=")
		sb.WriteString(strconv.Itoa(int(u.SilenceTime / time.Millisecond)))
	}
	return sb.String()
}
