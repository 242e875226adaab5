// Package sdp wraps pion/sdp with the offer/answer helpers the session
// layer needs: media direction handling, hold transforms and answer
// direction computation (RFC 3264).
package sdp

import (
	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"

	"github.com/halcyontel/converge/internal/errorutil"
)

// ContentType is the MIME type of SDP bodies.
const ContentType = "application/sdp"

const ErrInvalidSDP errorutil.Error = "invalid sdp"

// Direction is an SDP media direction attribute.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

var directionAttrs = []string{
	string(DirectionSendRecv),
	string(DirectionSendOnly),
	string(DirectionRecvOnly),
	string(DirectionInactive),
}

func isDirectionAttr(key string) bool {
	for _, d := range directionAttrs {
		if key == d {
			return true
		}
	}
	return false
}

// Session is a parsed SDP session description.
type Session struct {
	sd sdp.SessionDescription
}

// Parse decodes an SDP body.
func Parse(body []byte) (*Session, error) {
	s := new(Session)
	if err := s.sd.UnmarshalString(string(body)); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidSDP, err))
	}
	return s, nil
}

// New builds a minimal one-stream audio session (PCMU/8000) rooted at
// addr:port, the shape the media engine negotiates by default.
func New(sessionName, addr string, port uint16) *Session {
	s := new(Session)
	s.sd = sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(port)<<16 | 1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: int(port)},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0", "101"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "0 PCMU/8000"},
				{Key: "rtpmap", Value: "101 telephone-event/8000"},
				{Key: string(DirectionSendRecv)},
			},
		}},
	}
	return s
}

// Marshal encodes the session description.
func (s *Session) Marshal() []byte {
	out, err := s.sd.Marshal()
	if err != nil {
		return nil
	}
	return out
}

// Clone returns a deep copy via re-encoding.
func (s *Session) Clone() *Session {
	out, err := Parse(s.Marshal())
	if err != nil {
		panic(err)
	}
	return out
}

// Origin returns the session origin line.
func (s *Session) Origin() sdp.Origin { return s.sd.Origin }

// MediaPort returns the port of the first audio stream, zero if none.
func (s *Session) MediaPort() uint16 {
	for _, md := range s.sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return uint16(md.MediaName.Port.Value)
		}
	}
	return 0
}

// Direction returns the media direction: the first direction attribute of
// the first media stream, then the session level, defaulting to sendrecv.
func (s *Session) Direction() Direction {
	for _, md := range s.sd.MediaDescriptions {
		for _, attr := range md.Attributes {
			if isDirectionAttr(attr.Key) {
				return Direction(attr.Key)
			}
		}
	}
	for _, attr := range s.sd.Attributes {
		if isDirectionAttr(attr.Key) {
			return Direction(attr.Key)
		}
	}
	return DirectionSendRecv
}

// WithDirection returns a copy with every direction attribute replaced
// and the origin version bumped, ready to be offered.
func (s *Session) WithDirection(d Direction) *Session {
	out := s.Clone()
	out.sd.Attributes = replaceDirection(out.sd.Attributes, "")
	for _, md := range out.sd.MediaDescriptions {
		md.Attributes = replaceDirection(md.Attributes, d)
	}
	out.sd.Origin.SessionVersion++
	return out
}

func replaceDirection(attrs []sdp.Attribute, d Direction) []sdp.Attribute {
	out := attrs[:0]
	for _, attr := range attrs {
		if !isDirectionAttr(attr.Key) {
			out = append(out, attr)
		}
	}
	if d != "" {
		out = append(out, sdp.Attribute{Key: string(d)})
	}
	return out
}

// Hold returns the hold form of the session: sendrecv becomes sendonly,
// recvonly becomes inactive.
func (s *Session) Hold() *Session {
	switch s.Direction() {
	case DirectionRecvOnly, DirectionInactive:
		return s.WithDirection(DirectionInactive)
	default:
		return s.WithDirection(DirectionSendOnly)
	}
}

// Unhold returns the active form of the session.
func (s *Session) Unhold() *Session { return s.WithDirection(DirectionSendRecv) }

// AnswerDirection computes the direction of an answer to an offer with
// the given direction (RFC 3264 section 6.1). In broadcast-only mode
// inactive and recvonly offers are both answered sendonly: the party
// never receives media.
func AnswerDirection(offer Direction, broadcastOnly bool) Direction {
	if broadcastOnly {
		// inactive and recvonly offers both answer sendonly here
		return DirectionSendOnly
	}
	switch offer {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// IsHold reports whether the direction means the peer stops sending to us
// or stops receiving from us.
func IsHold(d Direction) bool {
	return d == DirectionSendOnly || d == DirectionInactive
}

func (d Direction) String() string { return string(d) }
