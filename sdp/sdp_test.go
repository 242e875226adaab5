package sdp_test

import (
	"errors"
	"testing"

	"github.com/halcyontel/converge/sdp"
)

func TestSession_RoundTrip(t *testing.T) {
	t.Parallel()

	s := sdp.New("converge", "192.0.2.10", 40000)

	parsed, err := sdp.Parse(s.Marshal())
	if err != nil {
		t.Fatalf("sdp.Parse() error = %v, want nil", err)
	}
	if got, want := parsed.MediaPort(), uint16(40000); got != want {
		t.Errorf("parsed.MediaPort() = %d, want %d", got, want)
	}
	if got, want := parsed.Direction(), sdp.DirectionSendRecv; got != want {
		t.Errorf("parsed.Direction() = %q, want %q", got, want)
	}
}

func TestSession_ParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := sdp.Parse([]byte("this is not sdp")); !errors.Is(err, sdp.ErrInvalidSDP) {
		t.Errorf("sdp.Parse(garbage) error = %v, want %v", err, sdp.ErrInvalidSDP)
	}
}

func TestSession_DirectionTransforms(t *testing.T) {
	t.Parallel()

	s := sdp.New("converge", "192.0.2.10", 40000)

	held := s.Hold()
	if got, want := held.Direction(), sdp.DirectionSendOnly; got != want {
		t.Errorf("held.Direction() = %q, want %q", got, want)
	}
	if got, want := s.Direction(), sdp.DirectionSendRecv; got != want {
		t.Errorf("source mutated by Hold: %q, want %q", got, want)
	}
	if held.Origin().SessionVersion <= s.Origin().SessionVersion {
		t.Errorf("hold offer did not bump the origin version")
	}

	if got, want := held.Unhold().Direction(), sdp.DirectionSendRecv; got != want {
		t.Errorf("unheld.Direction() = %q, want %q", got, want)
	}

	inactive := s.WithDirection(sdp.DirectionRecvOnly).Hold()
	if got, want := inactive.Direction(), sdp.DirectionInactive; got != want {
		t.Errorf("recvonly hold direction = %q, want %q", got, want)
	}
}

func TestAnswerDirection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		offer     sdp.Direction
		broadcast bool
		want      sdp.Direction
	}{
		{sdp.DirectionSendRecv, false, sdp.DirectionSendRecv},
		{sdp.DirectionSendOnly, false, sdp.DirectionRecvOnly},
		{sdp.DirectionRecvOnly, false, sdp.DirectionSendOnly},
		{sdp.DirectionInactive, false, sdp.DirectionInactive},
		// broadcast-only: inactive and recvonly offers both answer sendonly
		{sdp.DirectionInactive, true, sdp.DirectionSendOnly},
		{sdp.DirectionRecvOnly, true, sdp.DirectionSendOnly},
		{sdp.DirectionSendRecv, true, sdp.DirectionSendOnly},
	}
	for _, tc := range cases {
		if got := sdp.AnswerDirection(tc.offer, tc.broadcast); got != tc.want {
			t.Errorf("AnswerDirection(%q, %v) = %q, want %q", tc.offer, tc.broadcast, got, tc.want)
		}
	}
}

func TestIsHold(t *testing.T) {
	t.Parallel()

	if !sdp.IsHold(sdp.DirectionSendOnly) || !sdp.IsHold(sdp.DirectionInactive) {
		t.Errorf("sendonly/inactive must count as hold")
	}
	if sdp.IsHold(sdp.DirectionSendRecv) || sdp.IsHold(sdp.DirectionRecvOnly) {
		t.Errorf("sendrecv/recvonly must not count as hold")
	}
}
