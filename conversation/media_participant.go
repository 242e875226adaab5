package conversation

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/looplab/fsm"

	"github.com/halcyontel/converge/internal/timeutil"
	"github.com/halcyontel/converge/sip"
)

// MediaParticipant plays or records a media URL into its conversations.
// Playback that runs out (duration hit or resource finished without
// repeat) destroys the participant automatically.
type MediaParticipant struct {
	participant
	url *MediaURL

	life    *fsm.FSM
	durTmr  *timeutil.Timer
	stopped bool
}

const (
	mediaStateCreated = "created"
	mediaStateRunning = "running"
	mediaStateDone    = "done"
	mediaStateFailed  = "failed"
)

func newMediaParticipant(mgr *Manager, handle ParticipantHandle, url *MediaURL) *MediaParticipant {
	mp := &MediaParticipant{
		participant: newParticipant(mgr, handle),
		url:         url,
	}
	mp.life = fsm.NewFSM(
		mediaStateCreated,
		fsm.Events{
			{Name: "start", Src: []string{mediaStateCreated}, Dst: mediaStateRunning},
			{Name: "finish", Src: []string{mediaStateRunning}, Dst: mediaStateDone},
			{Name: "fail", Src: []string{mediaStateCreated, mediaStateRunning}, Dst: mediaStateFailed},
		},
		fsm.Callbacks{},
	)
	return mp
}

// URL returns the media resource URL.
func (mp *MediaParticipant) URL() *MediaURL { return mp.url }

// start begins playback or recording; stack goroutine only.
func (mp *MediaParticipant) start() error {
	var buf []byte
	if mp.url.Kind == MediaURLCache {
		data, _, ok := mp.mgr.cache.GetBuffer(mp.url.Resource)
		if !ok {
			mp.life.Event(context.Background(), "fail") //nolint:errcheck
			return errtrace.Wrap(sip.NewWrapperError(ErrBadMediaURL, "cache entry %q not found", mp.url.Resource))
		}
		buf = data
	}

	done, err := mp.mgr.engine.StartResource(mp.handle, mp.url, buf)
	if err != nil {
		mp.life.Event(context.Background(), "fail") //nolint:errcheck
		return errtrace.Wrap(err)
	}
	mp.life.Event(context.Background(), "start") //nolint:errcheck

	if mp.url.Duration > 0 {
		mp.durTmr = timeutil.AfterFunc(mp.url.Duration, func() {
			mp.mgr.post(func() { mp.onFinished(false) })
		})
	}
	go func() {
		<-done
		mp.mgr.post(func() { mp.onResourceDone() })
	}()
	return nil
}

// onResourceDone handles the engine finishing on its own: repeat loops,
// everything else completes.
func (mp *MediaParticipant) onResourceDone() {
	if mp.stopped || mp.life.Current() != mediaStateRunning {
		return
	}
	if mp.url.Repeat && mp.url.Kind != MediaURLTone {
		var buf []byte
		if mp.url.Kind == MediaURLCache {
			buf, _, _ = mp.mgr.cache.GetBuffer(mp.url.Resource)
		}
		if done, err := mp.mgr.engine.StartResource(mp.handle, mp.url, buf); err == nil {
			go func() {
				<-done
				mp.mgr.post(func() { mp.onResourceDone() })
			}()
			return
		}
	}
	mp.onFinished(false)
}

func (mp *MediaParticipant) onFinished(failed bool) {
	if mp.stopped {
		return
	}
	if failed {
		mp.life.Event(context.Background(), "fail") //nolint:errcheck
	} else {
		mp.life.Event(context.Background(), "finish") //nolint:errcheck
	}
	mp.mgr.handler.OnMediaResourceDone(mp.handle, failed)
	mp.mgr.destroyParticipantLocked(mp, sip.StatusOK)
}

// release implements [Participant].
func (mp *MediaParticipant) release(sip.StatusCode) {
	if mp.stopped {
		return
	}
	mp.stopped = true
	mp.durTmr.Stop()
	mp.mgr.engine.StopResource(mp.handle)
}

// LogValue implements [slog.LogValuer].
func (mp *MediaParticipant) LogValue() slog.Value {
	return slog.GroupValue(
		handleAttr("handle", uint64(mp.handle)),
		slog.String("url", mp.url.String()),
		slog.String("state", mp.life.Current()),
	)
}

var _ Participant = (*MediaParticipant)(nil)
