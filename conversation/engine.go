package conversation

import "sync"

// MediaEngine abstracts the platform audio stack. The conversation
// manager negotiates sessions and drives the mix matrix; the engine owns
// devices, codecs and packetization.
type MediaEngine interface {
	// AllocateEndpoint reserves a local media endpoint for a participant
	// and returns its advertised address and port.
	AllocateEndpoint(ph ParticipantHandle) (addr string, port uint16, err error)
	// ReleaseEndpoint frees the participant's endpoint.
	ReleaseEndpoint(ph ParticipantHandle)
	// ApplyWeight sets the bridge weight from src's output into dst's
	// input, 0..100.
	ApplyWeight(src, dst ParticipantHandle, weight int)
	// StartResource begins playback or recording for a media resource
	// participant. The done channel closes when the resource finishes on
	// its own; buf holds cached media when the URL is cache-backed.
	StartResource(ph ParticipantHandle, url *MediaURL, buf []byte) (done <-chan struct{}, err error)
	// StopResource stops a running resource.
	StopResource(ph ParticipantHandle)
	// SupportsLocalAudio reports whether a local participant
	// (microphone/speaker) can exist.
	SupportsLocalAudio() bool
}

// NullEngine is a media engine without devices: endpoints are fabricated
// port numbers and resources complete only by duration. It backs tests
// and signalling-only deployments.
type NullEngine struct {
	// Addr is the advertised media address, default 127.0.0.1.
	Addr string

	mu       sync.Mutex
	nextPort uint16
	running  map[ParticipantHandle]chan struct{}
}

func (e *NullEngine) addr() string {
	if e.Addr == "" {
		return "127.0.0.1"
	}
	return e.Addr
}

func (e *NullEngine) AllocateEndpoint(ParticipantHandle) (string, uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextPort == 0 {
		e.nextPort = 16384
	}
	port := e.nextPort
	e.nextPort += 2
	return e.addr(), port, nil
}

func (e *NullEngine) ReleaseEndpoint(ParticipantHandle) {}

// SupportsLocalAudio always reports false: NullEngine has no devices.
func (e *NullEngine) SupportsLocalAudio() bool { return false }

func (e *NullEngine) ApplyWeight(ParticipantHandle, ParticipantHandle, int) {}

func (e *NullEngine) StartResource(ph ParticipantHandle, _ *MediaURL, _ []byte) (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == nil {
		e.running = make(map[ParticipantHandle]chan struct{})
	}
	done := make(chan struct{})
	e.running[ph] = done
	return done, nil
}

func (e *NullEngine) StopResource(ph ParticipantHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if done, ok := e.running[ph]; ok {
		close(done)
		delete(e.running, ph)
	}
}

var _ MediaEngine = (*NullEngine)(nil)
