// Package media owns the client's local capture state: which tracks are
// live, whether the microphone is enabled, and the exclusive handle on
// whatever device stream is currently open. Actual capture is provided by
// the platform layer; this package only manages ownership and flags.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ErrAccessDenied reports that the platform refused access to a capture
// device. Callers surface it to the user instead of retrying.
var ErrAccessDenied = errors.New("media device access denied")

// Track pairs a sendable local track with the function that releases its
// capture resources. Stop is idempotent.
type Track struct {
	Local webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

func NewTrack(local webrtc.TrackLocal, stop func()) *Track {
	return &Track{Local: local, stop: stop}
}

func (t *Track) ID() string { return t.Local.ID() }

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

// Stream bundles the tracks captured from one device acquisition. The
// audio-enabled flag backs mute: toggling it never touches negotiation.
type Stream struct {
	mu     sync.Mutex
	tracks []*Track

	audioEnabled atomic.Bool
}

func NewStream(tracks ...*Track) *Stream {
	s := &Stream{tracks: tracks}
	s.audioEnabled.Store(true)
	return s
}

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Add appends a track captured after the stream was created, such as a
// screen share started mid-session.
func (s *Stream) Add(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Remove stops and drops the track with the given id. Unknown ids are a
// no-op.
func (s *Stream) Remove(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == trackID {
			t.Stop()
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

func (s *Stream) SetAudioEnabled(enabled bool) { s.audioEnabled.Store(enabled) }
func (s *Stream) AudioEnabled() bool           { return s.audioEnabled.Load() }

// Stop releases every track. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// Acquirer opens a device stream. Implementations wrap the platform
// capture API and return ErrAccessDenied when the user refuses.
type Acquirer func() (*Stream, error)

// Devices holds the single live device stream. Device handles are an
// exclusive OS resource, so acquiring a new stream stops the previous one
// before the new acquisition runs.
type Devices struct {
	mu      sync.Mutex
	current *Stream
}

func NewDevices() *Devices {
	return &Devices{}
}

// Acquire swaps the live stream: the old one is stopped first, then
// acquire runs. On acquisition failure no stream is held.
func (d *Devices) Acquire(acquire Acquirer) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		d.current.Stop()
		d.current = nil
	}
	s, err := acquire()
	if err != nil {
		return nil, err
	}
	d.current = s
	return s, nil
}

// Current returns the live stream, or nil when none is held.
func (d *Devices) Current() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Release stops and forgets the live stream. Idempotent.
func (d *Devices) Release() {
	d.mu.Lock()
	s := d.current
	d.current = nil
	d.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}
