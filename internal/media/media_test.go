package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

type stubLocal struct {
	id string
}

func (s *stubLocal) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (s *stubLocal) Unbind(webrtc.TrackLocalContext) error { return nil }
func (s *stubLocal) ID() string                            { return s.id }
func (s *stubLocal) RID() string                           { return "" }
func (s *stubLocal) StreamID() string                      { return "s" }
func (s *stubLocal) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

func newCountedTrack(id string, stops *int) *Track {
	return NewTrack(&stubLocal{id: id}, func() { *stops++ })
}

func TestTrack_StopIdempotent(t *testing.T) {
	var stops int
	tr := newCountedTrack("mic", &stops)
	tr.Stop()
	tr.Stop()
	if stops != 1 {
		t.Fatalf("stop ran %d times", stops)
	}
}

func TestStream_AudioFlagDefaultsEnabled(t *testing.T) {
	s := NewStream()
	if !s.AudioEnabled() {
		t.Fatalf("new stream should start unmuted")
	}
	s.SetAudioEnabled(false)
	if s.AudioEnabled() {
		t.Fatalf("flag not cleared")
	}
}

func TestStream_RemoveStopsOnlyNamedTrack(t *testing.T) {
	var micStops, screenStops int
	mic := newCountedTrack("mic", &micStops)
	screen := newCountedTrack("screen", &screenStops)
	s := NewStream(mic, screen)

	s.Remove("screen")
	if screenStops != 1 || micStops != 0 {
		t.Fatalf("wrong track stopped: mic=%d screen=%d", micStops, screenStops)
	}
	if got := s.Tracks(); len(got) != 1 || got[0].ID() != "mic" {
		t.Fatalf("unexpected remaining tracks: %v", got)
	}

	s.Remove("ghost")
	if len(s.Tracks()) != 1 {
		t.Fatalf("removing an unknown id must be a no-op")
	}
}

func TestStream_StopStopsEverythingOnce(t *testing.T) {
	var micStops, screenStops int
	s := NewStream(newCountedTrack("mic", &micStops), newCountedTrack("screen", &screenStops))

	s.Stop()
	s.Stop()
	if micStops != 1 || screenStops != 1 {
		t.Fatalf("stops: mic=%d screen=%d", micStops, screenStops)
	}
	if len(s.Tracks()) != 0 {
		t.Fatalf("stopped stream still holds tracks")
	}
}

func TestDevices_AcquireStopsPreviousStream(t *testing.T) {
	d := NewDevices()

	var firstStops int
	first, err := d.Acquire(func() (*Stream, error) {
		return NewStream(newCountedTrack("mic", &firstStops)), nil
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if d.Current() != first {
		t.Fatalf("current stream not tracked")
	}

	second, err := d.Acquire(func() (*Stream, error) {
		return NewStream(), nil
	})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if firstStops != 1 {
		t.Fatalf("previous stream not stopped before reacquire")
	}
	if d.Current() != second {
		t.Fatalf("current should be the new stream")
	}
}

func TestDevices_AcquireFailureHoldsNothing(t *testing.T) {
	d := NewDevices()
	if _, err := d.Acquire(func() (*Stream, error) { return nil, ErrAccessDenied }); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("want ErrAccessDenied, got %v", err)
	}
	if d.Current() != nil {
		t.Fatalf("failed acquisition must leave no stream")
	}
}

func TestDevices_ReleaseIdempotent(t *testing.T) {
	d := NewDevices()
	var stops int
	if _, err := d.Acquire(func() (*Stream, error) {
		return NewStream(newCountedTrack("mic", &stops)), nil
	}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	d.Release()
	d.Release()
	if stops != 1 {
		t.Fatalf("release stopped the stream %d times", stops)
	}
	if d.Current() != nil {
		t.Fatalf("released devices still hold a stream")
	}
}
