// Package media owns the local capture tracks for a session: microphone,
// camera and screen. The bundle is the single owner of their lifetimes;
// sessions read tracks from it and never stop them directly.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrAlreadySharing is returned when StartScreen is called while a screen
// track is active.
var ErrAlreadySharing = errors.New("screen share already active")

// Notices emitted to peers when a control toggles. Advisory only; the media
// path is untouched by them.
const (
	NoticeMuted    = "muted"
	NoticeUnmuted  = "unmuted"
	NoticeVideoOn  = "video_on"
	NoticeVideoOff = "video_off"
)

// Track pairs a local track with its capture stop function. Stop is safe to
// call more than once.
type Track struct {
	local webrtc.TrackLocal

	once sync.Once
	stop func()
}

// NewTrack wraps a capture track. stop may be nil for tracks with no
// underlying device.
func NewTrack(local webrtc.TrackLocal, stop func()) *Track {
	return &Track{local: local, stop: stop}
}

// Local returns the track to hand to AddTrack/ReplaceTrack.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Stop releases the capture device exactly once.
func (t *Track) Stop() {
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

// Bundle holds the local media state. The video slot carries exactly one of
// camera or screen at any time; starting a share parks the camera, stopping
// it restores the camera. Either capture may be absent: joins proceed
// without devices.
type Bundle struct {
	log *zap.Logger

	mu            sync.Mutex
	mic           *Track
	camera        *Track
	screen        *Track
	micEnabled    bool
	cameraEnabled bool
	closed        bool
}

// NewBundle takes ownership of the captured tracks. Nil mic or camera means
// that device was unavailable.
func NewBundle(mic, camera *Track, log *zap.Logger) *Bundle {
	return &Bundle{
		log:           log,
		mic:           mic,
		camera:        camera,
		micEnabled:    mic != nil,
		cameraEnabled: camera != nil,
	}
}

// Audio returns the outbound audio track, or nil.
func (b *Bundle) Audio() webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mic == nil {
		return nil
	}
	return b.mic.Local()
}

// Video returns whatever currently occupies the video slot: the screen while
// sharing, the camera otherwise, nil when neither exists.
func (b *Bundle) Video() webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.screen != nil {
		return b.screen.Local()
	}
	if b.camera == nil {
		return nil
	}
	return b.camera.Local()
}

// Sharing reports whether the screen occupies the video slot.
func (b *Bundle) Sharing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.screen != nil
}

// ToggleMic flips the mute flag and returns the new state plus the notice to
// broadcast. With no mic the flag stays false.
func (b *Bundle) ToggleMic() (enabled bool, notice string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mic == nil {
		return false, NoticeMuted
	}
	b.micEnabled = !b.micEnabled
	if b.micEnabled {
		return true, NoticeUnmuted
	}
	return false, NoticeMuted
}

// ToggleCamera flips the camera flag and returns the new state plus the
// notice to broadcast.
func (b *Bundle) ToggleCamera() (enabled bool, notice string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.camera == nil {
		return false, NoticeVideoOff
	}
	b.cameraEnabled = !b.cameraEnabled
	if b.cameraEnabled {
		return true, NoticeVideoOn
	}
	return false, NoticeVideoOff
}

// MicEnabled reports the current mute flag.
func (b *Bundle) MicEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.micEnabled
}

// CameraEnabled reports the current camera flag.
func (b *Bundle) CameraEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cameraEnabled
}

// StartScreen puts the screen track on the video slot. The camera is kept,
// not stopped, so it can be restored. Returns the track to ReplaceTrack
// with.
func (b *Bundle) StartScreen(screen *Track) (webrtc.TrackLocal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.screen != nil {
		return nil, ErrAlreadySharing
	}
	b.screen = screen
	b.log.Info("screen share started")
	return screen.Local(), nil
}

// StopScreen stops the screen capture and restores the camera to the video
// slot. The returned track is the restore target (nil with no camera); ok is
// false when no share was active.
func (b *Bundle) StopScreen() (restore webrtc.TrackLocal, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.screen == nil {
		return nil, false
	}
	b.screen.Stop()
	b.screen = nil
	b.log.Info("screen share stopped")
	if b.camera == nil {
		return nil, true
	}
	return b.camera.Local(), true
}

// DropVideo stops and discards every video source. Receive-only participants
// call this on role assignment so no video can ever be attached.
func (b *Bundle) DropVideo() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.screen != nil {
		b.screen.Stop()
		b.screen = nil
	}
	if b.camera != nil {
		b.camera.Stop()
		b.camera = nil
	}
	b.cameraEnabled = false
}

// Close stops every capture. Idempotent; it runs on every exit path.
func (b *Bundle) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range []*Track{b.mic, b.camera, b.screen} {
		if t != nil {
			t.Stop()
		}
	}
	b.mic, b.camera, b.screen = nil, nil, nil
	b.micEnabled, b.cameraEnabled = false, false
}
