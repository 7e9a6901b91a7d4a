// Package recorder writes the remote side of a call to a webm file and
// optionally ships finished files to object storage. Recording is a
// bystander: its failures are logged and never disturb the call.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config describes the output container.
type Config struct {
	OutputPath   string
	Width        int
	Height       int
	Framerate    int
	SampleRate   int
	ChannelCount int
}

// NewDefaultConfig matches what the remote browser tracks typically carry:
// VP8 video and 48 kHz stereo Opus.
func NewDefaultConfig(outputPath string) Config {
	return Config{
		OutputPath:   outputPath,
		Width:        1280,
		Height:       720,
		Framerate:    30,
		SampleRate:   48000,
		ChannelCount: 2,
	}
}

// Recorder muxes one remote VP8 track and one remote Opus track into a
// .webm file.
type Recorder struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	isRecording bool
	currentFile string
	videoWriter webm.BlockWriteCloser
	audioWriter webm.BlockWriteCloser

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log *zap.Logger) *Recorder {
	return &Recorder{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
}

// Start opens a timestamped output file. Calling Start on a running
// recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRecording {
		return nil
	}

	if err := os.MkdirAll(r.cfg.OutputPath, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	r.currentFile = filepath.Join(r.cfg.OutputPath, fmt.Sprintf("call_%s.webm", timestamp))

	file, err := os.Create(r.currentFile)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        12345,
				CodecID:         "V_VP8",
				TrackType:       1,
				DefaultDuration: uint64(time.Second/time.Duration(r.cfg.Framerate)) * 1000,
				Video: &webm.Video{
					PixelWidth:  uint64(r.cfg.Width),
					PixelHeight: uint64(r.cfg.Height),
				},
			},
			{
				Name:        "Audio",
				TrackNumber: 2,
				TrackUID:    67890,
				CodecID:     "A_OPUS",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(r.cfg.SampleRate),
					Channels:          uint64(r.cfg.ChannelCount),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		return fmt.Errorf("create webm writer: %w", err)
	}

	r.videoWriter = ws[0]
	r.audioWriter = ws[1]
	r.isRecording = true
	r.log.Info("recording started", zap.String("file", r.currentFile))
	return nil
}

// Stop finalizes the container. An empty output file is removed and
// reported as a failure.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRecording {
		return nil
	}
	r.isRecording = false

	for _, w := range []webm.BlockWriteCloser{r.videoWriter, r.audioWriter} {
		if w != nil {
			if err := w.Close(); err != nil {
				return fmt.Errorf("close webm writer: %w", err)
			}
		}
	}
	r.videoWriter = nil
	r.audioWriter = nil

	info, err := os.Stat(r.currentFile)
	if err != nil {
		return fmt.Errorf("verify recording file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(r.currentFile)
		return fmt.Errorf("recording failed: output file is empty")
	}

	r.log.Info("recording saved",
		zap.String("file", r.currentFile),
		zap.Int64("bytes", info.Size()))
	return nil
}

// FilePath returns the current output file path.
func (r *Recorder) FilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentFile
}

// Close stops the read loops and finalizes the file.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return r.Stop()
}

// HandleTrack consumes one remote track until it ends or the recorder
// closes. Run it on its own goroutine per track; it is the OnRemoteTrack
// consumer of a session.
func (r *Recorder) HandleTrack(track *webrtc.TrackRemote) error {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		return r.consumeVideo(track)
	case webrtc.RTPCodecTypeAudio:
		return r.consumeAudio(track)
	default:
		return nil
	}
}

// consumeVideo reassembles VP8 frames from RTP packets. Video blocks are
// held back until the first keyframe so the file starts decodable.
func (r *Recorder) consumeVideo(track *webrtc.TrackRemote) error {
	asm := newVP8Assembler()
	var sawKeyframe bool

	for {
		select {
		case <-r.done:
			return nil
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return fmt.Errorf("read video rtp: %w", err)
		}

		frame, ok := asm.push(pkt.Timestamp, pkt.Payload)
		if !ok {
			continue
		}
		if frame.keyframe {
			sawKeyframe = true
		}
		if sawKeyframe {
			r.writeBlock(true, frame.keyframe, frame.tc, frame.data)
		}
	}
}

func (r *Recorder) consumeAudio(track *webrtc.TrackRemote) error {
	for {
		select {
		case <-r.done:
			return nil
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return fmt.Errorf("read audio rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		tc := int64(pkt.Timestamp) / 48 // Opus clock is 48 kHz
		r.writeBlock(false, false, tc, pkt.Payload)
	}
}

func (r *Recorder) writeBlock(video, keyframe bool, tc int64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRecording {
		return
	}
	w := r.audioWriter
	if video {
		w = r.videoWriter
	}
	if w == nil {
		return
	}
	if _, err := w.Write(keyframe, tc, data); err != nil {
		// Keep recording; one bad block is not worth losing the file.
		r.log.Warn("webm block write failed", zap.Bool("video", video), zap.Error(err))
	}
}

// vp8Frame is one reassembled VP8 frame with its container timecode in
// milliseconds.
type vp8Frame struct {
	data     []byte
	keyframe bool
	tc       int64
}

// vp8Assembler rebuilds frames from depacketized RTP. The depacketizer
// strips the payload descriptor; a frame starts where it reports the S bit,
// and the inverse key bit lives in the first payload byte. A frame completes
// when the next start-of-partition arrives and carries its own RTP
// timestamp, not the timestamp of the packet that flushed it.
type vp8Assembler struct {
	frame    []byte
	frameTS  int64
	keyframe bool
	started  bool
	ts       *timestampUnwrapper
	vp8      codecs.VP8Packet
}

func newVP8Assembler() *vp8Assembler {
	return &vp8Assembler{ts: newTimestampUnwrapper()}
}

func (a *vp8Assembler) push(timestamp uint32, payload []byte) (vp8Frame, bool) {
	p, err := a.vp8.Unmarshal(payload)
	if err != nil || len(p) == 0 {
		return vp8Frame{}, false
	}

	var out vp8Frame
	var ok bool
	if a.vp8.S == 1 {
		if a.started && len(a.frame) > 0 {
			out = vp8Frame{
				data:     append([]byte(nil), a.frame...),
				keyframe: a.keyframe,
				tc:       a.frameTS / 90, // VP8 clock is 90 kHz
			}
			ok = true
		}
		a.frame = a.frame[:0]
		a.frameTS = a.ts.unwrap(int64(timestamp))
		a.keyframe = p[0]&0x01 == 0
		a.started = true
	}
	if a.started {
		a.frame = append(a.frame, p...)
	}
	return out, ok
}

// timestampUnwrapper extends the 32-bit RTP timestamp counter across
// overflow and underflow.
type timestampUnwrapper struct {
	last int64
	base int64
}

func newTimestampUnwrapper() *timestampUnwrapper {
	return &timestampUnwrapper{last: -1}
}

func (u *timestampUnwrapper) unwrap(raw int64) int64 {
	if u.last == -1 {
		u.last = raw
	}
	if raw < 0x10000 && u.last > 0xFFFFFFFF-0x10000 {
		u.base += 0x100000000
	} else if u.last < 0x10000 && raw > 0xFFFFFFFF-0x10000 {
		u.base -= 0x100000000
	}
	u.last = raw
	return raw + u.base
}
